package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agentworkforce/labelrelay/internal/logging"
	"github.com/agentworkforce/labelrelay/internal/tracker"
)

const DefaultRetryBudget = 3

const indexWriteAttempts = 2

var ErrInvalidInput = errors.New("invalid input")

// Tracker is the slice of the tracker client the engine drives.
type Tracker interface {
	ListLabels(ctx context.Context) ([]tracker.Label, error)
	CreateLabel(ctx context.Context, teamID string, in tracker.LabelInput, retryBudget int) (tracker.Label, error)
	UpdateLabel(ctx context.Context, labelID string, in tracker.LabelInput, retryBudget int) (tracker.Label, error)
}

type Index interface {
	Put(ctx context.Context, teamID, labelName, labelID string) error
	Len() int
}

type Suppressor interface {
	Register(id string)
	Forget(id string)
}

type Options struct {
	Tracker     Tracker
	Index       Index
	Suppressor  Suppressor
	RetryBudget int
	// NewID mints client-assigned label ids. Defaults to random UUIDs.
	NewID    func() string
	Progress func(done, total int)
	Logger   *log.Logger
}

type Engine struct {
	tracker     Tracker
	index       Index
	suppressor  Suppressor
	retryBudget int
	newID       func() string
	progress    func(done, total int)
	logger      *log.Logger
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Tracker == nil || opts.Index == nil || opts.Suppressor == nil {
		return nil, fmt.Errorf("%w: tracker, index and suppressor are required", ErrInvalidInput)
	}
	retryBudget := opts.RetryBudget
	if retryBudget <= 0 {
		retryBudget = DefaultRetryBudget
	}
	newID := opts.NewID
	if newID == nil {
		newID = func() string { return uuid.NewString() }
	}
	return &Engine{
		tracker:     opts.Tracker,
		index:       opts.Index,
		suppressor:  opts.Suppressor,
		retryBudget: retryBudget,
		newID:       newID,
		progress:    opts.Progress,
		logger:      logging.Component(opts.Logger, "reconcile"),
	}, nil
}

// ItemError is one failed change. The run continues past it.
type ItemError struct {
	Kind      ChangeKind
	TeamID    string
	TeamName  string
	LabelName string
	Err       error
}

func (e *ItemError) Error() string {
	team := e.TeamName
	if team == "" {
		team = e.TeamID
	}
	return fmt.Sprintf("%s label %q in %s: %v", e.Kind, e.LabelName, team, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

type Report struct {
	Snapshot       Snapshot     `json:"-"`
	Plan           Plan         `json:"-"`
	PlannedCreates int          `json:"plannedCreates"`
	PlannedUpdates int          `json:"plannedUpdates"`
	Created        int          `json:"created"`
	Updated        int          `json:"updated"`
	UpToDate       bool         `json:"upToDate"`
	Summary        string       `json:"summary,omitempty"`
	Errors         []*ItemError `json:"-"`
	// IndexErrors are creates that succeeded remotely but could not be
	// recorded in the local index.
	IndexErrors []*ItemError `json:"-"`
}

func (r Report) Failed() int {
	return len(r.Errors)
}

// Err joins every item error, or returns nil when all changes applied.
func (r Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for _, itemErr := range r.Errors {
		errs = append(errs, itemErr)
	}
	return errors.Join(errs...)
}

func (r Report) ErrorMessages() []string {
	out := make([]string, 0, len(r.Errors))
	for _, itemErr := range r.Errors {
		out = append(out, itemErr.Error())
	}
	return out
}

func (r Report) IndexErrorMessages() []string {
	out := make([]string, 0, len(r.IndexErrors))
	for _, itemErr := range r.IndexErrors {
		out = append(out, itemErr.Error())
	}
	return out
}

// Plan fetches a fresh snapshot and computes the changes without applying them.
func (e *Engine) Plan(ctx context.Context) (Snapshot, Plan, error) {
	labels, err := e.tracker.ListLabels(ctx)
	if err != nil {
		return Snapshot{}, Plan{}, fmt.Errorf("list labels: %w", err)
	}
	snapshot := NewSnapshot(labels)
	return snapshot, BuildPlan(snapshot), nil
}

// Reconcile plans and applies. The returned error covers only failures that
// prevent planning or stop the run early; per-change failures are in
// Report.Errors.
func (e *Engine) Reconcile(ctx context.Context) (Report, error) {
	snapshot, plan, err := e.Plan(ctx)
	if err != nil {
		return Report{}, err
	}
	return e.Apply(ctx, snapshot, plan)
}

// Apply executes plan sequentially: all creates, then all updates.
func (e *Engine) Apply(ctx context.Context, snapshot Snapshot, plan Plan) (Report, error) {
	report := Report{
		Snapshot:       snapshot,
		Plan:           plan,
		PlannedCreates: plan.Creates(),
		PlannedUpdates: plan.Updates(),
	}
	if plan.Empty() {
		report.UpToDate = true
		e.logger.Info("all teams are up to date", "teams", len(snapshot.Teams))
		return report, nil
	}
	report.Summary = FormatPlan(snapshot, plan)
	e.logger.Info("applying label plan", "creates", report.PlannedCreates, "updates", report.PlannedUpdates)

	changes := plan.Changes(snapshot)
	total := len(changes)
	for done, change := range changes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var err error
		switch change.Kind {
		case ChangeCreate:
			var labelID string
			labelID, err = e.create(ctx, snapshot, change)
			if err == nil {
				report.Created++
				if indexErr := e.recordCreated(ctx, change, labelID); indexErr != nil {
					itemErr := &ItemError{
						Kind:      change.Kind,
						TeamID:    change.TeamID,
						TeamName:  snapshot.teamName(change.TeamID),
						LabelName: change.Source.Name,
						Err:       indexErr,
					}
					e.logger.Warn("created label not indexed, run resync-index to repair", "err", itemErr)
					report.IndexErrors = append(report.IndexErrors, itemErr)
				}
			}
		case ChangeUpdate:
			err = e.update(ctx, snapshot, change)
			if err == nil {
				report.Updated++
			}
		}
		if err != nil {
			itemErr := &ItemError{
				Kind:      change.Kind,
				TeamID:    change.TeamID,
				TeamName:  snapshot.teamName(change.TeamID),
				LabelName: change.Source.Name,
				Err:       err,
			}
			e.logger.Error("label change failed", "err", itemErr)
			report.Errors = append(report.Errors, itemErr)
		}
		if e.progress != nil {
			e.progress(done+1, total)
		}
	}
	e.logger.Info("label plan applied", "created", report.Created, "updated", report.Updated, "failed", report.Failed())
	return report, nil
}

func (e *Engine) create(ctx context.Context, snapshot Snapshot, change Change) (string, error) {
	id := e.newID()
	e.logger.Debug("creating label", "name", change.Source.Name, "team", snapshot.teamName(change.TeamID), "source", snapshot.teamName(change.Source.TeamID), "id", id)
	e.suppressor.Register(id)
	created, err := e.tracker.CreateLabel(ctx, change.TeamID, tracker.LabelInput{
		ID:          id,
		Name:        change.Source.Name,
		Color:       change.Source.Color,
		Description: change.Source.Description,
	}, e.retryBudget)
	if err != nil {
		e.forgetIfRejected(id, err)
		return "", err
	}
	labelID := strings.TrimSpace(created.ID)
	if labelID == "" {
		labelID = id
	}
	if labelID != id {
		// The tracker ignored the assigned id. The real id is only known now, so
		// an echo delivered before this point is not suppressed.
		e.logger.Warn("tracker replaced assigned label id", "assigned", id, "id", labelID)
		e.suppressor.Register(labelID)
		e.suppressor.Forget(id)
	}
	return labelID, nil
}

// recordCreated stores a created label in the index. The label already exists
// remotely, so a failure here does not undo the create.
func (e *Engine) recordCreated(ctx context.Context, change Change, labelID string) error {
	var err error
	for attempt := 0; attempt < indexWriteAttempts; attempt++ {
		if err = e.index.Put(ctx, change.TeamID, change.Source.Name, labelID); err == nil {
			return nil
		}
	}
	return fmt.Errorf("record created label %s: %w", labelID, err)
}

func (e *Engine) update(ctx context.Context, snapshot Snapshot, change Change) error {
	id := change.Existing.ID
	e.logger.Debug("updating label", "name", change.Source.Name, "team", snapshot.teamName(change.TeamID), "source", snapshot.teamName(change.Source.TeamID), "id", id)
	e.suppressor.Register(id)
	_, err := e.tracker.UpdateLabel(ctx, id, tracker.LabelInput{
		Name:        change.Source.Name,
		Color:       change.Source.Color,
		Description: change.Source.Description,
	}, e.retryBudget)
	if err != nil {
		e.forgetIfRejected(id, err)
		return err
	}
	return nil
}

// forgetIfRejected drops the suppression entry when the tracker definitely did
// not apply the write. Transport failures and exhausted transient retries may
// still have landed, so their entries stay until the TTL expires.
func (e *Engine) forgetIfRejected(id string, err error) {
	var appErr *tracker.ApplicationError
	if errors.As(err, &appErr) && !appErr.Transient() {
		e.suppressor.Forget(id)
		return
	}
	if errors.Is(err, tracker.ErrInvalidInput) || errors.Is(err, tracker.ErrMutationUnsuccessful) {
		e.suppressor.Forget(id)
	}
}

// SeedIndex stores every (team, name) -> id pair currently known to the
// tracker. Unless force is set it does nothing when the index already has
// entries.
func (e *Engine) SeedIndex(ctx context.Context, force bool) (int, error) {
	if !force && e.index.Len() > 0 {
		return 0, nil
	}
	labels, err := e.tracker.ListLabels(ctx)
	if err != nil {
		return 0, fmt.Errorf("list labels: %w", err)
	}
	stored := 0
	for _, label := range labels {
		if label.TeamID == "" || label.ID == "" {
			continue
		}
		if err := e.index.Put(ctx, label.TeamID, label.Name, label.ID); err != nil {
			return stored, fmt.Errorf("store label %s: %w", label.ID, err)
		}
		stored++
	}
	e.logger.Info("label index seeded", "labels", stored)
	return stored, nil
}
