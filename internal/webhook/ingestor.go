// Package webhook admits tracker deliveries and processes accepted events
// asynchronously: echoes of our own writes are dropped, label creations update
// the label index, and everything else goes to the notifier.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/agentworkforce/labelrelay/internal/dedup"
	"github.com/agentworkforce/labelrelay/internal/logging"
)

const DefaultShutdownTimeout = time.Second

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("ingestor is shut down")
)

type Outcome string

const (
	Accepted         Outcome = "accepted"
	DuplicateIgnored Outcome = "duplicate"
	SchemaInvalid    Outcome = "schema_invalid"
	Unauthorized     Outcome = "unauthorized"
	// Malformed covers a bad delivery id header and a body that is not JSON.
	Malformed Outcome = "malformed"
)

// Delivery is one inbound webhook request as seen by the HTTP layer.
type Delivery struct {
	ID           string
	Body         []byte
	Secret       string
	Signature    string
	RemoteAddr   string
	ForwardedFor string
}

type Result struct {
	Outcome    Outcome `json:"outcome"`
	DeliveryID string  `json:"deliveryId,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

type Suppressor interface {
	Consume(id string) bool
}

type Index interface {
	Put(ctx context.Context, teamID, labelName, labelID string) error
}

// Notifier receives every accepted event that is neither a suppressed echo
// nor a label creation.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type Options struct {
	Auth       Auth
	Dedup      dedup.Set
	Suppressor Suppressor
	Index      Index
	Notifier   Notifier
	Logger     *log.Logger
}

type Stats struct {
	Accepted      uint64 `json:"accepted"`
	Duplicate     uint64 `json:"duplicate"`
	SchemaInvalid uint64 `json:"schemaInvalid"`
	Unauthorized  uint64 `json:"unauthorized"`
	Malformed     uint64 `json:"malformed"`
	Suppressed    uint64 `json:"suppressed"`
	Indexed       uint64 `json:"indexed"`
	Rendered      uint64 `json:"rendered"`
	Failed        uint64 `json:"failed"`
	InFlight      int64  `json:"inFlight"`
}

type counters struct {
	accepted      atomic.Uint64
	duplicate     atomic.Uint64
	schemaInvalid atomic.Uint64
	unauthorized  atomic.Uint64
	malformed     atomic.Uint64
	suppressed    atomic.Uint64
	indexed       atomic.Uint64
	rendered      atomic.Uint64
	failed        atomic.Uint64
	inFlight      atomic.Int64
}

type Ingestor struct {
	dedup      dedup.Set
	suppressor Suppressor
	index      Index
	notifier   Notifier
	logger     *log.Logger

	authMu sync.RWMutex
	auth   authState

	// mu guards closed against wg.Add so Shutdown never races a new unit.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
	stats   counters
}

func NewIngestor(opts Options) (*Ingestor, error) {
	if opts.Dedup == nil || opts.Suppressor == nil || opts.Index == nil {
		return nil, fmt.Errorf("%w: dedup set, suppressor and index are required", ErrInvalidInput)
	}
	auth, err := compileAuth(opts.Auth)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		dedup:      opts.Dedup,
		suppressor: opts.Suppressor,
		index:      opts.Index,
		notifier:   opts.Notifier,
		logger:     logging.Component(opts.Logger, "webhook"),
		auth:       auth,
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

// SetAuth swaps the caller checks without interrupting in-flight work.
func (i *Ingestor) SetAuth(auth Auth) error {
	state, err := compileAuth(auth)
	if err != nil {
		return err
	}
	i.authMu.Lock()
	i.auth = state
	i.authMu.Unlock()
	i.logger.Info("webhook auth reloaded", "allowed_ips", len(state.allowed), "signed", state.signingSecret != "")
	return nil
}

// Ingest runs the synchronous admission steps and, for accepted deliveries,
// starts processing in the background before returning. The returned error
// is reserved for failures of the ingestor itself (a closed ingestor or an
// unreachable dedup store); every caller-visible outcome is in Result.
func (i *Ingestor) Ingest(ctx context.Context, d Delivery) (Result, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		return Result{}, ErrClosed
	}

	i.authMu.RLock()
	auth := i.auth
	i.authMu.RUnlock()
	if reason := auth.check(d); reason != "" {
		i.stats.unauthorized.Add(1)
		i.logger.Debug("rejected delivery", "reason", reason, "forwarded_for", d.ForwardedFor, "remote", d.RemoteAddr)
		return Result{Outcome: Unauthorized, Reason: reason}, nil
	}

	parsed, err := uuid.Parse(strings.TrimSpace(d.ID))
	if err != nil {
		i.stats.malformed.Add(1)
		i.logger.Debug("ignoring delivery with invalid delivery id", "delivery", d.ID)
		return Result{Outcome: Malformed, Reason: "Linear-Delivery header missing or not a UUID"}, nil
	}
	deliveryID := parsed.String()

	first, err := i.dedup.MarkSeen(ctx, deliveryID)
	if err != nil {
		return Result{}, err
	}
	if !first {
		i.stats.duplicate.Add(1)
		i.logger.Debug("ignoring duplicate delivery", "delivery", deliveryID)
		return Result{Outcome: DuplicateIgnored, DeliveryID: deliveryID, Reason: "delivery id was already handled"}, nil
	}

	event, err := Decode(d.Body)
	if err != nil {
		if errors.Is(err, ErrMalformedJSON) {
			i.stats.malformed.Add(1)
			i.logger.Debug("ignoring delivery with bad JSON", "delivery", deliveryID, "err", err)
			return Result{Outcome: Malformed, DeliveryID: deliveryID, Reason: "body is not valid JSON"}, nil
		}
		if !errors.Is(err, ErrSchemaInvalid) {
			return Result{}, err
		}
		i.stats.schemaInvalid.Add(1)
		i.logger.Warn("failed to validate event", "delivery", deliveryID, "err", err)
		return Result{Outcome: SchemaInvalid, DeliveryID: deliveryID, Reason: "failed to validate schema, webhook ignored"}, nil
	}

	i.stats.accepted.Add(1)
	i.stats.inFlight.Add(1)
	i.wg.Add(1)
	go i.process(deliveryID, event)
	return Result{Outcome: Accepted, DeliveryID: deliveryID}, nil
}

func (i *Ingestor) process(deliveryID string, event Event) {
	defer i.wg.Done()
	defer i.stats.inFlight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			i.stats.failed.Add(1)
			i.logger.Error("webhook handler panicked", "delivery", deliveryID, "panic", r)
		}
	}()
	if err := i.handle(i.baseCtx, event); err != nil {
		i.stats.failed.Add(1)
		i.logger.Error("error handling webhook", "delivery", deliveryID, "type", event.Type, "action", event.Action, "err", err)
	}
}

func (i *Ingestor) handle(ctx context.Context, event Event) error {
	id := event.Data.EntityID()
	if i.suppressor.Consume(id) {
		i.stats.suppressed.Add(1)
		i.logger.Debug("dropping self-generated event", "type", event.Type, "action", event.Action, "id", id)
		return nil
	}
	if label, ok := event.LabelCreated(); ok {
		if label.TeamID == "" {
			return nil
		}
		if err := i.index.Put(ctx, label.TeamID, label.Name, label.ID); err != nil {
			return fmt.Errorf("index label %s: %w", label.ID, err)
		}
		i.stats.indexed.Add(1)
		return nil
	}
	if i.notifier == nil {
		return nil
	}
	if err := i.notifier.Notify(ctx, event); err != nil {
		return err
	}
	i.stats.rendered.Add(1)
	return nil
}

// Shutdown stops admitting deliveries and waits for in-flight units until ctx
// is done. Units still running at that point are cancelled and abandoned.
func (i *Ingestor) Shutdown(ctx context.Context) error {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		i.cancel()
		return nil
	case <-ctx.Done():
		abandoned := i.stats.inFlight.Load()
		i.cancel()
		i.logger.Warn("abandoning in-flight webhook units", "count", abandoned)
		return fmt.Errorf("%d webhook units still running: %w", abandoned, ctx.Err())
	}
}

func (i *Ingestor) Stats() Stats {
	return Stats{
		Accepted:      i.stats.accepted.Load(),
		Duplicate:     i.stats.duplicate.Load(),
		SchemaInvalid: i.stats.schemaInvalid.Load(),
		Unauthorized:  i.stats.unauthorized.Load(),
		Malformed:     i.stats.malformed.Load(),
		Suppressed:    i.stats.suppressed.Load(),
		Indexed:       i.stats.indexed.Load(),
		Rendered:      i.stats.rendered.Load(),
		Failed:        i.stats.failed.Load(),
		InFlight:      i.stats.inFlight.Load(),
	}
}
