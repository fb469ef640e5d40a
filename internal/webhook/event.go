package webhook

import "time"

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

type Kind string

const (
	KindIssue      Kind = "Issue"
	KindComment    Kind = "Comment"
	KindReaction   Kind = "Reaction"
	KindIssueLabel Kind = "IssueLabel"
	KindAttachment Kind = "Attachment"
	KindProject    Kind = "Project"
)

// Entity is the closed set of payload types a delivery can carry. Each
// implementation lives in this file.
type Entity interface {
	EntityID() string
	Kind() Kind
	isEntity()
}

// Event is one decoded delivery.
type Event struct {
	Action    Action    `json:"action"`
	Type      Kind      `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
	URL       string    `json:"url,omitempty"`
	Data      Entity    `json:"data"`
}

// LabelCreated returns the label when the event announces a new label.
func (e Event) LabelCreated() (IssueLabel, bool) {
	if e.Action != ActionCreate {
		return IssueLabel{}, false
	}
	label, ok := e.Data.(IssueLabel)
	return label, ok
}

type MinimalUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type MinimalTeam struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

type MinimalIssue struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Identifier string `json:"identifier,omitempty"`
}

type MinimalComment struct {
	ID     string `json:"id"`
	Body   string `json:"body"`
	UserID string `json:"userId,omitempty"`
}

type MinimalLabel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type IssueState struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type Issue struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Identifier    string         `json:"identifier,omitempty"`
	Number        int            `json:"number"`
	Description   string         `json:"description,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	PriorityLabel string         `json:"priorityLabel,omitempty"`
	Estimate      *int           `json:"estimate,omitempty"`
	TeamID        string         `json:"teamId"`
	Team          *MinimalTeam   `json:"team,omitempty"`
	StateID       string         `json:"stateId,omitempty"`
	State         *IssueState    `json:"state,omitempty"`
	AssigneeID    string         `json:"assigneeId,omitempty"`
	Assignee      *MinimalUser   `json:"assignee,omitempty"`
	CreatorID     string         `json:"creatorId,omitempty"`
	ParentID      string         `json:"parentId,omitempty"`
	LabelIDs      []string       `json:"labelIds,omitempty"`
	Labels        []MinimalLabel `json:"labels,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	CanceledAt    *time.Time     `json:"canceledAt,omitempty"`
}

type Comment struct {
	ID        string       `json:"id"`
	Body      string       `json:"body"`
	IssueID   string       `json:"issueId"`
	Issue     MinimalIssue `json:"issue"`
	UserID    string       `json:"userId,omitempty"`
	User      *MinimalUser `json:"user,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	EditedAt  *time.Time   `json:"editedAt,omitempty"`
}

type Reaction struct {
	ID        string          `json:"id"`
	Emoji     string          `json:"emoji"`
	CommentID string          `json:"commentId"`
	Comment   *MinimalComment `json:"comment,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	User      *MinimalUser    `json:"user,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// IssueLabel has an empty TeamID for workspace-wide labels.
type IssueLabel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Color       string    `json:"color"`
	Description string    `json:"description,omitempty"`
	TeamID      string    `json:"teamId,omitempty"`
	CreatorID   string    `json:"creatorId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type AttachmentSource struct {
	Type     string `json:"type"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type Attachment struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Subtitle  string            `json:"subtitle,omitempty"`
	URL       string            `json:"url"`
	IssueID   string            `json:"issueId"`
	Source    *AttachmentSource `json:"source,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Project keeps only the identifying fields; the rest of the payload is
// passed through untouched.
type Project struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (e Issue) EntityID() string      { return e.ID }
func (e Comment) EntityID() string    { return e.ID }
func (e Reaction) EntityID() string   { return e.ID }
func (e IssueLabel) EntityID() string { return e.ID }
func (e Attachment) EntityID() string { return e.ID }
func (e Project) EntityID() string    { return e.ID }

func (Issue) Kind() Kind      { return KindIssue }
func (Comment) Kind() Kind    { return KindComment }
func (Reaction) Kind() Kind   { return KindReaction }
func (IssueLabel) Kind() Kind { return KindIssueLabel }
func (Attachment) Kind() Kind { return KindAttachment }
func (Project) Kind() Kind    { return KindProject }

func (Issue) isEntity()      {}
func (Comment) isEntity()    {}
func (Reaction) isEntity()   {}
func (IssueLabel) isEntity() {}
func (Attachment) isEntity() {}
func (Project) isEntity()    {}
