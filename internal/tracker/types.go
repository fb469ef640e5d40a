package tracker

import "time"

type Team struct {
	ID   string `json:"id"`
	Key  string `json:"key,omitempty"`
	Name string `json:"name"`
}

// Label is an issue label scoped to one team. An empty Description means the
// label has none.
type Label struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Color       string    `json:"color"`
	Description string    `json:"description,omitempty"`
	TeamID      string    `json:"teamId"`
	TeamName    string    `json:"teamName,omitempty"`
	CreatorID   string    `json:"creatorId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// MetaEquals compares the user-visible definition of two labels. Timestamps,
// ids and ownership are ignored.
func (l Label) MetaEquals(other Label) bool {
	return l.Name == other.Name && l.Color == other.Color && l.Description == other.Description
}

type Organization struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URLKey string `json:"urlKey"`
}

type User struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	DisplayName  string       `json:"displayName"`
	Email        string       `json:"email"`
	Organization Organization `json:"organization"`
}

type LabelInput struct {
	// ID is optional on create; when set the tracker uses it as the permanent id.
	ID          string
	Name        string
	Color       string
	Description string
}

type IssueInput struct {
	ID          string
	TeamID      string
	Title       string
	Description string
	Estimate    *int
	LabelIDs    []string
	StateID     string
	AssigneeID  string
}

type CreatedIssue struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Identifier string `json:"identifier"`
	URL        string `json:"url"`
}

// labelNode is the wire shape of a label in query results.
type labelNode struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Color       string    `json:"color"`
	Description *string   `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Creator     *struct {
		ID string `json:"id"`
	} `json:"creator"`
	Team *Team `json:"team"`
}

func (n labelNode) toLabel() Label {
	label := Label{
		ID:        n.ID,
		Name:      n.Name,
		Color:     n.Color,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	if n.Description != nil {
		label.Description = *n.Description
	}
	if n.Creator != nil {
		label.CreatorID = n.Creator.ID
	}
	if n.Team != nil {
		label.TeamID = n.Team.ID
		label.TeamName = n.Team.Name
	}
	return label
}
