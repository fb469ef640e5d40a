package tracker

import (
	"context"
	"fmt"
	"strings"
)

const labelPageSize = 100

func (c *Client) Viewer(ctx context.Context) (User, error) {
	var out struct {
		Viewer User `json:"viewer"`
	}
	if err := c.Execute(ctx, Request{OperationName: "Viewer", Query: viewerQuery}, 0, &out); err != nil {
		return User{}, err
	}
	return out.Viewer, nil
}

// ListLabels drains every page of team labels. Workspace-level labels without a
// team are skipped. A partial listing is never returned.
func (c *Client) ListLabels(ctx context.Context) ([]Label, error) {
	labels := make([]Label, 0)
	cursor := ""
	seen := map[string]struct{}{}
	for {
		variables := map[string]any{"first": labelPageSize}
		if cursor != "" {
			variables["after"] = cursor
		}
		var out struct {
			IssueLabels struct {
				Nodes    []labelNode `json:"nodes"`
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
			} `json:"issueLabels"`
		}
		err := c.Execute(ctx, Request{OperationName: "IssueLabels", Query: issueLabelsQuery, Variables: variables}, 0, &out)
		if err != nil {
			return nil, err
		}
		for _, node := range out.IssueLabels.Nodes {
			label := node.toLabel()
			if label.TeamID == "" {
				continue
			}
			labels = append(labels, label)
		}
		page := out.IssueLabels.PageInfo
		if !page.HasNextPage {
			return labels, nil
		}
		next := strings.TrimSpace(page.EndCursor)
		if next == "" {
			return nil, &ProtocolError{Message: "hasNextPage without endCursor"}
		}
		if _, dup := seen[next]; dup {
			return nil, &ProtocolError{Message: "pagination cursor repeated: " + next}
		}
		seen[next] = struct{}{}
		cursor = next
	}
}

func (c *Client) CreateLabel(ctx context.Context, teamID string, in LabelInput, retryBudget int) (Label, error) {
	if strings.TrimSpace(teamID) == "" || strings.TrimSpace(in.Name) == "" {
		return Label{}, fmt.Errorf("%w: team id and label name are required", ErrInvalidInput)
	}
	input := map[string]any{
		"teamId": teamID,
		"name":   in.Name,
		"color":  in.Color,
	}
	if in.ID != "" {
		input["id"] = in.ID
	}
	if in.Description != "" {
		input["description"] = in.Description
	}
	var out struct {
		IssueLabelCreate struct {
			Success    bool      `json:"success"`
			IssueLabel labelNode `json:"issueLabel"`
		} `json:"issueLabelCreate"`
	}
	req := Request{OperationName: "CreateLabel", Query: createLabelMutation, Variables: map[string]any{"input": input}}
	if err := c.Execute(ctx, req, retryBudget, &out); err != nil {
		return Label{}, err
	}
	if !out.IssueLabelCreate.Success {
		return Label{}, fmt.Errorf("create label %q: %w", in.Name, ErrMutationUnsuccessful)
	}
	label := out.IssueLabelCreate.IssueLabel.toLabel()
	if label.TeamID == "" {
		label.TeamID = teamID
	}
	return label, nil
}

// UpdateLabel overwrites name, color and description. The description is always
// sent so that clearing it propagates.
func (c *Client) UpdateLabel(ctx context.Context, labelID string, in LabelInput, retryBudget int) (Label, error) {
	if strings.TrimSpace(labelID) == "" {
		return Label{}, fmt.Errorf("%w: label id is required", ErrInvalidInput)
	}
	input := map[string]any{
		"name":        in.Name,
		"color":       in.Color,
		"description": in.Description,
	}
	var out struct {
		IssueLabelUpdate struct {
			Success    bool      `json:"success"`
			IssueLabel labelNode `json:"issueLabel"`
		} `json:"issueLabelUpdate"`
	}
	req := Request{OperationName: "UpdateLabel", Query: updateLabelMutation, Variables: map[string]any{"id": labelID, "input": input}}
	if err := c.Execute(ctx, req, retryBudget, &out); err != nil {
		return Label{}, err
	}
	if !out.IssueLabelUpdate.Success {
		return Label{}, fmt.Errorf("update label %s: %w", labelID, ErrMutationUnsuccessful)
	}
	return out.IssueLabelUpdate.IssueLabel.toLabel(), nil
}

func (c *Client) CreateIssue(ctx context.Context, in IssueInput, retryBudget int) (CreatedIssue, error) {
	if strings.TrimSpace(in.TeamID) == "" || strings.TrimSpace(in.Title) == "" {
		return CreatedIssue{}, fmt.Errorf("%w: team id and title are required", ErrInvalidInput)
	}
	input := map[string]any{
		"teamId":      in.TeamID,
		"title":       in.Title,
		"description": in.Description,
		"labelIds":    append([]string{}, in.LabelIDs...),
	}
	if in.ID != "" {
		input["id"] = in.ID
	}
	if in.Estimate != nil {
		input["estimate"] = *in.Estimate
	}
	if in.StateID != "" {
		input["stateId"] = in.StateID
	}
	if in.AssigneeID != "" {
		input["assigneeId"] = in.AssigneeID
	}
	var out struct {
		IssueCreate struct {
			Success bool         `json:"success"`
			Issue   CreatedIssue `json:"issue"`
		} `json:"issueCreate"`
	}
	req := Request{OperationName: "CreateIssue", Query: createIssueMutation, Variables: map[string]any{"input": input}}
	if err := c.Execute(ctx, req, retryBudget, &out); err != nil {
		return CreatedIssue{}, err
	}
	if !out.IssueCreate.Success {
		return CreatedIssue{}, fmt.Errorf("create issue: %w", ErrMutationUnsuccessful)
	}
	return out.IssueCreate.Issue, nil
}

func (c *Client) CreateComment(ctx context.Context, issueID, body, commentID string, retryBudget int) (string, error) {
	if strings.TrimSpace(issueID) == "" {
		return "", fmt.Errorf("%w: issue id is required", ErrInvalidInput)
	}
	input := map[string]any{
		"issueId": issueID,
		"body":    body,
	}
	if commentID != "" {
		input["id"] = commentID
	}
	var out struct {
		CommentCreate struct {
			Success bool `json:"success"`
			Comment struct {
				ID string `json:"id"`
			} `json:"comment"`
		} `json:"commentCreate"`
	}
	req := Request{OperationName: "CreateComment", Query: createCommentMutation, Variables: map[string]any{"input": input}}
	if err := c.Execute(ctx, req, retryBudget, &out); err != nil {
		return "", err
	}
	if !out.CommentCreate.Success {
		return "", fmt.Errorf("create comment: %w", ErrMutationUnsuccessful)
	}
	return out.CommentCreate.Comment.ID, nil
}
