package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const issuePayload = `{
  "action": "create",
  "type": "Issue",
  "createdAt": "2024-03-01T10:00:00.000Z",
  "url": "https://linear.app/acme/issue/ENG-1",
  "data": {
    "id": "8d7f0c64-9a41-4f61-9a5b-1f0a3d3c0001",
    "title": "Crash on start",
    "number": 1,
    "description": null,
    "teamId": "team-eng",
    "team": {"id": "team-eng", "key": "ENG", "name": "Engineering"},
    "labelIds": ["lbl-bug"],
    "priority": 2,
    "createdAt": "2024-03-01T10:00:00.000Z",
    "updatedAt": "2024-03-01T10:00:00.000Z"
  }
}`

func labelPayload(action, id, teamID string) string {
	team := `null`
	if teamID != "" {
		team = `"` + teamID + `"`
	}
	return `{
  "action": "` + action + `",
  "type": "IssueLabel",
  "createdAt": "2024-03-01T10:00:00Z",
  "data": {
    "id": "` + id + `",
    "name": "bug",
    "color": "#ff0000",
    "teamId": ` + team + `,
    "creatorId": "user-1",
    "createdAt": "2024-03-01T10:00:00Z",
    "updatedAt": "2024-03-01T10:00:00Z"
  }
}`
}

func TestDecodeIssue(t *testing.T) {
	event, err := Decode([]byte(issuePayload))
	require.NoError(t, err)

	assert.Equal(t, ActionCreate, event.Action)
	assert.Equal(t, KindIssue, event.Type)
	assert.Equal(t, "https://linear.app/acme/issue/ENG-1", event.URL)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), event.CreatedAt.UTC())

	issue, ok := event.Data.(Issue)
	require.True(t, ok)
	assert.Equal(t, "8d7f0c64-9a41-4f61-9a5b-1f0a3d3c0001", issue.EntityID())
	assert.Equal(t, "Crash on start", issue.Title)
	assert.Equal(t, "Engineering", issue.Team.Name)
	require.NotNil(t, issue.Priority)
	assert.Equal(t, 2, *issue.Priority)
	assert.Empty(t, issue.Description)
}

func TestDecodeLabelCreation(t *testing.T) {
	event, err := Decode([]byte(labelPayload("create", "lbl-1", "team-eng")))
	require.NoError(t, err)
	label, ok := event.LabelCreated()
	require.True(t, ok)
	assert.Equal(t, "team-eng", label.TeamID)
	assert.Equal(t, "bug", label.Name)

	event, err = Decode([]byte(labelPayload("update", "lbl-1", "team-eng")))
	require.NoError(t, err)
	_, ok = event.LabelCreated()
	assert.False(t, ok)

	event, err = Decode([]byte(labelPayload("create", "lbl-2", "")))
	require.NoError(t, err)
	label, ok = event.LabelCreated()
	require.True(t, ok)
	assert.Empty(t, label.TeamID)
}

func TestDecodeOtherKinds(t *testing.T) {
	cases := []struct {
		name string
		body string
		kind Kind
	}{
		{
			name: "comment",
			body: `{"action":"create","type":"Comment","createdAt":"2024-03-01T10:00:00Z","data":{"id":"c-1","body":"hi","issueId":"i-1","issue":{"id":"i-1","title":"t"},"user":{"id":"u-1","name":"Ann"},"createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T10:00:00Z"}}`,
			kind: KindComment,
		},
		{
			name: "reaction",
			body: `{"action":"create","type":"Reaction","createdAt":"2024-03-01T10:00:00Z","data":{"id":"r-1","emoji":"+1","commentId":"c-1","userId":"u-1","createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T10:00:00Z"}}`,
			kind: KindReaction,
		},
		{
			name: "attachment",
			body: `{"action":"remove","type":"Attachment","createdAt":"2024-03-01T10:00:00Z","data":{"id":"a-1","title":"PR","url":"https://example.com/pr/1","issueId":"i-1","source":{"type":"api","imageUrl":"https://example.com/i.png"},"createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T10:00:00Z"}}`,
			kind: KindAttachment,
		},
		{
			name: "project",
			body: `{"action":"update","type":"Project","createdAt":"2024-03-01T10:00:00Z","data":{"id":"p-1","name":"Roadmap","state":"started"}}`,
			kind: KindProject,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, err := Decode([]byte(tc.body))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, event.Type)
			assert.Equal(t, tc.kind, event.Data.Kind())
			assert.NotEmpty(t, event.Data.EntityID())
		})
	}

	event, err := Decode([]byte(cases[3].body))
	require.NoError(t, err)
	project := event.Data.(Project)
	assert.Equal(t, "Roadmap", project.Name)
	assert.Equal(t, "started", project.Fields["state"])
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	cases := map[string]string{
		"unknown type":      `{"action":"create","type":"Cycle","createdAt":"2024-03-01T10:00:00Z","data":{"id":"x"}}`,
		"unknown action":    `{"action":"archive","type":"Issue","createdAt":"2024-03-01T10:00:00Z","data":{"id":"x"}}`,
		"missing data":      `{"action":"create","type":"Issue","createdAt":"2024-03-01T10:00:00Z"}`,
		"issue no title":    `{"action":"create","type":"Issue","createdAt":"2024-03-01T10:00:00Z","data":{"id":"x","number":1,"teamId":"t","createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T10:00:00Z"}}`,
		"label no color":    `{"action":"create","type":"IssueLabel","createdAt":"2024-03-01T10:00:00Z","data":{"id":"x","name":"bug","createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T10:00:00Z"}}`,
		"bad timestamp":     `{"action":"create","type":"Project","createdAt":"yesterday","data":{"id":"x"}}`,
		"array body":        `[1,2,3]`,
		"numeric entity id": `{"action":"create","type":"Project","createdAt":"2024-03-01T10:00:00Z","data":{"id":7}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			assert.ErrorIs(t, err, ErrSchemaInvalid)
		})
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"action":`))
	assert.ErrorIs(t, err, ErrMalformedJSON)
}
