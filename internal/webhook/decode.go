package webhook

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed event.schema.json
var eventSchemaJSON []byte

const eventSchemaURL = "https://labelrelay.local/schemas/event.json"

var (
	ErrMalformedJSON = errors.New("body is not valid JSON")
	ErrSchemaInvalid = errors.New("payload does not match event schema")
)

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func eventSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse event schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(eventSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add event schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(eventSchemaURL)
	})
	return compiledSchema, schemaErr
}

type envelope struct {
	Action    Action          `json:"action"`
	Type      Kind            `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	URL       *string         `json:"url"`
	Data      json.RawMessage `json:"data"`
}

// Decode validates body against the event schema and returns the typed
// event. Bodies that are not JSON fail with ErrMalformedJSON; everything
// else that cannot be decoded fails with ErrSchemaInvalid.
func Decode(body []byte) (Event, error) {
	schema, err := eventSchema()
	if err != nil {
		return Event{}, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if err := schema.Validate(instance); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	data, err := decodeEntity(env.Type, env.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %s data: %v", ErrSchemaInvalid, env.Type, err)
	}
	event := Event{
		Action:    env.Action,
		Type:      env.Type,
		CreatedAt: env.CreatedAt,
		Data:      data,
	}
	if env.URL != nil {
		event.URL = *env.URL
	}
	return event, nil
}

func decodeEntity(kind Kind, raw json.RawMessage) (Entity, error) {
	switch kind {
	case KindIssue:
		var v Issue
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindComment:
		var v Comment
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindReaction:
		var v Reaction
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindIssueLabel:
		var v IssueLabel
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindAttachment:
		var v Attachment
		err := json.Unmarshal(raw, &v)
		return v, err
	case KindProject:
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		project := Project{Fields: fields}
		project.ID, _ = fields["id"].(string)
		project.Name, _ = fields["name"].(string)
		return project, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", kind)
	}
}
