// Package schema validates inbound real-time channel frames against JSON Schemas.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"voice-expense-service/internal/models"
	"voice-expense-service/internal/service/reorder"
)

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Validator holds resolved schemas for the inbound message types.
type Validator struct {
	envelope *jsonschema.Resolved
	payloads map[models.EventType]*jsonschema.Resolved
}

// New resolves the built-in schemas.
func New() (*Validator, error) {
	v := &Validator{payloads: make(map[models.EventType]*jsonschema.Resolved)}

	env, err := envelopeSchema().Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve envelope schema: %w", err)
	}
	v.envelope = env

	for t, s := range payloadSchemas() {
		r, err := s.Resolve(nil)
		if err != nil {
			return nil, fmt.Errorf("resolve %s schema: %w", t, err)
		}
		v.payloads[t] = r
	}
	return v, nil
}

// Decode validates a raw frame and returns its envelope. The payload is
// validated against the schema for the envelope type.
func (v *Validator) Decode(raw []byte) (models.Envelope, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := v.envelope.Validate(doc); err != nil {
		return models.Envelope{}, fmt.Errorf("%w: envelope: %v", ErrInvalidPayload, err)
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := v.Validate(env.Type, env.Data); err != nil {
		return models.Envelope{}, err
	}
	return env, nil
}

// Validate checks data against the schema registered for t.
// Empty data is validated as an empty object.
func (v *Validator) Validate(t models.EventType, data json.RawMessage) error {
	r, ok := v.payloads[t]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	if err := r.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

// closed forbids properties not listed in the schema.
func closed() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}

func envelopeSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"type"},
		Properties: map[string]*jsonschema.Schema{
			"type": {Type: "string", MinLength: ptr(1)},
			"data": {Types: []string{"object", "null"}},
		},
		AdditionalProperties: closed(),
	}
}

func payloadSchemas() map[models.EventType]*jsonschema.Schema {
	return map[models.EventType]*jsonschema.Schema{
		models.EventSegmentSubmitted: {
			Type:     "object",
			Required: []string{"sequenceId", "audio"},
			Properties: map[string]*jsonschema.Schema{
				"sequenceId": {Type: "integer", Minimum: ptr(0.0), Maximum: ptr(float64(reorder.MaxSequenceID))},
				"audio":      {Type: "string", MinLength: ptr(1), ContentEncoding: "base64"},
				"timestamp":  {Type: "integer", Minimum: ptr(0.0)},
			},
			AdditionalProperties: closed(),
		},
		models.EventSessionStopped: {
			Type:                 "object",
			AdditionalProperties: closed(),
		},
		models.EventProposalDecision: {
			Type:     "object",
			Required: []string{"id", "decision"},
			Properties: map[string]*jsonschema.Schema{
				"id":       {Type: "string", MinLength: ptr(1)},
				"decision": {Type: "string", Enum: []any{string(models.DecisionConfirm), string(models.DecisionReject), string(models.DecisionEdit)}},
				"edit": {
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"amount":   {Type: "number", ExclusiveMinimum: ptr(0.0), Maximum: ptr(float64(models.MaxAmountCents) / 100)},
						"merchant": {Type: "string", MaxLength: ptr(200)},
						"category": {Type: "string", MaxLength: ptr(100)},
						"date":     {Type: "string", Pattern: `^\d{4}-\d{2}-\d{2}$`},
					},
					AdditionalProperties: closed(),
				},
			},
			AdditionalProperties: closed(),
		},
	}
}
