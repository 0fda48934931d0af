// Package protocol defines the JSON messages exchanged over a secure channel.
//
// Each decrypted frame holds exactly one flat JSON object with a "type"
// discriminator, an optional "correlation_id", and type-specific fields at the
// top level:
//
//	{"type":"task_submit","correlation_id":"9f1c...","token":"...","data":{"type":"computation","data":{...}},"priority":1}
//
// A response carries the request's type and correlation id. Failures are
// answered with type "error".
package protocol

import (
	"encoding/json"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// Envelope is one message on the wire. Raw holds the full object so that
// Decode can unmarshal the type-specific fields.
type Envelope struct {
	Type          string
	CorrelationID string
	Raw           json.RawMessage
}

type header struct {
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Parse decodes the header of a frame. Fields beyond type and correlation_id
// are left in Raw for Decode.
func Parse(frame []byte) (Envelope, error) {
	var h header
	if err := json.Unmarshal(frame, &h); err != nil {
		return Envelope{}, errors.NewValidationError("malformed envelope").WithCause(err)
	}
	if h.Type == "" {
		return Envelope{}, errors.NewValidationError("envelope has no type").WithField("type")
	}
	return Envelope{Type: h.Type, CorrelationID: h.CorrelationID, Raw: frame}, nil
}

// Decode unmarshals the envelope's fields into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return errors.NewValidationError("malformed " + e.Type + " fields").WithCause(err)
	}
	return nil
}

// Encode produces the wire form of a message: body's fields merged with type
// and correlation_id. body must marshal to a JSON object or be nil.
func Encode(msgType, correlationID string, body any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, errors.NewValidationError("message body must be a JSON object").WithCause(err)
		}
	}

	t, _ := json.Marshal(msgType)
	fields["type"] = t
	if correlationID != "" {
		c, _ := json.Marshal(correlationID)
		fields["correlation_id"] = c
	} else {
		delete(fields, "correlation_id")
	}
	return json.Marshal(fields)
}

// NewEnvelope builds an Envelope from a body, for in-process delivery and tests.
func NewEnvelope(msgType, correlationID string, body any) (Envelope, error) {
	raw, err := Encode(msgType, correlationID, body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, CorrelationID: correlationID, Raw: raw}, nil
}
