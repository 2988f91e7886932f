// Package delivery sends signed events to their destinations through the
// circuit breaker registry and records the outcome on the event.
package delivery

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/fault"
)

// Envelope is the JSON body of an outbound webhook.
type Envelope struct {
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	PaymentID string          `json:"payment_id,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEnvelope wraps an event's payload.
func NewEnvelope(evt *event.Event) Envelope {
	data := evt.Payload
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return Envelope{
		EventType: evt.Type,
		EventID:   evt.ID.String(),
		PaymentID: evt.PaymentID,
		Data:      data,
		CreatedAt: evt.CreatedAt.UTC(),
	}
}

// Marshal encodes the envelope. Invalid payload JSON is a validation error.
func (e Envelope) Marshal() ([]byte, error) {
	if !json.Valid(e.Data) {
		return nil, fault.Validation("event %s: payload is not valid JSON", e.EventID)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fault.Validation("event %s: encode envelope: %v", e.EventID, err)
	}
	return body, nil
}

// HostKey returns the circuit breaker key of a destination URL: its
// lowercased host, including the port when present.
func HostKey(destination string) (string, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return "", fault.Validation("invalid destination %q: %v", destination, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fault.Validation("invalid destination %q: scheme must be http or https", destination)
	}
	if u.Host == "" {
		return "", fault.Validation("invalid destination %q: missing host", destination)
	}
	return strings.ToLower(u.Host), nil
}
