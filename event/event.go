// Package event defines the Event record shared by outbound delivery and
// inbound processing, its status machine and its persistence contract.
package event

import (
	"encoding/json"
	"time"

	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/internal/entity"
)

// Direction tells whether an event was received or is being sent.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the lifecycle position of an event.
//
// Outbound: pending -> processing -> delivered, or
// pending -> processing -> failed -> (retrying) -> processing -> ... -> delivered | expired.
// Inbound: pending -> processed | ignored | failed.
type Status string

const (
	// StatusPending is a freshly created event.
	StatusPending Status = "pending"

	// StatusProcessing marks an event claimed by a worker.
	StatusProcessing Status = "processing"

	// StatusDelivered is terminal: the destination answered 2xx.
	StatusDelivered Status = "delivered"

	// StatusFailed is an outbound event waiting for its next attempt, or an
	// inbound event whose handler failed.
	StatusFailed Status = "failed"

	// StatusRetrying marks an event an operator queued for immediate retry.
	StatusRetrying Status = "retrying"

	// StatusExpired is terminal: max attempts were used up and the payload
	// went to the dead letter queue.
	StatusExpired Status = "expired"

	// StatusProcessed is terminal for inbound events a handler accepted.
	StatusProcessed Status = "processed"

	// StatusIgnored is terminal for inbound events with no canonical type.
	StatusIgnored Status = "ignored"
)

// Statuses lists every status.
var Statuses = []Status{
	StatusPending, StatusProcessing, StatusDelivered, StatusFailed,
	StatusRetrying, StatusExpired, StatusProcessed, StatusIgnored,
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusExpired, StatusProcessed, StatusIgnored:
		return true
	default:
		return false
	}
}

// Metadata keys written on replayed events.
const (
	MetaReplayOf   = "replay_of"
	MetaReplayedAt = "replayed_at"
)

// Event is an outbound notification or an inbound vendor webhook.
type Event struct {
	entity.Entity

	ID        id.ID     `json:"id"`
	Direction Direction `json:"direction"`

	// Type is the canonical event type, e.g. "payment.captured".
	Type string `json:"type"`

	// VendorType is the type string as the vendor sent it (inbound only).
	VendorType string `json:"vendor_type,omitempty"`

	// VendorEventID is the vendor's own identifier (inbound only).
	VendorEventID string `json:"vendor_event_id,omitempty"`

	// Source names the inbound vendor.
	Source string `json:"source,omitempty"`

	// Destination is the outbound URL.
	Destination string `json:"destination,omitempty"`

	PaymentID string          `json:"payment_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`

	// Attempts counts completed delivery attempts. It never decreases.
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// IdempotencyKey is unique across events when non-empty.
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// SignatureScheme and SignedAt describe how the event was signed or verified.
	SignatureScheme string     `json:"signature_scheme,omitempty"`
	SignedAt        *time.Time `json:"signed_at,omitempty"`

	Test     bool              `json:"test,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	LastError      string `json:"last_error,omitempty"`
	LastStatusCode int    `json:"last_status_code,omitempty"`

	// LastResponse is the response body of the latest attempt, capped at 1 KiB.
	LastResponse string `json:"last_response,omitempty"`

	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// IdempotencyKey derives the unique key of an inbound event.
func IdempotencyKey(source, vendorEventID string) string {
	return source + ":" + vendorEventID
}

// CanRetry reports whether the event may be attempted again.
func (e *Event) CanRetry() bool {
	if e.Direction != DirectionOutbound || e.Status.Terminal() {
		return false
	}
	return e.Attempts < e.MaxAttempts
}

// Due reports whether a retryable event's next attempt time has passed.
func (e *Event) Due(now time.Time) bool {
	return e.NextAttemptAt == nil || !e.NextAttemptAt.After(now)
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	c.NextAttemptAt = copyTime(e.NextAttemptAt)
	c.SignedAt = copyTime(e.SignedAt)
	c.ClaimedAt = copyTime(e.ClaimedAt)
	c.DeliveredAt = copyTime(e.DeliveredAt)
	c.FailedAt = copyTime(e.FailedAt)
	c.ProcessedAt = copyTime(e.ProcessedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ListOpts configures filtering and pagination for event listing.
type ListOpts struct {
	Offset    int
	Limit     int
	Direction Direction
	Statuses  []Status
	Type      string
	Source    string
	From      *time.Time
	To        *time.Time
}

// HasStatus reports whether s passes the status filter.
func (o ListOpts) HasStatus(s Status) bool {
	if len(o.Statuses) == 0 {
		return true
	}
	for _, want := range o.Statuses {
		if want == s {
			return true
		}
	}
	return false
}

// ClaimOpts selects due events for the retry scheduler.
type ClaimOpts struct {
	Now   time.Time
	Limit int
}

// Claimable lists the statuses ClaimEvents picks up.
var Claimable = []Status{StatusFailed, StatusRetrying}
