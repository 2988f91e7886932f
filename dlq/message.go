// Package dlq holds messages that exhausted normal retry handling, retries
// them with its own backoff and reports on them.
package dlq

import (
	"encoding/json"
	"time"

	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/internal/entity"
)

// Status is the lifecycle position of a message.
type Status string

const (
	// StatusPending messages wait for their next retry.
	StatusPending Status = "pending"

	// StatusProcessing marks a message claimed by a worker.
	StatusProcessing Status = "processing"

	// StatusFailed messages used up their own retries and stay for inspection.
	StatusFailed Status = "failed"
)

// Origins of dead letter messages.
const (
	OriginDelivery = "delivery"
	OriginManual   = "manual"
)

// Message is a payload held for inspection and replay.
type Message struct {
	entity.Entity

	ID id.ID `json:"id"`

	// EventID references the originating event; Nil for manual messages.
	EventID id.ID `json:"event_id"`

	Origin      string `json:"origin"`
	EventType   string `json:"event_type,omitempty"`
	Destination string `json:"destination,omitempty"`

	// Payload is the original payload, stored verbatim.
	Payload json.RawMessage `json:"payload"`

	// ErrorType is the fault kind of the last failure.
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	StatusCode   int    `json:"status_code,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Status     Status `json:"status"`

	NextRetryAt   time.Time  `json:"next_retry_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
}

// Retryable reports whether the message may still be retried.
func (m *Message) Retryable() bool {
	return m.Status == StatusPending && m.RetryCount < m.MaxRetries
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.LastAttemptAt != nil {
		t := *m.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if m.ClaimedAt != nil {
		t := *m.ClaimedAt
		c.ClaimedAt = &t
	}
	return &c
}

// ListOpts configures filtering and pagination for message listing.
type ListOpts struct {
	Offset int
	Limit  int
	Status Status
	Origin string
}

// Aggregate is the raw material of Stats, computed by the store.
type Aggregate struct {
	Total    int64
	ByStatus map[Status]int64
	Oldest   *time.Time
	RetrySum int64
}

// NewAggregate returns an empty aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{ByStatus: make(map[Status]int64)}
}

// Add folds m into the aggregate.
func (a *Aggregate) Add(m *Message) {
	a.Total++
	a.ByStatus[m.Status]++
	a.RetrySum += int64(m.RetryCount)
	if a.Oldest == nil || m.CreatedAt.Before(*a.Oldest) {
		t := m.CreatedAt
		a.Oldest = &t
	}
}
