package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/internal/entity"
)

// JSON columns are TEXT so the schema works on every bun dialect and
// payloads read back byte for byte.

type eventModel struct {
	bun.BaseModel `bun:"table:hookrelay_events,alias:e"`

	ID              string     `bun:"id,pk"`
	Direction       string     `bun:"direction,notnull"`
	Type            string     `bun:"type,notnull"`
	VendorType      string     `bun:"vendor_type,notnull"`
	VendorEventID   string     `bun:"vendor_event_id,notnull"`
	Source          string     `bun:"source,notnull"`
	Destination     string     `bun:"destination,notnull"`
	PaymentID       string     `bun:"payment_id,notnull"`
	Payload         string     `bun:"payload"`
	Status          string     `bun:"status,notnull"`
	Attempts        int        `bun:"attempts,notnull"`
	MaxAttempts     int        `bun:"max_attempts,notnull"`
	NextAttemptAt   *time.Time `bun:"next_attempt_at"`
	IdempotencyKey  string     `bun:"idempotency_key,notnull"`
	SignatureScheme string     `bun:"signature_scheme,notnull"`
	SignedAt        *time.Time `bun:"signed_at"`
	Test            bool       `bun:"test,notnull"`
	Metadata        string     `bun:"metadata,notnull"`
	LastError       string     `bun:"last_error,notnull"`
	LastStatusCode  int        `bun:"last_status_code,notnull"`
	LastResponse    string     `bun:"last_response,notnull"`
	ClaimedAt       *time.Time `bun:"claimed_at"`
	DeliveredAt     *time.Time `bun:"delivered_at"`
	FailedAt        *time.Time `bun:"failed_at"`
	ProcessedAt     *time.Time `bun:"processed_at"`
	CreatedAt       time.Time  `bun:"created_at,notnull"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull"`
}

func toEventModel(evt *event.Event) *eventModel {
	metadata := "{}"
	if len(evt.Metadata) > 0 {
		raw, _ := json.Marshal(evt.Metadata) //nolint:errcheck // map[string]string always encodes
		metadata = string(raw)
	}
	return &eventModel{
		ID:              evt.ID.String(),
		Direction:       string(evt.Direction),
		Type:            evt.Type,
		VendorType:      evt.VendorType,
		VendorEventID:   evt.VendorEventID,
		Source:          evt.Source,
		Destination:     evt.Destination,
		PaymentID:       evt.PaymentID,
		Payload:         string(evt.Payload),
		Status:          string(evt.Status),
		Attempts:        evt.Attempts,
		MaxAttempts:     evt.MaxAttempts,
		NextAttemptAt:   evt.NextAttemptAt,
		IdempotencyKey:  evt.IdempotencyKey,
		SignatureScheme: evt.SignatureScheme,
		SignedAt:        evt.SignedAt,
		Test:            evt.Test,
		Metadata:        metadata,
		LastError:       evt.LastError,
		LastStatusCode:  evt.LastStatusCode,
		LastResponse:    evt.LastResponse,
		ClaimedAt:       evt.ClaimedAt,
		DeliveredAt:     evt.DeliveredAt,
		FailedAt:        evt.FailedAt,
		ProcessedAt:     evt.ProcessedAt,
		CreatedAt:       evt.CreatedAt,
		UpdatedAt:       evt.UpdatedAt,
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	evtID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.ID, err)
	}

	var metadata map[string]string
	if m.Metadata != "" && m.Metadata != "{}" {
		if err := json.Unmarshal([]byte(m.Metadata), &metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of event %q: %w", m.ID, err)
		}
	}

	var payload json.RawMessage
	if m.Payload != "" {
		payload = json.RawMessage(m.Payload)
	}

	return &event.Event{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:              evtID,
		Direction:       event.Direction(m.Direction),
		Type:            m.Type,
		VendorType:      m.VendorType,
		VendorEventID:   m.VendorEventID,
		Source:          m.Source,
		Destination:     m.Destination,
		PaymentID:       m.PaymentID,
		Payload:         payload,
		Status:          event.Status(m.Status),
		Attempts:        m.Attempts,
		MaxAttempts:     m.MaxAttempts,
		NextAttemptAt:   utc(m.NextAttemptAt),
		IdempotencyKey:  m.IdempotencyKey,
		SignatureScheme: m.SignatureScheme,
		SignedAt:        utc(m.SignedAt),
		Test:            m.Test,
		Metadata:        metadata,
		LastError:       m.LastError,
		LastStatusCode:  m.LastStatusCode,
		LastResponse:    m.LastResponse,
		ClaimedAt:       utc(m.ClaimedAt),
		DeliveredAt:     utc(m.DeliveredAt),
		FailedAt:        utc(m.FailedAt),
		ProcessedAt:     utc(m.ProcessedAt),
	}, nil
}

type messageModel struct {
	bun.BaseModel `bun:"table:hookrelay_dlq,alias:m"`

	ID            string     `bun:"id,pk"`
	EventID       string     `bun:"event_id,notnull"`
	Origin        string     `bun:"origin,notnull"`
	EventType     string     `bun:"event_type,notnull"`
	Destination   string     `bun:"destination,notnull"`
	Payload       string     `bun:"payload"`
	ErrorType     string     `bun:"error_type,notnull"`
	ErrorMessage  string     `bun:"error_message,notnull"`
	StatusCode    int        `bun:"status_code,notnull"`
	RetryCount    int        `bun:"retry_count,notnull"`
	MaxRetries    int        `bun:"max_retries,notnull"`
	Status        string     `bun:"status,notnull"`
	NextRetryAt   time.Time  `bun:"next_retry_at,notnull"`
	LastAttemptAt *time.Time `bun:"last_attempt_at"`
	ClaimedAt     *time.Time `bun:"claimed_at"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull"`
}

func toMessageModel(m *dlq.Message) *messageModel {
	evtID := ""
	if !m.EventID.IsNil() {
		evtID = m.EventID.String()
	}
	return &messageModel{
		ID:            m.ID.String(),
		EventID:       evtID,
		Origin:        m.Origin,
		EventType:     m.EventType,
		Destination:   m.Destination,
		Payload:       string(m.Payload),
		ErrorType:     m.ErrorType,
		ErrorMessage:  m.ErrorMessage,
		StatusCode:    m.StatusCode,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		Status:        string(m.Status),
		NextRetryAt:   m.NextRetryAt,
		LastAttemptAt: m.LastAttemptAt,
		ClaimedAt:     m.ClaimedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func fromMessageModel(m *messageModel) (*dlq.Message, error) {
	msgID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse DLQ ID %q: %w", m.ID, err)
	}

	var evtID id.ID
	if m.EventID != "" {
		if evtID, err = id.ParseEventID(m.EventID); err != nil {
			return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
		}
	}

	var payload json.RawMessage
	if m.Payload != "" {
		payload = json.RawMessage(m.Payload)
	}

	return &dlq.Message{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:            msgID,
		EventID:       evtID,
		Origin:        m.Origin,
		EventType:     m.EventType,
		Destination:   m.Destination,
		Payload:       payload,
		ErrorType:     m.ErrorType,
		ErrorMessage:  m.ErrorMessage,
		StatusCode:    m.StatusCode,
		RetryCount:    m.RetryCount,
		MaxRetries:    m.MaxRetries,
		Status:        dlq.Status(m.Status),
		NextRetryAt:   m.NextRetryAt.UTC(),
		LastAttemptAt: utc(m.LastAttemptAt),
		ClaimedAt:     utc(m.ClaimedAt),
	}, nil
}

type circuitModel struct {
	bun.BaseModel `bun:"table:hookrelay_circuits,alias:c"`

	Key       string    `bun:"key,pk"`
	State     string    `bun:"state,notnull"`
	Snapshot  string    `bun:"snapshot,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

func toCircuitModel(s *circuit.Snapshot) (*circuitModel, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal circuit %q: %w", s.Key, err)
	}
	return &circuitModel{
		Key:       s.Key,
		State:     string(s.State),
		Snapshot:  string(raw),
		UpdatedAt: s.UpdatedAt,
	}, nil
}

func fromCircuitModel(m *circuitModel) (*circuit.Snapshot, error) {
	var s circuit.Snapshot
	if err := json.Unmarshal([]byte(m.Snapshot), &s); err != nil {
		return nil, fmt.Errorf("decode circuit %q: %w", m.Key, err)
	}
	return &s, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
