package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/internal/entity"
)

// --- Event models ---

type eventModel struct {
	grove.BaseModel `grove:"table:hookrelay_events"`

	ID              string     `grove:"id,pk"`
	Direction       string     `grove:"direction"`
	Type            string     `grove:"type"`
	VendorType      string     `grove:"vendor_type"`
	VendorEventID   string     `grove:"vendor_event_id"`
	Source          string     `grove:"source"`
	Destination     string     `grove:"destination"`
	PaymentID       string     `grove:"payment_id"`
	Payload         string     `grove:"payload"`
	Status          string     `grove:"status"`
	Attempts        int        `grove:"attempts"`
	MaxAttempts     int        `grove:"max_attempts"`
	NextAttemptAt   *time.Time `grove:"next_attempt_at"`
	IdempotencyKey  string     `grove:"idempotency_key"`
	SignatureScheme string     `grove:"signature_scheme"`
	SignedAt        *time.Time `grove:"signed_at"`
	Test            bool       `grove:"test"`
	Metadata        string     `grove:"metadata"` // JSON text
	LastError       string     `grove:"last_error"`
	LastStatusCode  int        `grove:"last_status_code"`
	LastResponse    string     `grove:"last_response"`
	ClaimedAt       *time.Time `grove:"claimed_at"`
	DeliveredAt     *time.Time `grove:"delivered_at"`
	FailedAt        *time.Time `grove:"failed_at"`
	ProcessedAt     *time.Time `grove:"processed_at"`
	CreatedAt       time.Time  `grove:"created_at"`
	UpdatedAt       time.Time  `grove:"updated_at"`
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
		Payload:         payloadText(evt.Payload),
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
		Payload:         payloadRaw(m.Payload),
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

// --- DLQ models ---

type messageModel struct {
	grove.BaseModel `grove:"table:hookrelay_dlq"`

	ID            string     `grove:"id,pk"`
	EventID       string     `grove:"event_id"`
	Origin        string     `grove:"origin"`
	EventType     string     `grove:"event_type"`
	Destination   string     `grove:"destination"`
	Payload       string     `grove:"payload"`
	ErrorType     string     `grove:"error_type"`
	ErrorMessage  string     `grove:"error_message"`
	StatusCode    int        `grove:"status_code"`
	RetryCount    int        `grove:"retry_count"`
	MaxRetries    int        `grove:"max_retries"`
	Status        string     `grove:"status"`
	NextRetryAt   time.Time  `grove:"next_retry_at"`
	LastAttemptAt *time.Time `grove:"last_attempt_at"`
	ClaimedAt     *time.Time `grove:"claimed_at"`
	CreatedAt     time.Time  `grove:"created_at"`
	UpdatedAt     time.Time  `grove:"updated_at"`
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
		Payload:       payloadText(m.Payload),
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
		Payload:       payloadRaw(m.Payload),
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

// --- Circuit models ---

type circuitModel struct {
	grove.BaseModel `grove:"table:hookrelay_circuits"`

	Key       string    `grove:"key,pk"`
	State     string    `grove:"state"`
	Snapshot  string    `grove:"snapshot"` // JSON text
	UpdatedAt time.Time `grove:"updated_at"`
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

// --- helpers ---

func payloadText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func payloadRaw(s string) json.RawMessage {
	if s == "" || s == "null" {
		return nil
	}
	return json.RawMessage(s)
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
