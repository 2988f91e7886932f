package mongo

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

// Payloads are kept as strings so they read back byte for byte.
type eventModel struct {
	grove.BaseModel `grove:"table:hookrelay_events" bson:"-"`

	ID              string            `grove:"id,pk"            bson:"_id"`
	Direction       string            `grove:"direction"        bson:"direction"`
	Type            string            `grove:"type"             bson:"type"`
	VendorType      string            `grove:"vendor_type"      bson:"vendor_type,omitempty"`
	VendorEventID   string            `grove:"vendor_event_id"  bson:"vendor_event_id,omitempty"`
	Source          string            `grove:"source"           bson:"source,omitempty"`
	Destination     string            `grove:"destination"      bson:"destination,omitempty"`
	PaymentID       string            `grove:"payment_id"       bson:"payment_id,omitempty"`
	Payload         string            `grove:"payload"          bson:"payload"`
	Status          string            `grove:"status"           bson:"status"`
	Attempts        int               `grove:"attempts"         bson:"attempts"`
	MaxAttempts     int               `grove:"max_attempts"     bson:"max_attempts"`
	NextAttemptAt   *time.Time        `grove:"next_attempt_at"  bson:"next_attempt_at,omitempty"`
	IdempotencyKey  string            `grove:"idempotency_key"  bson:"idempotency_key,omitempty"`
	SignatureScheme string            `grove:"signature_scheme" bson:"signature_scheme,omitempty"`
	SignedAt        *time.Time        `grove:"signed_at"        bson:"signed_at,omitempty"`
	Test            bool              `grove:"test"             bson:"test"`
	Metadata        map[string]string `grove:"metadata"         bson:"metadata,omitempty"`
	LastError       string            `grove:"last_error"       bson:"last_error,omitempty"`
	LastStatusCode  int               `grove:"last_status_code" bson:"last_status_code,omitempty"`
	LastResponse    string            `grove:"last_response"    bson:"last_response,omitempty"`
	ClaimedAt       *time.Time        `grove:"claimed_at"       bson:"claimed_at,omitempty"`
	DeliveredAt     *time.Time        `grove:"delivered_at"     bson:"delivered_at,omitempty"`
	FailedAt        *time.Time        `grove:"failed_at"        bson:"failed_at,omitempty"`
	ProcessedAt     *time.Time        `grove:"processed_at"     bson:"processed_at,omitempty"`
	CreatedAt       time.Time         `grove:"created_at"       bson:"created_at"`
	UpdatedAt       time.Time         `grove:"updated_at"       bson:"updated_at"`
}

func toEventModel(evt *event.Event) *eventModel {
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
		Metadata:        evt.Metadata,
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
		NextAttemptAt:   m.NextAttemptAt,
		IdempotencyKey:  m.IdempotencyKey,
		SignatureScheme: m.SignatureScheme,
		SignedAt:        m.SignedAt,
		Test:            m.Test,
		Metadata:        m.Metadata,
		LastError:       m.LastError,
		LastStatusCode:  m.LastStatusCode,
		LastResponse:    m.LastResponse,
		ClaimedAt:       m.ClaimedAt,
		DeliveredAt:     m.DeliveredAt,
		FailedAt:        m.FailedAt,
		ProcessedAt:     m.ProcessedAt,
	}, nil
}

// --- DLQ models ---

type messageModel struct {
	grove.BaseModel `grove:"table:hookrelay_dlq" bson:"-"`

	ID            string     `grove:"id,pk"           bson:"_id"`
	EventID       string     `grove:"event_id"        bson:"event_id,omitempty"`
	Origin        string     `grove:"origin"          bson:"origin"`
	EventType     string     `grove:"event_type"      bson:"event_type,omitempty"`
	Destination   string     `grove:"destination"     bson:"destination,omitempty"`
	Payload       string     `grove:"payload"         bson:"payload"`
	ErrorType     string     `grove:"error_type"      bson:"error_type"`
	ErrorMessage  string     `grove:"error_message"   bson:"error_message"`
	StatusCode    int        `grove:"status_code"     bson:"status_code,omitempty"`
	RetryCount    int        `grove:"retry_count"     bson:"retry_count"`
	MaxRetries    int        `grove:"max_retries"     bson:"max_retries"`
	Status        string     `grove:"status"          bson:"status"`
	NextRetryAt   time.Time  `grove:"next_retry_at"   bson:"next_retry_at"`
	LastAttemptAt *time.Time `grove:"last_attempt_at" bson:"last_attempt_at,omitempty"`
	ClaimedAt     *time.Time `grove:"claimed_at"      bson:"claimed_at,omitempty"`
	CreatedAt     time.Time  `grove:"created_at"      bson:"created_at"`
	UpdatedAt     time.Time  `grove:"updated_at"      bson:"updated_at"`
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
		LastAttemptAt: m.LastAttemptAt,
		ClaimedAt:     m.ClaimedAt,
	}, nil
}

// --- Circuit models ---

type circuitModel struct {
	Key       string    `bson:"_id"`
	State     string    `bson:"state"`
	Snapshot  string    `bson:"snapshot"`
	UpdatedAt time.Time `bson:"updated_at"`
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
