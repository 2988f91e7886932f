package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/delivery"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/fault"
	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/internal/entity"
	"github.com/xraph/hookrelay/signature"
)

const testSecret = "whsec_test_secret_1234567890abcdef"

// stubStore records every update.
type stubStore struct {
	mu      sync.Mutex
	updates []*event.Event
}

func (s *stubStore) UpdateEvent(_ context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, evt.Clone())
	return nil
}

func (s *stubStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// stubDLQ records dead-lettered events.
type stubDLQ struct {
	mu     sync.Mutex
	events []*event.Event
	causes []error
}

func (s *stubDLQ) DeadLetter(_ context.Context, evt *event.Event, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt.Clone())
	s.causes = append(s.causes, cause)
	return nil
}

type harness struct {
	store    *stubStore
	dlq      *stubDLQ
	clock    *clock.Manual
	breakers *circuit.Registry
	engine   *delivery.Engine
}

func newHarness(t *testing.T, breakerCfg circuit.Config) *harness {
	t.Helper()
	c := clock.NewManual(time.Unix(1_700_000_000, 0))
	h := &harness{
		store:    &stubStore{},
		dlq:      &stubDLQ{},
		clock:    c,
		breakers: circuit.NewRegistry(breakerCfg, circuit.WithClock(c)),
	}
	sender := delivery.NewSender(delivery.SenderConfig{Secret: testSecret, Timeout: 5 * time.Second, Clock: c})
	h.engine = delivery.NewEngine(h.store, sender, h.breakers, delivery.EngineConfig{
		Backoff: delivery.Backoff{Base: time.Minute, Max: time.Hour},
		Clock:   c,
	}, nil)
	h.engine.SetDeadLetterer(h.dlq)
	return h
}

func newTestEvent(destination string, maxAttempts int) *event.Event {
	return &event.Event{
		Entity:      entity.New(time.Unix(1_700_000_000, 0)),
		ID:          id.NewEventID(),
		Direction:   event.DirectionOutbound,
		Type:        event.TypePaymentCaptured,
		Destination: destination,
		PaymentID:   "pay_123",
		Payload:     json.RawMessage(`{"amount":9900,"currency":"EUR"}`),
		Status:      event.StatusProcessing,
		MaxAttempts: maxAttempts,
	}
}

func TestDeliver_Success(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := newHarness(t, circuit.DefaultConfig())
	evt := newTestEvent(srv.URL+"/hooks", 3)

	res, err := h.engine.Deliver(context.Background(), evt)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !res.Delivered() || res.Err != nil {
		t.Fatalf("expected delivered, got %+v", res)
	}
	if evt.Status != event.StatusDelivered || evt.Attempts != 1 || evt.DeliveredAt == nil {
		t.Fatalf("unexpected event state %+v", evt)
	}
	if evt.LastResponse != `{"ok":true}` {
		t.Fatalf("unexpected response excerpt %q", evt.LastResponse)
	}
	if h.store.count() != 1 {
		t.Fatalf("expected one update, got %d", h.store.count())
	}

	if gotHeaders.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", gotHeaders.Get("Content-Type"))
	}
	if gotHeaders.Get(delivery.HeaderEventID) != evt.ID.String() {
		t.Fatal("missing event id header")
	}
	if err := signature.VerifyHeader(gotBody, gotHeaders.Get(signature.HeaderSignature), testSecret, 0, h.clock.Now()); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	var env delivery.Envelope
	if err := json.Unmarshal(gotBody, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.EventType != event.TypePaymentCaptured || env.EventID != evt.ID.String() || env.PaymentID != "pay_123" {
		t.Fatalf("unexpected envelope %+v", env)
	}
	if string(env.Data) != `{"amount":9900,"currency":"EUR"}` {
		t.Fatalf("payload not carried verbatim: %s", env.Data)
	}
}

func TestDeliver_CircuitOpensAfterFive503s(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHarness(t, circuit.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute, SuccessThreshold: 2})
	evt := newTestEvent(srv.URL, 10)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := h.engine.Deliver(ctx, evt)
		if err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
		if !fault.Is(res.Err, fault.KindTransport) || res.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("attempt %d: expected transport error with 503, got %+v", i, res)
		}
	}

	res, err := h.engine.Deliver(ctx, evt)
	if err != nil {
		t.Fatalf("Deliver 6: %v", err)
	}
	if !fault.Is(res.Err, fault.KindServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", res.Err)
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 outbound calls, got %d", calls.Load())
	}
	if evt.Attempts != 5 {
		t.Fatalf("rejected call must not count as attempt, got %d", evt.Attempts)
	}
	if evt.Status != event.StatusFailed || res.NextAttemptAt == nil {
		t.Fatalf("rejected event should be rescheduled, got %+v", evt)
	}
}

func TestDeliver_ExhaustedGoesToDLQ(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHarness(t, circuit.Config{FailureThreshold: 100})
	evt := newTestEvent(srv.URL, 3)
	ctx := context.Background()

	var previous time.Duration
	for i := 1; i <= 2; i++ {
		res, err := h.engine.Deliver(ctx, evt)
		if err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
		if evt.Status != event.StatusFailed || evt.Attempts != i {
			t.Fatalf("attempt %d: unexpected state %s/%d", i, evt.Status, evt.Attempts)
		}
		delay := res.NextAttemptAt.Sub(h.clock.Now())
		if delay < previous {
			t.Fatalf("backoff decreased: %v < %v", delay, previous)
		}
		previous = delay
	}

	res, err := h.engine.Deliver(ctx, evt)
	if err != nil {
		t.Fatalf("Deliver 3: %v", err)
	}
	if evt.Status != event.StatusExpired || evt.Attempts != 3 {
		t.Fatalf("expected expired after 3 attempts, got %s/%d", evt.Status, evt.Attempts)
	}
	if !fault.Is(res.Err, fault.KindExhaustedRetries) || !res.DeadLettered {
		t.Fatalf("expected exhausted and dead-lettered, got %+v", res)
	}
	if len(h.dlq.events) != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", len(h.dlq.events))
	}
	if string(h.dlq.events[0].Payload) != `{"amount":9900,"currency":"EUR"}` {
		t.Fatalf("dead letter payload changed: %s", h.dlq.events[0].Payload)
	}
}

func TestDeliver_CancelledReleasesClaim(t *testing.T) {
	arrived := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newHarness(t, circuit.Config{FailureThreshold: 1})
	evt := newTestEvent(srv.URL, 3)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()

	_, err := h.engine.Deliver(ctx, evt)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if evt.Status != event.StatusFailed || evt.Attempts != 0 {
		t.Fatalf("released event should be failed with no attempt, got %s/%d", evt.Status, evt.Attempts)
	}
	if evt.NextAttemptAt == nil || !evt.NextAttemptAt.Equal(h.clock.Now()) {
		t.Fatal("released event should be due immediately")
	}
	if h.breakers.Get(strings.TrimPrefix(srv.URL, "http://")).State() != circuit.StateClosed {
		t.Fatal("cancellation must not count against the circuit")
	}
}

func TestDeliver_InvalidDestination(t *testing.T) {
	h := newHarness(t, circuit.DefaultConfig())
	evt := newTestEvent("ftp://example.com/hook", 3)

	res, err := h.engine.Deliver(context.Background(), evt)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !fault.Is(res.Err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", res.Err)
	}
	if evt.Status != event.StatusExpired || !res.DeadLettered {
		t.Fatalf("invalid events are expired and dead-lettered, got %+v", res)
	}
}

func TestDeliver_ResponseExcerptCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	h := newHarness(t, circuit.DefaultConfig())
	evt := newTestEvent(srv.URL, 5)

	if _, err := h.engine.Deliver(context.Background(), evt); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(evt.LastResponse) != 1024 {
		t.Fatalf("expected 1024 byte excerpt, got %d", len(evt.LastResponse))
	}
	if evt.LastStatusCode != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", evt.LastStatusCode)
	}
}

func TestRedeliver_DoesNotTouchStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := newHarness(t, circuit.DefaultConfig())
	evt := newTestEvent(srv.URL, 1)
	evt.Status = event.StatusExpired

	if err := h.engine.Redeliver(context.Background(), evt); err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
	if h.store.count() != 0 || evt.Status != event.StatusExpired {
		t.Fatal("Redeliver must not change event state")
	}
}

func TestHostKey(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"https://API.Example.com/hooks", "api.example.com", false},
		{"http://127.0.0.1:8080/x", "127.0.0.1:8080", false},
		{"mailto:ops@example.com", "", true},
		{"https:///nohost", "", true},
		{"://bad", "", true},
	}
	for _, tt := range tests {
		got, err := delivery.HostKey(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("HostKey(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("HostKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
