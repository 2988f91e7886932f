package bunstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/internal/entity"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:hookrelay-%d?mode=memory&cache=shared", time.Now().UnixNano())
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatal(err)
	}
	sqldb.SetMaxOpenConns(1)

	s := New(bun.NewDB(sqldb, sqlitedialect.New()))
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func at(d time.Duration) *time.Time {
	t := t0.Add(d)
	return &t
}

func newOutbound(status event.Status, attempts int, next *time.Time) *event.Event {
	return &event.Event{
		Entity:        entity.New(t0),
		ID:            id.NewEventID(),
		Direction:     event.DirectionOutbound,
		Type:          event.TypePaymentCaptured,
		Destination:   "https://merchant.example/hooks",
		Payload:       json.RawMessage(`{"amount": 100,"currency":"usd"}`),
		Status:        status,
		Attempts:      attempts,
		MaxAttempts:   5,
		NextAttemptAt: next,
	}
}

func TestEventRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	evt := newOutbound(event.StatusPending, 0, nil)
	evt.IdempotencyKey = "order-1"
	evt.Metadata = map[string]string{"tenant": "acme"}
	if err := s.CreateEvent(ctx, evt); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetEvent(ctx, evt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != string(evt.Payload) {
		t.Fatalf("payload = %s, want %s", got.Payload, evt.Payload)
	}
	if got.Metadata["tenant"] != "acme" {
		t.Fatalf("metadata = %v", got.Metadata)
	}

	byKey, err := s.GetEventByIdempotencyKey(ctx, "order-1")
	if err != nil {
		t.Fatal(err)
	}
	if byKey.ID != evt.ID {
		t.Fatalf("id = %s, want %s", byKey.ID, evt.ID)
	}

	dup := newOutbound(event.StatusPending, 0, nil)
	dup.IdempotencyKey = "order-1"
	if err := s.CreateEvent(ctx, dup); !errors.Is(err, event.ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	// Empty keys never collide.
	for range 2 {
		if err := s.CreateEvent(ctx, newOutbound(event.StatusPending, 0, nil)); err != nil {
			t.Fatal(err)
		}
	}

	got.Status = event.StatusDelivered
	got.Attempts = 1
	if err := s.UpdateEvent(ctx, got); err != nil {
		t.Fatal(err)
	}
	again, err := s.GetEvent(ctx, evt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != event.StatusDelivered || again.Attempts != 1 {
		t.Fatalf("status = %s attempts = %d", again.Status, again.Attempts)
	}

	if _, err := s.GetEvent(ctx, id.NewEventID()); !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateEvent(ctx, newOutbound(event.StatusPending, 0, nil)); !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := range 3 {
		evt := newOutbound(event.StatusPending, 0, nil)
		evt.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		if i == 2 {
			evt.Status = event.StatusDelivered
		}
		if err := s.CreateEvent(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListEvents(ctx, event.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if !all[0].CreatedAt.After(all[2].CreatedAt) {
		t.Fatal("events should be newest first")
	}

	pending, err := s.ListEvents(ctx, event.ListOpts{Statuses: []event.Status{event.StatusPending}, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Status != event.StatusPending {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestClaimEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	late := newOutbound(event.StatusFailed, 1, at(time.Minute))
	early := newOutbound(event.StatusRetrying, 1, at(-time.Minute))
	future := newOutbound(event.StatusFailed, 1, at(time.Hour))
	exhausted := newOutbound(event.StatusFailed, 5, at(-time.Hour))
	delivered := newOutbound(event.StatusDelivered, 1, nil)
	for _, evt := range []*event.Event{late, early, future, exhausted, delivered} {
		if err := s.CreateEvent(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}

	claimed, err := s.ClaimEvents(ctx, event.ClaimOpts{Now: t0.Add(2 * time.Minute), Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d, want 2", len(claimed))
	}
	if claimed[0].ID != early.ID || claimed[1].ID != late.ID {
		t.Fatal("claims should be ordered by next_attempt_at")
	}
	for _, evt := range claimed {
		if evt.Status != event.StatusProcessing || evt.ClaimedAt == nil {
			t.Fatalf("claimed event not processing: %+v", evt)
		}
	}

	again, err := s.ClaimEvents(ctx, event.ClaimOpts{Now: t0.Add(2 * time.Minute), Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("reclaimed %d events", len(again))
	}
}

func TestClaimEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	pending := newOutbound(event.StatusPending, 0, nil)
	if err := s.CreateEvent(ctx, pending); err != nil {
		t.Fatal(err)
	}

	got, err := s.ClaimEvent(ctx, pending.ID, t0)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != event.StatusProcessing {
		t.Fatalf("status = %s", got.Status)
	}
	if _, err := s.ClaimEvent(ctx, pending.ID, t0); !errors.Is(err, event.ErrNotClaimable) {
		t.Fatalf("err = %v, want ErrNotClaimable", err)
	}
	if _, err := s.ClaimEvent(ctx, id.NewEventID(), t0); !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	in := newOutbound(event.StatusPending, 0, nil)
	in.Direction = event.DirectionInbound
	if err := s.CreateEvent(ctx, in); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimEvent(ctx, in.ID, t0); !errors.Is(err, event.ErrNotClaimable) {
		t.Fatalf("err = %v, want ErrNotClaimable", err)
	}
}

func TestReclaimAndExpire(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	stuck := newOutbound(event.StatusProcessing, 1, nil)
	stuck.ClaimedAt = at(-time.Hour)
	fresh := newOutbound(event.StatusProcessing, 1, nil)
	fresh.ClaimedAt = at(time.Minute)
	expired := newOutbound(event.StatusExpired, 5, nil)
	expired.UpdatedAt = t0.Add(-48 * time.Hour)
	for _, evt := range []*event.Event{stuck, fresh, expired} {
		if err := s.CreateEvent(ctx, evt); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.ReclaimStale(ctx, t0.Add(-30*time.Minute), t0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}
	got, err := s.GetEvent(ctx, stuck.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != event.StatusFailed || got.ClaimedAt != nil {
		t.Fatalf("stuck event = %+v", got)
	}

	n, err = s.DeleteExpired(ctx, t0.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}

	counts, err := s.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[event.StatusFailed] != 1 || counts[event.StatusProcessing] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	if _, ok := counts[event.StatusExpired]; ok {
		t.Fatal("expired events should be gone")
	}
}

func newMessage(created time.Time) *dlq.Message {
	return &dlq.Message{
		Entity:       entity.New(created),
		ID:           id.NewDLQID(),
		EventID:      id.NewEventID(),
		Origin:       "outbound",
		EventType:    event.TypePaymentCaptured,
		Payload:      json.RawMessage(`{"amount":100}`),
		ErrorType:    "server",
		ErrorMessage: "502 bad gateway",
		StatusCode:   502,
		MaxRetries:   3,
		Status:       dlq.StatusPending,
		NextRetryAt:  created,
	}
}

func TestDeadLetters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := newMessage(t0)
	second := newMessage(t0.Add(time.Minute))
	third := newMessage(t0.Add(2 * time.Minute))
	third.Status = dlq.StatusFailed
	third.RetryCount = 3
	for _, m := range []*dlq.Message{first, second, third} {
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetMessage(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Payload) != `{"amount":100}` || got.StatusCode != 502 {
		t.Fatalf("message = %+v", got)
	}

	pending, err := s.PendingMessages(ctx, t0.Add(time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID {
		t.Fatalf("pending = %d", len(pending))
	}

	claimed, err := s.ClaimMessage(ctx, first.ID, t0)
	if err != nil {
		t.Fatal(err)
	}
	if claimed.Status != dlq.StatusProcessing {
		t.Fatalf("status = %s", claimed.Status)
	}
	if _, err := s.ClaimMessage(ctx, first.ID, t0); !errors.Is(err, dlq.ErrNotClaimable) {
		t.Fatalf("err = %v, want ErrNotClaimable", err)
	}

	// Claimed messages survive age-based cleanup.
	n, err := s.DeleteMessagesBefore(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}

	n, err = s.ReleaseStaleMessages(ctx, t0.Add(time.Minute), t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("released %d, want 1", n)
	}

	agg, err := s.AggregateMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if agg.Total != 1 || agg.ByStatus[dlq.StatusPending] != 1 {
		t.Fatalf("aggregate = %+v", agg)
	}

	if err := s.DeleteMessage(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMessage(ctx, first.ID); !errors.Is(err, dlq.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteOldestMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var ids []id.ID
	for i := range 4 {
		m := newMessage(t0.Add(time.Duration(i) * time.Minute))
		ids = append(ids, m.ID)
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeleteOldestMessages(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	if _, err := s.GetMessage(ctx, ids[0]); !errors.Is(err, dlq.ErrNotFound) {
		t.Fatal("oldest message should be gone")
	}
	if _, err := s.GetMessage(ctx, ids[3]); err != nil {
		t.Fatal(err)
	}
	count, err := s.CountMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}

func TestCircuits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	snap := &circuit.Snapshot{
		Key:                 "https://merchant.example",
		State:               circuit.StateOpen,
		ConsecutiveFailures: 5,
		TotalCalls:          9,
		OpenedAt:            at(0),
		UpdatedAt:           t0,
	}
	if err := s.SaveCircuit(ctx, snap); err != nil {
		t.Fatal(err)
	}
	snap.State = circuit.StateHalfOpen
	if err := s.SaveCircuit(ctx, snap); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCircuit(ctx, snap.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != circuit.StateHalfOpen || got.ConsecutiveFailures != 5 {
		t.Fatalf("snapshot = %+v", got)
	}

	list, err := s.ListCircuits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("len = %d, want 1", len(list))
	}

	if err := s.DeleteCircuit(ctx, snap.Key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCircuit(ctx, snap.Key); !errors.Is(err, circuit.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
