package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/internal/entity"
	"github.com/xraph/hookrelay/store/redis"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *redis.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s := redis.NewClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func outbound(created time.Time, status event.Status) *event.Event {
	return &event.Event{
		Entity:      entity.New(created),
		ID:          id.NewEventID(),
		Direction:   event.DirectionOutbound,
		Type:        event.TypePaymentCaptured,
		Destination: "https://merchant.example/hooks",
		Payload:     json.RawMessage(`{"amount":100}`),
		Status:      status,
		MaxAttempts: 3,
	}
}

func TestStore_Ping(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestStore_EventCRUD(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	evt := outbound(t0, event.StatusPending)
	evt.IdempotencyKey = "psp:evt_1"
	require.NoError(t, s.CreateEvent(ctx, evt))

	got, err := s.GetEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, got.ID)
	assert.JSONEq(t, `{"amount":100}`, string(got.Payload))
	assert.True(t, got.CreatedAt.Equal(t0))

	byKey, err := s.GetEventByIdempotencyKey(ctx, "psp:evt_1")
	require.NoError(t, err)
	assert.Equal(t, evt.ID, byKey.ID)

	dup := outbound(t0, event.StatusPending)
	dup.IdempotencyKey = "psp:evt_1"
	assert.ErrorIs(t, s.CreateEvent(ctx, dup), event.ErrDuplicate)

	// Empty keys never collide.
	require.NoError(t, s.CreateEvent(ctx, outbound(t0, event.StatusPending)))
	require.NoError(t, s.CreateEvent(ctx, outbound(t0, event.StatusPending)))

	got.Status = event.StatusDelivered
	require.NoError(t, s.UpdateEvent(ctx, got))
	got, err = s.GetEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusDelivered, got.Status)

	_, err = s.GetEvent(ctx, id.NewEventID())
	assert.ErrorIs(t, err, event.ErrNotFound)
	_, err = s.GetEventByIdempotencyKey(ctx, "missing")
	assert.ErrorIs(t, err, event.ErrNotFound)
	assert.ErrorIs(t, s.UpdateEvent(ctx, outbound(t0, event.StatusPending)), event.ErrNotFound)
}

// failFirstTx fails the first MULTI/EXEC pipeline it sees.
type failFirstTx struct {
	failed atomic.Bool
}

func (h *failFirstTx) DialHook(next goredis.DialHook) goredis.DialHook { return next }

func (h *failFirstTx) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook { return next }

func (h *failFirstTx) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		if len(cmds) > 0 && cmds[0].Name() == "multi" && h.failed.CompareAndSwap(false, true) {
			return errors.New("write: connection reset")
		}
		return next(ctx, cmds)
	}
}

func TestStore_CreateEvent_FailedWriteReleasesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	hook := &failFirstTx{}
	rdb.AddHook(hook)
	s := redis.NewClient(rdb)
	t.Cleanup(func() { _ = s.Close() })

	first := outbound(t0, event.StatusPending)
	first.IdempotencyKey = "psp:evt_wedge"
	err := s.CreateEvent(ctx, first)
	require.Error(t, err)
	require.True(t, hook.failed.Load())

	_, err = s.GetEventByIdempotencyKey(ctx, "psp:evt_wedge")
	assert.ErrorIs(t, err, event.ErrNotFound)

	retry := outbound(t0, event.StatusPending)
	retry.IdempotencyKey = "psp:evt_wedge"
	require.NoError(t, s.CreateEvent(ctx, retry))

	got, err := s.GetEventByIdempotencyKey(ctx, "psp:evt_wedge")
	require.NoError(t, err)
	assert.Equal(t, retry.ID, got.ID)
}

func TestStore_ListEvents(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var ids []id.ID
	for i := range 4 {
		evt := outbound(t0.Add(time.Duration(i)*time.Minute), event.StatusPending)
		if i == 3 {
			evt.Direction = event.DirectionInbound
			evt.Source = "stripe"
		}
		require.NoError(t, s.CreateEvent(ctx, evt))
		ids = append(ids, evt.ID)
	}

	all, err := s.ListEvents(ctx, event.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID, "newest first")

	out, err := s.ListEvents(ctx, event.ListOpts{Direction: event.DirectionOutbound, Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, ids[2], out[0].ID)
	assert.Equal(t, ids[1], out[1].ID)

	from := t0.Add(time.Minute)
	to := t0.Add(2 * time.Minute)
	window, err := s.ListEvents(ctx, event.ListOpts{From: &from, To: &to})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	src, err := s.ListEvents(ctx, event.ListOpts{Source: "stripe"})
	require.NoError(t, err)
	assert.Len(t, src, 1)
}

func TestStore_ClaimEvents(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	due := func(at time.Time, status event.Status) *event.Event {
		evt := outbound(t0, status)
		evt.Attempts = 1
		evt.NextAttemptAt = &at
		require.NoError(t, s.CreateEvent(ctx, evt))
		return evt
	}
	late := due(t0.Add(-time.Minute), event.StatusFailed)
	early := due(t0.Add(-time.Hour), event.StatusRetrying)
	due(t0.Add(time.Hour), event.StatusFailed) // not yet due

	exhausted := outbound(t0, event.StatusFailed)
	exhausted.Attempts = 3
	exhausted.NextAttemptAt = &t0
	require.NoError(t, s.CreateEvent(ctx, exhausted))

	claimed, err := s.ClaimEvents(ctx, event.ClaimOpts{Now: t0, Limit: 10})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, early.ID, claimed[0].ID, "ordered by next_attempt_at")
	assert.Equal(t, late.ID, claimed[1].ID)
	assert.Equal(t, event.StatusProcessing, claimed[0].Status)
	require.NotNil(t, claimed[0].ClaimedAt)

	stored, err := s.GetEvent(ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessing, stored.Status)

	again, err := s.ClaimEvents(ctx, event.ClaimOpts{Now: t0, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestStore_ClaimEvents_NoDoubleClaim(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for range 20 {
		evt := outbound(t0, event.StatusFailed)
		evt.NextAttemptAt = &t0
		require.NoError(t, s.CreateEvent(ctx, evt))
	}

	var (
		mu   sync.Mutex
		seen = make(map[id.ID]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimEvents(ctx, event.ClaimOpts{Now: t0, Limit: 20})
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, evt := range claimed {
				seen[evt.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for evtID, n := range seen {
		assert.Equal(t, 1, n, "event %s claimed %d times", evtID, n)
	}
}

func TestStore_ClaimEvent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	future := t0.Add(time.Hour)
	evt := outbound(t0, event.StatusFailed)
	evt.NextAttemptAt = &future
	require.NoError(t, s.CreateEvent(ctx, evt))

	claimed, err := s.ClaimEvent(ctx, evt.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, event.StatusProcessing, claimed.Status)

	_, err = s.ClaimEvent(ctx, evt.ID, t0)
	assert.ErrorIs(t, err, event.ErrNotClaimable)

	inbound := outbound(t0, event.StatusPending)
	inbound.Direction = event.DirectionInbound
	require.NoError(t, s.CreateEvent(ctx, inbound))
	_, err = s.ClaimEvent(ctx, inbound.ID, t0)
	assert.ErrorIs(t, err, event.ErrNotClaimable)

	_, err = s.ClaimEvent(ctx, id.NewEventID(), t0)
	assert.ErrorIs(t, err, event.ErrNotFound)
}

func TestStore_ReclaimStale(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	stuck := outbound(t0.Add(-time.Hour), event.StatusPending)
	require.NoError(t, s.CreateEvent(ctx, stuck))
	_, err := s.ClaimEvent(ctx, stuck.ID, t0.Add(-30*time.Minute))
	require.NoError(t, err)

	abandoned := outbound(t0.Add(-time.Hour), event.StatusPending)
	require.NoError(t, s.CreateEvent(ctx, abandoned))

	fresh := outbound(t0, event.StatusPending)
	require.NoError(t, s.CreateEvent(ctx, fresh))

	n, err := s.ReclaimStale(ctx, t0.Add(-10*time.Minute), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, evtID := range []id.ID{stuck.ID, abandoned.ID} {
		got, err := s.GetEvent(ctx, evtID)
		require.NoError(t, err)
		assert.Equal(t, event.StatusFailed, got.Status)
		assert.Nil(t, got.ClaimedAt)
	}

	claimed, err := s.ClaimEvents(ctx, event.ClaimOpts{Now: t0, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
}

func TestStore_DeleteExpiredAndCount(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	old := outbound(t0.Add(-48*time.Hour), event.StatusExpired)
	old.IdempotencyKey = "k-old"
	require.NoError(t, s.CreateEvent(ctx, old))

	recent := outbound(t0, event.StatusExpired)
	require.NoError(t, s.CreateEvent(ctx, recent))
	require.NoError(t, s.CreateEvent(ctx, outbound(t0, event.StatusDelivered)))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[event.StatusExpired])
	assert.Equal(t, int64(1), counts[event.StatusDelivered])

	n, err := s.DeleteExpired(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetEvent(ctx, old.ID)
	assert.ErrorIs(t, err, event.ErrNotFound)
	_, err = s.GetEventByIdempotencyKey(ctx, "k-old")
	assert.ErrorIs(t, err, event.ErrNotFound)

	counts, err = s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[event.StatusExpired])
}

func message(created time.Time) *dlq.Message {
	return &dlq.Message{
		Entity:      entity.New(created),
		ID:          id.NewDLQID(),
		EventID:     id.NewEventID(),
		Origin:      dlq.OriginDelivery,
		Payload:     json.RawMessage(`{"id":"evt_1"}`),
		ErrorType:   "exhausted_retries",
		MaxRetries:  3,
		Status:      dlq.StatusPending,
		NextRetryAt: created,
	}
}

func TestStore_DLQ(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var msgs []*dlq.Message
	for i := range 4 {
		m := message(t0.Add(time.Duration(i) * time.Minute))
		require.NoError(t, s.InsertMessage(ctx, m))
		msgs = append(msgs, m)
	}

	got, err := s.GetMessage(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"evt_1"}`, string(got.Payload))

	n, err := s.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	pending, err := s.PendingMessages(ctx, t0.Add(90*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, msgs[0].ID, pending[0].ID)

	claimed, err := s.ClaimMessage(ctx, msgs[0].ID, t0)
	require.NoError(t, err)
	assert.Equal(t, dlq.StatusProcessing, claimed.Status)
	_, err = s.ClaimMessage(ctx, msgs[0].ID, t0)
	assert.ErrorIs(t, err, dlq.ErrNotClaimable)

	// The claimed message survives age-based cleanup.
	deleted, err := s.DeleteMessagesBefore(ctx, t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	released, err := s.ReleaseStaleMessages(ctx, t0.Add(time.Minute), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)
	got, err = s.GetMessage(ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, dlq.StatusPending, got.Status)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Hour)))

	deleted, err = s.DeleteOldestMessages(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	_, err = s.GetMessage(ctx, msgs[0].ID)
	assert.ErrorIs(t, err, dlq.ErrNotFound)

	msgs[2].RetryCount = 3
	msgs[2].Status = dlq.StatusFailed
	require.NoError(t, s.UpdateMessage(ctx, msgs[2]))
	_, err = s.ClaimMessage(ctx, msgs[2].ID, t0)
	assert.ErrorIs(t, err, dlq.ErrNotClaimable)

	failed, err := s.ListMessages(ctx, dlq.ListOpts{Status: dlq.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	agg, err := s.AggregateMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.Total)
	assert.Equal(t, int64(3), agg.RetrySum)
	require.NotNil(t, agg.Oldest)
	assert.True(t, agg.Oldest.Equal(msgs[2].CreatedAt))

	require.NoError(t, s.DeleteMessage(ctx, msgs[3].ID))
	assert.ErrorIs(t, s.DeleteMessage(ctx, msgs[3].ID), dlq.ErrNotFound)
}

func TestStore_DeleteOldestMessages_SkipsClaimed(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var msgs []*dlq.Message
	for i := range 3 {
		m := message(t0.Add(time.Duration(i) * time.Minute))
		require.NoError(t, s.InsertMessage(ctx, m))
		msgs = append(msgs, m)
	}
	_, err := s.ClaimMessage(ctx, msgs[0].ID, t0)
	require.NoError(t, err)

	deleted, err := s.DeleteOldestMessages(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = s.GetMessage(ctx, msgs[0].ID)
	require.NoError(t, err)
	_, err = s.GetMessage(ctx, msgs[1].ID)
	assert.ErrorIs(t, err, dlq.ErrNotFound)

	n, err := s.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_Circuits(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	opened := t0
	for _, key := range []string{"b.example", "a.example"} {
		require.NoError(t, s.SaveCircuit(ctx, &circuit.Snapshot{
			Key:       key,
			State:     circuit.StateOpen,
			OpenedAt:  &opened,
			UpdatedAt: t0,
		}))
	}

	got, err := s.GetCircuit(ctx, "a.example")
	require.NoError(t, err)
	assert.Equal(t, circuit.StateOpen, got.State)

	list, err := s.ListCircuits(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.example", list[0].Key)

	require.NoError(t, s.DeleteCircuit(ctx, "a.example"))
	require.NoError(t, s.DeleteCircuit(ctx, "a.example"))
	_, err = s.GetCircuit(ctx, "a.example")
	assert.ErrorIs(t, err, circuit.ErrNotFound)
}
