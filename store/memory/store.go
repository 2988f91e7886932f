// Package memory provides an in-memory Store implementation for unit testing
// and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
	hookstore "github.com/xraph/hookrelay/store"
)

// compile-time interface check.
var _ hookstore.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store. Records are copied on
// the way in and out so callers can mutate them without holding a lock.
type Store struct {
	mu sync.RWMutex

	events          map[string]*event.Event      // keyed by ID string
	eventsByIdemKey map[string]string            // idempotency key -> ID string
	messages        map[string]*dlq.Message      // keyed by ID string
	circuits        map[string]*circuit.Snapshot // keyed by breaker key

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		events:          make(map[string]*event.Event),
		eventsByIdemKey: make(map[string]string),
		messages:        make(map[string]*dlq.Message),
		circuits:        make(map[string]*circuit.Snapshot),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping is a no-op for the in-memory store.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return hookstore.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// event.Store
// ──────────────────────────────────────────────────

// CreateEvent persists an event. Returns event.ErrDuplicate on key conflict.
func (s *Store) CreateEvent(_ context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.IdempotencyKey != "" {
		if _, ok := s.eventsByIdemKey[evt.IdempotencyKey]; ok {
			return event.ErrDuplicate
		}
		s.eventsByIdemKey[evt.IdempotencyKey] = evt.ID.String()
	}

	s.events[evt.ID.String()] = evt.Clone()
	return nil
}

// GetEvent returns an event by ID.
func (s *Store) GetEvent(_ context.Context, evtID id.ID) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evt, ok := s.events[evtID.String()]
	if !ok {
		return nil, event.ErrNotFound
	}
	return evt.Clone(), nil
}

// GetEventByIdempotencyKey returns the event holding key.
func (s *Store) GetEventByIdempotencyKey(_ context.Context, key string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evtID, ok := s.eventsByIdemKey[key]
	if !ok || key == "" {
		return nil, event.ErrNotFound
	}
	return s.events[evtID].Clone(), nil
}

// UpdateEvent overwrites a stored event.
func (s *Store) UpdateEvent(_ context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[evt.ID.String()]; !ok {
		return event.ErrNotFound
	}
	s.events[evt.ID.String()] = evt.Clone()
	return nil
}

// ListEvents returns events newest first, optionally filtered.
func (s *Store) ListEvents(_ context.Context, opts event.ListOpts) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*event.Event, 0, len(s.events))
	for _, evt := range s.events {
		if !matchEventOpts(evt, opts) {
			continue
		}
		result = append(result, evt)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() > result[j].ID.String()
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	return cloneEvents(applyPagination(result, opts.Offset, opts.Limit)), nil
}

// ClaimEvents moves due retryable events to processing under the write lock.
func (s *Store) ClaimEvents(_ context.Context, opts event.ClaimOpts) ([]*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*event.Event, 0)
	for _, evt := range s.events {
		if evt.Direction != event.DirectionOutbound || !isClaimable(evt.Status) {
			continue
		}
		if evt.Attempts >= evt.MaxAttempts || !evt.Due(opts.Now) {
			continue
		}
		candidates = append(candidates, evt)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return nextAttempt(candidates[i]).Before(nextAttempt(candidates[j]))
	})

	if opts.Limit > 0 && opts.Limit < len(candidates) {
		candidates = candidates[:opts.Limit]
	}

	result := make([]*event.Event, 0, len(candidates))
	for _, evt := range candidates {
		claim(evt, opts.Now)
		result = append(result, evt.Clone())
	}
	return result, nil
}

// ClaimEvent moves one event to processing regardless of its schedule.
func (s *Store) ClaimEvent(_ context.Context, evtID id.ID, now time.Time) (*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evt, ok := s.events[evtID.String()]
	if !ok {
		return nil, event.ErrNotFound
	}
	if evt.Direction != event.DirectionOutbound || evt.Attempts >= evt.MaxAttempts {
		return nil, event.ErrNotClaimable
	}
	if evt.Status != event.StatusPending && !isClaimable(evt.Status) {
		return nil, event.ErrNotClaimable
	}

	claim(evt, now)
	return evt.Clone(), nil
}

// ReclaimStale returns abandoned outbound events to failed, due at now.
func (s *Store) ReclaimStale(_ context.Context, before, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, evt := range s.events {
		if evt.Direction != event.DirectionOutbound {
			continue
		}
		stale := false
		switch evt.Status {
		case event.StatusProcessing:
			stale = evt.ClaimedAt != nil && evt.ClaimedAt.Before(before)
		case event.StatusPending:
			stale = evt.CreatedAt.Before(before)
		}
		if !stale {
			continue
		}
		n := now
		evt.Status = event.StatusFailed
		evt.ClaimedAt = nil
		evt.NextAttemptAt = &n
		evt.Touch(now)
		count++
	}
	return count, nil
}

// DeleteExpired removes expired events last updated before `before`.
func (s *Store) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for k, evt := range s.events {
		if evt.Status != event.StatusExpired || !evt.UpdatedAt.Before(before) {
			continue
		}
		if evt.IdempotencyKey != "" {
			delete(s.eventsByIdemKey, evt.IdempotencyKey)
		}
		delete(s.events, k)
		count++
	}
	return count, nil
}

// CountByStatus returns the number of events per status.
func (s *Store) CountByStatus(_ context.Context) (map[event.Status]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[event.Status]int64)
	for _, evt := range s.events {
		counts[evt.Status]++
	}
	return counts, nil
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

// InsertMessage persists a new message.
func (s *Store) InsertMessage(_ context.Context, m *dlq.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[m.ID.String()] = m.Clone()
	return nil
}

// GetMessage returns a message by ID.
func (s *Store) GetMessage(_ context.Context, msgID id.ID) (*dlq.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[msgID.String()]
	if !ok {
		return nil, dlq.ErrNotFound
	}
	return m.Clone(), nil
}

// UpdateMessage overwrites a stored message.
func (s *Store) UpdateMessage(_ context.Context, m *dlq.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[m.ID.String()]; !ok {
		return dlq.ErrNotFound
	}
	s.messages[m.ID.String()] = m.Clone()
	return nil
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(_ context.Context, msgID id.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msgID.String()]; !ok {
		return dlq.ErrNotFound
	}
	delete(s.messages, msgID.String())
	return nil
}

// ListMessages returns messages oldest first, optionally filtered.
func (s *Store) ListMessages(_ context.Context, opts dlq.ListOpts) ([]*dlq.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*dlq.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if opts.Status != "" && m.Status != opts.Status {
			continue
		}
		if opts.Origin != "" && m.Origin != opts.Origin {
			continue
		}
		result = append(result, m)
	}

	sortOldestFirst(result)
	return cloneMessages(applyPagination(result, opts.Offset, opts.Limit)), nil
}

// PendingMessages returns due, retryable messages ordered by next_retry_at.
func (s *Store) PendingMessages(_ context.Context, now time.Time, limit int) ([]*dlq.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*dlq.Message, 0)
	for _, m := range s.messages {
		if !m.Retryable() || m.NextRetryAt.After(now) {
			continue
		}
		result = append(result, m)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].NextRetryAt.Before(result[j].NextRetryAt)
	})

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return cloneMessages(result), nil
}

// ClaimMessage moves a retryable pending message to processing.
func (s *Store) ClaimMessage(_ context.Context, msgID id.ID, now time.Time) (*dlq.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[msgID.String()]
	if !ok {
		return nil, dlq.ErrNotFound
	}
	if !m.Retryable() {
		return nil, dlq.ErrNotClaimable
	}

	t := now
	m.Status = dlq.StatusProcessing
	m.ClaimedAt = &t
	m.Touch(now)
	return m.Clone(), nil
}

// CountMessages returns the number of stored messages.
func (s *Store) CountMessages(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.messages)), nil
}

// DeleteOldestMessages removes the n oldest messages.
func (s *Store) DeleteOldestMessages(_ context.Context, n int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n <= 0 {
		return 0, nil
	}

	all := make([]*dlq.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Status != dlq.StatusProcessing {
			all = append(all, m)
		}
	}
	sortOldestFirst(all)

	var count int64
	for _, m := range all[:min(n, len(all))] {
		delete(s.messages, m.ID.String())
		count++
	}
	return count, nil
}

// DeleteMessagesBefore removes messages created before `before` unless a
// worker holds them.
func (s *Store) DeleteMessagesBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for k, m := range s.messages {
		if m.Status == dlq.StatusProcessing || !m.CreatedAt.Before(before) {
			continue
		}
		delete(s.messages, k)
		count++
	}
	return count, nil
}

// ReleaseStaleMessages returns messages claimed before `before` to pending.
func (s *Store) ReleaseStaleMessages(_ context.Context, before, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, m := range s.messages {
		if m.Status != dlq.StatusProcessing || m.ClaimedAt == nil || !m.ClaimedAt.Before(before) {
			continue
		}
		m.Status = dlq.StatusPending
		m.ClaimedAt = nil
		m.Touch(now)
		count++
	}
	return count, nil
}

// AggregateMessages summarizes the stored messages.
func (s *Store) AggregateMessages(_ context.Context) (*dlq.Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := dlq.NewAggregate()
	for _, m := range s.messages {
		agg.Add(m)
	}
	return agg, nil
}

// ──────────────────────────────────────────────────
// circuit.StateStore
// ──────────────────────────────────────────────────

// SaveCircuit upserts a breaker snapshot.
func (s *Store) SaveCircuit(_ context.Context, snap *circuit.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	s.circuits[snap.Key] = &cp
	return nil
}

// GetCircuit returns the snapshot for key.
func (s *Store) GetCircuit(_ context.Context, key string) (*circuit.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.circuits[key]
	if !ok {
		return nil, circuit.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

// ListCircuits returns every stored snapshot ordered by key.
func (s *Store) ListCircuits(_ context.Context) ([]*circuit.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*circuit.Snapshot, 0, len(s.circuits))
	for _, snap := range s.circuits {
		cp := *snap
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// DeleteCircuit removes the snapshot for key.
func (s *Store) DeleteCircuit(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.circuits, key)
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func isClaimable(st event.Status) bool {
	for _, c := range event.Claimable {
		if c == st {
			return true
		}
	}
	return false
}

func claim(evt *event.Event, now time.Time) {
	t := now
	evt.Status = event.StatusProcessing
	evt.ClaimedAt = &t
	evt.Touch(now)
}

func nextAttempt(evt *event.Event) time.Time {
	if evt.NextAttemptAt == nil {
		return time.Time{}
	}
	return *evt.NextAttemptAt
}

func matchEventOpts(evt *event.Event, opts event.ListOpts) bool {
	if opts.Direction != "" && evt.Direction != opts.Direction {
		return false
	}
	if !opts.HasStatus(evt.Status) {
		return false
	}
	if opts.Type != "" && evt.Type != opts.Type {
		return false
	}
	if opts.Source != "" && evt.Source != opts.Source {
		return false
	}
	if opts.From != nil && evt.CreatedAt.Before(*opts.From) {
		return false
	}
	if opts.To != nil && evt.CreatedAt.After(*opts.To) {
		return false
	}
	return true
}

func sortOldestFirst(ms []*dlq.Message) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].ID.String() < ms[j].ID.String()
		}
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}

func cloneEvents(in []*event.Event) []*event.Event {
	out := make([]*event.Event, len(in))
	for i, evt := range in {
		out[i] = evt.Clone()
	}
	return out
}

func cloneMessages(in []*dlq.Message) []*dlq.Message {
	out := make([]*dlq.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) {
		return nil
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}
