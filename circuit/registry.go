package circuit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/xraph/hookrelay/clock"
)

// Observer is told about every state change, e.g. to update metrics.
type Observer func(key string, from, to State)

// Registry owns one breaker per destination key. Breakers are created lazily.
type Registry struct {
	cfg       Config
	overrides map[string]Config
	clock     clock.Clock
	store     StateStore
	observer  Observer
	logger    *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the time source used by every breaker.
func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = clock.OrSystem(c) }
}

// WithStateStore persists snapshots after each transition.
func WithStateStore(s StateStore) RegistryOption {
	return func(r *Registry) { r.store = s }
}

// WithObserver registers a transition callback.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry returns an empty registry whose breakers use cfg.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:       cfg.withDefaults(),
		overrides: make(map[string]Config),
		clock:     clock.System,
		logger:    slog.Default(),
		breakers:  make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Configure sets thresholds for one key. It replaces an existing breaker for
// that key, so call it before traffic starts.
func (r *Registry) Configure(key string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[key] = cfg.withDefaults()
	delete(r.breakers, key)
}

// Get returns the breaker for key, creating a closed one if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok = r.breakers[key]; ok {
		return b
	}
	b = r.newBreaker(key)
	r.breakers[key] = b
	return b
}

// newBreaker must be called with mu held.
func (r *Registry) newBreaker(key string) *Breaker {
	cfg, ok := r.overrides[key]
	if !ok {
		cfg = r.cfg
	}
	b := New(key, cfg, r.clock)
	b.onTransition = r.transitioned
	return b
}

// Execute runs fn through the breaker for key.
func (r *Registry) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return r.Get(key).Execute(ctx, fn)
}

func (r *Registry) transitioned(ctx context.Context, from, to State, snap Snapshot) {
	if from != to {
		r.logger.InfoContext(ctx, "circuit state changed",
			"destination", snap.Key, "from", from, "to", to,
			"consecutive_failures", snap.ConsecutiveFailures)
	}
	if r.observer != nil {
		r.observer(snap.Key, from, to)
	}
	if r.store == nil {
		return
	}
	if err := r.store.SaveCircuit(ctx, &snap); err != nil {
		r.logger.WarnContext(ctx, "persist circuit state failed",
			"destination", snap.Key, "error", err)
	}
}

// Snapshot returns the snapshot for key, if a breaker exists.
func (r *Registry) Snapshot(key string) (Snapshot, bool) {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return b.Snapshot(), true
}

// Snapshots returns every breaker's snapshot ordered by key.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, len(breakers))
	for i, b := range breakers {
		out[i] = b.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Stats counts breakers per state.
type Stats struct {
	Total    int `json:"total"`
	Open     int `json:"open"`
	HalfOpen int `json:"half_open"`
	Closed   int `json:"closed"`
}

// Stats returns the number of breakers in each state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.breakers)}
	for _, b := range r.breakers {
		switch b.State() {
		case StateOpen:
			stats.Open++
		case StateHalfOpen:
			stats.HalfOpen++
		case StateClosed:
			stats.Closed++
		}
	}
	return stats
}

// Reset closes the breaker for key. Returns ErrNotFound for unknown keys.
func (r *Registry) Reset(ctx context.Context, key string) error {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	b.Reset(ctx)
	return nil
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll(ctx context.Context) {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	for _, b := range breakers {
		b.Reset(ctx)
	}
}

// Remove drops the breaker for key and its persisted state.
func (r *Registry) Remove(ctx context.Context, key string) error {
	r.mu.Lock()
	delete(r.breakers, key)
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	return r.store.DeleteCircuit(ctx, key)
}

// Keys returns every known destination key, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Restore loads persisted snapshots into the registry. Call once at start-up.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	snaps, err := r.store.ListCircuits(ctx)
	if err != nil {
		return 0, fmt.Errorf("circuit: restore: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range snaps {
		b := r.newBreaker(s.Key)
		b.restore(s)
		r.breakers[s.Key] = b
	}
	return len(snaps), nil
}
