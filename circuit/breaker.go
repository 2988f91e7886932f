// Package circuit isolates failing destinations behind per-key circuit breakers.
//
// States:
//   - closed: calls pass through; failure_threshold consecutive failures open the circuit
//   - open: calls are rejected without running; after recovery_timeout the next call goes half-open
//   - half_open: a bounded number of trial calls run; success_threshold consecutive
//     successes close the circuit, any failure reopens it
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/fault"
)

// State is the position of a breaker in its state machine.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `json:"failure_threshold" mapstructure:"failure_threshold"`

	// RecoveryTimeout is how long an open circuit waits before admitting a trial call.
	RecoveryTimeout time.Duration `json:"recovery_timeout" mapstructure:"recovery_timeout"`

	// SuccessThreshold is the number of consecutive half-open successes that closes the circuit.
	SuccessThreshold int `json:"success_threshold" mapstructure:"success_threshold"`

	// CallTimeout bounds every call made through the breaker.
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call_timeout"`

	// HalfOpenMaxCalls caps concurrent trial calls. Defaults to SuccessThreshold.
	HalfOpenMaxCalls int `json:"half_open_max_calls" mapstructure:"half_open_max_calls"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		CallTimeout:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.CallTimeout < 0 {
		c.CallTimeout = 0
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = c.SuccessThreshold
	}
	return c
}

// Breaker guards calls to a single destination. All counters and the state
// are updated together under one mutex.
type Breaker struct {
	key   string
	cfg   Config
	clock clock.Clock

	// onTransition is invoked outside the lock after every state change.
	onTransition func(ctx context.Context, from, to State, snap Snapshot)

	mu             sync.Mutex
	state          State
	failures       int
	successes      int
	inFlight       int
	totalCalls     int64
	totalFailures  int64
	totalSuccesses int64
	rejected       int64
	lastFailureAt  time.Time
	lastSuccessAt  time.Time
	openedAt       time.Time
}

// New returns a closed breaker for key.
func New(key string, cfg Config, c clock.Clock) *Breaker {
	return &Breaker{
		key:   key,
		cfg:   cfg.withDefaults(),
		clock: clock.OrSystem(c),
		state: StateClosed,
	}
}

// Key returns the destination key.
func (b *Breaker) Key() string { return b.key }

// Execute runs fn through the breaker. An open circuit returns a
// ServiceUnavailable error without calling fn. fn receives a context bounded
// by CallTimeout. Cancellation of the caller's own context is not counted.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	t, ok := b.acquire()
	b.notify(ctx, t)
	if !ok {
		return fault.Unavailable(b.key)
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)

	switch {
	case err == nil:
		b.notify(ctx, b.record(true))
		return nil
	case ctx.Err() != nil:
		b.release()
		return err
	default:
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !fault.Is(err, fault.KindTransport) {
			err = fault.Transport(0, err)
		}
		b.notify(ctx, b.record(false))
		return err
	}
}

// transition describes a state change to report after unlocking.
type transition struct {
	from, to State
	snap     Snapshot
}

func (b *Breaker) acquire() (*transition, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var t *transition
	if b.state == StateOpen {
		if b.clock.Now().Sub(b.lastFailureAt) < b.cfg.RecoveryTimeout {
			b.rejected++
			return nil, false
		}
		t = b.setState(StateHalfOpen)
	}

	if b.state == StateHalfOpen {
		if b.inFlight >= b.cfg.HalfOpenMaxCalls {
			b.rejected++
			return t, false
		}
		b.inFlight++
	}

	b.totalCalls++
	return t, true
}

func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
	b.totalCalls--
}

func (b *Breaker) record(success bool) *transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}

	if success {
		b.totalSuccesses++
		b.lastSuccessAt = now
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				return b.setState(StateClosed)
			}
		}
		return nil
	}

	b.totalFailures++
	b.lastFailureAt = now
	b.failures++
	b.successes = 0

	switch b.state {
	case StateHalfOpen:
		return b.setState(StateOpen)
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			return b.setState(StateOpen)
		}
	}
	return nil
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) *transition {
	from := b.state
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = b.clock.Now()
	case StateHalfOpen:
		b.successes = 0
		b.inFlight = 0
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.inFlight = 0
		b.openedAt = time.Time{}
	}
	return &transition{from: from, to: to, snap: b.snapshotLocked()}
}

func (b *Breaker) notify(ctx context.Context, t *transition) {
	if t == nil || b.onTransition == nil {
		return
	}
	b.onTransition(ctx, t.from, t.to, t.snap)
}

// State returns the current state. An open circuit past its recovery timeout
// still reports open until the next call moves it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters and thresholds.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		Key:                  b.key,
		State:                b.state,
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		TotalCalls:           b.totalCalls,
		TotalFailures:        b.totalFailures,
		TotalSuccesses:       b.totalSuccesses,
		Rejected:             b.rejected,
		LastFailureAt:        timePtr(b.lastFailureAt),
		LastSuccessAt:        timePtr(b.lastSuccessAt),
		OpenedAt:             timePtr(b.openedAt),
		Config:               b.cfg,
		UpdatedAt:            b.clock.Now(),
	}
}

// Reset forces the breaker closed and clears every counter.
func (b *Breaker) Reset(ctx context.Context) {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.successes, b.inFlight = 0, 0, 0
	b.totalCalls, b.totalFailures, b.totalSuccesses, b.rejected = 0, 0, 0, 0
	b.lastFailureAt, b.lastSuccessAt, b.openedAt = time.Time{}, time.Time{}, time.Time{}
	t := &transition{from: from, to: StateClosed, snap: b.snapshotLocked()}
	b.mu.Unlock()

	b.notify(ctx, t)
}

// restore loads persisted state into a fresh breaker.
func (b *Breaker) restore(s *Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s.State
	b.failures = s.ConsecutiveFailures
	b.successes = s.ConsecutiveSuccesses
	b.totalCalls = s.TotalCalls
	b.totalFailures = s.TotalFailures
	b.totalSuccesses = s.TotalSuccesses
	b.rejected = s.Rejected
	b.lastFailureAt = timeVal(s.LastFailureAt)
	b.lastSuccessAt = timeVal(s.LastSuccessAt)
	b.openedAt = timeVal(s.OpenedAt)
	if b.state == StateHalfOpen {
		b.inFlight = 0
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
