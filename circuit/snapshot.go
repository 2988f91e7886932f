package circuit

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a StateStore when no state is stored for a key.
var ErrNotFound = errors.New("hookrelay: circuit state not found")

// Snapshot is the persisted and reported form of a breaker.
type Snapshot struct {
	Key                  string     `json:"key"`
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	TotalCalls           int64      `json:"total_calls"`
	TotalFailures        int64      `json:"total_failures"`
	TotalSuccesses       int64      `json:"total_successes"`
	Rejected             int64      `json:"rejected"`
	LastFailureAt        *time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt        *time.Time `json:"last_success_at,omitempty"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
	Config               Config     `json:"config"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// SuccessRate is successes over completed calls, in [0, 1]. Zero when no call
// has completed.
func (s Snapshot) SuccessRate() float64 {
	done := s.TotalSuccesses + s.TotalFailures
	if done == 0 {
		return 0
	}
	return float64(s.TotalSuccesses) / float64(done)
}

// StateStore persists breaker snapshots so that open circuits survive restarts.
type StateStore interface {
	// SaveCircuit upserts the snapshot for s.Key.
	SaveCircuit(ctx context.Context, s *Snapshot) error

	// GetCircuit returns the snapshot for key or ErrNotFound.
	GetCircuit(ctx context.Context, key string) (*Snapshot, error)

	// ListCircuits returns every stored snapshot.
	ListCircuits(ctx context.Context) ([]*Snapshot, error)

	// DeleteCircuit removes the snapshot for key. Missing keys are not an error.
	DeleteCircuit(ctx context.Context, key string) error
}
