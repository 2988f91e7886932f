package event

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/hookrelay/id"
)

// Storage sentinels.
var (
	// ErrNotFound is returned when an event cannot be found.
	ErrNotFound = errors.New("hookrelay: event not found")

	// ErrDuplicate is returned by CreateEvent when the idempotency key is taken.
	ErrDuplicate = errors.New("hookrelay: duplicate idempotency key")

	// ErrNotClaimable is returned by ClaimEvent when the event is not in a
	// claimable status or another worker holds it.
	ErrNotClaimable = errors.New("hookrelay: event not claimable")
)

// Store defines the persistence contract for events.
type Store interface {
	// CreateEvent persists an event. A non-empty idempotency key that already
	// exists yields ErrDuplicate, enforced by a unique index.
	CreateEvent(ctx context.Context, evt *Event) error

	// GetEvent returns an event by ID.
	GetEvent(ctx context.Context, evtID id.ID) (*Event, error)

	// GetEventByIdempotencyKey is an indexed lookup by idempotency key.
	GetEventByIdempotencyKey(ctx context.Context, key string) (*Event, error)

	// UpdateEvent overwrites a stored event.
	UpdateEvent(ctx context.Context, evt *Event) error

	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, opts ListOpts) ([]*Event, error)

	// ClaimEvents atomically moves up to opts.Limit outbound events with a
	// Claimable status, next_attempt_at <= opts.Now and attempts < max_attempts
	// to processing, ordered by next_attempt_at. Concurrent callers never
	// receive the same event.
	ClaimEvents(ctx context.Context, opts ClaimOpts) ([]*Event, error)

	// ClaimEvent atomically moves one pending, failed or retrying outbound
	// event with attempts < max_attempts to processing, ignoring its schedule.
	ClaimEvent(ctx context.Context, evtID id.ID, now time.Time) (*Event, error)

	// ReclaimStale returns outbound events stuck in processing since before
	// `before`, or left pending since before `before`, to failed and due at now.
	ReclaimStale(ctx context.Context, before, now time.Time) (int64, error)

	// DeleteExpired removes expired events last updated before `before`.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)

	// CountByStatus returns the number of events per status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
