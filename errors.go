package hookrelay

import (
	"errors"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/inbound"
	"github.com/xraph/hookrelay/store"
)

// Sentinel errors returned by Relay operations.
var (
	// ErrNoStore is returned when a Relay is created without a store.
	ErrNoStore = errors.New("hookrelay: store is required")

	// ErrNotStarted is returned by Stop on a Relay that is not running.
	ErrNotStarted = errors.New("hookrelay: not started")

	// ErrNoDestination is returned when an outbound event has no destination.
	ErrNoDestination = errors.New("hookrelay: destination is required")

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = store.ErrStoreClosed

	// ErrMigrationFailed is returned when a database migration fails.
	ErrMigrationFailed = store.ErrMigrationFailed

	// ErrEventNotFound is returned when an event cannot be found.
	ErrEventNotFound = event.ErrNotFound

	// ErrDuplicateEvent is returned when an idempotency key is already taken.
	ErrDuplicateEvent = event.ErrDuplicate

	// ErrEventNotClaimable is returned when an event is held by another worker
	// or cannot be delivered anymore.
	ErrEventNotClaimable = event.ErrNotClaimable

	// ErrDLQNotFound is returned when a dead letter message cannot be found.
	ErrDLQNotFound = dlq.ErrNotFound

	// ErrDLQNotClaimable is returned when a dead letter message is being retried
	// or has no retries left.
	ErrDLQNotClaimable = dlq.ErrNotClaimable

	// ErrCircuitNotFound is returned when no breaker exists for a key.
	ErrCircuitNotFound = circuit.ErrNotFound

	// ErrInternal is returned when an inbound handler fails.
	ErrInternal = inbound.ErrInternal
)
