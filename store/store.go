// Package store defines the composite Store interface for all hookrelay
// persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them, so a backend implements everything in one place.
package store

import (
	"context"
	"errors"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
)

// Lifecycle sentinels shared by every backend.
var (
	// ErrStoreClosed is returned when the store has been closed.
	ErrStoreClosed = errors.New("hookrelay: store closed")

	// ErrMigrationFailed is returned when a schema migration fails.
	ErrMigrationFailed = errors.New("hookrelay: migration failed")
)

// Store is the aggregate persistence interface.
type Store interface {
	event.Store
	dlq.Store
	circuit.StateStore

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
