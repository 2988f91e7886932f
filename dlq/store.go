package dlq

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/hookrelay/id"
)

// Storage sentinels.
var (
	// ErrNotFound is returned when a message cannot be found.
	ErrNotFound = errors.New("hookrelay: dead letter message not found")

	// ErrNotClaimable is returned by ClaimMessage when the message is not
	// pending, has no retries left, or another worker holds it.
	ErrNotClaimable = errors.New("hookrelay: dead letter message not claimable")
)

// Store defines the persistence contract for the dead letter queue.
type Store interface {
	// InsertMessage persists a new message.
	InsertMessage(ctx context.Context, m *Message) error

	// GetMessage returns a message by ID.
	GetMessage(ctx context.Context, msgID id.ID) (*Message, error)

	// UpdateMessage overwrites a stored message.
	UpdateMessage(ctx context.Context, m *Message) error

	// DeleteMessage removes a message. Missing messages yield ErrNotFound.
	DeleteMessage(ctx context.Context, msgID id.ID) error

	// ListMessages returns messages oldest first.
	ListMessages(ctx context.Context, opts ListOpts) ([]*Message, error)

	// PendingMessages returns pending messages with next_retry_at <= now and
	// retry_count < max_retries, ordered by next_retry_at.
	PendingMessages(ctx context.Context, now time.Time, limit int) ([]*Message, error)

	// ClaimMessage atomically moves a retryable pending message to processing.
	ClaimMessage(ctx context.Context, msgID id.ID, now time.Time) (*Message, error)

	// CountMessages returns the number of stored messages.
	CountMessages(ctx context.Context) (int64, error)

	// DeleteOldestMessages removes the n oldest messages by creation time,
	// skipping messages a worker is processing.
	DeleteOldestMessages(ctx context.Context, n int) (int64, error)

	// DeleteMessagesBefore removes messages created before `before` that are
	// not being processed.
	DeleteMessagesBefore(ctx context.Context, before time.Time) (int64, error)

	// ReleaseStaleMessages returns messages claimed before `before` to
	// pending, stamping them with now.
	ReleaseStaleMessages(ctx context.Context, before, now time.Time) (int64, error)

	// AggregateMessages returns counts per status, the oldest creation time
	// and the sum of retry counts.
	AggregateMessages(ctx context.Context) (*Aggregate, error)
}
