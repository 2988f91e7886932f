package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the hookrelay store.
// It can be registered with a grove orchestrator for locking, version
// tracking and rollback.
var Migrations = migrate.NewGroup("hookrelay")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_hookrelay_events",
			Version: "20260101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS hookrelay_events (
    id               TEXT PRIMARY KEY,
    direction        TEXT NOT NULL,
    type             TEXT NOT NULL DEFAULT '',
    vendor_type      TEXT NOT NULL DEFAULT '',
    vendor_event_id  TEXT NOT NULL DEFAULT '',
    source           TEXT NOT NULL DEFAULT '',
    destination      TEXT NOT NULL DEFAULT '',
    payment_id       TEXT NOT NULL DEFAULT '',
    payload          JSON,
    status           TEXT NOT NULL DEFAULT 'pending',
    attempts         INT NOT NULL DEFAULT 0,
    max_attempts     INT NOT NULL DEFAULT 0,
    next_attempt_at  TIMESTAMPTZ,
    idempotency_key  TEXT NOT NULL DEFAULT '',
    signature_scheme TEXT NOT NULL DEFAULT '',
    signed_at        TIMESTAMPTZ,
    test             BOOLEAN NOT NULL DEFAULT FALSE,
    metadata         JSONB NOT NULL DEFAULT '{}',
    last_error       TEXT NOT NULL DEFAULT '',
    last_status_code INT NOT NULL DEFAULT 0,
    last_response    TEXT NOT NULL DEFAULT '',
    claimed_at       TIMESTAMPTZ,
    delivered_at     TIMESTAMPTZ,
    failed_at        TIMESTAMPTZ,
    processed_at     TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_hookrelay_events_idempotency ON hookrelay_events (idempotency_key) WHERE idempotency_key != '';
CREATE INDEX IF NOT EXISTS idx_hookrelay_events_due ON hookrelay_events (next_attempt_at) WHERE direction = 'outbound' AND status IN ('failed', 'retrying');
CREATE INDEX IF NOT EXISTS idx_hookrelay_events_status ON hookrelay_events (status);
CREATE INDEX IF NOT EXISTS idx_hookrelay_events_created ON hookrelay_events (created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS hookrelay_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_hookrelay_dlq",
			Version: "20260101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS hookrelay_dlq (
    id              TEXT PRIMARY KEY,
    event_id        TEXT NOT NULL DEFAULT '',
    origin          TEXT NOT NULL DEFAULT '',
    event_type      TEXT NOT NULL DEFAULT '',
    destination     TEXT NOT NULL DEFAULT '',
    payload         JSON,
    error_type      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    status_code     INT NOT NULL DEFAULT 0,
    retry_count     INT NOT NULL DEFAULT 0,
    max_retries     INT NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'pending',
    next_retry_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_attempt_at TIMESTAMPTZ,
    claimed_at      TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_hookrelay_dlq_pending ON hookrelay_dlq (next_retry_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_hookrelay_dlq_created ON hookrelay_dlq (created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS hookrelay_dlq`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_hookrelay_circuits",
			Version: "20260101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS hookrelay_circuits (
    key        TEXT PRIMARY KEY,
    state      TEXT NOT NULL DEFAULT 'closed',
    snapshot   JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS hookrelay_circuits`)
				return err
			},
		},
	)
}
