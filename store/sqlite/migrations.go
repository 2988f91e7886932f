package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the hookrelay store (SQLite).
// Time columns are declared TIMESTAMP so the driver decodes them into time.Time.
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
    payload          TEXT,
    status           TEXT NOT NULL DEFAULT 'pending',
    attempts         INTEGER NOT NULL DEFAULT 0,
    max_attempts     INTEGER NOT NULL DEFAULT 0,
    next_attempt_at  TIMESTAMP,
    idempotency_key  TEXT NOT NULL DEFAULT '',
    signature_scheme TEXT NOT NULL DEFAULT '',
    signed_at        TIMESTAMP,
    test             INTEGER NOT NULL DEFAULT 0,
    metadata         TEXT NOT NULL DEFAULT '{}',
    last_error       TEXT NOT NULL DEFAULT '',
    last_status_code INTEGER NOT NULL DEFAULT 0,
    last_response    TEXT NOT NULL DEFAULT '',
    claimed_at       TIMESTAMP,
    delivered_at     TIMESTAMP,
    failed_at        TIMESTAMP,
    processed_at     TIMESTAMP,
    created_at       TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    updated_at       TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_hookrelay_events_idempotency ON hookrelay_events (idempotency_key) WHERE idempotency_key != '';
CREATE INDEX IF NOT EXISTS idx_hookrelay_events_due ON hookrelay_events (status, next_attempt_at);
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
    payload         TEXT,
    error_type      TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    status_code     INTEGER NOT NULL DEFAULT 0,
    retry_count     INTEGER NOT NULL DEFAULT 0,
    max_retries     INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL DEFAULT 'pending',
    next_retry_at   TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    last_attempt_at TIMESTAMP,
    claimed_at      TIMESTAMP,
    created_at      TIMESTAMP NOT NULL DEFAULT (datetime('now')),
    updated_at      TIMESTAMP NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_hookrelay_dlq_pending ON hookrelay_dlq (status, next_retry_at);
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
    snapshot   TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT (datetime('now'))
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
