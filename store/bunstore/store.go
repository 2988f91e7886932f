// Package bunstore implements store.Store with the Bun ORM. It targets any
// dialect Bun supports; claims run in a transaction and guard every update
// with the expected status, so a row changes hands at most once.
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
	hookstore "github.com/xraph/hookrelay/store"
)

// compile-time interface check
var _ hookstore.Store = (*Store)(nil)

var (
	claimableStatuses = []string{string(event.StatusFailed), string(event.StatusRetrying)}
	claimOneStatuses  = []string{string(event.StatusPending), string(event.StatusFailed), string(event.StatusRetrying)}
)

// Store implements store.Store using the Bun ORM.
type Store struct {
	db *bun.DB
}

// New creates a new Bun-backed store.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying Bun database for direct access.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate creates the required tables using Bun's CreateTable.
func (s *Store) Migrate(ctx context.Context) error {
	models := []any{
		(*eventModel)(nil),
		(*messageModel)(nil),
		(*circuitModel)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("%w: bun: %w", hookstore.ErrMigrationFailed, err)
		}
	}

	// Create indexes.
	indexes := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_hookrelay_events_idempotency ON hookrelay_events (idempotency_key) WHERE idempotency_key != ''",
		"CREATE INDEX IF NOT EXISTS idx_hookrelay_events_due ON hookrelay_events (status, next_attempt_at)",
		"CREATE INDEX IF NOT EXISTS idx_hookrelay_events_created ON hookrelay_events (created_at)",
		"CREATE INDEX IF NOT EXISTS idx_hookrelay_dlq_pending ON hookrelay_dlq (status, next_retry_at)",
		"CREATE INDEX IF NOT EXISTS idx_hookrelay_dlq_created ON hookrelay_dlq (created_at)",
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("%w: bun: %w", hookstore.ErrMigrationFailed, err)
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Event Store ====================

func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	m := toEventModel(evt)

	if evt.IdempotencyKey != "" {
		// The partial unique index turns a repeated key into zero rows.
		res, err := s.db.NewInsert().
			Model(m).
			On("CONFLICT (idempotency_key) WHERE idempotency_key != '' DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("hookrelay/bun: create event: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return event.ErrDuplicate
		}
		return nil
	}

	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/bun: create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	return s.findEvent(ctx, "id = ?", evtID.String())
}

func (s *Store) GetEventByIdempotencyKey(ctx context.Context, key string) (*event.Event, error) {
	if key == "" {
		return nil, event.ErrNotFound
	}
	return s.findEvent(ctx, "idempotency_key = ?", key)
}

func (s *Store) findEvent(ctx context.Context, where string, arg any) (*event.Event, error) {
	m := new(eventModel)
	err := s.db.NewSelect().
		Model(m).
		Where(where, arg).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, event.ErrNotFound
		}
		return nil, err
	}
	return fromEventModel(m)
}

func (s *Store) UpdateEvent(ctx context.Context, evt *event.Event) error {
	res, err := s.db.NewUpdate().
		Model(toEventModel(evt)).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/bun: update event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return event.ErrNotFound
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	var models []eventModel
	q := s.db.NewSelect().Model(&models)

	if opts.Direction != "" {
		q = q.Where("direction = ?", string(opts.Direction))
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN (?)", bun.In(statuses))
	}
	if opts.Type != "" {
		q = q.Where("type = ?", opts.Type)
	}
	if opts.Source != "" {
		q = q.Where("source = ?", opts.Source)
	}
	if opts.From != nil {
		q = q.Where("created_at >= ?", *opts.From)
	}
	if opts.To != nil {
		q = q.Where("created_at <= ?", *opts.To)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at DESC, id DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromEventModels(models)
}

func (s *Store) ClaimEvents(ctx context.Context, opts event.ClaimOpts) ([]*event.Event, error) {
	var claimed []eventModel

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var candidates []eventModel
		q := tx.NewSelect().
			Model(&candidates).
			Where("direction = ?", string(event.DirectionOutbound)).
			Where("status IN (?)", bun.In(claimableStatuses)).
			Where("attempts < max_attempts").
			Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", opts.Now).
			OrderExpr("next_attempt_at ASC, id ASC")
		if opts.Limit > 0 {
			q = q.Limit(opts.Limit)
		}
		if err := q.Scan(ctx); err != nil {
			return err
		}

		for i := range candidates {
			ok, err := claimRow(ctx, tx, &candidates[i], claimableStatuses, opts.Now)
			if err != nil {
				return err
			}
			if ok {
				claimed = append(claimed, candidates[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hookrelay/bun: claim events: %w", err)
	}

	result, err := fromEventModels(claimed)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i].NextAttemptAt, result[j].NextAttemptAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	return result, nil
}

// claimRow moves m to processing if it still has one of the given statuses.
func claimRow(ctx context.Context, db bun.IDB, m *eventModel, statuses []string, now time.Time) (bool, error) {
	res, err := db.NewUpdate().
		Model((*eventModel)(nil)).
		Set("status = ?", string(event.StatusProcessing)).
		Set("claimed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", m.ID).
		Where("status IN (?)", bun.In(statuses)).
		Where("attempts < max_attempts").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		return false, nil
	}

	t := now
	m.Status = string(event.StatusProcessing)
	m.ClaimedAt = &t
	m.UpdatedAt = now
	return true, nil
}

func (s *Store) ClaimEvent(ctx context.Context, evtID id.ID, now time.Time) (*event.Event, error) {
	evt, err := s.GetEvent(ctx, evtID)
	if err != nil {
		return nil, err
	}
	if evt.Direction != event.DirectionOutbound {
		return nil, event.ErrNotClaimable
	}

	m := toEventModel(evt)
	ok, err := claimRow(ctx, s.db, m, claimOneStatuses, now)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/bun: claim event: %w", err)
	}
	if !ok {
		return nil, event.ErrNotClaimable
	}
	return fromEventModel(m)
}

func (s *Store) ReclaimStale(ctx context.Context, before, now time.Time) (int64, error) {
	res, err := s.db.NewUpdate().
		Model((*eventModel)(nil)).
		Set("status = ?", string(event.StatusFailed)).
		Set("claimed_at = NULL").
		Set("next_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("direction = ?", string(event.DirectionOutbound)).
		Where("((status = ? AND claimed_at < ?) OR (status = ? AND created_at < ?))",
			string(event.StatusProcessing), before, string(event.StatusPending), before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/bun: reclaim stale: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*eventModel)(nil)).
		Where("status = ?", string(event.StatusExpired)).
		Where("updated_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/bun: delete expired: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountByStatus(ctx context.Context) (map[event.Status]int64, error) {
	counts := make(map[event.Status]int64)
	for _, st := range event.Statuses {
		n, err := s.db.NewSelect().
			Model((*eventModel)(nil)).
			Where("status = ?", string(st)).
			Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("hookrelay/bun: count by status: %w", err)
		}
		if n > 0 {
			counts[st] = int64(n)
		}
	}
	return counts, nil
}

// ==================== DLQ Store ====================

func (s *Store) InsertMessage(ctx context.Context, m *dlq.Message) error {
	if _, err := s.db.NewInsert().Model(toMessageModel(m)).Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/bun: insert dlq message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, msgID id.ID) (*dlq.Message, error) {
	m := new(messageModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", msgID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, dlq.ErrNotFound
		}
		return nil, err
	}
	return fromMessageModel(m)
}

func (s *Store) UpdateMessage(ctx context.Context, m *dlq.Message) error {
	res, err := s.db.NewUpdate().
		Model(toMessageModel(m)).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/bun: update dlq message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return dlq.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, msgID id.ID) error {
	res, err := s.db.NewDelete().
		Model((*messageModel)(nil)).
		Where("id = ?", msgID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/bun: delete dlq message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return dlq.ErrNotFound
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Message, error) {
	var models []messageModel
	q := s.db.NewSelect().Model(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.Origin != "" {
		q = q.Where("origin = ?", opts.Origin)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC, id ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromMessageModels(models)
}

func (s *Store) PendingMessages(ctx context.Context, now time.Time, limit int) ([]*dlq.Message, error) {
	var models []messageModel
	q := s.db.NewSelect().
		Model(&models).
		Where("status = ?", string(dlq.StatusPending)).
		Where("retry_count < max_retries").
		Where("next_retry_at <= ?", now).
		OrderExpr("next_retry_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromMessageModels(models)
}

func (s *Store) ClaimMessage(ctx context.Context, msgID id.ID, now time.Time) (*dlq.Message, error) {
	m, err := s.GetMessage(ctx, msgID)
	if err != nil {
		return nil, err
	}

	res, err := s.db.NewUpdate().
		Model((*messageModel)(nil)).
		Set("status = ?", string(dlq.StatusProcessing)).
		Set("claimed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", msgID.String()).
		Where("status = ?", string(dlq.StatusPending)).
		Where("retry_count < max_retries").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/bun: claim dlq message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, dlq.ErrNotClaimable
	}

	t := now
	m.Status = dlq.StatusProcessing
	m.ClaimedAt = &t
	m.Touch(now)
	return m, nil
}

func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	n, err := s.db.NewSelect().
		Model((*messageModel)(nil)).
		Count(ctx)
	return int64(n), err
}

func (s *Store) DeleteOldestMessages(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.db.NewDelete().
		Model((*messageModel)(nil)).
		Where("id IN (SELECT id FROM hookrelay_dlq WHERE status != 'processing' ORDER BY created_at ASC, id ASC LIMIT ?)", n).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/bun: delete oldest dlq messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteMessagesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*messageModel)(nil)).
		Where("created_at < ?", before).
		Where("status != ?", string(dlq.StatusProcessing)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/bun: delete dlq messages before: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ReleaseStaleMessages(ctx context.Context, before, now time.Time) (int64, error) {
	res, err := s.db.NewUpdate().
		Model((*messageModel)(nil)).
		Set("status = ?", string(dlq.StatusPending)).
		Set("claimed_at = NULL").
		Set("updated_at = ?", now).
		Where("status = ?", string(dlq.StatusProcessing)).
		Where("claimed_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/bun: release stale dlq messages: %w", err)
	}
	return res.RowsAffected()
}

// AggregateMessages scans the queue, which Capacity keeps bounded.
func (s *Store) AggregateMessages(ctx context.Context) (*dlq.Aggregate, error) {
	msgs, err := s.ListMessages(ctx, dlq.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("hookrelay/bun: aggregate dlq messages: %w", err)
	}
	agg := dlq.NewAggregate()
	for _, m := range msgs {
		agg.Add(m)
	}
	return agg, nil
}

// ==================== Circuit State Store ====================

func (s *Store) SaveCircuit(ctx context.Context, snap *circuit.Snapshot) error {
	m, err := toCircuitModel(snap)
	if err != nil {
		return err
	}
	_, err = s.db.NewInsert().
		Model(m).
		On("CONFLICT (key) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("snapshot = EXCLUDED.snapshot").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/bun: save circuit: %w", err)
	}
	return nil
}

func (s *Store) GetCircuit(ctx context.Context, key string) (*circuit.Snapshot, error) {
	m := new(circuitModel)
	err := s.db.NewSelect().
		Model(m).
		Where(`"key" = ?`, key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, circuit.ErrNotFound
		}
		return nil, err
	}
	return fromCircuitModel(m)
}

func (s *Store) ListCircuits(ctx context.Context) ([]*circuit.Snapshot, error) {
	var models []circuitModel
	if err := s.db.NewSelect().
		Model(&models).
		OrderExpr("key ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	result := make([]*circuit.Snapshot, len(models))
	for i := range models {
		snap, err := fromCircuitModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = snap
	}
	return result, nil
}

func (s *Store) DeleteCircuit(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().
		Model((*circuitModel)(nil)).
		Where(`"key" = ?`, key).
		Exec(ctx)
	return err
}

// ==================== helpers ====================

func fromEventModels(models []eventModel) ([]*event.Event, error) {
	result := make([]*event.Event, len(models))
	for i := range models {
		evt, err := fromEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = evt
	}
	return result, nil
}

func fromMessageModels(models []messageModel) ([]*dlq.Message, error) {
	result := make([]*dlq.Message, len(models))
	for i := range models {
		m, err := fromMessageModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = m
	}
	return result, nil
}
