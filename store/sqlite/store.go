// Package sqlite implements store.Store on SQLite through the grove ORM.
// SQLite serializes writers, so claims are a single UPDATE ... RETURNING.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
	hookstore "github.com/xraph/hookrelay/store"
)

// compile-time interface check
var _ hookstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor := sqlitemigrate.New(s.sdb)
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: %w", hookstore.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
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
		res, err := s.sdb.NewInsert(m).
			OnConflict("(idempotency_key) WHERE idempotency_key != '' DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("hookrelay/sqlite: create event: %w", err)
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

	if _, err := s.sdb.NewInsert(m).Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/sqlite: create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	m := new(eventModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", evtID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, event.ErrNotFound
		}
		return nil, err
	}
	return fromEventModel(m)
}

func (s *Store) GetEventByIdempotencyKey(ctx context.Context, key string) (*event.Event, error) {
	if key == "" {
		return nil, event.ErrNotFound
	}
	m := new(eventModel)
	err := s.sdb.NewSelect(m).
		Where("idempotency_key = ?", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, event.ErrNotFound
		}
		return nil, err
	}
	return fromEventModel(m)
}

func (s *Store) UpdateEvent(ctx context.Context, evt *event.Event) error {
	m := toEventModel(evt)
	res, err := s.sdb.NewUpdate(m).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/sqlite: update event: %w", err)
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
	q := s.sdb.NewSelect(&models)

	if opts.Direction != "" {
		q = q.Where("direction = ?", string(opts.Direction))
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		args := make([]any, len(opts.Statuses))
		for i, st := range opts.Statuses {
			placeholders[i] = "?"
			args[i] = string(st)
		}
		q = q.Where("status IN ("+strings.Join(placeholders, ", ")+")", args...)
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
	q = q.OrderExpr("created_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromEventModels(models)
}

func (s *Store) ClaimEvents(ctx context.Context, opts event.ClaimOpts) ([]*event.Event, error) {
	limit := ""
	if opts.Limit > 0 {
		limit = fmt.Sprintf("LIMIT %d", opts.Limit)
	}

	var models []eventModel
	err := s.sdb.NewRaw(`
		UPDATE hookrelay_events
		SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM hookrelay_events
			WHERE direction = 'outbound'
			  AND status IN ('failed', 'retrying')
			  AND attempts < max_attempts
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY next_attempt_at ASC
			`+limit+`
		)
		RETURNING *
	`, opts.Now, opts.Now, opts.Now).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/sqlite: claim events: %w", err)
	}

	result, err := fromEventModels(models)
	if err != nil {
		return nil, err
	}
	sortByNextAttempt(result)
	return result, nil
}

func (s *Store) ClaimEvent(ctx context.Context, evtID id.ID, now time.Time) (*event.Event, error) {
	var models []eventModel
	err := s.sdb.NewRaw(`
		UPDATE hookrelay_events
		SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id = ?
		  AND direction = 'outbound'
		  AND status IN ('pending', 'failed', 'retrying')
		  AND attempts < max_attempts
		RETURNING *
	`, now, now, evtID.String()).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/sqlite: claim event: %w", err)
	}
	if len(models) == 0 {
		if _, err := s.GetEvent(ctx, evtID); err != nil {
			return nil, err
		}
		return nil, event.ErrNotClaimable
	}
	return fromEventModel(&models[0])
}

func (s *Store) ReclaimStale(ctx context.Context, before, now time.Time) (int64, error) {
	res, err := s.sdb.NewUpdate((*eventModel)(nil)).
		Set("status = ?", string(event.StatusFailed)).
		Set("claimed_at = NULL").
		Set("next_attempt_at = ?", now).
		Set("updated_at = ?", now).
		Where("direction = ?", string(event.DirectionOutbound)).
		Where("((status = 'processing' AND claimed_at < ?) OR (status = 'pending' AND created_at < ?))", before, before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/sqlite: reclaim stale: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*eventModel)(nil)).
		Where("status = ?", string(event.StatusExpired)).
		Where("updated_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/sqlite: delete expired: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CountByStatus(ctx context.Context) (map[event.Status]int64, error) {
	counts := make(map[event.Status]int64)
	for _, st := range event.Statuses {
		n, err := s.sdb.NewSelect((*eventModel)(nil)).
			Where("status = ?", string(st)).
			Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("hookrelay/sqlite: count by status: %w", err)
		}
		if n > 0 {
			counts[st] = n
		}
	}
	return counts, nil
}

// ==================== DLQ Store ====================

func (s *Store) InsertMessage(ctx context.Context, m *dlq.Message) error {
	if _, err := s.sdb.NewInsert(toMessageModel(m)).Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/sqlite: insert dlq message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, msgID id.ID) (*dlq.Message, error) {
	m := new(messageModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", msgID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, dlq.ErrNotFound
		}
		return nil, err
	}
	return fromMessageModel(m)
}

func (s *Store) UpdateMessage(ctx context.Context, m *dlq.Message) error {
	res, err := s.sdb.NewUpdate(toMessageModel(m)).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/sqlite: update dlq message: %w", err)
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
	res, err := s.sdb.NewDelete((*messageModel)(nil)).
		Where("id = ?", msgID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/sqlite: delete dlq message: %w", err)
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
	q := s.sdb.NewSelect(&models)

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
	q := s.sdb.NewSelect(&models).
		Where("status = ?", string(dlq.StatusPending)).
		Where("retry_count < max_retries").
		Where("next_retry_at <= ?", now).
		OrderExpr("next_retry_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromMessageModels(models)
}

func (s *Store) ClaimMessage(ctx context.Context, msgID id.ID, now time.Time) (*dlq.Message, error) {
	var models []messageModel
	err := s.sdb.NewRaw(`
		UPDATE hookrelay_dlq
		SET status = 'processing', claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND retry_count < max_retries
		RETURNING *
	`, now, now, msgID.String()).Scan(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/sqlite: claim dlq message: %w", err)
	}
	if len(models) == 0 {
		if _, err := s.GetMessage(ctx, msgID); err != nil {
			return nil, err
		}
		return nil, dlq.ErrNotClaimable
	}
	return fromMessageModel(&models[0])
}

func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	return s.sdb.NewSelect((*messageModel)(nil)).Count(ctx)
}

func (s *Store) DeleteOldestMessages(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := s.sdb.NewDelete((*messageModel)(nil)).
		Where("id IN (SELECT id FROM hookrelay_dlq WHERE status != 'processing' ORDER BY created_at ASC, id ASC LIMIT ?)", n).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/sqlite: delete oldest dlq messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteMessagesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*messageModel)(nil)).
		Where("created_at < ?", before).
		Where("status != ?", string(dlq.StatusProcessing)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/sqlite: delete dlq messages before: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) ReleaseStaleMessages(ctx context.Context, before, now time.Time) (int64, error) {
	res, err := s.sdb.NewUpdate((*messageModel)(nil)).
		Set("status = ?", string(dlq.StatusPending)).
		Set("claimed_at = NULL").
		Set("updated_at = ?", now).
		Where("status = ?", string(dlq.StatusProcessing)).
		Where("claimed_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/sqlite: release stale dlq messages: %w", err)
	}
	return res.RowsAffected()
}

// AggregateMessages scans the queue, which Capacity keeps bounded.
func (s *Store) AggregateMessages(ctx context.Context) (*dlq.Aggregate, error) {
	msgs, err := s.ListMessages(ctx, dlq.ListOpts{})
	if err != nil {
		return nil, fmt.Errorf("hookrelay/sqlite: aggregate dlq messages: %w", err)
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
	_, err = s.sdb.NewInsert(m).
		OnConflict("(key) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("snapshot = EXCLUDED.snapshot").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/sqlite: save circuit: %w", err)
	}
	return nil
}

func (s *Store) GetCircuit(ctx context.Context, key string) (*circuit.Snapshot, error) {
	m := new(circuitModel)
	err := s.sdb.NewSelect(m).
		Where("key = ?", key).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, circuit.ErrNotFound
		}
		return nil, err
	}
	return fromCircuitModel(m)
}

func (s *Store) ListCircuits(ctx context.Context) ([]*circuit.Snapshot, error) {
	var models []circuitModel
	if err := s.sdb.NewSelect(&models).OrderExpr("key ASC").Scan(ctx); err != nil {
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
	_, err := s.sdb.NewDelete((*circuitModel)(nil)).
		Where("key = ?", key).
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

// sortByNextAttempt restores claim order; RETURNING does not keep it.
func sortByNextAttempt(evts []*event.Event) {
	sort.SliceStable(evts, func(i, j int) bool {
		a, b := evts[i].NextAttemptAt, evts[j].NextAttemptAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
