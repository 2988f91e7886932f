// Package retry re-attempts failed outbound deliveries on a schedule.
//
// One core function processes claimed events for both the cron tick and the
// administrative triggers (run now, force retry all).
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/delivery"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/observability"
)

// Store is the persistence the scheduler needs.
type Store interface {
	ClaimEvents(ctx context.Context, opts event.ClaimOpts) ([]*event.Event, error)
	ClaimEvent(ctx context.Context, evtID id.ID, now time.Time) (*event.Event, error)
	UpdateEvent(ctx context.Context, evt *event.Event) error
	ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error)
	ReclaimStale(ctx context.Context, before, now time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Deliverer sends one claimed event.
type Deliverer interface {
	Deliver(ctx context.Context, evt *event.Event) (*delivery.Result, error)
}

// Config holds scheduler configuration.
type Config struct {
	// Interval between scheduled runs. Sub-second values are rounded up to 1s.
	Interval time.Duration `json:"interval" mapstructure:"interval"`

	// Concurrency caps simultaneous deliveries within one run.
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`

	// BatchSize caps events claimed per store round trip.
	BatchSize int `json:"batch_size" mapstructure:"batch_size"`

	// StaleAfter is how long a claim may be held before it is reclaimed.
	StaleAfter time.Duration `json:"stale_after" mapstructure:"stale_after"`

	// CleanupAge enables periodic deletion of expired events older than it.
	CleanupAge time.Duration `json:"cleanup_age" mapstructure:"cleanup_age"`

	// CleanupInterval is how often the cleanup job runs.
	CleanupInterval time.Duration `json:"cleanup_interval" mapstructure:"cleanup_interval"`

	// ShutdownGrace bounds how long Stop waits before cancelling in-flight work.
	ShutdownGrace time.Duration `json:"shutdown_grace" mapstructure:"shutdown_grace"`

	Clock   clock.Clock            `json:"-" mapstructure:"-"`
	Metrics *observability.Metrics `json:"-" mapstructure:"-"`
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		Interval:        60 * time.Second,
		Concurrency:     10,
		BatchSize:       100,
		StaleAfter:      10 * time.Minute,
		CleanupInterval: time.Hour,
		ShutdownGrace:   30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	return c
}

// Report summarizes one run.
type Report struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
	Expired   int `json:"expired"`
	Errors    int `json:"errors"`
	Reclaimed int `json:"reclaimed,omitempty"`
}

func (r *Report) add(o Report) {
	r.Claimed += o.Claimed
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.Rejected += o.Rejected
	r.Expired += o.Expired
	r.Errors += o.Errors
}

// Scheduler claims due events and hands them to the delivery engine.
type Scheduler struct {
	store     Store
	deliverer Deliverer
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(store Store, deliverer Deliverer, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:     store,
		deliverer: deliverer,
		cfg:       cfg,
		clock:     clock.OrSystem(cfg.Clock),
		logger:    logger,
	}
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// Start reclaims stale claims left by a previous process and schedules the
// periodic jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("retry: scheduler already started")
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)

	if n, err := s.ReclaimStale(s.runCtx); err != nil {
		s.logger.WarnContext(ctx, "reclaim stale events at start failed", "error", err)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "reclaimed stale events", "count", n)
	}

	cl := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	if _, err := c.AddFunc("@every "+s.cfg.Interval.String(), s.tick); err != nil {
		s.cancel()
		return fmt.Errorf("retry: schedule tick: %w", err)
	}
	if s.cfg.CleanupAge > 0 {
		if _, err := c.AddFunc("@every "+s.cfg.CleanupInterval.String(), s.cleanup); err != nil {
			s.cancel()
			return fmt.Errorf("retry: schedule cleanup: %w", err)
		}
	}

	c.Start()
	s.cron = c
	s.logger.InfoContext(ctx, "retry scheduler started",
		"interval", s.cfg.Interval, "concurrency", s.cfg.Concurrency, "batch_size", s.cfg.BatchSize)
	return nil
}

// Stop halts the cron, lets in-flight work finish within the shutdown grace
// period, then cancels it and waits. Cancelled deliveries release their claims.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-done.Done():
	case <-grace.C:
		s.logger.WarnContext(ctx, "retry scheduler grace period elapsed, cancelling in-flight deliveries")
	case <-ctx.Done():
	}

	s.cancel()
	<-done.Done()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) tick() {
	ctx := s.runCtx

	if n, err := s.ReclaimStale(ctx); err != nil {
		s.logger.WarnContext(ctx, "reclaim stale events failed", "error", err)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "reclaimed stale events", "count", n)
	}

	rep, err := s.RunDue(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "retry run failed", "error", err)
		return
	}
	if rep.Claimed > 0 {
		s.logger.InfoContext(ctx, "retry run completed",
			"claimed", rep.Claimed, "delivered", rep.Delivered, "failed", rep.Failed,
			"rejected", rep.Rejected, "expired", rep.Expired)
	}
}

func (s *Scheduler) cleanup() {
	n, err := s.CleanupExpired(s.runCtx, s.cfg.CleanupAge)
	if err != nil {
		s.logger.ErrorContext(s.runCtx, "cleanup expired events failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.InfoContext(s.runCtx, "expired events deleted", "count", n)
	}
}

// RunDue claims and delivers every due event, batch by batch.
func (s *Scheduler) RunDue(ctx context.Context) (Report, error) {
	var total Report
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		batch, err := s.store.ClaimEvents(ctx, event.ClaimOpts{Now: s.clock.Now(), Limit: s.cfg.BatchSize})
		if err != nil {
			return total, fmt.Errorf("retry: claim events: %w", err)
		}
		s.cfg.Metrics.RecordClaimed(len(batch))

		total.add(s.process(ctx, batch))
		if len(batch) < s.cfg.BatchSize {
			return total, nil
		}
	}
}

// ForceRetryAll delivers every failed or retrying outbound event now,
// ignoring next_attempt_at. Each event is claimed individually; events
// another worker holds are skipped.
func (s *Scheduler) ForceRetryAll(ctx context.Context) (Report, error) {
	var candidates []*event.Event
	for offset := 0; ; offset += s.cfg.BatchSize {
		page, err := s.store.ListEvents(ctx, event.ListOpts{
			Direction: event.DirectionOutbound,
			Statuses:  event.Claimable,
			Offset:    offset,
			Limit:     s.cfg.BatchSize,
		})
		if err != nil {
			return Report{}, fmt.Errorf("retry: list events: %w", err)
		}
		candidates = append(candidates, page...)
		if len(page) < s.cfg.BatchSize {
			break
		}
	}

	var total Report
	for start := 0; start < len(candidates); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(candidates))

		claimed := make([]*event.Event, 0, end-start)
		for _, c := range candidates[start:end] {
			evt, err := s.store.ClaimEvent(ctx, c.ID, s.clock.Now())
			if errors.Is(err, event.ErrNotClaimable) || errors.Is(err, event.ErrNotFound) {
				continue
			}
			if err != nil {
				return total, fmt.Errorf("retry: claim event %s: %w", c.ID, err)
			}
			claimed = append(claimed, evt)
		}
		s.cfg.Metrics.RecordClaimed(len(claimed))
		total.add(s.process(ctx, claimed))
	}
	return total, nil
}

// process delivers claimed events with bounded concurrency.
func (s *Scheduler) process(ctx context.Context, events []*event.Event) Report {
	rep := Report{Claimed: len(events)}
	if len(events) == 0 {
		return rep
	}

	var mu sync.Mutex
	sem := make(chan struct{}, s.cfg.Concurrency)

	var wg sync.WaitGroup
	for _, evt := range events {
		sem <- struct{}{}
		wg.Add(1)
		s.wg.Add(1)
		go func(evt *event.Event) {
			defer s.wg.Done()
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.deliverer.Deliver(ctx, evt)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Errors++
				if ctx.Err() == nil {
					s.logger.ErrorContext(ctx, "retry delivery failed", "event_id", evt.ID, "error", err)
				}
				return
			}
			switch res.Outcome {
			case delivery.OutcomeDelivered:
				rep.Delivered++
			case delivery.OutcomeRejected:
				rep.Rejected++
			case delivery.OutcomeExpired, delivery.OutcomeInvalid:
				rep.Expired++
			default:
				rep.Failed++
			}
		}(evt)
	}
	wg.Wait()
	return rep
}

// Retry queues one event for the next run: its status becomes retrying and
// it is due immediately. Only events with attempts left can be queued.
func (s *Scheduler) Retry(ctx context.Context, evtID id.ID) (*event.Event, error) {
	now := s.clock.Now()
	evt, err := s.store.ClaimEvent(ctx, evtID, now)
	if err != nil {
		return nil, err
	}

	evt.Status = event.StatusRetrying
	evt.ClaimedAt = nil
	evt.NextAttemptAt = &now
	evt.Touch(now)
	if err := s.store.UpdateEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("retry: update event: %w", err)
	}
	return evt, nil
}

// CleanupExpired deletes expired events last updated more than age ago.
func (s *Scheduler) CleanupExpired(ctx context.Context, age time.Duration) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.clock.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("retry: delete expired: %w", err)
	}
	return n, nil
}

// ReclaimStale returns events whose claim is older than StaleAfter to failed,
// due now.
func (s *Scheduler) ReclaimStale(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	n, err := s.store.ReclaimStale(ctx, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return 0, fmt.Errorf("retry: reclaim stale: %w", err)
	}
	return n, nil
}

// cronLogger routes cron's logs through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
