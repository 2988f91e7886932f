package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/delivery"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/fault"
	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/internal/entity"
	"github.com/xraph/hookrelay/observability"
)

// Handler reprocesses one message. A nil error means the message is done.
type Handler func(ctx context.Context, m *Message) error

// Outcome of a single retry.
type Outcome string

const (
	OutcomeProcessed   Outcome = "processed"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeFailed      Outcome = "failed"
)

// Config holds dead letter queue configuration.
type Config struct {
	// Capacity bounds the queue; the oldest message is evicted when full.
	Capacity int `json:"capacity" mapstructure:"capacity"`

	// MaxRetries is the default retry budget of a new message.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	// Backoff schedules retries: min(Base * 2^retry_count, Max).
	Backoff delivery.Backoff `json:"backoff" mapstructure:"backoff"`

	// Workers is the size of the background worker pool.
	Workers int `json:"workers" mapstructure:"workers"`

	// PollInterval is how often workers look for due messages.
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval"`

	// StaleAfter releases claims held longer than this.
	StaleAfter time.Duration `json:"stale_after" mapstructure:"stale_after"`

	Clock   clock.Clock            `json:"-" mapstructure:"-"`
	Metrics *observability.Metrics `json:"-" mapstructure:"-"`
	Tracer  *observability.Tracer  `json:"-" mapstructure:"-"`
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		Capacity:     1000,
		MaxRetries:   3,
		Backoff:      delivery.Backoff{Base: time.Minute, Max: time.Hour},
		Workers:      3,
		PollInterval: 5 * time.Second,
		StaleAfter:   10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = d.Backoff.Base
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = d.Backoff.Max
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// Stats summarizes the queue.
type Stats struct {
	// Counters since the service started.
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Expired   int64 `json:"expired"`
	Evicted   int64 `json:"evicted"`

	// Current contents.
	Size              int64            `json:"size"`
	ByStatus          map[Status]int64 `json:"by_status"`
	OldestAge         time.Duration    `json:"oldest_age"`
	AverageRetryCount float64          `json:"average_retry_count"`
}

// Service manages the dead letter queue.
type Service struct {
	store   Store
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	handler Handler

	// addMu serializes capacity checks with inserts.
	addMu sync.Mutex

	total     atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	expired   atomic.Int64
	evicted   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new dead letter queue service.
func NewService(store Store, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Service{
		store:  store,
		cfg:    cfg,
		clock:  clock.OrSystem(cfg.Clock),
		logger: logger,
	}
}

// SetHandler sets the handler used by the worker pool.
func (svc *Service) SetHandler(h Handler) { svc.handler = h }

// Config returns the effective configuration.
func (svc *Service) Config() Config { return svc.cfg }

// Add inserts m, evicting the oldest messages first when the queue is full.
// ID, timestamps, status and schedule are filled in; a zero MaxRetries takes
// the configured default.
func (svc *Service) Add(ctx context.Context, m *Message) error {
	now := svc.clock.Now()
	m.Entity = entity.New(now)
	if m.ID.IsNil() {
		m.ID = id.NewDLQID()
	}
	if m.MaxRetries <= 0 {
		m.MaxRetries = svc.cfg.MaxRetries
	}
	if m.Origin == "" {
		m.Origin = OriginManual
	}
	m.Status = StatusPending
	m.RetryCount = 0
	m.NextRetryAt = now
	m.ClaimedAt = nil

	svc.addMu.Lock()
	defer svc.addMu.Unlock()

	size, err := svc.store.CountMessages(ctx)
	if err != nil {
		return fmt.Errorf("dlq: count: %w", err)
	}
	if over := size - int64(svc.cfg.Capacity) + 1; over > 0 {
		n, err := svc.store.DeleteOldestMessages(ctx, int(over))
		if err != nil {
			return fmt.Errorf("dlq: evict: %w", err)
		}
		svc.evicted.Add(n)
		svc.cfg.Metrics.RecordEviction(int(n))
		size -= n
		svc.logger.WarnContext(ctx, "dead letter queue full, evicted oldest", "count", n, "capacity", svc.cfg.Capacity)
	}

	if err := svc.store.InsertMessage(ctx, m); err != nil {
		return fmt.Errorf("dlq: insert: %w", err)
	}
	svc.total.Add(1)
	svc.cfg.Metrics.SetDLQSize(size + 1)
	return nil
}

// DeadLetter adapts an expired event into a message. Implements delivery.DeadLetterer.
func (svc *Service) DeadLetter(ctx context.Context, evt *event.Event, cause error) error {
	m := &Message{
		EventID:     evt.ID,
		Origin:      OriginDelivery,
		EventType:   evt.Type,
		Destination: evt.Destination,
		Payload:     evt.Payload,
	}
	setError(m, cause)
	if err := svc.Add(ctx, m); err != nil {
		return err
	}
	svc.logger.WarnContext(ctx, "event dead-lettered",
		"event_id", evt.ID, "dlq_id", m.ID, "error_type", m.ErrorType)
	return nil
}

func setError(m *Message, cause error) {
	if cause == nil {
		return
	}
	m.ErrorType = fault.KindOf(cause).String()
	m.ErrorMessage = cause.Error()
	var fe *fault.Error
	if errors.As(cause, &fe) && fe.StatusCode > 0 {
		m.StatusCode = fe.StatusCode
	}
}

// Pending returns due, retryable messages ordered by next_retry_at.
func (svc *Service) Pending(ctx context.Context, limit int) ([]*Message, error) {
	return svc.store.PendingMessages(ctx, svc.clock.Now(), limit)
}

// Retry claims the message and runs h on it. Success deletes the message.
// Failure bumps retry_count and either reschedules the message or, once
// max_retries is reached, marks it failed for good. The returned error is
// reserved for claim and storage problems; the handler's error is recorded
// on the message.
func (svc *Service) Retry(ctx context.Context, msgID id.ID, h Handler) (Outcome, error) {
	if h == nil {
		h = svc.handler
	}
	if h == nil {
		return "", errors.New("dlq: no retry handler configured")
	}

	m, err := svc.store.ClaimMessage(ctx, msgID, svc.clock.Now())
	if err != nil {
		return "", err
	}

	ctx, span := svc.cfg.Tracer.StartDLQRetrySpan(ctx, m.ID.String(), m.RetryCount)
	herr := runHandler(ctx, h, m)
	observability.End(span, herr)

	if herr == nil {
		if err := svc.store.DeleteMessage(ctx, m.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("dlq: delete processed: %w", err)
		}
		svc.processed.Add(1)
		svc.cfg.Metrics.RecordDLQRetry(string(OutcomeProcessed))
		svc.logger.InfoContext(ctx, "dead letter reprocessed", "dlq_id", m.ID, "retry_count", m.RetryCount)
		return OutcomeProcessed, nil
	}

	now := svc.clock.Now()
	m.RetryCount++
	m.LastAttemptAt = &now
	m.ClaimedAt = nil
	setError(m, herr)
	m.Touch(now)

	outcome := OutcomeRescheduled
	if m.RetryCount >= m.MaxRetries {
		m.Status = StatusFailed
		outcome = OutcomeFailed
		svc.failed.Add(1)
		svc.logger.WarnContext(ctx, "dead letter failed permanently",
			"dlq_id", m.ID, "retry_count", m.RetryCount, "error", herr)
	} else {
		m.Status = StatusPending
		m.NextRetryAt = svc.cfg.Backoff.Next(now, m.RetryCount)
		svc.logger.DebugContext(ctx, "dead letter retry rescheduled",
			"dlq_id", m.ID, "retry_count", m.RetryCount, "next_retry_at", m.NextRetryAt)
	}

	// The claim must be released even if the caller is shutting down.
	if err := svc.store.UpdateMessage(context.WithoutCancel(ctx), m); err != nil {
		return "", fmt.Errorf("dlq: update: %w", err)
	}
	svc.cfg.Metrics.RecordDLQRetry(string(outcome))
	return outcome, nil
}

func runHandler(ctx context.Context, h Handler, m *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dlq: handler panic: %v", r)
		}
	}()
	return h(ctx, m.Clone())
}

// Get returns a message by ID.
func (svc *Service) Get(ctx context.Context, msgID id.ID) (*Message, error) {
	return svc.store.GetMessage(ctx, msgID)
}

// List returns messages oldest first.
func (svc *Service) List(ctx context.Context, opts ListOpts) ([]*Message, error) {
	return svc.store.ListMessages(ctx, opts)
}

// Delete removes a message, resolving it.
func (svc *Service) Delete(ctx context.Context, msgID id.ID) error {
	if err := svc.store.DeleteMessage(ctx, msgID); err != nil {
		return err
	}
	svc.refreshSize(ctx)
	return nil
}

// CleanupExpired deletes messages created more than age ago.
func (svc *Service) CleanupExpired(ctx context.Context, age time.Duration) (int64, error) {
	n, err := svc.store.DeleteMessagesBefore(ctx, svc.clock.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("dlq: cleanup: %w", err)
	}
	svc.expired.Add(n)
	svc.refreshSize(ctx)
	return n, nil
}

// Stats returns counters and the current queue composition.
func (svc *Service) Stats(ctx context.Context) (*Stats, error) {
	agg, err := svc.store.AggregateMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("dlq: stats: %w", err)
	}

	st := &Stats{
		Total:     svc.total.Load(),
		Processed: svc.processed.Load(),
		Failed:    svc.failed.Load(),
		Expired:   svc.expired.Load(),
		Evicted:   svc.evicted.Load(),
		Size:      agg.Total,
		ByStatus:  agg.ByStatus,
	}
	if st.ByStatus == nil {
		st.ByStatus = map[Status]int64{}
	}
	if agg.Oldest != nil {
		st.OldestAge = svc.clock.Now().Sub(*agg.Oldest)
	}
	if agg.Total > 0 {
		st.AverageRetryCount = float64(agg.RetrySum) / float64(agg.Total)
	}
	return st, nil
}

func (svc *Service) refreshSize(ctx context.Context) {
	if svc.cfg.Metrics == nil {
		return
	}
	if n, err := svc.store.CountMessages(ctx); err == nil {
		svc.cfg.Metrics.SetDLQSize(n)
	}
}

// ──────────────────────────────────────────────────
// Worker pool
// ──────────────────────────────────────────────────

// Start launches the poll loop and the worker pool. The handler set with
// SetHandler is used for every retry.
func (svc *Service) Start(ctx context.Context) error {
	if svc.handler == nil {
		return errors.New("dlq: no retry handler configured")
	}
	if svc.cancel != nil {
		return errors.New("dlq: already started")
	}
	ctx, svc.cancel = context.WithCancel(ctx)

	jobs := make(chan id.ID)
	for range svc.cfg.Workers {
		svc.wg.Add(1)
		go func() {
			defer svc.wg.Done()
			svc.work(ctx, jobs)
		}()
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		defer close(jobs)
		svc.pollLoop(ctx, jobs)
	}()
	return nil
}

// Stop cancels the poll loop and waits for workers to finish.
func (svc *Service) Stop(_ context.Context) {
	if svc.cancel != nil {
		svc.cancel()
	}
	svc.wg.Wait()
	svc.cancel = nil
}

func (svc *Service) pollLoop(ctx context.Context, jobs chan<- id.ID) {
	ticker := time.NewTicker(svc.cfg.PollInterval)
	defer ticker.Stop()

	for {
		svc.poll(ctx, jobs)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (svc *Service) poll(ctx context.Context, jobs chan<- id.ID) {
	now := svc.clock.Now()
	if n, err := svc.store.ReleaseStaleMessages(ctx, now.Add(-svc.cfg.StaleAfter), now); err != nil {
		svc.logger.WarnContext(ctx, "release stale dead letters failed", "error", err)
	} else if n > 0 {
		svc.logger.InfoContext(ctx, "released stale dead letters", "count", n)
	}

	due, err := svc.Pending(ctx, svc.cfg.Workers*10)
	if err != nil {
		if ctx.Err() == nil {
			svc.logger.ErrorContext(ctx, "list pending dead letters failed", "error", err)
		}
		return
	}

	for _, m := range due {
		select {
		case <-ctx.Done():
			return
		case jobs <- m.ID:
		}
	}
}

func (svc *Service) work(ctx context.Context, jobs <-chan id.ID) {
	for msgID := range jobs {
		_, err := svc.Retry(ctx, msgID, svc.handler)
		if err != nil && !errors.Is(err, ErrNotClaimable) && !errors.Is(err, ErrNotFound) && ctx.Err() == nil {
			svc.logger.ErrorContext(ctx, "dead letter retry failed", "dlq_id", msgID, "error", err)
		}
	}
}
