package hookrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/delivery"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/fault"
	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/inbound"
	"github.com/xraph/hookrelay/internal/entity"
	"github.com/xraph/hookrelay/observability"
	"github.com/xraph/hookrelay/retry"
	"github.com/xraph/hookrelay/signature"
	"github.com/xraph/hookrelay/store"
)

// OutboundScheme names the signature carried by outbound requests.
const OutboundScheme = "hmac-sha256"

// Relay wires the delivery engine, retry scheduler, dead letter queue and
// inbound processor over one store.
type Relay struct {
	config     Config
	store      store.Store
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	httpClient *http.Client

	sources  []inbound.Source
	handlers []func(*inbound.Registry)

	breakers  *circuit.Registry
	sender    *delivery.Sender
	engine    *delivery.Engine
	scheduler *retry.Scheduler
	dlqSvc    *dlq.Service
	inbound   *inbound.Processor

	mu      sync.Mutex
	running bool
}

// New creates a new Relay with the given options.
func New(opts ...Option) (*Relay, error) {
	r := &Relay{
		config: DefaultConfig(),
		clock:  clock.System,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.store == nil {
		return nil, ErrNoStore
	}
	if err := r.config.Validate(); err != nil {
		return nil, err
	}
	if err := r.wireServices(); err != nil {
		return nil, err
	}
	return r, nil
}

// wireServices initializes the internal services after options have been applied.
func (r *Relay) wireServices() error {
	r.breakers = circuit.NewRegistry(r.config.Circuit,
		circuit.WithClock(r.clock),
		circuit.WithStateStore(r.store),
		circuit.WithLogger(r.logger),
		circuit.WithObserver(func(key string, _, to circuit.State) {
			r.metrics.RecordCircuit(key, string(to))
		}),
	)

	r.sender = delivery.NewSender(delivery.SenderConfig{
		Secret:    r.config.Secret,
		Secrets:   r.config.Secrets,
		Timeout:   r.config.RequestTimeout,
		UserAgent: r.config.UserAgent,
		Clock:     r.clock,
		Client:    r.httpClient,
	})

	r.engine = delivery.NewEngine(r.store, r.sender, r.breakers, delivery.EngineConfig{
		Backoff:   r.config.Backoff,
		RateLimit: r.config.RateLimit,
		Clock:     r.clock,
		Metrics:   r.metrics,
		Tracer:    r.tracer,
	}, r.logger)

	dlqCfg := r.config.DLQ
	dlqCfg.Clock = r.clock
	dlqCfg.Metrics = r.metrics
	dlqCfg.Tracer = r.tracer
	r.dlqSvc = dlq.NewService(r.store, dlqCfg, r.logger)
	r.dlqSvc.SetHandler(r.redeliver)
	r.engine.SetDeadLetterer(r.dlqSvc)

	retryCfg := r.config.Retry
	retryCfg.Clock = r.clock
	retryCfg.Metrics = r.metrics
	r.scheduler = retry.New(r.store, r.engine, retryCfg, r.logger)

	proc, err := inbound.NewProcessor(r.store, inbound.Config{
		CacheSize:       r.config.InboundCacheSize,
		SignatureMaxAge: r.config.SignatureMaxAge,
		Clock:           r.clock,
		Metrics:         r.metrics,
		Tracer:          r.tracer,
	}, r.logger)
	if err != nil {
		return err
	}
	for _, src := range r.sources {
		if err := proc.AddSource(src); err != nil {
			return err
		}
	}
	for _, register := range r.handlers {
		register(proc.Handlers())
	}
	r.inbound = proc
	return nil
}

// Start restores circuit state and launches the retry scheduler and the dead
// letter workers.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	if n, err := r.breakers.Restore(ctx); err != nil {
		r.logger.WarnContext(ctx, "circuit state not restored", "error", err)
	} else if n > 0 {
		r.logger.InfoContext(ctx, "circuit state restored", "circuits", n)
	}

	if err := r.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("hookrelay: start scheduler: %w", err)
	}
	if err := r.dlqSvc.Start(ctx); err != nil {
		_ = r.scheduler.Stop(ctx)
		return fmt.Errorf("hookrelay: start dlq: %w", err)
	}
	r.running = true
	r.logger.InfoContext(ctx, "hookrelay started", "sources", r.inbound.Sources())
	return nil
}

// Stop shuts the background workers down, waiting for in-flight deliveries
// up to the scheduler's grace period.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrNotStarted
	}
	r.running = false

	err := r.scheduler.Stop(ctx)
	r.dlqSvc.Stop(ctx)
	r.logger.InfoContext(ctx, "hookrelay stopped")
	return err
}

// SendResult is the outcome of Send.
type SendResult struct {
	Event *event.Event `json:"event"`

	// Delivery is nil for duplicates and for events another worker claimed first.
	Delivery *delivery.Result `json:"delivery,omitempty"`

	Duplicate bool `json:"duplicate,omitempty"`
}

// Send persists an outbound event and makes the first delivery attempt.
// Failed attempts are left to the retry scheduler. An event whose
// idempotency key was seen before is not sent again; the stored event is
// returned with Duplicate set.
func (r *Relay) Send(ctx context.Context, evt *event.Event) (*SendResult, error) {
	if evt.Destination == "" {
		return nil, ErrNoDestination
	}
	if evt.Type == "" {
		return nil, fault.Validation("event type is required")
	}
	if len(evt.Payload) > 0 && !json.Valid(evt.Payload) {
		return nil, fault.Validation("payload is not valid JSON")
	}

	now := r.clock.Now()
	evt.Entity = entity.New(now)
	evt.ID = id.NewEventID()
	evt.Direction = event.DirectionOutbound
	evt.Status = event.StatusPending
	evt.Attempts = 0
	evt.SignatureScheme = OutboundScheme
	if evt.MaxAttempts <= 0 {
		evt.MaxAttempts = r.config.MaxAttempts
	}

	if err := r.store.CreateEvent(ctx, evt); err != nil {
		if !errors.Is(err, event.ErrDuplicate) {
			return nil, fmt.Errorf("hookrelay: persist event: %w", err)
		}
		prior, getErr := r.store.GetEventByIdempotencyKey(ctx, evt.IdempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("hookrelay: load duplicate: %w", getErr)
		}
		return &SendResult{Event: prior, Duplicate: true}, nil
	}
	r.metrics.RecordSent()

	claimed, err := r.store.ClaimEvent(ctx, evt.ID, r.clock.Now())
	if errors.Is(err, event.ErrNotClaimable) {
		// A scheduler run picked it up first.
		return &SendResult{Event: evt}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hookrelay: claim event: %w", err)
	}

	res, err := r.engine.Deliver(ctx, claimed)
	if err != nil {
		return &SendResult{Event: claimed, Delivery: res}, err
	}

	r.logger.DebugContext(ctx, "event sent",
		"event_id", claimed.ID,
		"type", claimed.Type,
		"outcome", res.Outcome,
	)
	return &SendResult{Event: claimed, Delivery: res}, nil
}

// redeliver is the dead letter retry handler: it sends the message payload
// once more to its destination without touching the original event.
func (r *Relay) redeliver(ctx context.Context, m *dlq.Message) error {
	if m.Destination == "" {
		return fault.Validation("dead letter %s has no destination", m.ID)
	}

	evt := &event.Event{
		Entity:      m.Entity,
		ID:          m.EventID,
		Direction:   event.DirectionOutbound,
		Type:        m.EventType,
		Destination: m.Destination,
	}
	if !m.EventID.IsNil() {
		if orig, err := r.store.GetEvent(ctx, m.EventID); err == nil {
			evt = orig.Clone()
			evt.Destination = m.Destination
		}
	} else {
		evt.ID = id.NewEventID()
	}
	evt.Payload = m.Payload
	return r.engine.Redeliver(ctx, evt)
}

// Receive runs an inbound webhook through the processor.
func (r *Relay) Receive(ctx context.Context, req inbound.Request) (*inbound.Result, error) {
	return r.inbound.Process(ctx, req)
}

// Replay redispatches an inbound event as a new event carrying replay lineage.
func (r *Relay) Replay(ctx context.Context, evtID id.ID) (*inbound.Result, error) {
	return r.inbound.Replay(ctx, evtID)
}

// ──────────────────────────────────────────────────
// Administration
// ──────────────────────────────────────────────────

// Status summarizes queues and breakers.
type Status struct {
	Running  bool                   `json:"running"`
	Events   map[event.Status]int64 `json:"events"`
	Circuits circuit.Stats          `json:"circuits"`
	DLQ      *dlq.Stats             `json:"dlq"`
	Sources  []string               `json:"sources"`
}

// Status reports event counts, breaker states and dead letter statistics.
func (r *Relay) Status(ctx context.Context) (*Status, error) {
	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("hookrelay: count events: %w", err)
	}
	dlqStats, err := r.dlqSvc.Stats(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	running := r.running
	r.mu.Unlock()

	return &Status{
		Running:  running,
		Events:   counts,
		Circuits: r.breakers.Stats(),
		DLQ:      dlqStats,
		Sources:  r.inbound.Sources(),
	}, nil
}

// Event returns a stored event.
func (r *Relay) Event(ctx context.Context, evtID id.ID) (*event.Event, error) {
	return r.store.GetEvent(ctx, evtID)
}

// Events lists stored events, newest first.
func (r *Relay) Events(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	return r.store.ListEvents(ctx, opts)
}

// Circuits returns a snapshot of every breaker, sorted by key.
func (r *Relay) Circuits() []circuit.Snapshot {
	return r.breakers.Snapshots()
}

// Circuit returns the snapshot of one breaker.
func (r *Relay) Circuit(key string) (circuit.Snapshot, error) {
	snap, ok := r.breakers.Snapshot(key)
	if !ok {
		return circuit.Snapshot{}, fmt.Errorf("%w: %s", circuit.ErrNotFound, key)
	}
	return snap, nil
}

// ResetCircuit closes the breaker for key.
func (r *Relay) ResetCircuit(ctx context.Context, key string) error {
	if err := r.breakers.Reset(ctx, key); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "circuit reset", "destination", key)
	return nil
}

// RunRetries delivers every due event now, as a scheduled run would.
func (r *Relay) RunRetries(ctx context.Context) (retry.Report, error) {
	return r.scheduler.RunDue(ctx)
}

// ForceRetryAll delivers every failed or retrying event now, ignoring schedules.
func (r *Relay) ForceRetryAll(ctx context.Context) (retry.Report, error) {
	return r.scheduler.ForceRetryAll(ctx)
}

// RetryEvent queues one event for immediate redelivery.
func (r *Relay) RetryEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	return r.scheduler.Retry(ctx, evtID)
}

// ReclaimStale returns stuck claims to the retry queue.
func (r *Relay) ReclaimStale(ctx context.Context) (int64, error) {
	return r.scheduler.ReclaimStale(ctx)
}

// CleanupExpiredEvents deletes expired events older than age.
func (r *Relay) CleanupExpiredEvents(ctx context.Context, age time.Duration) (int64, error) {
	return r.scheduler.CleanupExpired(ctx, age)
}

// DeadLetters lists dead letter messages, oldest first.
func (r *Relay) DeadLetters(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Message, error) {
	return r.dlqSvc.List(ctx, opts)
}

// DeadLetter returns one dead letter message.
func (r *Relay) DeadLetter(ctx context.Context, msgID id.ID) (*dlq.Message, error) {
	return r.dlqSvc.Get(ctx, msgID)
}

// AddDeadLetter queues a message that did not come from the delivery engine.
func (r *Relay) AddDeadLetter(ctx context.Context, m *dlq.Message) error {
	return r.dlqSvc.Add(ctx, m)
}

// RetryDeadLetter redelivers one message now.
func (r *Relay) RetryDeadLetter(ctx context.Context, msgID id.ID) (dlq.Outcome, error) {
	return r.dlqSvc.Retry(ctx, msgID, nil)
}

// DeleteDeadLetter resolves a message by removing it.
func (r *Relay) DeleteDeadLetter(ctx context.Context, msgID id.ID) error {
	return r.dlqSvc.Delete(ctx, msgID)
}

// CleanupDeadLetters deletes messages older than age.
func (r *Relay) CleanupDeadLetters(ctx context.Context, age time.Duration) (int64, error) {
	return r.dlqSvc.CleanupExpired(ctx, age)
}

// DLQStats returns dead letter queue statistics.
func (r *Relay) DLQStats(ctx context.Context) (*dlq.Stats, error) {
	return r.dlqSvc.Stats(ctx)
}

// RotateSecret issues a fresh signing secret for one destination and uses it
// for every request sent from now on. destination is a URL or a host[:port].
func (r *Relay) RotateSecret(ctx context.Context, destination string) (host, secret string, err error) {
	if !strings.Contains(destination, "://") {
		destination = "https://" + destination
	}
	host, err = delivery.HostKey(destination)
	if err != nil {
		return "", "", err
	}
	secret, err = signature.GenerateSecret()
	if err != nil {
		return "", "", err
	}
	r.sender.SetSecret(host, secret)
	r.logger.InfoContext(ctx, "destination secret rotated", "destination", host)
	return host, secret, nil
}

// Config returns the effective configuration.
func (r *Relay) Config() Config { return r.config }

// Store returns the underlying store.
func (r *Relay) Store() store.Store { return r.store }

// Engine returns the delivery engine.
func (r *Relay) Engine() *delivery.Engine { return r.engine }

// Scheduler returns the retry scheduler.
func (r *Relay) Scheduler() *retry.Scheduler { return r.scheduler }

// DLQ returns the dead letter queue service.
func (r *Relay) DLQ() *dlq.Service { return r.dlqSvc }

// Inbound returns the inbound processor.
func (r *Relay) Inbound() *inbound.Processor { return r.inbound }

// Breakers returns the circuit breaker registry.
func (r *Relay) Breakers() *circuit.Registry { return r.breakers }

// Metrics returns the configured metrics, possibly nil.
func (r *Relay) Metrics() *observability.Metrics { return r.metrics }
