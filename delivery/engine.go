package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/fault"
	"github.com/xraph/hookrelay/observability"
	"github.com/xraph/hookrelay/ratelimit"
)

// Store is the persistence the engine needs.
type Store interface {
	UpdateEvent(ctx context.Context, evt *event.Event) error
}

// DeadLetterer receives events whose attempts are exhausted.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, evt *event.Event, cause error) error
}

// Delivery outcomes, used in logs and metrics.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeExpired   = "expired"
	OutcomeRejected  = "rejected"
	OutcomeInvalid   = "invalid"
)

// EngineConfig holds engine configuration.
type EngineConfig struct {
	Backoff Backoff

	// RateLimit caps requests per second per destination host. Zero disables it.
	RateLimit int

	Clock   clock.Clock
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Result describes one delivery attempt.
type Result struct {
	Outcome    string
	Status     event.Status
	StatusCode int
	Attempts   int
	Latency    time.Duration

	// NextAttemptAt is set when the event was rescheduled.
	NextAttemptAt *time.Time

	// DeadLettered is true when the event expired and went to the dead letter queue.
	DeadLettered bool

	// Err is the classified failure, nil on success.
	Err error
}

// Delivered reports whether the destination accepted the event.
func (r *Result) Delivered() bool { return r.Outcome == OutcomeDelivered }

// Engine delivers claimed events and records the outcome.
type Engine struct {
	store    Store
	sender   *Sender
	breakers *circuit.Registry
	limiter  *ratelimit.Limiter
	dlq      DeadLetterer
	config   EngineConfig
	clock    clock.Clock
	logger   *slog.Logger
}

// NewEngine creates a delivery engine.
func NewEngine(store Store, sender *Sender, breakers *circuit.Registry, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	c := clock.OrSystem(cfg.Clock)

	e := &Engine{
		store:    store,
		sender:   sender,
		breakers: breakers,
		config:   cfg,
		clock:    c,
		logger:   logger,
	}
	if cfg.RateLimit > 0 {
		e.limiter = ratelimit.New(c)
	}
	return e
}

// SetDeadLetterer sets where exhausted events go. Without one, exhausted
// events are only marked expired.
func (e *Engine) SetDeadLetterer(d DeadLetterer) { e.dlq = d }

// Backoff returns the configured backoff policy.
func (e *Engine) Backoff() Backoff { return e.config.Backoff }

// Deliver sends evt and records the outcome on it. The caller must hold the
// event's claim. The returned error is non-nil only when the outcome could not
// be recorded or ctx was cancelled; delivery failures are in Result.Err.
func (e *Engine) Deliver(ctx context.Context, evt *event.Event) (*Result, error) {
	body, key, err := e.prepare(evt)
	if err != nil {
		return e.invalid(ctx, evt, err)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, key, e.config.RateLimit); err != nil {
			return nil, e.release(ctx, evt, err)
		}
	}

	ctx, span := e.config.Tracer.StartDeliverySpan(ctx, evt.ID.String(), key, evt.Attempts+1)

	var resp Response
	err = e.breakers.Execute(ctx, key, func(callCtx context.Context) error {
		var sendErr error
		resp, sendErr = e.sender.Send(callCtx, evt, key, body)
		return sendErr
	})
	observability.EndDeliverySpan(span, resp.StatusCode, resp.Latency.Milliseconds(), err)

	if err != nil && ctx.Err() != nil {
		return nil, e.release(ctx, evt, ctx.Err())
	}

	now := e.clock.Now()
	evt.ClaimedAt = nil
	evt.LastStatusCode = resp.StatusCode
	evt.LastResponse = resp.Body

	res := &Result{StatusCode: resp.StatusCode, Latency: resp.Latency, Err: err}

	switch {
	case err == nil:
		evt.Attempts++
		evt.Status = event.StatusDelivered
		evt.DeliveredAt = &now
		evt.NextAttemptAt = nil
		evt.LastError = ""
		res.Outcome = OutcomeDelivered
		e.logger.DebugContext(ctx, "delivered",
			"event_id", evt.ID, "destination", key, "status", resp.StatusCode,
			"latency_ms", resp.Latency.Milliseconds())

	case fault.Is(err, fault.KindServiceUnavailable):
		// No request was made, so the attempt is not counted.
		next := e.config.Backoff.Next(now, evt.Attempts)
		evt.Status = event.StatusFailed
		evt.NextAttemptAt = &next
		evt.LastError = err.Error()
		res.Outcome = OutcomeRejected
		res.NextAttemptAt = &next
		e.logger.WarnContext(ctx, "circuit open, delivery rescheduled",
			"event_id", evt.ID, "destination", key, "next_attempt_at", next)

	default:
		evt.Attempts++
		evt.LastError = err.Error()
		evt.FailedAt = &now
		if evt.Attempts >= evt.MaxAttempts {
			evt.Status = event.StatusExpired
			evt.NextAttemptAt = nil
			res.Outcome = OutcomeExpired
			res.Err = fault.Exhausted(evt.Attempts, err)
		} else {
			next := e.config.Backoff.Next(now, evt.Attempts)
			evt.Status = event.StatusFailed
			evt.NextAttemptAt = &next
			res.Outcome = OutcomeFailed
			res.NextAttemptAt = &next
		}
		e.logger.WarnContext(ctx, "delivery failed",
			"event_id", evt.ID, "destination", key, "attempt", evt.Attempts,
			"max_attempts", evt.MaxAttempts, "status", resp.StatusCode, "error", err)
	}

	evt.Touch(now)
	res.Status = evt.Status
	res.Attempts = evt.Attempts
	e.config.Metrics.RecordDelivery(res.Outcome, resp.Latency.Seconds())

	if err := e.store.UpdateEvent(ctx, evt); err != nil {
		e.logger.ErrorContext(ctx, "update event failed", "event_id", evt.ID, "error", err)
		return res, fmt.Errorf("delivery: update event: %w", err)
	}

	if evt.Status == event.StatusExpired {
		res.DeadLettered = e.deadLetter(ctx, evt, res.Err)
	}
	return res, nil
}

// Redeliver sends evt once through the breaker without touching its stored
// state. It backs dead letter retries.
func (e *Engine) Redeliver(ctx context.Context, evt *event.Event) error {
	body, key, err := e.prepare(evt)
	if err != nil {
		return err
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, key, e.config.RateLimit); err != nil {
			return err
		}
	}

	ctx, span := e.config.Tracer.StartDeliverySpan(ctx, evt.ID.String(), key, 0)
	var resp Response
	err = e.breakers.Execute(ctx, key, func(callCtx context.Context) error {
		var sendErr error
		resp, sendErr = e.sender.Send(callCtx, evt, key, body)
		return sendErr
	})
	observability.EndDeliverySpan(span, resp.StatusCode, resp.Latency.Milliseconds(), err)
	return err
}

func (e *Engine) prepare(evt *event.Event) ([]byte, string, error) {
	key, err := HostKey(evt.Destination)
	if err != nil {
		return nil, "", err
	}
	body, err := NewEnvelope(evt).Marshal()
	if err != nil {
		return nil, "", err
	}
	return body, key, nil
}

// invalid expires an event that can never be sent and dead-letters it.
func (e *Engine) invalid(ctx context.Context, evt *event.Event, cause error) (*Result, error) {
	now := e.clock.Now()
	evt.Status = event.StatusExpired
	evt.ClaimedAt = nil
	evt.NextAttemptAt = nil
	evt.FailedAt = &now
	evt.LastError = cause.Error()
	evt.Touch(now)

	e.logger.WarnContext(ctx, "event cannot be delivered", "event_id", evt.ID, "error", cause)
	e.config.Metrics.RecordDelivery(OutcomeInvalid, 0)

	res := &Result{Outcome: OutcomeInvalid, Status: evt.Status, Attempts: evt.Attempts, Err: cause}
	if err := e.store.UpdateEvent(ctx, evt); err != nil {
		return res, fmt.Errorf("delivery: update event: %w", err)
	}
	res.DeadLettered = e.deadLetter(ctx, evt, cause)
	return res, nil
}

// release hands the claim back so the event is picked up again right away.
// Used when the caller's context ends mid-flight.
func (e *Engine) release(ctx context.Context, evt *event.Event, cause error) error {
	now := e.clock.Now()
	evt.Status = event.StatusFailed
	evt.ClaimedAt = nil
	evt.NextAttemptAt = &now
	evt.Touch(now)

	if err := e.store.UpdateEvent(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.ErrorContext(ctx, "release claim failed", "event_id", evt.ID, "error", err)
		return errors.Join(cause, err)
	}
	e.logger.DebugContext(ctx, "delivery interrupted, claim released", "event_id", evt.ID)
	return cause
}

func (e *Engine) deadLetter(ctx context.Context, evt *event.Event, cause error) bool {
	if e.dlq == nil {
		return false
	}
	if err := e.dlq.DeadLetter(ctx, evt, cause); err != nil {
		e.logger.ErrorContext(ctx, "dead letter failed", "event_id", evt.ID, "error", err)
		return false
	}
	return true
}
