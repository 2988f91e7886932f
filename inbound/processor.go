// Package inbound verifies, deduplicates, canonicalizes and dispatches
// incoming vendor webhooks.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/fault"
	"github.com/xraph/hookrelay/id"
	"github.com/xraph/hookrelay/internal/entity"
	"github.com/xraph/hookrelay/observability"
	"github.com/xraph/hookrelay/signature"
)

// ErrInternal is returned when a handler fails or panics. Details are
// recorded on the event, never returned.
var ErrInternal = errors.New("hookrelay: internal error")

// Store is the persistence the processor needs.
type Store interface {
	CreateEvent(ctx context.Context, evt *event.Event) error
	GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error)
	GetEventByIdempotencyKey(ctx context.Context, key string) (*event.Event, error)
	UpdateEvent(ctx context.Context, evt *event.Event) error
}

// Request is a received webhook.
type Request struct {
	Source  string
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Result is the outcome of processing or replaying an inbound event.
type Result struct {
	EventID   id.ID        `json:"event_id"`
	Type      string       `json:"type,omitempty"`
	Status    event.Status `json:"status,omitempty"`
	Duplicate bool         `json:"duplicate,omitempty"`

	// StatusCode is the HTTP status an adapter should answer with.
	StatusCode int `json:"-"`

	// Output is whatever the handler returned.
	Output any `json:"result,omitempty"`
}

// Metric outcomes.
const (
	outcomeUnknownSource = "unknown_source"
	outcomeUnauthorized  = "unauthorized"
	outcomeInvalid       = "invalid"
	outcomeDuplicate     = "duplicate"
	outcomeIgnored       = "ignored"
	outcomeProcessed     = "processed"
	outcomeFailed        = "failed"
)

// Config holds processor configuration.
type Config struct {
	// CacheSize bounds the in-process idempotency cache in front of the store.
	CacheSize int `json:"cache_size" mapstructure:"cache_size"`

	// SignatureMaxAge applies to timestamped sources that set no age bound.
	SignatureMaxAge time.Duration `json:"signature_max_age" mapstructure:"signature_max_age"`

	Clock   clock.Clock            `json:"-" mapstructure:"-"`
	Metrics *observability.Metrics `json:"-" mapstructure:"-"`
	Tracer  *observability.Tracer  `json:"-" mapstructure:"-"`
}

// Processor runs the inbound pipeline.
type Processor struct {
	store     Store
	handlers  *Registry
	validator *Validator
	seen      *lru.Cache[string, id.ID]
	maxAge    time.Duration
	clock     clock.Clock
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger

	mu      sync.RWMutex
	sources map[string]Source
}

// NewProcessor creates a processor with an empty source set and handler registry.
func NewProcessor(store Store, cfg Config, logger *slog.Logger) (*Processor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	seen, err := lru.New[string, id.ID](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("inbound: idempotency cache: %w", err)
	}
	return &Processor{
		store:     store,
		handlers:  NewRegistry(),
		validator: NewValidator(),
		seen:      seen,
		maxAge:    cfg.SignatureMaxAge,
		clock:     clock.OrSystem(cfg.Clock),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		logger:    logger,
		sources:   make(map[string]Source),
	}, nil
}

// Handlers returns the handler registry.
func (p *Processor) Handlers() *Registry { return p.handlers }

// AddSource registers or replaces a source. Its schema, if any, is compiled
// up front. Timestamped schemes without a max age or clock inherit the
// processor's.
func (p *Processor) AddSource(src Source) error {
	if err := src.validate(); err != nil {
		return err
	}
	src = src.withDefaults(p.maxAge, p.clock)
	if len(src.Schema) > 0 {
		if _, err := p.validator.compile(src.Schema); err != nil {
			return fmt.Errorf("inbound: source %s: %w", src.Name, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[src.Name] = src
	return nil
}

// Sources returns the registered source names, sorted.
func (p *Processor) Sources() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.sources))
	for name := range p.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Processor) source(name string) (Source, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	src, ok := p.sources[name]
	return src, ok
}

// Process verifies, deduplicates, persists and dispatches one webhook.
//
// Signature failures return authentication (or, for malformed headers,
// validation) faults; payload problems return validation faults; repeats
// return a duplicate result without side effects; handler failures return
// a 500 result together with ErrInternal.
func (p *Processor) Process(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := p.tracer.StartInboundSpan(ctx, req.Source)
	defer func() { observability.End(span, err) }()

	src, ok := p.source(req.Source)
	if !ok {
		p.metrics.RecordInbound(req.Source, outcomeUnknownSource)
		return nil, fault.Validation("unknown source %q", req.Source)
	}

	msg := signature.Message{Method: req.Method, URL: req.URL, Header: req.Headers, Body: req.Body}
	if err := src.Scheme.Verify(msg); err != nil {
		p.metrics.RecordInbound(src.Name, outcomeUnauthorized)
		p.logger.WarnContext(ctx, "inbound signature rejected", "source", src.Name, "error", err)
		return nil, err
	}

	parsed, err := src.Parser.Parse(req.Body)
	if err != nil {
		p.metrics.RecordInbound(src.Name, outcomeInvalid)
		return nil, err
	}
	if err := p.validator.Validate(src.Schema, parsed.Document); err != nil {
		p.metrics.RecordInbound(src.Name, outcomeInvalid)
		if fault.Is(err, fault.KindValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("inbound: validate: %w", err)
	}

	key := event.IdempotencyKey(src.Name, parsed.VendorEventID)
	if prior, found, err := p.lookup(ctx, key); err != nil {
		return nil, err
	} else if found {
		p.metrics.RecordInbound(src.Name, outcomeDuplicate)
		p.logger.DebugContext(ctx, "duplicate inbound event", "source", src.Name, "idempotency_key", key)
		return &Result{EventID: prior, Duplicate: true, StatusCode: http.StatusOK}, nil
	}

	now := p.clock.Now()
	evt := &event.Event{
		Entity:         entity.New(now),
		ID:             id.NewEventID(),
		Direction:      event.DirectionInbound,
		Type:           src.Mapping.Resolve(parsed.VendorType),
		VendorType:     parsed.VendorType,
		VendorEventID:  parsed.VendorEventID,
		Source:         src.Name,
		PaymentID:      parsed.PaymentID,
		Payload:        append([]byte(nil), req.Body...),
		Status:         event.StatusPending,
		IdempotencyKey: key,
		SignedAt:       &now,
		Test:           parsed.Test,
	}
	evt.SignatureScheme = schemeName(src.Scheme)

	if evt.Type == event.TypeUnknown {
		evt.Status = event.StatusIgnored
		p.logger.WarnContext(ctx, "unmapped inbound event type",
			"source", src.Name, "vendor_type", parsed.VendorType, "vendor_event_id", parsed.VendorEventID)
	}

	if err := p.store.CreateEvent(ctx, evt); err != nil {
		if errors.Is(err, event.ErrDuplicate) {
			prior, found, lerr := p.lookup(ctx, key)
			if lerr == nil && found {
				p.metrics.RecordInbound(src.Name, outcomeDuplicate)
				return &Result{EventID: prior, Duplicate: true, StatusCode: http.StatusOK}, nil
			}
		}
		return nil, fmt.Errorf("inbound: create event: %w", err)
	}
	p.seen.Add(key, evt.ID)

	if evt.Status == event.StatusIgnored {
		p.metrics.RecordInbound(src.Name, outcomeIgnored)
		return &Result{EventID: evt.ID, Type: evt.Type, Status: evt.Status, StatusCode: http.StatusOK}, nil
	}

	return p.dispatch(ctx, evt)
}

// lookup checks the cache, then the store's unique index.
func (p *Processor) lookup(ctx context.Context, key string) (id.ID, bool, error) {
	if evtID, ok := p.seen.Get(key); ok {
		return evtID, true, nil
	}
	prior, err := p.store.GetEventByIdempotencyKey(ctx, key)
	if errors.Is(err, event.ErrNotFound) {
		return id.Nil, false, nil
	}
	if err != nil {
		return id.Nil, false, fmt.Errorf("inbound: idempotency lookup: %w", err)
	}
	p.seen.Add(key, prior.ID)
	return prior.ID, true, nil
}

// Replay copies an inbound event into a new one carrying replay lineage and
// dispatches it again. The copy has no idempotency key.
func (p *Processor) Replay(ctx context.Context, evtID id.ID) (*Result, error) {
	orig, err := p.store.GetEvent(ctx, evtID)
	if err != nil {
		return nil, err
	}
	if orig.Direction != event.DirectionInbound {
		return nil, fault.Validation("event %s is not inbound", evtID)
	}

	now := p.clock.Now()
	evt := orig.Clone()
	evt.Entity = entity.New(now)
	evt.ID = id.NewEventID()
	evt.IdempotencyKey = ""
	evt.Status = event.StatusPending
	evt.LastError = ""
	evt.ProcessedAt = nil
	evt.FailedAt = nil
	if evt.Metadata == nil {
		evt.Metadata = make(map[string]string, 2)
	}
	evt.Metadata[event.MetaReplayOf] = orig.ID.String()
	evt.Metadata[event.MetaReplayedAt] = now.Format(time.RFC3339)

	if evt.Type == event.TypeUnknown {
		evt.Status = event.StatusIgnored
	}
	if err := p.store.CreateEvent(ctx, evt); err != nil {
		return nil, fmt.Errorf("inbound: create replay: %w", err)
	}
	p.logger.InfoContext(ctx, "inbound event replayed", "event_id", evt.ID, "replay_of", orig.ID)

	if evt.Status == event.StatusIgnored {
		return &Result{EventID: evt.ID, Type: evt.Type, Status: evt.Status, StatusCode: http.StatusOK}, nil
	}
	return p.dispatch(ctx, evt)
}

// dispatch runs the handler for evt and records the outcome on it.
func (p *Processor) dispatch(ctx context.Context, evt *event.Event) (*Result, error) {
	h, ok := p.handlers.Resolve(evt.Type)
	now := p.clock.Now()

	if !ok {
		evt.Status = event.StatusIgnored
		evt.LastError = "no handler registered"
		evt.Touch(now)
		if err := p.store.UpdateEvent(context.WithoutCancel(ctx), evt); err != nil {
			return nil, fmt.Errorf("inbound: update event: %w", err)
		}
		p.metrics.RecordInbound(evt.Source, outcomeIgnored)
		p.logger.WarnContext(ctx, "no handler for inbound event", "event_id", evt.ID, "type", evt.Type)
		return &Result{EventID: evt.ID, Type: evt.Type, Status: evt.Status, StatusCode: http.StatusOK}, nil
	}

	out, herr := safeHandle(ctx, h, evt.Clone())
	now = p.clock.Now()
	evt.Touch(now)

	if herr != nil {
		evt.Status = event.StatusFailed
		evt.FailedAt = &now
		evt.LastError = herr.Error()
		if err := p.store.UpdateEvent(context.WithoutCancel(ctx), evt); err != nil {
			p.logger.ErrorContext(ctx, "record handler failure", "event_id", evt.ID, "error", err)
		}
		p.metrics.RecordInbound(evt.Source, outcomeFailed)
		p.metrics.RecordHandlerFailure()
		p.logger.ErrorContext(ctx, "inbound handler failed", "event_id", evt.ID, "type", evt.Type, "error", herr)
		return &Result{EventID: evt.ID, Type: evt.Type, Status: evt.Status, StatusCode: http.StatusInternalServerError}, ErrInternal
	}

	evt.Status = event.StatusProcessed
	evt.ProcessedAt = &now
	if err := p.store.UpdateEvent(context.WithoutCancel(ctx), evt); err != nil {
		return nil, fmt.Errorf("inbound: update event: %w", err)
	}
	p.metrics.RecordInbound(evt.Source, outcomeProcessed)
	return &Result{EventID: evt.ID, Type: evt.Type, Status: evt.Status, StatusCode: http.StatusOK, Output: out}, nil
}

func safeHandle(ctx context.Context, h Handler, evt *event.Event) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, evt)
}

func schemeName(s signature.Scheme) string {
	switch s.(type) {
	case signature.WebhookScheme:
		return "webhook"
	case signature.SHA512Scheme:
		return "sha512"
	case signature.RequestScheme:
		return "request"
	default:
		return "custom"
	}
}
