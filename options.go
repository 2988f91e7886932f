package hookrelay

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/delivery"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/inbound"
	"github.com/xraph/hookrelay/observability"
	"github.com/xraph/hookrelay/retry"
	"github.com/xraph/hookrelay/store"
)

// Option configures a Relay instance.
type Option func(*Relay) error

// WithStore sets the persistence backend for the Relay instance.
func WithStore(s store.Store) Option {
	return func(r *Relay) error {
		r.store = s
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(r *Relay) error {
		r.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the Relay instance.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		if logger == nil {
			return errors.New("hookrelay: nil logger")
		}
		r.logger = logger
		return nil
	}
}

// WithClock sets the time source shared by every component.
func WithClock(c clock.Clock) Option {
	return func(r *Relay) error {
		r.clock = clock.OrSystem(c)
		return nil
	}
}

// WithMetrics enables Prometheus instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Relay) error {
		r.metrics = m
		return nil
	}
}

// WithTracer enables OpenTelemetry spans.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Relay) error {
		r.tracer = t
		return nil
	}
}

// WithHTTPClient overrides the client used for outbound requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) error {
		r.httpClient = c
		return nil
	}
}

// WithSecret sets the default outbound signing secret.
func WithSecret(secret string) Option {
	return func(r *Relay) error {
		r.config.Secret = secret
		return nil
	}
}

// WithDestinationSecret sets the signing secret for one destination host.
func WithDestinationSecret(host, secret string) Option {
	return func(r *Relay) error {
		if r.config.Secrets == nil {
			r.config.Secrets = make(map[string]string)
		}
		r.config.Secrets[host] = secret
		return nil
	}
}

// WithMaxAttempts sets the default delivery budget of new events.
func WithMaxAttempts(n int) Option {
	return func(r *Relay) error {
		r.config.MaxAttempts = n
		return nil
	}
}

// WithRequestTimeout sets the HTTP timeout per delivery attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.RequestTimeout = d
		return nil
	}
}

// WithBackoff sets the redelivery backoff.
func WithBackoff(b delivery.Backoff) Option {
	return func(r *Relay) error {
		r.config.Backoff = b
		return nil
	}
}

// WithRateLimit caps requests per second per destination host.
func WithRateLimit(perSecond int) Option {
	return func(r *Relay) error {
		r.config.RateLimit = perSecond
		return nil
	}
}

// WithCircuitConfig sets the breaker thresholds.
func WithCircuitConfig(cfg circuit.Config) Option {
	return func(r *Relay) error {
		r.config.Circuit = cfg
		return nil
	}
}

// WithRetryConfig sets the retry scheduler configuration.
func WithRetryConfig(cfg retry.Config) Option {
	return func(r *Relay) error {
		r.config.Retry = cfg
		return nil
	}
}

// WithDLQConfig sets the dead letter queue configuration.
func WithDLQConfig(cfg dlq.Config) Option {
	return func(r *Relay) error {
		r.config.DLQ = cfg
		return nil
	}
}

// WithSource registers an inbound webhook source.
func WithSource(src inbound.Source) Option {
	return func(r *Relay) error {
		r.sources = append(r.sources, src)
		return nil
	}
}

// WithHandler registers an inbound handler for one canonical event type.
func WithHandler(eventType string, h inbound.Handler) Option {
	return func(r *Relay) error {
		r.handlers = append(r.handlers, func(reg *inbound.Registry) { reg.Register(eventType, h) })
		return nil
	}
}

// WithFamilyHandler registers an inbound handler for a family of event types.
func WithFamilyHandler(f event.Family, h inbound.Handler) Option {
	return func(r *Relay) error {
		r.handlers = append(r.handlers, func(reg *inbound.Registry) { reg.RegisterFamily(f, h) })
		return nil
	}
}
