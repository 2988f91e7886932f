package hookrelay

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xraph/hookrelay/circuit"
	"github.com/xraph/hookrelay/delivery"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/retry"
)

// Config holds the configuration for a Relay instance.
type Config struct {
	// Secret signs outbound requests to destinations without an entry in Secrets.
	Secret string `json:"-" mapstructure:"secret"`

	// Secrets maps a destination host to its signing secret.
	Secrets map[string]string `json:"-" mapstructure:"secrets"`

	// MaxAttempts is the default delivery budget of a new outbound event.
	MaxAttempts int `json:"max_attempts" mapstructure:"max_attempts"`

	// RequestTimeout is the HTTP timeout per delivery attempt. It must stay
	// below Circuit.CallTimeout.
	RequestTimeout time.Duration `json:"request_timeout" mapstructure:"request_timeout"`

	// UserAgent is sent on every outbound request.
	UserAgent string `json:"user_agent" mapstructure:"user_agent"`

	// RateLimit caps requests per second per destination host. Zero disables it.
	RateLimit int `json:"rate_limit" mapstructure:"rate_limit"`

	// Backoff schedules redelivery of failed events.
	Backoff delivery.Backoff `json:"backoff" mapstructure:"backoff"`

	// SignatureMaxAge bounds the age of inbound signature timestamps.
	SignatureMaxAge time.Duration `json:"signature_max_age" mapstructure:"signature_max_age"`

	// InboundCacheSize bounds the idempotency cache in front of the store.
	InboundCacheSize int `json:"inbound_cache_size" mapstructure:"inbound_cache_size"`

	Circuit circuit.Config `json:"circuit" mapstructure:"circuit"`
	Retry   retry.Config   `json:"retry" mapstructure:"retry"`
	DLQ     dlq.Config     `json:"dlq" mapstructure:"dlq"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      5,
		RequestTimeout:   10 * time.Second,
		UserAgent:        "hookrelay/1.0",
		Backoff:          delivery.DefaultBackoff(),
		SignatureMaxAge:  5 * time.Minute,
		InboundCacheSize: 10000,
		Circuit:          circuit.DefaultConfig(),
		Retry:            retry.DefaultConfig(),
		DLQ:              dlq.DefaultConfig(),
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max_attempts must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.Circuit.CallTimeout > 0 && c.RequestTimeout >= c.Circuit.CallTimeout {
		errs = append(errs, fmt.Errorf("request_timeout (%s) must be shorter than circuit.call_timeout (%s)",
			c.RequestTimeout, c.Circuit.CallTimeout))
	}
	if c.Backoff.Max > 0 && c.Backoff.Base > c.Backoff.Max {
		errs = append(errs, errors.New("backoff.base must not exceed backoff.max"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("hookrelay: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LoadConfig reads a config file (if path is set) and HOOKRELAY_* environment
// variables on top of the defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HOOKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("hookrelay: read config %s: %w", path, err)
		}
	}
	return ConfigFromViper(v)
}

// ConfigFromViper builds a Config from v. Keys missing from v keep their
// defaults.
func ConfigFromViper(v *viper.Viper) (Config, error) {
	setDefaults(v)

	cfg := Config{
		Secret:           v.GetString("secret"),
		Secrets:          v.GetStringMapString("secrets"),
		MaxAttempts:      v.GetInt("max_attempts"),
		RequestTimeout:   v.GetDuration("request_timeout"),
		UserAgent:        v.GetString("user_agent"),
		RateLimit:        v.GetInt("rate_limit"),
		SignatureMaxAge:  v.GetDuration("signature_max_age"),
		InboundCacheSize: v.GetInt("inbound_cache_size"),
		Backoff: delivery.Backoff{
			Base: v.GetDuration("backoff.base"),
			Max:  v.GetDuration("backoff.max"),
		},
		Circuit: circuit.Config{
			FailureThreshold: v.GetInt("circuit.failure_threshold"),
			RecoveryTimeout:  v.GetDuration("circuit.recovery_timeout"),
			SuccessThreshold: v.GetInt("circuit.success_threshold"),
			CallTimeout:      v.GetDuration("circuit.call_timeout"),
			HalfOpenMaxCalls: v.GetInt("circuit.half_open_max_calls"),
		},
		Retry: retry.Config{
			Interval:        v.GetDuration("retry.interval"),
			Concurrency:     v.GetInt("retry.concurrency"),
			BatchSize:       v.GetInt("retry.batch_size"),
			StaleAfter:      v.GetDuration("retry.stale_after"),
			CleanupAge:      v.GetDuration("retry.cleanup_age"),
			CleanupInterval: v.GetDuration("retry.cleanup_interval"),
			ShutdownGrace:   v.GetDuration("retry.shutdown_grace"),
		},
		DLQ: dlq.Config{
			Capacity:   v.GetInt("dlq.capacity"),
			MaxRetries: v.GetInt("dlq.max_retries"),
			Backoff: delivery.Backoff{
				Base: v.GetDuration("dlq.backoff.base"),
				Max:  v.GetDuration("dlq.backoff.max"),
			},
			Workers:      v.GetInt("dlq.workers"),
			PollInterval: v.GetDuration("dlq.poll_interval"),
			StaleAfter:   v.GetDuration("dlq.stale_after"),
		},
	}
	if len(cfg.Secrets) == 0 {
		cfg.Secrets = nil
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("user_agent", d.UserAgent)
	v.SetDefault("rate_limit", d.RateLimit)
	v.SetDefault("signature_max_age", d.SignatureMaxAge)
	v.SetDefault("inbound_cache_size", d.InboundCacheSize)
	v.SetDefault("backoff.base", d.Backoff.Base)
	v.SetDefault("backoff.max", d.Backoff.Max)

	v.SetDefault("circuit.failure_threshold", d.Circuit.FailureThreshold)
	v.SetDefault("circuit.recovery_timeout", d.Circuit.RecoveryTimeout)
	v.SetDefault("circuit.success_threshold", d.Circuit.SuccessThreshold)
	v.SetDefault("circuit.call_timeout", d.Circuit.CallTimeout)

	v.SetDefault("retry.interval", d.Retry.Interval)
	v.SetDefault("retry.concurrency", d.Retry.Concurrency)
	v.SetDefault("retry.batch_size", d.Retry.BatchSize)
	v.SetDefault("retry.stale_after", d.Retry.StaleAfter)
	v.SetDefault("retry.cleanup_interval", d.Retry.CleanupInterval)
	v.SetDefault("retry.shutdown_grace", d.Retry.ShutdownGrace)

	v.SetDefault("dlq.capacity", d.DLQ.Capacity)
	v.SetDefault("dlq.max_retries", d.DLQ.MaxRetries)
	v.SetDefault("dlq.backoff.base", d.DLQ.Backoff.Base)
	v.SetDefault("dlq.backoff.max", d.DLQ.Backoff.Max)
	v.SetDefault("dlq.workers", d.DLQ.Workers)
	v.SetDefault("dlq.poll_interval", d.DLQ.PollInterval)
	v.SetDefault("dlq.stale_after", d.DLQ.StaleAfter)
}
