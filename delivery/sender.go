package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/fault"
	"github.com/xraph/hookrelay/signature"
)

const maxResponseBody = 1024 // 1KB cap on response body storage

// Header names set on every outbound request besides the signature headers.
const (
	HeaderEventID   = "X-Webhook-Event-Id"
	HeaderEventType = "X-Webhook-Event-Type"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Secret signs requests to destinations without an entry in Secrets.
	Secret string

	// Secrets maps a destination host key to its signing secret.
	Secrets map[string]string

	// Timeout bounds each HTTP request. Keep it below the breaker call timeout.
	Timeout time.Duration

	UserAgent string
	Clock     clock.Clock

	// Client overrides the HTTP client. Timeout is ignored when set.
	Client *http.Client
}

// Sender performs signed HTTP webhook requests.
type Sender struct {
	client    *http.Client
	secret    string
	userAgent string
	clock     clock.Clock

	mu      sync.RWMutex
	secrets map[string]string
}

// NewSender creates a sender.
func NewSender(cfg SenderConfig) *Sender {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "hookrelay/1.0"
	}
	secrets := make(map[string]string, len(cfg.Secrets))
	for k, v := range cfg.Secrets {
		secrets[strings.ToLower(k)] = v
	}
	return &Sender{
		client:    client,
		secret:    cfg.Secret,
		secrets:   secrets,
		userAgent: ua,
		clock:     clock.OrSystem(cfg.Clock),
	}
}

// SetSecret replaces the signing secret for a destination host key.
func (s *Sender) SetSecret(key, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[strings.ToLower(key)] = secret
}

// Secret returns the secret that signs requests to key.
func (s *Sender) Secret(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.secrets[key]; ok {
		return v
	}
	return s.secret
}

// Response holds the outcome of a single request.
type Response struct {
	StatusCode int
	Body       string
	Latency    time.Duration
}

// Send posts body to the event's destination. Any non-2xx status or
// transport failure is returned as a fault.KindTransport error.
func (s *Sender) Send(ctx context.Context, evt *event.Event, key string, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, evt.Destination, bytes.NewReader(body))
	if err != nil {
		return Response{}, fault.Validation("create request: %v", err)
	}

	secret := s.Secret(key)
	ts := s.clock.Now().Unix()

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderEventID, evt.ID.String())
	req.Header.Set(HeaderEventType, evt.Type)
	req.Header.Set(signature.HeaderSignature, signature.Header(body, secret, ts))
	req.Header.Set(signature.HeaderTimestamp, strconv.FormatInt(ts, 10))

	reqSig, err := signature.SignRequest(secret, req.Method, evt.Destination, req.Header, body, ts)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set(signature.HeaderRequestSignature, reqSig)

	start := time.Now()
	resp, err := s.client.Do(req) //nolint:gosec // G704: destination URLs are configured by the operator.
	latency := time.Since(start)
	if err != nil {
		return Response{Latency: latency}, fault.Transport(0, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*maxResponseBody))

	out := Response{StatusCode: resp.StatusCode, Body: string(respBody), Latency: latency}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, fault.Transport(resp.StatusCode, nil)
	}
	if readErr != nil {
		// The destination accepted the event; a truncated body does not change that.
		out.Body = ""
	}
	return out, nil
}
