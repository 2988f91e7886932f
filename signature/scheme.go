package signature

import (
	"net/http"
	"strconv"
	"time"

	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/fault"
)

// Message is the signed material of an inbound request.
type Message struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Scheme verifies an inbound message. Implementations return a validation
// error for malformed headers and an authentication error otherwise.
type Scheme interface {
	Verify(msg Message) error
}

// WebhookScheme verifies the "t=...,v1=..." header.
type WebhookScheme struct {
	Secret string

	// Header defaults to X-Webhook-Signature.
	Header string

	// MaxAge defaults to DefaultMaxAge.
	MaxAge time.Duration

	Clock clock.Clock
}

// Verify implements Scheme.
func (s WebhookScheme) Verify(msg Message) error {
	name := s.Header
	if name == "" {
		name = HeaderSignature
	}
	value := msg.Header.Get(name)
	if value == "" {
		return fault.Authentication("missing signature")
	}
	return VerifyHeader(msg.Body, value, s.Secret, s.MaxAge, clock.OrSystem(s.Clock).Now())
}

// SHA512Scheme verifies a vendor "sha512=<hex>" header.
type SHA512Scheme struct {
	Secret string

	// Header defaults to X-Signature.
	Header string
}

// Verify implements Scheme.
func (s SHA512Scheme) Verify(msg Message) error {
	name := s.Header
	if name == "" {
		name = "X-Signature"
	}
	value := msg.Header.Get(name)
	if value == "" {
		return fault.Authentication("missing signature")
	}
	return VerifySHA512(msg.Body, value, s.Secret)
}

// RequestScheme verifies a canonical request signature carried in
// X-Webhook-Request-Signature with its timestamp in X-Webhook-Timestamp.
type RequestScheme struct {
	Secret string
	MaxAge time.Duration
	Clock  clock.Clock
}

// Verify implements Scheme.
func (s RequestScheme) Verify(msg Message) error {
	sig := msg.Header.Get(HeaderRequestSignature)
	if sig == "" {
		return fault.Authentication("missing signature")
	}
	ts, err := strconv.ParseInt(msg.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return fault.Validation("malformed signature timestamp")
	}
	return VerifyRequest(s.Secret, msg.Method, msg.URL, msg.Header, msg.Body, sig, ts, s.MaxAge, clock.OrSystem(s.Clock).Now())
}
