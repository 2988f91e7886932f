package inbound

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/signature"
)

// Source is a configured inbound vendor.
type Source struct {
	// Name namespaces idempotency keys and appears in /webhooks/{name}.
	Name string

	// Scheme verifies the request signature.
	Scheme signature.Scheme

	// Parser extracts id, type and payment id from the payload.
	Parser FieldParser

	// Mapping resolves vendor types to canonical types.
	Mapping *Mapping

	// Schema is an optional JSON Schema the payload must satisfy.
	Schema json.RawMessage
}

func (s Source) validate() error {
	if s.Name == "" {
		return errors.New("inbound: source name is required")
	}
	if s.Scheme == nil {
		return errors.New("inbound: source " + s.Name + " has no signature scheme")
	}
	if s.Mapping == nil {
		return errors.New("inbound: source " + s.Name + " has no type mapping")
	}
	return nil
}

func (s Source) withDefaults(maxAge time.Duration, c clock.Clock) Source {
	switch sc := s.Scheme.(type) {
	case signature.WebhookScheme:
		if sc.MaxAge <= 0 {
			sc.MaxAge = maxAge
		}
		if sc.Clock == nil {
			sc.Clock = c
		}
		s.Scheme = sc
	case signature.RequestScheme:
		if sc.MaxAge <= 0 {
			sc.MaxAge = maxAge
		}
		if sc.Clock == nil {
			sc.Clock = c
		}
		s.Scheme = sc
	}
	return s
}

// GenericSource accepts canonical envelopes signed with X-Webhook-Signature.
func GenericSource(name, secret string, maxAge time.Duration, c clock.Clock) Source {
	return Source{
		Name:    name,
		Scheme:  signature.WebhookScheme{Secret: secret, MaxAge: maxAge, Clock: c},
		Parser:  GenericParser(),
		Mapping: GenericMapping(),
	}
}

// StripeSource verifies the Stripe-Signature header, which uses the same
// "t=...,v1=..." format.
func StripeSource(secret string, maxAge time.Duration, c clock.Clock) Source {
	return Source{
		Name:    "stripe",
		Scheme:  signature.WebhookScheme{Secret: secret, Header: "Stripe-Signature", MaxAge: maxAge, Clock: c},
		Parser:  StripeParser(),
		Mapping: StripeMapping(),
	}
}

// AdyenSource verifies a "sha512=<hex>" HMAC-SHA512 header.
func AdyenSource(secret string) Source {
	return Source{
		Name:    "adyen",
		Scheme:  signature.SHA512Scheme{Secret: secret, Header: "X-Adyen-Signature"},
		Parser:  AdyenParser(),
		Mapping: AdyenMapping(),
	}
}
