package inbound

import (
	"sort"
	"strings"

	"github.com/xraph/hookrelay/event"
)

// Rule maps a vendor event type pattern to a canonical type.
type Rule struct {
	Pattern   string
	Canonical string
}

// Mapping is a static vendor-to-canonical lookup table. Vendor types are
// compared case-insensitively. Exact entries win over patterns, and among
// patterns the one with the most literal text wins.
type Mapping struct {
	exact    map[string]string
	patterns []pattern
}

// pattern is a compiled rule. Segments are split on "." and each one is
// either "*" (any segment), "prefix*" (a segment starting with prefix) or
// literal. A lone "*" matches every type.
type pattern struct {
	segments  []string
	catchAll  bool
	weight    int
	canonical string
}

func compile(raw, canonical string) pattern {
	raw = strings.ToLower(raw)
	p := pattern{canonical: canonical, catchAll: raw == "*"}
	if p.catchAll {
		return p
	}
	p.segments = strings.Split(raw, ".")
	for _, seg := range p.segments {
		p.weight += len(strings.TrimSuffix(seg, "*"))
	}
	return p
}

func (p pattern) match(parts []string) bool {
	if p.catchAll {
		return true
	}
	if len(p.segments) != len(parts) {
		return false
	}
	for i, seg := range p.segments {
		if prefix, wild := strings.CutSuffix(seg, "*"); wild {
			if !strings.HasPrefix(parts[i], prefix) {
				return false
			}
			continue
		}
		if seg != parts[i] {
			return false
		}
	}
	return true
}

// NewMapping builds a mapping from rules. A rule whose pattern contains "*"
// is a pattern rule, otherwise it is an exact entry.
func NewMapping(rules ...Rule) *Mapping {
	m := &Mapping{exact: make(map[string]string, len(rules))}
	for _, r := range rules {
		if strings.Contains(r.Pattern, "*") {
			m.patterns = append(m.patterns, compile(r.Pattern, r.Canonical))
			continue
		}
		m.exact[strings.ToLower(r.Pattern)] = r.Canonical
	}
	sort.SliceStable(m.patterns, func(i, j int) bool {
		if m.patterns[i].catchAll != m.patterns[j].catchAll {
			return !m.patterns[i].catchAll
		}
		return m.patterns[i].weight > m.patterns[j].weight
	})
	return m
}

// Resolve returns the canonical type for vendorType, or event.TypeUnknown.
func (m *Mapping) Resolve(vendorType string) string {
	if m == nil || vendorType == "" {
		return event.TypeUnknown
	}
	key := strings.ToLower(vendorType)
	if c, ok := m.exact[key]; ok {
		return c
	}
	parts := strings.Split(key, ".")
	for _, p := range m.patterns {
		if p.match(parts) {
			return p.canonical
		}
	}
	return event.TypeUnknown
}

// Match reports whether vendorType matches a single rule pattern.
func Match(pattern, vendorType string) bool {
	return compile(pattern, "").match(strings.Split(strings.ToLower(vendorType), "."))
}

// GenericMapping accepts the canonical type names as they are.
func GenericMapping() *Mapping {
	rules := make([]Rule, 0, len(event.Types))
	for _, t := range event.Types {
		rules = append(rules, Rule{Pattern: t, Canonical: t})
	}
	return NewMapping(rules...)
}

// StripeMapping covers the Stripe event types relevant to payments.
func StripeMapping() *Mapping {
	return NewMapping(
		Rule{"payment_intent.amount_capturable_updated", event.TypePaymentAuthorized},
		Rule{"charge.succeeded", event.TypePaymentAuthorized},
		Rule{"charge.captured", event.TypePaymentCaptured},
		Rule{"payment_intent.succeeded", event.TypePaymentCaptured},
		Rule{"payout.paid", event.TypePaymentSettled},
		Rule{"balance.available", event.TypePaymentSettled},
		Rule{"charge.refunded", event.TypePaymentRefunded},
		Rule{"charge.refund.updated", event.TypePaymentRefunded},
		Rule{"payment_intent.canceled", event.TypePaymentVoided},
		Rule{"review.opened", event.TypeFraudDetected},
		Rule{"radar.early_fraud_warning.*", event.TypeFraudDetected},
		Rule{"charge.dispute.funds_withdrawn", event.TypeChargebackCreated},
		Rule{"charge.dispute.*", event.TypeDisputeCreated},
	)
}

// AdyenMapping covers Adyen notification event codes.
func AdyenMapping() *Mapping {
	return NewMapping(
		Rule{"AUTHORISATION", event.TypePaymentAuthorized},
		Rule{"CAPTURE", event.TypePaymentCaptured},
		Rule{"SETTLEMENT", event.TypePaymentSettled},
		Rule{"REFUND", event.TypePaymentRefunded},
		Rule{"CANCELLATION", event.TypePaymentVoided},
		Rule{"TECHNICAL_CANCEL", event.TypePaymentVoided},
		Rule{"NOTIFICATION_OF_FRAUD", event.TypeFraudDetected},
		Rule{"CHARGEBACK", event.TypeChargebackCreated},
		Rule{"NOTIFICATION_OF_CHARGEBACK", event.TypeChargebackCreated},
		Rule{"REQUEST_FOR_INFORMATION", event.TypeDisputeCreated},
	)
}
