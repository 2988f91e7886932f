package inbound

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/xraph/hookrelay/fault"
)

// Parsed is the vendor-independent view of an inbound payload.
type Parsed struct {
	VendorEventID string
	VendorType    string
	PaymentID     string
	Test          bool

	// Document is the decoded payload, numbers kept as json.Number.
	Document any
}

// FieldParser extracts fields from a JSON payload by dotted path. Numeric
// segments index into arrays, e.g. "notificationItems.0.item.pspReference".
type FieldParser struct {
	// IDPaths are joined with ":" to form the vendor event id.
	IDPaths       []string
	TypePath      string
	PaymentIDPath string

	// TestPath points at a boolean (or "true"/"false") test flag.
	TestPath string

	// LivePath points at a live-mode flag; Test is its negation.
	LivePath string
}

// GenericParser reads the fields of the canonical envelope.
func GenericParser() FieldParser {
	return FieldParser{
		IDPaths:       []string{"event_id"},
		TypePath:      "event_type",
		PaymentIDPath: "payment_id",
		TestPath:      "test",
	}
}

// StripeParser reads a Stripe event object.
func StripeParser() FieldParser {
	return FieldParser{
		IDPaths:       []string{"id"},
		TypePath:      "type",
		PaymentIDPath: "data.object.id",
		LivePath:      "livemode",
	}
}

// AdyenParser reads the first item of an Adyen notification. The PSP
// reference is shared by every notification of a payment, so the event code
// is part of the id.
func AdyenParser() FieldParser {
	const item = "notificationItems.0.NotificationRequestItem."
	return FieldParser{
		IDPaths:       []string{item + "pspReference", item + "eventCode"},
		TypePath:      item + "eventCode",
		PaymentIDPath: item + "originalReference",
		LivePath:      "live",
	}
}

// Parse decodes body and extracts the configured fields. A missing id or
// type is a validation error.
func (p FieldParser) Parse(body []byte) (*Parsed, error) {
	doc, err := decode(body)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, fault.Validation("payload must be a JSON object")
	}

	out := &Parsed{Document: doc}

	ids := make([]string, 0, len(p.IDPaths))
	for _, path := range p.IDPaths {
		v := lookupString(doc, path)
		if v == "" {
			return nil, fault.Validation("missing %s", path)
		}
		ids = append(ids, v)
	}
	if len(ids) == 0 {
		return nil, fault.Validation("missing event id")
	}
	out.VendorEventID = strings.Join(ids, ":")

	out.VendorType = lookupString(doc, p.TypePath)
	if out.VendorType == "" {
		return nil, fault.Validation("missing %s", p.TypePath)
	}

	if p.PaymentIDPath != "" {
		out.PaymentID = lookupString(doc, p.PaymentIDPath)
	}
	if p.TestPath != "" {
		out.Test, _ = strconv.ParseBool(lookupString(doc, p.TestPath))
	} else if p.LivePath != "" {
		if live, err := strconv.ParseBool(lookupString(doc, p.LivePath)); err == nil {
			out.Test = !live
		}
	}
	return out, nil
}

func decode(body []byte) (any, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fault.Validation("malformed JSON payload")
	}
	return doc, nil
}

func lookup(doc any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := doc
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func lookupString(doc any, path string) string {
	v, ok := lookup(doc, path)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}
