package inbound_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/fault"
	"github.com/xraph/hookrelay/inbound"
	"github.com/xraph/hookrelay/signature"
	"github.com/xraph/hookrelay/store/memory"
)

const secret = "whsec_test"

var t0 = time.Unix(1_700_000_000, 0).UTC()

type fixture struct {
	proc  *inbound.Processor
	store *memory.Store
	clock *clock.Manual
	calls atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), clock: clock.NewManual(t0)}

	proc, err := inbound.NewProcessor(f.store, inbound.Config{Clock: f.clock}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.AddSource(inbound.GenericSource("psp", secret, 0, f.clock)); err != nil {
		t.Fatal(err)
	}
	if err := proc.AddSource(inbound.StripeSource(secret, 0, f.clock)); err != nil {
		t.Fatal(err)
	}
	if err := proc.AddSource(inbound.AdyenSource(secret)); err != nil {
		t.Fatal(err)
	}

	proc.Handlers().RegisterFamily(event.FamilyPayment, inbound.HandlerFunc(func(_ context.Context, evt *event.Event) (any, error) {
		f.calls.Add(1)
		return map[string]string{"handled": evt.Type}, nil
	}))
	f.proc = proc
	return f
}

func (f *fixture) signed(source string, body []byte) inbound.Request {
	h := http.Header{}
	h.Set(signature.HeaderSignature, signature.Header(body, secret, f.clock.Now().Unix()))
	return inbound.Request{Source: source, Method: http.MethodPost, URL: "https://api.example/webhooks/" + source, Headers: h, Body: body}
}

func genericBody(id, typ string) []byte {
	return []byte(`{"event_id":"` + id + `","event_type":"` + typ + `","payment_id":"pay_1","data":{"amount":100}}`)
}

func TestProcess_DispatchesCanonicalEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.proc.Process(ctx, f.signed("psp", genericBody("v-1", event.TypePaymentCaptured)))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.StatusCode != http.StatusOK || res.Duplicate {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Status != event.StatusProcessed {
		t.Fatalf("expected processed, got %q", res.Status)
	}
	if out, ok := res.Output.(map[string]string); !ok || out["handled"] != event.TypePaymentCaptured {
		t.Fatalf("handler output not returned: %#v", res.Output)
	}

	evt, err := f.store.GetEvent(ctx, res.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if evt.Direction != event.DirectionInbound || evt.Source != "psp" || evt.PaymentID != "pay_1" {
		t.Fatalf("unexpected stored event: %+v", evt)
	}
	if evt.IdempotencyKey != "psp:v-1" || evt.ProcessedAt == nil {
		t.Fatalf("idempotency key or processed_at missing: %+v", evt)
	}
}

func TestProcess_DuplicateHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	body := genericBody("v-dup", event.TypePaymentAuthorized)

	first, err := f.proc.Process(ctx, f.signed("psp", body))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.proc.Process(ctx, f.signed("psp", body))
	if err != nil {
		t.Fatal(err)
	}

	if !second.Duplicate || second.EventID != first.EventID || second.StatusCode != http.StatusOK {
		t.Fatalf("expected duplicate of %s, got %+v", first.EventID, second)
	}
	if n := f.calls.Load(); n != 1 {
		t.Fatalf("handler called %d times, want 1", n)
	}

	all, _ := f.store.ListEvents(ctx, event.ListOpts{})
	if len(all) != 1 {
		t.Fatalf("expected exactly one event record, got %d", len(all))
	}
}

func TestProcess_DuplicateDetectedFromStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	body := genericBody("v-restart", event.TypePaymentAuthorized)

	if _, err := f.proc.Process(ctx, f.signed("psp", body)); err != nil {
		t.Fatal(err)
	}

	// A fresh processor has an empty cache and must rely on the store index.
	fresh, err := inbound.NewProcessor(f.store, inbound.Config{Clock: f.clock}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := fresh.AddSource(inbound.GenericSource("psp", secret, 0, f.clock)); err != nil {
		t.Fatal(err)
	}
	res, err := fresh.Process(ctx, f.signed("psp", body))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Fatal("expected duplicate from store lookup")
	}
}

func TestProcess_SignatureFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	body := genericBody("v-sig", event.TypePaymentCaptured)

	tests := []struct {
		name string
		mod  func(r *inbound.Request)
		kind fault.Kind
	}{
		{"missing header", func(r *inbound.Request) { r.Headers = http.Header{} }, fault.KindAuthentication},
		{"tampered body", func(r *inbound.Request) { r.Body = genericBody("v-sig", event.TypePaymentVoided) }, fault.KindAuthentication},
		{"wrong secret", func(r *inbound.Request) {
			r.Headers.Set(signature.HeaderSignature, signature.Header(body, "other", t0.Unix()))
		}, fault.KindAuthentication},
		{"stale", func(r *inbound.Request) {
			r.Headers.Set(signature.HeaderSignature, signature.Header(body, secret, t0.Add(-10*time.Minute).Unix()))
		}, fault.KindAuthentication},
		{"malformed header", func(r *inbound.Request) { r.Headers.Set(signature.HeaderSignature, "garbage") }, fault.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.signed("psp", body)
			tt.mod(&req)
			_, err := f.proc.Process(ctx, req)
			if !fault.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
		})
	}

	if f.calls.Load() != 0 {
		t.Fatal("handler must not run on signature failure")
	}
	if all, _ := f.store.ListEvents(ctx, event.ListOpts{}); len(all) != 0 {
		t.Fatalf("no event should be persisted, got %d", len(all))
	}
}

func TestProcess_SignatureMaxAgeFromConfig(t *testing.T) {
	ctx := context.Background()
	c := clock.NewManual(t0)
	proc, err := inbound.NewProcessor(memory.New(), inbound.Config{Clock: c, SignatureMaxAge: time.Minute}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Neither max age nor clock set on the source.
	if err := proc.AddSource(inbound.GenericSource("acme", secret, 0, nil)); err != nil {
		t.Fatal(err)
	}

	body := genericBody("v-age", event.TypePaymentCaptured)
	req := func(ts time.Time) inbound.Request {
		h := http.Header{}
		h.Set(signature.HeaderSignature, signature.Header(body, secret, ts.Unix()))
		return inbound.Request{Source: "acme", Method: http.MethodPost, URL: "https://api.example/webhooks/acme", Headers: h, Body: body}
	}

	if _, err := proc.Process(ctx, req(t0.Add(-4*time.Minute))); !fault.Is(err, fault.KindAuthentication) {
		t.Fatalf("signature older than max age: expected authentication error, got %v", err)
	}
	res, err := proc.Process(ctx, req(t0.Add(-30*time.Second)))
	if err != nil {
		t.Fatalf("fresh signature: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
}

func TestProcess_ValidationFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for name, body := range map[string]string{
		"not json":     `{broken`,
		"not object":   `[1,2]`,
		"missing id":   `{"event_type":"payment.captured"}`,
		"missing type": `{"event_id":"v-1"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.proc.Process(ctx, f.signed("psp", []byte(body)))
			if !fault.Is(err, fault.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if fault.HTTPStatus(err) != http.StatusBadRequest {
				t.Fatalf("expected 400 mapping, got %d", fault.HTTPStatus(err))
			}
		})
	}

	if _, err := f.proc.Process(ctx, f.signed("nobody", genericBody("x", "y"))); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected validation error for unknown source, got %v", err)
	}
}

func TestProcess_SchemaValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	src := inbound.GenericSource("strict", secret, 0, f.clock)
	src.Schema = json.RawMessage(`{
		"type": "object",
		"required": ["event_id", "event_type", "data"],
		"properties": {"data": {"type": "object", "required": ["amount"]}}
	}`)
	if err := f.proc.AddSource(src); err != nil {
		t.Fatal(err)
	}

	if _, err := f.proc.Process(ctx, f.signed("strict", genericBody("s-1", event.TypePaymentCaptured))); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}

	bad := []byte(`{"event_id":"s-2","event_type":"payment.captured","data":{}}`)
	if _, err := f.proc.Process(ctx, f.signed("strict", bad)); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
}

func TestProcess_UnknownTypeIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.proc.Process(ctx, f.signed("psp", genericBody("v-unk", "subscription.renewed")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != event.StatusIgnored || res.Type != event.TypeUnknown {
		t.Fatalf("expected ignored unknown, got %+v", res)
	}
	if f.calls.Load() != 0 {
		t.Fatal("unknown type must not be dispatched")
	}
	evt, _ := f.store.GetEvent(ctx, res.EventID)
	if evt.VendorType != "subscription.renewed" {
		t.Fatalf("vendor type not kept: %q", evt.VendorType)
	}
}

func TestProcess_NoHandlerIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.proc.Process(ctx, f.signed("psp", genericBody("v-fraud", event.TypeFraudDetected)))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != event.StatusIgnored {
		t.Fatalf("expected ignored without handler, got %q", res.Status)
	}
}

func TestProcess_HandlerFailureIsGeneric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.proc.Handlers().Register(event.TypeDisputeCreated, inbound.HandlerFunc(func(context.Context, *event.Event) (any, error) {
		return nil, errors.New("db password is hunter2")
	}))
	f.proc.Handlers().RegisterFamily(event.FamilyFraud, inbound.HandlerFunc(func(context.Context, *event.Event) (any, error) {
		panic("nil map")
	}))

	for _, typ := range []string{event.TypeDisputeCreated, event.TypeFraudDetected} {
		res, err := f.proc.Process(ctx, f.signed("psp", genericBody("v-"+typ, typ)))
		if !errors.Is(err, inbound.ErrInternal) {
			t.Fatalf("%s: expected ErrInternal, got %v", typ, err)
		}
		if res.StatusCode != http.StatusInternalServerError || res.Output != nil {
			t.Fatalf("%s: unexpected result %+v", typ, res)
		}

		evt, _ := f.store.GetEvent(ctx, res.EventID)
		if evt.Status != event.StatusFailed || evt.LastError == "" {
			t.Fatalf("%s: failure not recorded: %+v", typ, evt)
		}
	}
}

func TestProcess_StripeAndAdyen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stripeBody := []byte(`{"id":"evt_1","type":"charge.refunded","livemode":false,"data":{"object":{"id":"ch_1"}}}`)
	req := inbound.Request{Source: "stripe", Headers: http.Header{}, Body: stripeBody}
	req.Headers.Set("Stripe-Signature", signature.Header(stripeBody, secret, t0.Unix()))

	res, err := f.proc.Process(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	evt, _ := f.store.GetEvent(ctx, res.EventID)
	if evt.Type != event.TypePaymentRefunded || evt.PaymentID != "ch_1" || !evt.Test {
		t.Fatalf("unexpected stripe mapping: %+v", evt)
	}

	adyenBody := []byte(`{"live":"true","notificationItems":[{"NotificationRequestItem":{"eventCode":"CHARGEBACK","pspReference":"psp_9","originalReference":"pay_9"}}]}`)
	req = inbound.Request{Source: "adyen", Headers: http.Header{}, Body: adyenBody}
	req.Headers.Set("X-Adyen-Signature", signature.SignSHA512(adyenBody, secret))

	res, err = f.proc.Process(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	evt, _ = f.store.GetEvent(ctx, res.EventID)
	if evt.Type != event.TypeChargebackCreated || evt.VendorEventID != "psp_9:CHARGEBACK" || evt.Test {
		t.Fatalf("unexpected adyen mapping: %+v", evt)
	}
	if evt.IdempotencyKey != "adyen:psp_9:CHARGEBACK" {
		t.Fatalf("unexpected idempotency key %q", evt.IdempotencyKey)
	}
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	orig, err := f.proc.Process(ctx, f.signed("psp", genericBody("v-replay", event.TypePaymentSettled)))
	if err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(time.Hour)
	res, err := f.proc.Replay(ctx, orig.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if res.EventID == orig.EventID || res.Status != event.StatusProcessed {
		t.Fatalf("unexpected replay result: %+v", res)
	}
	if f.calls.Load() != 2 {
		t.Fatalf("expected handler to run twice, ran %d", f.calls.Load())
	}

	replay, _ := f.store.GetEvent(ctx, res.EventID)
	if replay.Metadata[event.MetaReplayOf] != orig.EventID.String() {
		t.Fatalf("missing lineage: %v", replay.Metadata)
	}
	if replay.Metadata[event.MetaReplayedAt] != t0.Add(time.Hour).Format(time.RFC3339) {
		t.Fatalf("unexpected replayed_at: %q", replay.Metadata[event.MetaReplayedAt])
	}
	if replay.IdempotencyKey != "" {
		t.Fatal("replay must not carry an idempotency key")
	}

	// Replays can be repeated.
	if _, err := f.proc.Replay(ctx, orig.EventID); err != nil {
		t.Fatalf("second replay: %v", err)
	}
}

func TestReplay_RejectsOutbound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out := &event.Event{ID: mustEventID(), Direction: event.DirectionOutbound, Status: event.StatusDelivered}
	if err := f.store.CreateEvent(ctx, out); err != nil {
		t.Fatal(err)
	}
	if _, err := f.proc.Replay(ctx, out.ID); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.proc.Replay(ctx, mustEventID()); !errors.Is(err, event.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
