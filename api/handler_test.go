package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/hookrelay"
	"github.com/xraph/hookrelay/api"
	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/inbound"
	"github.com/xraph/hookrelay/observability"
	"github.com/xraph/hookrelay/signature"
	"github.com/xraph/hookrelay/store/memory"
)

const secret = "whsec_api_test"

type fixture struct {
	srv   *httptest.Server
	relay *hookrelay.Relay
	clock *clock.Manual
}

// newFixture creates a Handler backed by a memory store and returns the test server.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	c := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r, err := hookrelay.New(
		hookrelay.WithStore(memory.New()),
		hookrelay.WithClock(c),
		hookrelay.WithSecret(secret),
		hookrelay.WithMetrics(observability.NewMetrics(prometheus.NewRegistry())),
		hookrelay.WithSource(inbound.GenericSource("psp", secret, 0, c)),
		hookrelay.WithFamilyHandler(event.FamilyPayment, inbound.HandlerFunc(func(_ context.Context, evt *event.Event) (any, error) {
			return map[string]string{"handled": evt.Type}, nil
		})),
		hookrelay.WithFamilyHandler(event.FamilyFraud, inbound.HandlerFunc(func(context.Context, *event.Event) (any, error) {
			return nil, io.ErrUnexpectedEOF
		})),
	)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(api.NewHandler(r, slog.Default()))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, relay: r, clock: c}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, f.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func (f *fixture) webhook(t *testing.T, vendorID, typ string) *http.Response {
	t.Helper()
	body := []byte(`{"event_id":"` + vendorID + `","event_type":"` + typ + `","payment_id":"pay_1","data":{}}`)
	h := http.Header{}
	h.Set(signature.HeaderSignature, signature.Header(body, secret, f.clock.Now().Unix()))
	return f.do(t, http.MethodPost, "/webhooks/psp", body, h)
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, b)
	}
}

// --- Inbound ---

func TestWebhook_ProcessAndDuplicate(t *testing.T) {
	f := newFixture(t)

	resp := f.webhook(t, "v-1", event.TypePaymentCaptured)
	expectStatus(t, resp, http.StatusOK)
	var first map[string]any
	decodeBody(t, resp, &first)
	if first["status"] != string(event.StatusProcessed) {
		t.Fatalf("unexpected result: %v", first)
	}
	if out, _ := first["result"].(map[string]any); out["handled"] != event.TypePaymentCaptured {
		t.Fatalf("handler output missing: %v", first)
	}

	resp = f.webhook(t, "v-1", event.TypePaymentCaptured)
	expectStatus(t, resp, http.StatusOK)
	var dup map[string]any
	decodeBody(t, resp, &dup)
	if dup["duplicate"] != true || dup["event_id"] != first["event_id"] {
		t.Fatalf("expected duplicate of %v, got %v", first["event_id"], dup)
	}
}

func TestWebhook_Errors(t *testing.T) {
	f := newFixture(t)

	// Bad signature.
	h := http.Header{}
	h.Set(signature.HeaderSignature, "t=1,v1=deadbeef")
	resp := f.do(t, http.MethodPost, "/webhooks/psp", []byte(`{}`), h)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	// Malformed payload.
	body := []byte(`{"event_id":`)
	h.Set(signature.HeaderSignature, signature.Header(body, secret, f.clock.Now().Unix()))
	resp = f.do(t, http.MethodPost, "/webhooks/psp", body, h)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	// Unknown source.
	resp = f.do(t, http.MethodPost, "/webhooks/nobody", []byte(`{}`), nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	// Handler failure is generic.
	resp = f.webhook(t, "v-fraud", event.TypeFraudDetected)
	expectStatus(t, resp, http.StatusInternalServerError)
	var errBody map[string]string
	decodeBody(t, resp, &errBody)
	if errBody["error"] != "internal error" || strings.Contains(errBody["error"], "EOF") {
		t.Fatalf("handler error leaked: %v", errBody)
	}
}

// canonicalFixture serves a source that verifies the full request signature,
// which covers the host and path of the URL.
func canonicalFixture(t *testing.T, opts ...api.HandlerOption) (*httptest.Server, *clock.Manual) {
	t.Helper()
	c := clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	r, err := hookrelay.New(
		hookrelay.WithStore(memory.New()),
		hookrelay.WithClock(c),
		hookrelay.WithSource(inbound.Source{
			Name:    "canon",
			Scheme:  signature.RequestScheme{Secret: secret},
			Parser:  inbound.GenericParser(),
			Mapping: inbound.GenericMapping(),
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(api.NewHandler(r, slog.Default(), opts...))
	t.Cleanup(srv.Close)
	return srv, c
}

func postSigned(t *testing.T, srv *httptest.Server, signedURL string, ts int64, extra http.Header) *http.Response {
	t.Helper()
	body := []byte(`{"event_id":"v-canon","event_type":"payment.captured","payment_id":"pay_1"}`)
	sig, err := signature.SignRequest(secret, http.MethodPost, signedURL, http.Header{}, body, ts)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL+"/webhooks/canon", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(signature.HeaderRequestSignature, sig)
	req.Header.Set(signature.HeaderTimestamp, strconv.FormatInt(ts, 10))
	for k, v := range extra {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestWebhook_ForwardedHeadersIgnoredByDefault(t *testing.T) {
	srv, c := canonicalFixture(t)
	ts := c.Now().Unix()

	// Signed for another host; a client-supplied proto must not redirect verification there.
	fwd := http.Header{}
	fwd.Set("X-Forwarded-Proto", "https://other.example/webhooks/canon?")
	resp := postSigned(t, srv, "https://other.example/webhooks/canon", ts, fwd)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	fwd = http.Header{}
	fwd.Set("X-Forwarded-Host", "other.example")
	resp = postSigned(t, srv, "https://other.example/webhooks/canon", ts, fwd)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = postSigned(t, srv, srv.URL+"/webhooks/canon", ts, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestWebhook_TrustedProxy(t *testing.T) {
	srv, c := canonicalFixture(t, api.WithTrustedProxy())

	fwd := http.Header{}
	fwd.Set("X-Forwarded-Proto", "https")
	fwd.Set("X-Forwarded-Host", "hooks.example")
	resp := postSigned(t, srv, "https://hooks.example/webhooks/canon", c.Now().Unix(), fwd)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

// --- Secrets ---

func TestRotateSecret(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/admin/secrets/Merchant.Example/rotate", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var out map[string]string
	decodeBody(t, resp, &out)
	if out["destination"] != "merchant.example" {
		t.Fatalf("destination = %q", out["destination"])
	}
	if !strings.HasPrefix(out["secret"], signature.SecretPrefix) {
		t.Fatalf("unexpected secret %q", out["secret"])
	}

	resp = f.do(t, http.MethodPost, "/admin/secrets/bad%20host/rotate", nil, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

// --- Events ---

func TestEvents_GetAndReplay(t *testing.T) {
	f := newFixture(t)

	resp := f.webhook(t, "v-2", event.TypePaymentRefunded)
	expectStatus(t, resp, http.StatusOK)
	var res map[string]any
	decodeBody(t, resp, &res)
	evtID, _ := res["event_id"].(string)

	resp = f.do(t, http.MethodGet, "/admin/events/"+evtID, nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var evt map[string]any
	decodeBody(t, resp, &evt)
	if evt["source"] != "psp" {
		t.Fatalf("unexpected event: %v", evt)
	}

	resp = f.do(t, http.MethodPost, "/admin/events/"+evtID+"/replay", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var replayed map[string]any
	decodeBody(t, resp, &replayed)
	if replayed["event_id"] == evtID {
		t.Fatal("replay should create a new event")
	}

	resp = f.do(t, http.MethodGet, "/admin/events?direction=inbound", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var list []map[string]any
	decodeBody(t, resp, &list)
	if len(list) != 2 {
		t.Fatalf("expected 2 events, got %d", len(list))
	}
}

func TestEvents_BadAndMissingIDs(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/admin/events/not-an-id", nil, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/admin/events/evt_01h455vb4pex5vsknk084sn02q", nil, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/admin/events/cleanup?age=nonsense", nil, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/admin/events/cleanup?age=24h", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

// --- Retries and circuits ---

func TestRetriesAndCircuits(t *testing.T) {
	f := newFixture(t)

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dest.Close()

	res, err := f.relay.Send(context.Background(), &event.Event{
		Type:        event.TypePaymentCaptured,
		Destination: dest.URL,
		Payload:     json.RawMessage(`{"amount":1}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodPost, "/admin/events/"+res.Event.ID.String()+"/retry", nil, nil)
	expectStatus(t, resp, http.StatusAccepted)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/admin/retries/run", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var rep map[string]int
	decodeBody(t, resp, &rep)
	if rep["claimed"] != 1 || rep["failed"] != 1 {
		t.Fatalf("unexpected report: %v", rep)
	}

	resp = f.do(t, http.MethodPost, "/admin/retries/force", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/admin/circuits", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var circuits []map[string]any
	decodeBody(t, resp, &circuits)
	if len(circuits) != 1 {
		t.Fatalf("expected one circuit, got %d", len(circuits))
	}
	key, _ := circuits[0]["key"].(string)

	resp = f.do(t, http.MethodPost, "/admin/circuits/"+key+"/reset", nil, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/admin/circuits/unknown.example/reset", nil, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/admin/status", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var st map[string]any
	decodeBody(t, resp, &st)
	if _, ok := st["dlq"]; !ok {
		t.Fatalf("status without dlq section: %v", st)
	}
}

// --- DLQ ---

func TestDLQ_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := &dlq.Message{EventType: event.TypePaymentCaptured, Payload: json.RawMessage(`{"amount":5}`), ErrorType: "manual"}
	if err := f.relay.AddDeadLetter(ctx, m); err != nil {
		t.Fatal(err)
	}

	resp := f.do(t, http.MethodGet, "/admin/dlq", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var list []map[string]any
	decodeBody(t, resp, &list)
	if len(list) != 1 {
		t.Fatalf("expected 1 message, got %d", len(list))
	}

	resp = f.do(t, http.MethodGet, "/admin/dlq/"+m.ID.String(), nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Without a destination the retry fails and is rescheduled.
	resp = f.do(t, http.MethodPost, "/admin/dlq/"+m.ID.String()+"/retry", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var out map[string]string
	decodeBody(t, resp, &out)
	if out["outcome"] != string(dlq.OutcomeRescheduled) {
		t.Fatalf("unexpected outcome: %v", out)
	}

	resp = f.do(t, http.MethodGet, "/admin/dlq/stats", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	var st map[string]any
	decodeBody(t, resp, &st)
	if st["size"] != float64(1) {
		t.Fatalf("unexpected stats: %v", st)
	}

	resp = f.do(t, http.MethodDelete, "/admin/dlq/"+m.ID.String(), nil, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = f.do(t, http.MethodDelete, "/admin/dlq/"+m.ID.String(), nil, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/admin/dlq/cleanup?age=1h", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

// --- Metrics ---

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp := f.webhook(t, "v-3", event.TypePaymentCaptured)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/metrics", nil, nil)
	expectStatus(t, resp, http.StatusOK)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(b, []byte("hookrelay_inbound_events_total")) {
		t.Fatal("inbound counter missing from /metrics")
	}
}
