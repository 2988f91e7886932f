package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	if m.EventsSentTotal == nil || m.DeliveriesTotal == nil || m.DeliveryLatency == nil {
		t.Fatal("delivery instruments should not be nil")
	}
	if m.DLQSize == nil || m.DLQEvictedTotal == nil {
		t.Fatal("dlq instruments should not be nil")
	}
}

func TestRecordDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDelivery("delivered", 0.5)
	m.RecordDelivery("delivered", 1.2)
	m.RecordDelivery("failed", 0.3)

	if got := testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("delivered")); got != 2 {
		t.Fatalf("expected 2 delivered, got %v", got)
	}
	if got := testutil.CollectAndCount(m.DeliveriesTotal); got != 2 {
		t.Fatalf("expected 2 label combinations, got %d", got)
	}
	if got := testutil.CollectAndCount(m.DeliveryLatency); got != 1 {
		t.Fatalf("expected one histogram, got %d", got)
	}
}

func TestRecordCircuit(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCircuit("api.example.com", "open")
	if got := testutil.ToFloat64(m.CircuitOpen.WithLabelValues("api.example.com")); got != 1 {
		t.Fatalf("expected open gauge 1, got %v", got)
	}

	m.RecordCircuit("api.example.com", "closed")
	if got := testutil.ToFloat64(m.CircuitOpen.WithLabelValues("api.example.com")); got != 0 {
		t.Fatalf("expected open gauge 0, got %v", got)
	}
	if got := testutil.ToFloat64(m.CircuitTransitions.WithLabelValues("open")); got != 1 {
		t.Fatalf("expected one transition to open, got %v", got)
	}
}

func TestGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetDLQSize(42)
	m.RecordEviction(3)

	if got := testutil.ToFloat64(m.DLQSize); got != 42 {
		t.Fatalf("expected 42, got %v", got)
	}
	if got := testutil.ToFloat64(m.DLQEvictedTotal); got != 3 {
		t.Fatalf("expected 3 evictions, got %v", got)
	}
}

func TestNilMetricsAndTracer(t *testing.T) {
	var m *Metrics
	m.RecordSent()
	m.RecordDelivery("delivered", 1)
	m.RecordInbound("stripe", "processed")
	m.SetDLQSize(1)

	var tr *Tracer
	ctx, span := tr.StartDeliverySpan(context.Background(), "evt_1", "example.com", 1)
	if ctx == nil || span == nil {
		t.Fatal("nil tracer should return a usable span")
	}
	EndDeliverySpan(span, 500, 10, errors.New("boom"))
}

func TestHandler_ServesRegistry(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordSent()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "hookrelay_events_sent_total 1") {
		t.Fatalf("metric missing from output:\n%s", rec.Body.String())
	}
}
