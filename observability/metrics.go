package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments for hookrelay. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	EventsSentTotal     prometheus.Counter
	DeliveriesTotal     *prometheus.CounterVec
	DeliveryLatency     prometheus.Histogram
	RetryClaimedTotal   prometheus.Counter
	CircuitTransitions  *prometheus.CounterVec
	CircuitOpen         *prometheus.GaugeVec
	DLQSize             prometheus.Gauge
	DLQEvictedTotal     prometheus.Counter
	DLQRetriesTotal     *prometheus.CounterVec
	InboundEventsTotal  *prometheus.CounterVec
	InboundHandlerFails prometheus.Counter
}

// NewMetrics creates and registers the instruments on reg. A nil reg uses a
// fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		EventsSentTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hookrelay_events_sent_total",
			Help: "Outbound events accepted for delivery.",
		}),
		DeliveriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hookrelay_deliveries_total",
			Help: "Delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hookrelay_delivery_latency_seconds",
			Help:    "Latency of outbound webhook requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		RetryClaimedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hookrelay_retry_claimed_total",
			Help: "Events claimed by the retry scheduler.",
		}),
		CircuitTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hookrelay_circuit_transitions_total",
			Help: "Circuit breaker state changes by target state.",
		}, []string{"to"}),
		CircuitOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hookrelay_circuit_open",
			Help: "1 while the destination's circuit is not closed.",
		}, []string{"destination"}),
		DLQSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "hookrelay_dlq_size",
			Help: "Messages currently held in the dead letter queue.",
		}),
		DLQEvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hookrelay_dlq_evicted_total",
			Help: "Messages evicted because the dead letter queue was full.",
		}),
		DLQRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hookrelay_dlq_retries_total",
			Help: "Dead letter retries by outcome.",
		}, []string{"outcome"}),
		InboundEventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hookrelay_inbound_events_total",
			Help: "Inbound webhooks by source and outcome.",
		}, []string{"source", "outcome"}),
		InboundHandlerFails: f.NewCounter(prometheus.CounterOpts{
			Name: "hookrelay_inbound_handler_failures_total",
			Help: "Inbound handler errors and panics.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordSent counts an accepted outbound event.
func (m *Metrics) RecordSent() {
	if m == nil {
		return
	}
	m.EventsSentTotal.Inc()
}

// RecordDelivery records a delivery attempt with the given outcome and latency.
func (m *Metrics) RecordDelivery(outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
	if latencySeconds > 0 {
		m.DeliveryLatency.Observe(latencySeconds)
	}
}

// RecordClaimed counts events claimed by one retry run.
func (m *Metrics) RecordClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RetryClaimedTotal.Add(float64(n))
}

// RecordCircuit tracks a breaker state change.
func (m *Metrics) RecordCircuit(destination, to string) {
	if m == nil {
		return
	}
	m.CircuitTransitions.WithLabelValues(to).Inc()
	if to == "closed" {
		m.CircuitOpen.WithLabelValues(destination).Set(0)
		return
	}
	m.CircuitOpen.WithLabelValues(destination).Set(1)
}

// SetDLQSize reports the current dead letter queue size.
func (m *Metrics) SetDLQSize(n int64) {
	if m == nil {
		return
	}
	m.DLQSize.Set(float64(n))
}

// RecordEviction counts dead letter evictions.
func (m *Metrics) RecordEviction(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DLQEvictedTotal.Add(float64(n))
}

// RecordDLQRetry counts one dead letter retry.
func (m *Metrics) RecordDLQRetry(outcome string) {
	if m == nil {
		return
	}
	m.DLQRetriesTotal.WithLabelValues(outcome).Inc()
}

// RecordInbound counts one inbound webhook.
func (m *Metrics) RecordInbound(source, outcome string) {
	if m == nil {
		return
	}
	m.InboundEventsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordHandlerFailure counts a failed or panicking inbound handler.
func (m *Metrics) RecordHandlerFailure() {
	if m == nil {
		return
	}
	m.InboundHandlerFails.Inc()
}
