// internal/metrics/metrics.go
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type DealMetrics struct {
	transitions    *prometheus.CounterVec
	providerEvents *prometheus.CounterVec
	providerCalls  *prometheus.CounterVec
	callLatency    *prometheus.HistogramVec
	webhooksDenied *prometheus.CounterVec
	notifyFailures *prometheus.CounterVec
	lois           *prometheus.CounterVec
}

type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	dealOnce     sync.Once
	dealRegistry *DealMetrics

	httpOnce     sync.Once
	httpRegistry *HTTPMetrics
)

// Deal returns the lazily-initialised registry for deal-closing activity.
func Deal() *DealMetrics {
	dealOnce.Do(func() {
		dealRegistry = &DealMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bizmarket",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow status transitions segmented by source and target status.",
			}, []string{"from", "to"}),
			providerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bizmarket",
				Subsystem: "escrow",
				Name:      "provider_events_total",
				Help:      "Provider events consumed, segmented by type and inbox outcome.",
			}, []string{"type", "outcome"}),
			providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bizmarket",
				Subsystem: "escrow",
				Name:      "provider_calls_total",
				Help:      "Outbound provider call attempts segmented by kind and result.",
			}, []string{"kind", "result"}),
			callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bizmarket",
				Subsystem: "escrow",
				Name:      "provider_call_duration_seconds",
				Help:      "Latency distribution for outbound provider calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			webhooksDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bizmarket",
				Subsystem: "escrow",
				Name:      "webhooks_rejected_total",
				Help:      "Webhook deliveries rejected before processing.",
			}, []string{"source", "reason"}),
			notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bizmarket",
				Subsystem: "notifications",
				Name:      "failures_total",
				Help:      "Notifications that could not be persisted.",
			}, []string{"type"}),
			lois: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bizmarket",
				Subsystem: "loi",
				Name:      "transitions_total",
				Help:      "LOI status transitions segmented by target status.",
			}, []string{"to"}),
		}
		prometheus.MustRegister(
			dealRegistry.transitions,
			dealRegistry.providerEvents,
			dealRegistry.providerCalls,
			dealRegistry.callLatency,
			dealRegistry.webhooksDenied,
			dealRegistry.notifyFailures,
			dealRegistry.lois,
		)
	})
	return dealRegistry
}

func (m *DealMetrics) EscrowTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *DealMetrics) ProviderEvent(eventType, outcome string) {
	m.providerEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *DealMetrics) ProviderCall(kind, result string, took time.Duration) {
	m.providerCalls.WithLabelValues(kind, result).Inc()
	m.callLatency.WithLabelValues(kind).Observe(took.Seconds())
}

func (m *DealMetrics) WebhookRejected(source, reason string) {
	m.webhooksDenied.WithLabelValues(source, reason).Inc()
}

func (m *DealMetrics) NotificationFailed(kind string) {
	m.notifyFailures.WithLabelValues(kind).Inc()
}

func (m *DealMetrics) LOITransition(to string) {
	m.lois.WithLabelValues(to).Inc()
}

// HTTP returns the registry for API request metrics.
func HTTP() *HTTPMetrics {
	httpOnce.Do(func() {
		httpRegistry = &HTTPMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "bizmarket",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "API requests segmented by method, route and status code.",
			}, []string{"method", "route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "bizmarket",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API requests.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route"}),
		}
		prometheus.MustRegister(httpRegistry.requests, httpRegistry.latency)
	})
	return httpRegistry
}

func (m *HTTPMetrics) Observe(method, route string, status int, took time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(took.Seconds())
}
