// Package metrics exposes gateway counters and gauges for Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wuzapi-ai-gateway/internal/apperr"
	"wuzapi-ai-gateway/internal/models"
)

const namespace = "gateway"

type Metrics struct {
	registry *prometheus.Registry

	providerRequests   *prometheus.CounterVec
	providerLatency    *prometheus.HistogramVec
	messages           *prometheus.CounterVec
	sessionTransitions *prometheus.CounterVec
	sessions           *prometheus.GaugeVec
	completionLatency  *prometheus.HistogramVec
	webhookEvents      *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Relay provider requests by operation and outcome.",
		}, []string{"provider", "op", "result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_seconds",
			Help:      "Relay provider request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages by direction and outcome.",
		}, []string{"direction", "result"}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session status transitions.",
		}, []string{"from", "to"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Sessions by status.",
		}, []string{"status"}),
		completionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_seconds",
			Help:      "Completion round-trip latency.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 120},
		}, []string{"result"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook events by kind.",
		}, []string{"event"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.providerRequests,
		m.providerLatency,
		m.messages,
		m.sessionTransitions,
		m.sessions,
		m.completionLatency,
		m.webhookEvents,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveProviderRequest implements provider.RequestObserver.
func (m *Metrics) ObserveProviderRequest(providerName, op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(providerName, op, result(err)).Inc()
	m.providerLatency.WithLabelValues(providerName, op).Observe(elapsed.Seconds())
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(string(models.DirectionIncoming), "ok").Inc()
}

func (m *Metrics) MessageSent(err error) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(string(models.DirectionOutgoing), result(err)).Inc()
}

func (m *Metrics) SessionTransition(from, to models.SessionStatus) {
	if m == nil {
		return
	}
	m.sessionTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// SetSessionCounts replaces the per-status gauges. Statuses missing from
// counts are reported as zero.
func (m *Metrics) SetSessionCounts(counts map[models.SessionStatus]int64) {
	if m == nil {
		return
	}
	for _, s := range models.AllStatuses {
		m.sessions.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Metrics) ObserveCompletion(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.completionLatency.WithLabelValues(result(err)).Observe(elapsed.Seconds())
}

func (m *Metrics) WebhookEvent(kind string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(kind).Inc()
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return string(apperr.KindOf(err))
}
