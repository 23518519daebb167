package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Webhook receiver metrics
	WebhookEventTotal *prometheus.CounterVec

	// Reconciliation metrics
	TransitionTotal *prometheus.CounterVec

	// Provider client metrics
	ProviderRequestTotal    *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec

	// Poller metrics
	PollAttemptTotal *prometheus.CounterVec

	// Token issuance metrics
	TokenIssuedTotal      *prometheus.CounterVec
	EntitlementCheckTotal *prometheus.CounterVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		WebhookEventTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of received webhook events",
		}, []string{"type", "outcome"}),

		TransitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lesson_transitions_total",
			Help: "Total number of applied lesson lifecycle transitions",
		}, []string{"from", "to", "source"}),

		ProviderRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of provider API calls",
		}, []string{"operation", "status"}),

		ProviderRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Provider API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		PollAttemptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poll_attempts_total",
			Help: "Total number of status poll attempts",
		}, []string{"outcome"}),

		TokenIssuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_tokens_issued_total",
			Help: "Total number of issued playback tokens",
		}, []string{"audience"}),

		EntitlementCheckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_checks_total",
			Help: "Total number of entitlement resolutions",
		}, []string{"reason"}),
	}

	// Register metrics with the default registry
	registerMetrics(m)

	// Store as global instance
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.WebhookEventTotal)
	registerOrGet(m.TransitionTotal)
	registerOrGet(m.ProviderRequestTotal)
	registerOrGet(m.ProviderRequestDuration)
	registerOrGet(m.PollAttemptTotal)
	registerOrGet(m.TokenIssuedTotal)
	registerOrGet(m.EntitlementCheckTotal)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
