package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the newsletter service
type Metrics struct {
	// Subscriber lifecycle
	SignupsTotal *prometheus.CounterVec // by resulting state
	EventsTotal  *prometheus.CounterVec // by event type

	// Welcome email dispatch
	EmailsSentTotal     prometheus.Counter
	EmailsFailedTotal   prometheus.Counter
	EmailsDeferredTotal prometheus.Counter
	MailQueueDepth      prometheus.Gauge

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec // by scope

	// HTTP
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SignupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsletter_signups_total",
				Help: "Total number of processed signup requests",
			},
			[]string{"state"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsletter_events_total",
				Help: "Total number of recorded analytics events",
			},
			[]string{"type"},
		),
		EmailsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "newsletter_emails_sent_total",
				Help: "Total number of welcome emails delivered",
			},
		),
		EmailsFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "newsletter_emails_failed_total",
				Help: "Total number of welcome emails that failed permanently",
			},
		),
		EmailsDeferredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "newsletter_emails_deferred_total",
				Help: "Total number of welcome emails deferred for retry",
			},
		),
		MailQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "newsletter_mail_queue_depth",
				Help: "Number of pending and deferred welcome emails",
			},
		),
		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsletter_rate_limit_exceeded_total",
				Help: "Total number of rate limited requests",
			},
			[]string{"scope"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsletter_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsletter_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.SignupsTotal,
		m.EventsTotal,
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.EmailsDeferredTotal,
		m.MailQueueDepth,
		m.RateLimitExceededTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance, nil when metrics are disabled
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}
