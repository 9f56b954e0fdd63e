// Package metrics holds the Prometheus collectors signalbox exports. All
// collectors live on a private registry so tests can build as many
// independent instances as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signalbox"

// Send targets for SendFailures.
const (
	TargetSupport    = "support"
	TargetManager    = "manager"
	TargetThread     = "thread"
	TargetMattermost = "mattermost"
)

// Metrics is the set of relay counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	Ingested             prometheus.Counter
	Duplicates           prometheus.Counter
	Queued               prometheus.Counter
	SkippedWorkingHours  prometheus.Counter
	NotificationsSent    prometheus.Counter
	RemindersSent        prometheus.Counter
	Escalations          prometheus.Counter
	Takes                prometheus.Counter
	Releases             prometheus.Counter
	RepliesCaptured      prometheus.Counter
	SendFailures         *prometheus.CounterVec
	PendingItems         prometheus.Gauge
	HTTPRequests         *prometheus.CounterVec
	HTTPRequestDurations *prometheus.HistogramVec
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry:            prometheus.NewRegistry(),
		Ingested:            counter("ingested_total", "Inbound Mattermost posts accepted for processing."),
		Duplicates:          counter("duplicates_total", "Inbound posts rejected as already seen."),
		Queued:              counter("queued_total", "Requests queued for chat notification."),
		SkippedWorkingHours: counter("skipped_working_hours_total", "Requests not relayed because they arrived during working hours."),
		NotificationsSent:   counter("notifications_sent_total", "Notifications posted to the support channel."),
		RemindersSent:       counter("reminders_sent_total", "Reminders posted under open notifications."),
		Escalations:         counter("escalations_total", "Requests escalated to the manager channel."),
		Takes:               counter("takes_total", "Take-work presses that assigned a request."),
		Releases:            counter("releases_total", "Take-work presses that released a request."),
		RepliesCaptured:     counter("replies_captured_total", "Chat replies relayed back to Mattermost."),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound sends that failed, by target.",
		}, []string{"target"}),
		PendingItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_items",
			Help:      "Notifications currently tracked in memory.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method, route and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Ingested, m.Duplicates, m.Queued, m.SkippedWorkingHours,
		m.NotificationsSent, m.RemindersSent, m.Escalations,
		m.Takes, m.Releases, m.RepliesCaptured,
		m.SendFailures, m.PendingItems,
		m.HTTPRequests, m.HTTPRequestDurations,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SendFailed increments the failure counter for target.
func (m *Metrics) SendFailed(target string) {
	m.SendFailures.WithLabelValues(target).Inc()
}
