// Package metrics exposes the fixed, named Prometheus collectors for the
// execution core: a package-level Registry plus package functions for
// recording well-known measurements.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "soar",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soar",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "soar",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soar",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total number of events appended to the durable stream.",
		},
		[]string{"type"},
	)

	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soar",
			Subsystem: "events",
			Name:      "consumed_total",
			Help:      "Total number of events handed to a consumer group.",
		},
		[]string{"group", "result"},
	)

	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soar",
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total number of jobs enqueued.",
		},
		[]string{"kind"},
	)

	jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soar",
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Total number of jobs that finished, by terminal status.",
		},
		[]string{"kind", "status"},
	)

	jobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "soar",
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Number of jobs currently pending or in-flight, by kind.",
		},
		[]string{"kind"},
	)

	executionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soar",
			Subsystem: "executions",
			Name:      "started_total",
			Help:      "Total number of playbook executions started.",
		},
		[]string{"playbook_id"},
	)

	executionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "soar",
			Subsystem: "executions",
			Name:      "finished_total",
			Help:      "Total number of playbook executions that reached a terminal state.",
		},
		[]string{"playbook_id", "status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "soar",
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of playbook executions.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"playbook_id", "status"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "soar",
			Subsystem: "steps",
			Name:      "duration_seconds",
			Help:      "Duration of individual playbook step executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"action", "status"},
	)

	liveChannelConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "soar",
			Subsystem: "live",
			Name:      "connections",
			Help:      "Current number of open live progress channel connections.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		eventsPublished,
		eventsConsumed,
		jobsEnqueued,
		jobsCompleted,
		jobQueueDepth,
		executionsStarted,
		executionsFinished,
		executionDuration,
		stepDuration,
		liveChannelConnections,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordEventPublished increments the count of events appended to the stream.
func RecordEventPublished(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventConsumed records a consumer-group delivery outcome (ok|nack).
func RecordEventConsumed(group, result string) {
	if group == "" {
		group = "unknown"
	}
	if result == "" {
		result = "unknown"
	}
	eventsConsumed.WithLabelValues(group, result).Inc()
}

// RecordJobEnqueued increments the enqueue count for a job kind.
func RecordJobEnqueued(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	jobsEnqueued.WithLabelValues(kind).Inc()
}

// RecordJobCompleted records a job attempt's outcome (succeeded|retry|dead_letter).
func RecordJobCompleted(kind, status string) {
	if kind == "" {
		kind = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	jobsCompleted.WithLabelValues(kind, status).Inc()
}

// SetJobQueueDepth publishes the current depth of a job kind's queue.
func SetJobQueueDepth(kind string, depth int) {
	if kind == "" {
		kind = "unknown"
	}
	jobQueueDepth.WithLabelValues(kind).Set(float64(depth))
}

// RecordExecutionStarted increments the started-execution counter for a playbook.
func RecordExecutionStarted(playbookID string) {
	if playbookID == "" {
		playbookID = "unknown"
	}
	executionsStarted.WithLabelValues(playbookID).Inc()
}

// RecordExecutionFinished records a playbook execution's terminal status and duration.
func RecordExecutionFinished(playbookID, status string, duration time.Duration) {
	if playbookID == "" {
		playbookID = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	if duration < 0 {
		duration = 0
	}
	executionsFinished.WithLabelValues(playbookID, status).Inc()
	executionDuration.WithLabelValues(playbookID, status).Observe(duration.Seconds())
}

// RecordStepDuration records a single step's duration and outcome.
func RecordStepDuration(action, status string, duration time.Duration) {
	if action == "" {
		action = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	if duration < 0 {
		duration = 0
	}
	stepDuration.WithLabelValues(action, status).Observe(duration.Seconds())
}

// SetLiveChannelConnections publishes the current open-connection count.
func SetLiveChannelConnections(n int) {
	liveChannelConnections.Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters so /metrics cardinality stays
// bounded regardless of how many distinct ids are served.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 {
		return "/"
	}
	return "/" + parts[0]
}
