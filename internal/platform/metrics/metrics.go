// Package metrics holds the daemon's prometheus collectors. Everything is
// registered once on first use; recording helpers are safe from any
// goroutine.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Frame dispatch outcomes.
const (
	FrameDelivered = "delivered"
	FrameOrphaned  = "orphaned"
	FrameMalformed = "malformed"
)

// Request kinds written to the engine.
const (
	KindSingle = "single"
	KindStream = "stream"
)

var (
	registerOnce sync.Once

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "mux",
			Name:      "frames_total",
			Help:      "Engine response frames by dispatch outcome.",
		},
		[]string{"outcome"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "mux",
			Name:      "pending_requests",
			Help:      "Correlation ids currently awaiting a response.",
		},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "mux",
			Name:      "sessions_active",
			Help:      "Fan-out sessions currently open.",
		},
	)
	requestsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "mux",
			Name:      "requests_written_total",
			Help:      "Request lines written to the engine.",
		},
		[]string{"kind"},
	)
	writeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "mux",
			Name:      "write_errors_total",
			Help:      "Failed writes to the engine stdin.",
		},
	)
	engineExits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "engine",
			Name:      "exits_total",
			Help:      "Times the backing engine process exited.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

func register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesTotal, pendingRequests, sessionsActive,
			requestsWritten, writeErrors, engineExits,
			httpRequests, httpDuration,
		)
	})
}

func RecordFrame(outcome string) {
	register()
	framesTotal.WithLabelValues(outcome).Inc()
}

func PendingAdd(delta int) {
	register()
	pendingRequests.Add(float64(delta))
}

func SessionsAdd(delta int) {
	register()
	sessionsActive.Add(float64(delta))
}

func RecordRequestWritten(kind string) {
	register()
	requestsWritten.WithLabelValues(kind).Inc()
}

func RecordWriteError() {
	register()
	writeErrors.Inc()
}

func RecordEngineExit() {
	register()
	engineExits.Inc()
}

func RecordHTTPRequest(route string, status int, duration time.Duration) {
	register()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(route, statusLabel).Inc()
	httpDuration.WithLabelValues(route, statusLabel).Observe(duration.Seconds())
}
