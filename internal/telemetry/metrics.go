package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maas",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "maas",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "maas",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Playbook queue ----
	PlaybooksCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "maas",
			Subsystem: "playbook",
			Name:      "created_total",
			Help:      "Playbooks signed and enqueued.",
		},
	)

	PlaybooksDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "maas",
			Subsystem: "playbook",
			Name:      "delivered_total",
			Help:      "Playbook deliveries handed to polling nodes.",
		},
	)

	PlaybooksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maas",
			Subsystem: "playbook",
			Name:      "dropped_total",
			Help:      "Queue entries dropped without delivery, by reason.",
		},
		[]string{"reason"},
	)

	PlaybookAcks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "maas",
			Subsystem: "playbook",
			Name:      "acks_total",
			Help:      "Acknowledgments received from nodes.",
		},
	)

	PersistenceDegraded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "maas",
			Name:      "persistence_degraded_total",
			Help:      "Best-effort durable writes or reads that failed.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "maas",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "maas",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		PlaybooksCreated, PlaybooksDelivered, PlaybooksDropped, PlaybookAcks, PersistenceDegraded,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
