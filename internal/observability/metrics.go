package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	realtimeSessions      *prometheus.GaugeVec
	realtimeEventsEmitted *prometheus.CounterVec
	realtimeDispatched    *prometheus.CounterVec
	realtimeDispatchTime  *prometheus.HistogramVec
	realtimeRelayed       *prometheus.CounterVec
	realtimeSlowConsumers prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors exposed by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradesync_api_requests_total",
			Help: "Total number of HTTP requests served, by surface (records, health, polling, websocket).",
		}, []string{"surface", "method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradesync_api_latency_seconds",
			Help:    "Latency distribution for short HTTP requests. Long-poll waits are excluded.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"surface", "method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradesync_api_errors_total",
			Help: "Total number of error responses, by surface and status code.",
		}, []string{"surface", "method", "route", "status"})

		realtimeSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gradesync_realtime_sessions",
			Help: "Currently registered realtime sessions by transport.",
		}, []string{"transport"})

		realtimeEventsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradesync_realtime_events_emitted_total",
			Help: "Envelopes queued to sessions by event name.",
		}, []string{"event"})

		realtimeDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradesync_realtime_commands_total",
			Help: "Inbound events dispatched by the hub, by event and outcome.",
		}, []string{"event", "outcome"})

		realtimeDispatchTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gradesync_realtime_dispatch_seconds",
			Help:    "Time spent handling one inbound event.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"event"})

		realtimeRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gradesync_realtime_relay_total",
			Help: "Emissions exchanged with peer nodes by direction.",
		}, []string{"direction"})

		realtimeSlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gradesync_realtime_slow_consumers_total",
			Help: "Sessions closed because their outbox was full.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			realtimeSessions, realtimeEventsEmitted, realtimeDispatched,
			realtimeDispatchTime, realtimeRelayed, realtimeSlowConsumers,
		)
	})
}

// APIRequests exposes the HTTP request counter.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the HTTP latency histogram.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the HTTP error response counter.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// RealtimeSessions exposes the live session gauge.
func RealtimeSessions() *prometheus.GaugeVec {
	RegisterMetrics()
	return realtimeSessions
}

// RealtimeEventsEmitted counts envelopes delivered to outboxes.
func RealtimeEventsEmitted() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeEventsEmitted
}

// RealtimeDispatched counts handled inbound events.
func RealtimeDispatched() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeDispatched
}

// RealtimeDispatchLatency observes handler execution time.
func RealtimeDispatchLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return realtimeDispatchTime
}

// RealtimeRelayed counts emissions published to or received from peers.
func RealtimeRelayed() *prometheus.CounterVec {
	RegisterMetrics()
	return realtimeRelayed
}

// RealtimeSlowConsumers counts sessions dropped for falling behind.
func RealtimeSlowConsumers() prometheus.Counter {
	RegisterMetrics()
	return realtimeSlowConsumers
}
