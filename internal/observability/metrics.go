package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests on the debug surface.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "simctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	engineRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "engine",
			Name:      "requests_total",
			Help:      "Protocol requests dispatched by the engine.",
		},
		[]string{"kind"},
	)
	engineEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Push events written by the engine sender.",
		},
		[]string{"kind"},
	)
	engineTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "simctl",
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Simulation ticks advanced, including idle synthesis.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, engineRequests, engineEvents, engineTicks)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordEngineRequest(kind string) {
	RegisterMetrics()
	engineRequests.WithLabelValues(kind).Inc()
}

func RecordEngineEvent(kind string) {
	RegisterMetrics()
	engineEvents.WithLabelValues(kind).Inc()
}

func RecordEngineTick() {
	RegisterMetrics()
	engineTicks.Inc()
}
