package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Frame directions.
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// Frame results.
const (
	ResultSent      = "sent"
	ResultQueued    = "queued"
	ResultDropped   = "dropped"
	ResultEvicted   = "evicted"
	ResultRejected  = "rejected"
	ResultApplied   = "applied"
	ResultChecksum  = "checksum"
	ResultMalformed = "malformed"
	ResultOverflow  = "overflow"
	ResultForeign   = "foreign"
	ResultStore     = "store_error"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "serialsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialsync",
			Name:      "frames_total",
			Help:      "Frames handled by the bridge, by direction and outcome.",
		},
		[]string{"node", "direction", "result"},
	)
	linkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "serialsync",
			Name:      "link_transitions_total",
			Help:      "Serial link state transitions, by target state.",
		},
		[]string{"node", "state"},
	)
	linkState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "serialsync",
			Name:      "link_state",
			Help:      "Current serial link state (0 disconnected, 1 connecting, 2 connected, 3 degraded).",
		},
		[]string{"node"},
	)
	pendingDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "serialsync",
			Name:      "pending_updates",
			Help:      "Outbound updates waiting for the link.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, frames, linkTransitions, linkState, pendingDepth)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(node, direction, result string) {
	RegisterMetrics()
	frames.WithLabelValues(node, direction, result).Inc()
}

// RecordLinkState counts a transition into state and updates the gauge.
func RecordLinkState(node, state string, value int) {
	RegisterMetrics()
	linkTransitions.WithLabelValues(node, state).Inc()
	linkState.WithLabelValues(node).Set(float64(value))
}

func SetPendingDepth(node string, depth int) {
	RegisterMetrics()
	pendingDepth.WithLabelValues(node).Set(float64(depth))
}
