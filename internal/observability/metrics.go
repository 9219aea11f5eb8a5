package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "flowlearn",
			Subsystem: "session",
			Name:      "connected",
			Help:      "1 while the streaming session is connected.",
		},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowlearn",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by target state.",
		},
		[]string{"state"},
	)
	sessionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowlearn",
			Subsystem: "session",
			Name:      "failures_total",
			Help:      "Transport failures by operation.",
		},
		[]string{"op"},
	)
	sessionReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowlearn",
			Subsystem: "session",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled after a failure.",
		},
	)
	routerFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowlearn",
			Subsystem: "router",
			Name:      "frames_total",
			Help:      "Inbound frames by topic and outcome.",
		},
		[]string{"topic", "outcome"},
	)
	subscriptionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowlearn",
			Subsystem: "subscription",
			Name:      "errors_total",
			Help:      "Failed subscribe/unsubscribe operations.",
		},
		[]string{"op"},
	)
	commandRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowlearn",
			Subsystem: "command",
			Name:      "requests_total",
			Help:      "Outbound gateway commands.",
		},
		[]string{"endpoint", "status", "success"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "flowlearn",
			Subsystem: "command",
			Name:      "request_duration_seconds",
			Help:      "Outbound gateway command duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "status", "success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowlearn",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Status server HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionConnected,
			sessionTransitions,
			sessionFailures,
			sessionReconnects,
			routerFrames,
			subscriptionErrors,
			commandRequests,
			commandDuration,
			httpRequests,
		)
	})
}

func RecordSessionState(state string, connected bool) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(state).Inc()
	if connected {
		sessionConnected.Set(1)
	} else {
		sessionConnected.Set(0)
	}
}

func RecordSessionFailure(op string) {
	RegisterMetrics()
	sessionFailures.WithLabelValues(op).Inc()
}

func RecordReconnectScheduled() {
	RegisterMetrics()
	sessionReconnects.Inc()
}

// Frame outcomes.
const (
	OutcomeDispatched   = "dispatched"
	OutcomeUnsubscribed = "unsubscribed"
	OutcomeDecodeError  = "decode_error"
)

func RecordFrame(topic, outcome string) {
	RegisterMetrics()
	routerFrames.WithLabelValues(topic, outcome).Inc()
}

func RecordSubscriptionError(op string) {
	RegisterMetrics()
	subscriptionErrors.WithLabelValues(op).Inc()
}

func RecordCommand(endpoint string, status int, duration time.Duration, success bool) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	successLabel := strconv.FormatBool(success)
	commandRequests.WithLabelValues(endpoint, statusLabel, successLabel).Inc()
	commandDuration.WithLabelValues(endpoint, statusLabel, successLabel).Observe(duration.Seconds())
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
