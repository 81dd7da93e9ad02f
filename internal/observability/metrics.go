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
			Namespace: "pulsectl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pulsectl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsectl",
			Subsystem: "session",
			Name:      "connections_open",
			Help:      "Currently open protocol connections.",
		},
	)
	connectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsectl",
			Subsystem: "session",
			Name:      "connections_total",
			Help:      "Total accepted protocol connections.",
		},
	)
	clientMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsectl",
			Subsystem: "session",
			Name:      "client_messages_total",
			Help:      "Client protocol messages by wire type.",
		},
		[]string{"type"},
	)
	serverMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsectl",
			Subsystem: "session",
			Name:      "server_messages_total",
			Help:      "Server protocol messages by wire type.",
		},
		[]string{"type"},
	)
	subscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsectl",
			Subsystem: "session",
			Name:      "subscriptions_active",
			Help:      "Currently registered subscriptions across all connections.",
		},
	)
	subscriptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsectl",
			Subsystem: "session",
			Name:      "subscriptions_total",
			Help:      "Total subscriptions registered.",
		},
	)
	parseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsectl",
			Subsystem: "session",
			Name:      "parse_errors_total",
			Help:      "Client frames rejected by the codec.",
		},
	)
	transportFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pulsectl",
			Subsystem: "session",
			Name:      "transport_faults_total",
			Help:      "Connections torn down by transport failure.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connectionsOpen,
			connectionsTotal,
			clientMessages,
			serverMessages,
			subscriptionsActive,
			subscriptionsTotal,
			parseErrors,
			transportFaults,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnectionOpened() {
	RegisterMetrics()
	connectionsTotal.Inc()
	connectionsOpen.Inc()
}

func RecordConnectionClosed() {
	RegisterMetrics()
	connectionsOpen.Dec()
}

func RecordClientMessage(wireType string) {
	RegisterMetrics()
	clientMessages.WithLabelValues(wireType).Inc()
}

func RecordServerMessage(wireType string) {
	RegisterMetrics()
	serverMessages.WithLabelValues(wireType).Inc()
}

func RecordSubscriptionStarted() {
	RegisterMetrics()
	subscriptionsTotal.Inc()
	subscriptionsActive.Inc()
}

func RecordSubscriptionEnded() {
	RegisterMetrics()
	subscriptionsActive.Dec()
}

func RecordParseError() {
	RegisterMetrics()
	parseErrors.Inc()
}

func RecordTransportFault() {
	RegisterMetrics()
	transportFaults.Inc()
}
