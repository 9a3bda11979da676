package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wabridge"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "current",
			Help:      "Sessions in the registry by status.",
		},
		[]string{"status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "transitions_total",
			Help:      "Session status transitions by target status and cause.",
		},
		[]string{"status", "cause"},
	)
	pairingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pairing",
			Name:      "requests_total",
			Help:      "Pairing queue requests by outcome.",
		},
		[]string{"outcome"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconnect",
			Name:      "attempts_total",
			Help:      "Reconnection attempts by outcome.",
		},
		[]string{"outcome"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "decisions_total",
			Help:      "Disconnect notification decisions.",
		},
		[]string{"kind", "decision"},
	)
	bridgeInbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "inbound_total",
			Help:      "Inbound messages by outcome.",
		},
		[]string{"outcome"},
	)
	bridgeOutbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "outbound_total",
			Help:      "Outbound sends by result status.",
		},
		[]string{"kind", "status"},
	)
	crmRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "crm",
			Name:      "requests_total",
			Help:      "Requests to the CRM webhooks.",
		},
		[]string{"endpoint", "status", "success"},
	)
	crmDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "crm",
			Name:      "request_duration_seconds",
			Help:      "CRM webhook request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "status", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionsByStatus, sessionTransitions,
			pairingAttempts, reconnectAttempts, notifications,
			bridgeInbound, bridgeOutbound,
			crmRequests, crmDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// SetSessionCounts replaces the per-status gauge values.
func SetSessionCounts(counts map[string]int) {
	RegisterMetrics()
	for status, n := range counts {
		sessionsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func RecordTransition(status, cause string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(status, cause).Inc()
}

func RecordPairingAttempt(outcome string) {
	RegisterMetrics()
	pairingAttempts.WithLabelValues(outcome).Inc()
}

func RecordReconnect(outcome string) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(outcome).Inc()
}

func RecordNotification(kind string, fired bool) {
	RegisterMetrics()
	decision := "suppressed"
	if fired {
		decision = "fired"
	}
	notifications.WithLabelValues(kind, decision).Inc()
}

func RecordInbound(outcome string) {
	RegisterMetrics()
	bridgeInbound.WithLabelValues(outcome).Inc()
}

func RecordOutbound(kind, status string) {
	RegisterMetrics()
	bridgeOutbound.WithLabelValues(kind, status).Inc()
}

func RecordCRMRequest(endpoint string, status int, duration time.Duration, success bool) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	successLabel := strconv.FormatBool(success)
	crmRequests.WithLabelValues(endpoint, statusLabel, successLabel).Inc()
	crmDuration.WithLabelValues(endpoint, statusLabel, successLabel).Observe(duration.Seconds())
}
