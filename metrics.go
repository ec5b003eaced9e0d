package compliance

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by interceptors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Messages        *prometheus.CounterVec
	ForwardErrors   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
}

const (
	directionClientToServer = "client_to_server"
	directionServerToClient = "server_to_client"
)

// NewMetrics creates the interceptor collectors and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_compliance_messages_total",
				Help: "JSON-RPC messages observed by the interceptor",
			},
			[]string{"transport", "direction"},
		),
		ForwardErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcp_compliance_forward_errors_total",
				Help: "Requests that could not be forwarded to the target server",
			},
			[]string{"transport", "method"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcp_compliance_request_duration_seconds",
				Help:    "Duration of proxied HTTP requests, streams included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport", "method"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcp_compliance_active_sessions",
				Help: "Streamable HTTP sessions currently tracked",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Messages, m.ForwardErrors, m.RequestDuration, m.ActiveSessions)
	}
	return m
}

func (m *Metrics) observeMessage(t Transport, direction string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(string(t), direction).Inc()
}

func (m *Metrics) forwardError(t Transport, method string) {
	if m == nil {
		return
	}
	m.ForwardErrors.WithLabelValues(string(t), method).Inc()
}

func (m *Metrics) observeRequest(t Transport, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(string(t), method).Observe(d.Seconds())
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
