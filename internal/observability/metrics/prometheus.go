// Package metrics provides Prometheus metrics for the portfolio service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	DocumentWrites      *prometheus.CounterVec
	WriteDuration       *prometheus.HistogramVec
	ActiveSessions      prometheus.Gauge
	SocketActions       *prometheus.CounterVec
	ChangesPublished    prometheus.Counter
	ChangesConsumed     prometheus.Counter
	OutboxPending       prometheus.Gauge
	AnalysisRequests    *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates the metrics and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates the metrics and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocumentWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curebird_document_writes_total",
			Help: "Document writes by collection, operation and outcome",
		}, []string{"domain", "op", "outcome"}),
		WriteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "curebird_document_write_duration_seconds",
			Help:    "Document write duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"domain"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curebird_dashboard_sessions_active",
			Help: "Open dashboard socket sessions",
		}),
		SocketActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curebird_socket_actions_total",
			Help: "Dashboard actions handled, by action and outcome",
		}, []string{"action", "outcome"}),
		ChangesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curebird_changes_published_total",
			Help: "Collection changes published to the broker",
		}),
		ChangesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "curebird_changes_consumed_total",
			Help: "Collection changes consumed from the broker",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "curebird_outbox_pending_entries",
			Help: "Pending collection outbox entries",
		}),
		AnalysisRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "curebird_analysis_requests_total",
			Help: "Calls to the analysis service, by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "curebird_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.DocumentWrites,
		m.WriteDuration,
		m.ActiveSessions,
		m.SocketActions,
		m.ChangesPublished,
		m.ChangesConsumed,
		m.OutboxPending,
		m.AnalysisRequests,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveWrite records one document write.
func (m *Metrics) ObserveWrite(domain, op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.DocumentWrites.WithLabelValues(domain, op, outcome(err)).Inc()
	m.WriteDuration.WithLabelValues(domain).Observe(time.Since(started).Seconds())
}

// ObserveAction records one dashboard action.
func (m *Metrics) ObserveAction(action string, err error) {
	if m == nil {
		return
	}
	m.SocketActions.WithLabelValues(action, outcome(err)).Inc()
}

// ObserveAnalysis records one analysis service call.
func (m *Metrics) ObserveAnalysis(endpoint string, err error) {
	if m == nil {
		return
	}
	m.AnalysisRequests.WithLabelValues(endpoint, outcome(err)).Inc()
}

// SetBreakerState records a circuit breaker transition. state is one of
// closed, open or half-open.
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
