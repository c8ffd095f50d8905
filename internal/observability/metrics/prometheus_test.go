package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Observe(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ObserveWrite("medical_records", "insert", time.Now(), nil)
	m.ObserveWrite("medical_records", "insert", time.Now(), errors.New("boom"))
	m.ObserveAction("login", nil)
	m.ObserveAnalysis("analyze-report", errors.New("down"))

	if got := testutil.ToFloat64(m.DocumentWrites.WithLabelValues("medical_records", "insert", "ok")); got != 1 {
		t.Fatalf("expected 1 ok write, got %v", got)
	}
	if got := testutil.ToFloat64(m.DocumentWrites.WithLabelValues("medical_records", "insert", "error")); got != 1 {
		t.Fatalf("expected 1 failed write, got %v", got)
	}
	if got := testutil.ToFloat64(m.AnalysisRequests.WithLabelValues("analyze-report", "error")); got != 1 {
		t.Fatalf("expected 1 failed analysis call, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveWrite("appointments", "delete", time.Now(), nil)
	m.ObserveAction("logout", nil)
	m.ObserveAnalysis("disease-trends", nil)
}

func TestMetrics_BreakerState(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.SetBreakerState("analysis", "open")
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("analysis")); got != 1 {
		t.Fatalf("open should be 1, got %v", got)
	}
	m.SetBreakerState("analysis", "half-open")
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("analysis")); got != 2 {
		t.Fatalf("half-open should be 2, got %v", got)
	}
	m.SetBreakerState("analysis", "closed")
	if got := testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("analysis")); got != 0 {
		t.Fatalf("closed should be 0, got %v", got)
	}

	var none *Metrics
	none.SetBreakerState("analysis", "open")
}
