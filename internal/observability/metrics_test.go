package observability

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cartwheel/internal/domain"
	"cartwheel/internal/saga"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsSplitsFailuresByKind(t *testing.T) {
	metrics := NewMetrics()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	metrics.now = func() time.Time { return now }

	span := metrics.Start("/participant.Participant/Execute")
	now = now.Add(4 * time.Millisecond)
	span.End(nil)

	metrics.Start("/participant.Participant/Execute").End(domain.ErrInsufficientStock)
	metrics.Start("/participant.Participant/Execute").End(errors.New("connection reset"))

	snap := metrics.Snapshot()
	stats := snap.Methods["/participant.Participant/Execute"]
	if stats.Count != 3 {
		t.Fatalf("expected 3 calls, got %d", stats.Count)
	}
	if stats.Errors != 2 {
		t.Fatalf("expected 2 errors, got %d", stats.Errors)
	}
	if stats.Failures["business"] != 1 || stats.Failures["transport"] != 1 {
		t.Fatalf("unexpected failure split: %+v", stats.Failures)
	}
	if stats.MaxLatencyMs != 4 {
		t.Fatalf("expected max latency 4ms, got %v", stats.MaxLatencyMs)
	}
	if stats.InFlight != 0 {
		t.Fatalf("expected 0 inflight, got %d", stats.InFlight)
	}
	if snap.TotalRequests != 3 || snap.TotalErrors != 2 {
		t.Fatalf("unexpected totals: %+v", snap)
	}
}

func TestMetricsTracksRateLimitWait(t *testing.T) {
	metrics := NewMetrics()
	metrics.AddRateLimitWait(50 * time.Millisecond)
	metrics.AddRateLimitWait(25 * time.Millisecond)
	metrics.AddRateLimitWait(0)

	snap := metrics.Snapshot()
	if snap.RateLimitWaits != 2 {
		t.Fatalf("expected 2 waits, got %d", snap.RateLimitWaits)
	}
	if snap.RateLimitWaitMs != 75 {
		t.Fatalf("expected 75ms, got %d", snap.RateLimitWaitMs)
	}
}

func TestMetricsMarkShutdown(t *testing.T) {
	metrics := NewMetrics()
	metrics.MarkShutdown(5)
	snap := metrics.Snapshot()
	if snap.Lifecycle == nil || snap.Lifecycle.InFlightAtShutdown != 5 {
		t.Fatalf("unexpected lifecycle snapshot: %+v", snap.Lifecycle)
	}
}

func TestMetricsNilSafePaths(t *testing.T) {
	var m *Metrics
	m.Start("ignored").End(nil)
	m.MarkShutdown(10)
	m.AddRateLimitWait(time.Second)
}

func TestSagaMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewSagaMetrics(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	m.StepFinished(saga.KindCheckout, "stock", domain.FailureNone, time.Millisecond)
	m.StepFinished(saga.KindCheckout, "payment", domain.FailureBusiness, time.Millisecond)
	m.CompensationFinished(saga.KindCheckout, "stock", true)
	m.SagaFinished(saga.KindCheckout, saga.StatusRolledBack, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("checkout", "rolled_back")); got != 1 {
		t.Fatalf("expected 1 rolled back saga, got %v", got)
	}
	if got := testutil.ToFloat64(m.steps.WithLabelValues("checkout", "payment", "business")); got != 1 {
		t.Fatalf("expected 1 business step failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.compensations.WithLabelValues("checkout", "stock", "ok")); got != 1 {
		t.Fatalf("expected 1 compensation, got %v", got)
	}

	if _, err := NewSagaMetrics(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func TestHandlerServesStatsAndPrometheus(t *testing.T) {
	metrics := NewMetrics()
	metrics.Start("/test").End(errors.New("fail"))

	reg := prometheus.NewRegistry()
	sagaMetrics, err := NewSagaMetrics(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	sagaMetrics.SagaFinished(saga.KindCancel, saga.StatusCommitted, time.Millisecond)
	handler := Handler(metrics, reg)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var snap Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if snap.TotalErrors != 1 {
		t.Fatalf("expected total errors 1, got %d", snap.TotalErrors)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rr.Body.String(), `cartwheel_saga_finished_total{kind="cancel",status="committed"} 1`) {
		t.Fatalf("expected saga counter in exposition, got:\n%s", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rr.Code)
	}
}
