package observability

import (
	"time"

	"cartwheel/internal/domain"
	"cartwheel/internal/saga"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics exports saga telemetry to Prometheus.
type SagaMetrics struct {
	outcomes      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	steps         *prometheus.CounterVec
	stepLatency   *prometheus.HistogramVec
	compensations *prometheus.CounterVec
}

var _ saga.Observer = (*SagaMetrics)(nil)

// NewSagaMetrics registers the saga collectors with reg.
func NewSagaMetrics(reg prometheus.Registerer) (*SagaMetrics, error) {
	m := &SagaMetrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartwheel",
			Subsystem: "saga",
			Name:      "finished_total",
			Help:      "Sagas finished, by kind and terminal status.",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cartwheel",
			Subsystem: "saga",
			Name:      "duration_ms",
			Help:      "Saga wall time in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"kind"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartwheel",
			Subsystem: "saga",
			Name:      "steps_total",
			Help:      "Participant execute calls, by outcome.",
		}, []string{"kind", "participant", "failure"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cartwheel",
			Subsystem: "saga",
			Name:      "step_duration_ms",
			Help:      "Participant execute latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"participant"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cartwheel",
			Subsystem: "saga",
			Name:      "compensations_total",
			Help:      "Compensations, by participant and result.",
		}, []string{"kind", "participant", "result"}),
	}
	for _, c := range []prometheus.Collector{m.outcomes, m.duration, m.steps, m.stepLatency, m.compensations} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *SagaMetrics) StepFinished(kind saga.Kind, participant string, failure domain.FailureKind, elapsed time.Duration) {
	label := string(failure)
	if failure == domain.FailureNone {
		label = "none"
	}
	m.steps.WithLabelValues(string(kind), participant, label).Inc()
	m.stepLatency.WithLabelValues(participant).Observe(float64(elapsed.Milliseconds()))
}

func (m *SagaMetrics) CompensationFinished(kind saga.Kind, participant string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.compensations.WithLabelValues(string(kind), participant, result).Inc()
}

func (m *SagaMetrics) SagaFinished(kind saga.Kind, status saga.Status, elapsed time.Duration) {
	m.outcomes.WithLabelValues(string(kind), string(status)).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(float64(elapsed.Milliseconds()))
}
