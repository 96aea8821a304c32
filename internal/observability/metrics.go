// Package observability tracks RPC call statistics and saga telemetry.
package observability

import (
	"sync"
	"time"

	"cartwheel/internal/domain"
)

type MethodSnapshot struct {
	Count         int64            `json:"count"`
	Errors        int64            `json:"errors"`
	Failures      map[string]int64 `json:"failures,omitempty"`
	InFlight      int64            `json:"in_flight"`
	AvgLatencyMs  float64          `json:"avg_latency_ms"`
	MaxLatencyMs  float64          `json:"max_latency_ms"`
	LastLatencyMs float64          `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

type methodStats struct {
	count        int64
	inFlight     int64
	failures     map[domain.FailureKind]int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics aggregates per-method RPC statistics. Failed calls are split by
// failure kind so business rejections are not read as outages.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	now            func() time.Time
	methods        map[string]*methodStats
	rateLimitWaits int64
	rateLimitWait  time.Duration
	shutdownAt     time.Time
	inflightAtStop int64
}

// CallSpan measures one call started with Metrics.Start.
type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:   time.Now(),
		now:     time.Now,
		methods: make(map[string]*methodStats),
	}
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	m.ensureMethod(method).inFlight++
	m.mu.Unlock()
	return &CallSpan{metrics: m, method: method, start: m.now()}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.finish(s.method, s.metrics.now().Sub(s.start), domain.Classify(err))
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.shutdownAt = m.now()
	m.inflightAtStop = inflight
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(m.now().Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot, len(m.methods)),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for method, stats := range m.methods {
		ms := MethodSnapshot{
			Count:         stats.count,
			InFlight:      stats.inFlight,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		if stats.count > 0 {
			ms.AvgLatencyMs = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		if len(stats.failures) > 0 {
			ms.Failures = make(map[string]int64, len(stats.failures))
			for kind, n := range stats.failures {
				ms.Failures[string(kind)] = n
				ms.Errors += n
			}
		}
		snap.Methods[method] = ms
		snap.TotalRequests += ms.Count
		snap.TotalErrors += ms.Errors
		snap.InFlight += ms.InFlight
	}

	if !m.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{ShutdownAt: m.shutdownAt, InFlightAtShutdown: m.inflightAtStop}
	}
	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{failures: make(map[domain.FailureKind]int64)}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failure domain.FailureKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failure != domain.FailureNone {
		stats.failures[failure]++
	}
	stats.totalLatency += dur
	stats.maxLatency = max(stats.maxLatency, dur)
	stats.lastLatency = dur
}
