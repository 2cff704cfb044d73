package validation

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stageVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_validation_stage_total",
			Help: "Validation stage outcomes by verdict.",
		},
		[]string{"stage", "verdict"},
	)
	stageCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_validation_corrections_total",
			Help: "Auto-corrections applied per stage.",
		},
		[]string{"stage"},
	)
	stageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_validation_stage_duration_seconds",
			Help:    "Validation stage latency.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(stageVerdicts, stageCorrections, stageLatency)
}

// StageCounters is the per-stage slice of a metrics snapshot.
type StageCounters struct {
	Pass         int64 `json:"pass"`
	Warn         int64 `json:"warn"`
	Fail         int64 `json:"fail"`
	Corrections  int64 `json:"corrections"`
	AvgLatencyUs int64 `json:"avg_latency_us"`
}

// MetricsSnapshot is the read-only view of pipeline counters.
type MetricsSnapshot map[string]StageCounters

type stageCounts struct {
	pass, warn, fail, corrections int64
	totalLatency                  time.Duration
	observations                  int64
}

type stageMetrics struct {
	mu     sync.Mutex
	stages map[string]*stageCounts
}

func newStageMetrics() *stageMetrics {
	return &stageMetrics{stages: make(map[string]*stageCounts)}
}

func (m *stageMetrics) observe(stage string, verdict Verdict, latency time.Duration) {
	stageVerdicts.WithLabelValues(stage, string(verdict)).Inc()
	stageLatency.WithLabelValues(stage).Observe(latency.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counts(stage)
	switch verdict {
	case VerdictPass:
		c.pass++
	case VerdictWarn:
		c.warn++
	case VerdictFail:
		c.fail++
	}
	c.totalLatency += latency
	c.observations++
}

func (m *stageMetrics) observeCorrection(stage string) {
	stageCorrections.WithLabelValues(stage).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts(stage).corrections++
}

func (m *stageMetrics) counts(stage string) *stageCounts {
	c, ok := m.stages[stage]
	if !ok {
		c = &stageCounts{}
		m.stages[stage] = c
	}
	return c
}

func (m *stageMetrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(MetricsSnapshot, len(m.stages))
	for stage, c := range m.stages {
		s := StageCounters{
			Pass:        c.pass,
			Warn:        c.warn,
			Fail:        c.fail,
			Corrections: c.corrections,
		}
		if c.observations > 0 {
			s.AvgLatencyUs = c.totalLatency.Microseconds() / c.observations
		}
		out[stage] = s
	}
	return out
}
