package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FutarchyMetrics bundles the Prometheus collectors emitted by the proposal
// lifecycle engine: oracle cranks, finalizations, and scheduler activity.
type FutarchyMetrics struct {
	cranks        *prometheus.CounterVec
	crankLatency  *prometheus.HistogramVec
	finalizations *prometheus.CounterVec
	schedulerRuns *prometheus.CounterVec
	taskGauge     *prometheus.GaugeVec
	settlement    *prometheus.CounterVec
}

var (
	futarchyMetricsOnce sync.Once
	futarchyRegistry    *FutarchyMetrics
)

// Futarchy returns the lazily-initialised metrics registry for the proposal
// engine.
func Futarchy() *FutarchyMetrics {
	futarchyMetricsOnce.Do(func() {
		futarchyRegistry = &FutarchyMetrics{
			cranks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "futarchy",
				Subsystem: "oracle",
				Name:      "crank_total",
				Help:      "Count of TWAP oracle crank attempts segmented by outcome.",
			}, []string{"outcome"}),
			crankLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "futarchy",
				Subsystem: "oracle",
				Name:      "crank_duration_seconds",
				Help:      "Latency distribution for oracle crank ticks, including price fetches.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"proposal"}),
			finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "futarchy",
				Subsystem: "proposal",
				Name:      "finalizations_total",
				Help:      "Count of proposal finalizations segmented by winner market index.",
			}, []string{"winner"}),
			schedulerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "futarchy",
				Subsystem: "scheduler",
				Name:      "task_runs_total",
				Help:      "Count of scheduled task executions segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			taskGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "futarchy",
				Subsystem: "scheduler",
				Name:      "tasks_active",
				Help:      "Number of live scheduled tasks segmented by kind.",
			}, []string{"kind"}),
			settlement: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "futarchy",
				Subsystem: "settlement",
				Name:      "operations_total",
				Help:      "Count of settlement operations (removeLiquidity, redeem, deposit-back) segmented by outcome.",
			}, []string{"operation", "outcome"}),
		}
		prometheus.MustRegister(
			futarchyRegistry.cranks,
			futarchyRegistry.crankLatency,
			futarchyRegistry.finalizations,
			futarchyRegistry.schedulerRuns,
			futarchyRegistry.taskGauge,
			futarchyRegistry.settlement,
		)
	})
	return futarchyRegistry
}

// RecordCrank records the outcome of a single oracle crank tick.
func (m *FutarchyMetrics) RecordCrank(proposal string, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cranks.WithLabelValues(normalizeLabel(outcome)).Inc()
	m.crankLatency.WithLabelValues(normalizeLabel(proposal)).Observe(d.Seconds())
}

// RecordFinalization records a proposal finalization and its winning index.
func (m *FutarchyMetrics) RecordFinalization(winnerIndex int) {
	if m == nil {
		return
	}
	m.finalizations.WithLabelValues(strconv.Itoa(winnerIndex)).Inc()
}

// RecordSchedulerRun records a single scheduled task execution.
func (m *FutarchyMetrics) RecordSchedulerRun(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.schedulerRuns.WithLabelValues(normalizeLabel(kind), outcome).Inc()
}

// SetActiveTasks updates the live-task gauge for a task kind.
func (m *FutarchyMetrics) SetActiveTasks(kind string, count int) {
	if m == nil {
		return
	}
	m.taskGauge.WithLabelValues(normalizeLabel(kind)).Set(float64(count))
}

// RecordSettlement records the outcome of a settlement-path operation
// (removeLiquidity, vault finalize, redeem, deposit-back).
func (m *FutarchyMetrics) RecordSettlement(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.settlement.WithLabelValues(normalizeLabel(operation), outcome).Inc()
}

func normalizeLabel(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
