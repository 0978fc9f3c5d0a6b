// Package telemetry exposes the Prometheus collectors shared by the pipeline stages.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	stageRuns          *prometheus.CounterVec
	stageDuration      *prometheus.HistogramVec
	transitions        *prometheus.CounterVec
	cacheLookups       *prometheus.CounterVec
	llmCalls           *prometheus.CounterVec
	llmLatency         *prometheus.HistogramVec
	sandboxRuns        *prometheus.CounterVec
	analyticsAttempts  prometheus.Histogram
	flagDisagreements  prometheus.Counter
	identifiersDropped prometheus.Counter
	auditWrites        *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildingqa",
			Name:      "stage_runs_total",
			Help:      "Pipeline stage executions by outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildingqa",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildingqa",
			Name:      "stage_transitions_total",
			Help:      "Routing decisions between stages.",
		}, []string{"from", "to"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildingqa",
			Name:      "cache_lookups_total",
			Help:      "Prompt cache lookups by namespace and result.",
		}, []string{"namespace", "result"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildingqa",
			Name:      "llm_calls_total",
			Help:      "LLM generation calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildingqa",
			Name:      "llm_call_duration_seconds",
			Help:      "LLM generation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		sandboxRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildingqa",
			Name:      "sandbox_runs_total",
			Help:      "Sandboxed script executions by outcome.",
		}, []string{"outcome"}),
		analyticsAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "buildingqa",
			Name:      "analytics_attempts",
			Help:      "Execution attempts used per analytics run.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		flagDisagreements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildingqa",
			Name:      "analytics_flag_disagreements_total",
			Help:      "Turns where the keyword heuristic disagreed with the model's analytics flag.",
		}),
		identifiersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildingqa",
			Name:      "timeseries_identifiers_dropped_total",
			Help:      "Series identifiers dropped by the per-location cap.",
		}),
		auditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildingqa",
			Name:      "audit_writes_total",
			Help:      "Query audit writes by sink and outcome.",
		}, []string{"sink", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.stageRuns, m.stageDuration, m.transitions, m.cacheLookups,
			m.llmCalls, m.llmLatency, m.sandboxRuns, m.analyticsAttempts,
			m.flagDisagreements, m.identifiersDropped, m.auditWrites,
		)
	}
	return m
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns collectors registered on the global Prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) ObserveStage(stage string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.stageRuns.WithLabelValues(stage, outcome(ok)).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveCache(namespace string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(namespace, result).Inc()
}

func (m *Metrics) ObserveLLM(provider string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(provider, outcome(ok)).Inc()
	m.llmLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveSandbox records a sandbox run; result is success, failure or timeout.
func (m *Metrics) ObserveSandbox(result string) {
	if m == nil {
		return
	}
	m.sandboxRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAnalyticsAttempts(n int) {
	if m == nil {
		return
	}
	m.analyticsAttempts.Observe(float64(n))
}

func (m *Metrics) IncFlagDisagreement() {
	if m == nil {
		return
	}
	m.flagDisagreements.Inc()
}

func (m *Metrics) AddIdentifiersDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.identifiersDropped.Add(float64(n))
}

func (m *Metrics) ObserveAudit(sink string, ok bool) {
	if m == nil {
		return
	}
	m.auditWrites.WithLabelValues(sink, outcome(ok)).Inc()
}
