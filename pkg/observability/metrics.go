// Package observability wires Prometheus metrics and OpenTelemetry tracing
// for the orchestrator and its providers.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the counters and histograms the run loop reports into.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	AgentInvocations   *prometheus.CounterVec
	ToolInvocations    *prometheus.CounterVec
	LLMCalls           *prometheus.CounterVec
	LLMTokens          *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	SQLExecutions      *prometheus.CounterVec
	SQLExecuteDuration prometheus.Histogram
}

// NewMetrics registers the metric set against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweave_runs_total",
			Help: "Completed runs by terminal outcome.",
		}, []string{"outcome"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "queryweave_run_duration_seconds",
			Help:    "Wall-clock duration of a run.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		AgentInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweave_agent_invocations_total",
			Help: "Agent turns by agent id.",
		}, []string{"agent"}),
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweave_tool_invocations_total",
			Help: "Tool calls by tool name and status.",
		}, []string{"tool", "status"}),
		LLMCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweave_llm_calls_total",
			Help: "LLM requests by model and status.",
		}, []string{"model", "status"}),
		LLMTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweave_llm_tokens_total",
			Help: "Token usage by model and direction.",
		}, []string{"model", "direction"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweave_cache_lookups_total",
			Help: "Query cache lookups by result.",
		}, []string{"result"}),
		SQLExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "queryweave_sql_executions_total",
			Help: "SQL statements executed by engine and status.",
		}, []string{"engine", "status"}),
		SQLExecuteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "queryweave_sql_execute_duration_seconds",
			Help:    "Latency of SQL execution.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}

var (
	globalMu      sync.RWMutex
	globalMetrics *Metrics
)

// SetGlobal installs the process-wide metric set.
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the process-wide metric set, or nil when none installed.
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// RecordLLMCall reports one LLM request outcome to the global metrics.
func RecordLLMCall(model string, promptTokens, completionTokens int, err error) {
	m := Global()
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.LLMCalls.WithLabelValues(model, status).Inc()
	m.LLMTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	m.LLMTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// RecordToolCall reports one tool invocation to the global metrics.
func RecordToolCall(tool string, err error) {
	m := Global()
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ToolInvocations.WithLabelValues(tool, status).Inc()
}

// RecordSQLExecution reports one SQL execution to the global metrics.
func RecordSQLExecution(engine string, duration time.Duration, err error) {
	m := Global()
	if m == nil {
		return
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SQLExecutions.WithLabelValues(engine, status).Inc()
	m.SQLExecuteDuration.Observe(duration.Seconds())
}

// RecordCacheLookup reports one cache lookup result ("hit", "hit_pre_run",
// "miss") to the global metrics.
func RecordCacheLookup(result string) {
	m := Global()
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}
