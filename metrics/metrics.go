// Package metrics exposes the runtime's Prometheus collectors. All Collector
// methods are nil-safe so instrumented code never has to branch on whether
// metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the runtime's metric instruments.
type Collector struct {
	llmCalls        *prometheus.CounterVec
	llmLatency      *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	toolLatency     *prometheus.HistogramVec
	reactTurns      prometheus.Histogram
	tokensUsed      *prometheus.CounterVec
	checkpointSaves prometheus.Counter
	poolRestores    *prometheus.CounterVec
	approvalsQueued prometheus.Counter
}

// NewCollector constructs a Collector and registers its instruments with reg.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onevalet_llm_calls_total",
			Help: "LLM calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onevalet_llm_call_duration_seconds",
			Help:    "LLM call latency by provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onevalet_tool_calls_total",
			Help: "Tool calls by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		toolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "onevalet_tool_call_duration_seconds",
			Help:    "Tool call latency by tool name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		reactTurns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "onevalet_react_turns",
			Help:    "Turns taken per reasoning loop run.",
			Buckets: []float64{1, 2, 3, 5, 7, 10, 15},
		}),
		tokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onevalet_tokens_total",
			Help: "Token usage by kind (prompt, completion).",
		}, []string{"kind"}),
		checkpointSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onevalet_checkpoint_saves_total",
			Help: "Checkpoints written.",
		}),
		poolRestores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "onevalet_pool_restores_total",
			Help: "Pool entries restored or discarded during session restore.",
		}, []string{"outcome"}),
		approvalsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "onevalet_approvals_queued_total",
			Help: "Approval requests queued by sub-agents.",
		}),
	}
	reg.MustRegister(
		c.llmCalls, c.llmLatency, c.toolCalls, c.toolLatency,
		c.reactTurns, c.tokensUsed, c.checkpointSaves, c.poolRestores,
		c.approvalsQueued,
	)
	return c
}

// ObserveLLMCall records one model call.
func (c *Collector) ObserveLLMCall(provider string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.llmCalls.WithLabelValues(provider, outcome).Inc()
	c.llmLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveToolCall records one tool dispatch.
func (c *Collector) ObserveToolCall(tool string, duration time.Duration, success bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "error"
	}
	c.toolCalls.WithLabelValues(tool, outcome).Inc()
	c.toolLatency.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveRun records one completed loop run.
func (c *Collector) ObserveRun(turns int, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.reactTurns.Observe(float64(turns))
	c.tokensUsed.WithLabelValues("prompt").Add(float64(promptTokens))
	c.tokensUsed.WithLabelValues("completion").Add(float64(completionTokens))
}

// CheckpointSaved counts one checkpoint write.
func (c *Collector) CheckpointSaved() {
	if c == nil {
		return
	}
	c.checkpointSaves.Inc()
}

// PoolRestore counts one restore outcome ("restored" or "discarded").
func (c *Collector) PoolRestore(outcome string) {
	if c == nil {
		return
	}
	c.poolRestores.WithLabelValues(outcome).Inc()
}

// ApprovalQueued counts one queued approval request.
func (c *Collector) ApprovalQueued() {
	if c == nil {
		return
	}
	c.approvalsQueued.Inc()
}
