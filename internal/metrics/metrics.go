package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_jobs_enqueued_total",
			Help: "Jobs accepted by the queue",
		},
		[]string{"type"},
	)

	JobsCollapsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_jobs_collapsed_total",
			Help: "Submissions collapsed into an existing job by their dedup key",
		},
		[]string{"type"},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_jobs_finished_total",
			Help: "Job attempts by outcome (completed, retry, failed, expired)",
		},
		[]string{"type", "outcome"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lorekeeper_job_duration_seconds",
			Help:    "Handler run time per job attempt",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"type"},
	)

	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_provider_calls_total",
			Help: "Model calls by capability, tier (local, remote, cache) and outcome",
		},
		[]string{"capability", "tier", "outcome"},
	)

	ProviderFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_provider_fallbacks_total",
			Help: "Calls that fell back from the local to the remote tier",
		},
		[]string{"capability"},
	)

	ProviderCostCents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_provider_cost_cents_total",
			Help: "Recorded model spend in cents",
		},
		[]string{"model"},
	)

	ClassificationVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_classification_verdicts_total",
			Help: "Classification outcomes (prefiltered, knowledge_candidate, not_applicable) per tier",
		},
		[]string{"verdict", "tier"},
	)

	EnrichmentOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_enrichment_outcomes_total",
			Help: "Enrichment attempts by resulting tier or skip reason",
		},
		[]string{"outcome"},
	)

	MemoDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_memo_decisions_total",
			Help: "Memo evolution actions",
		},
		[]string{"action"},
	)

	SessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lorekeeper_sessions_swept_total",
			Help: "Agent sessions failed by the stale-session sweep",
		},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lorekeeper_agent_sessions_active",
			Help: "Agent sessions currently being driven by this process",
		},
	)

	AgentRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_agent_runs_total",
			Help: "Respond jobs by outcome (completed, fallback, failed, duplicate)",
		},
		[]string{"outcome"},
	)

	AgentToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lorekeeper_agent_tool_calls_total",
			Help: "Tool calls made by the agent",
		},
		[]string{"tool", "outcome"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
