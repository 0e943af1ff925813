package serve

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler metrics.
var (
	schedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_scheduler_ticks_total",
		Help: "Total number of scheduler ticks.",
	})

	jobRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_job_runs_total",
		Help: "Job runs finished, by terminal status.",
	}, []string{"status"})

	abandonedRunsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_abandoned_runs_reclaimed_total",
		Help: "Running rows with expired leases returned to pending.",
	})
)

// Conversation metrics.
var (
	chatStreamsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vigil_chat_streams_total",
		Help: "Total number of chat stream requests.",
	})

	llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_llm_tokens_total",
		Help: "Tokens consumed and produced by the language model.",
	}, []string{"direction"})

	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vigil_tool_calls_total",
		Help: "Tool invocations made by the language model.",
	}, []string{"tool"})
)

// SSE metrics.
var (
	sseClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vigil_sse_clients_active",
		Help: "Number of connected server-wide SSE clients.",
	})
)
