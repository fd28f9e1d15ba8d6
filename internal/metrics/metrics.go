// Package metrics exposes the gateway's Prometheus counters and
// histograms on a dedicated /metrics handler.
//
// Grounded on agent-service/internal/metrics/metrics.go's promauto +
// lazily-built registry idiom. The RAG-specific series from that file
// have no counterpart here since this gateway has no document store;
// everything else carries over, retargeted to this domain's operations
// (worker pool, agent loop, registry refresh) in place of RAG search.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lilycore/gateway-core/internal/logx"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_ws_connections_active",
			Help: "Number of currently registered WebSocket connections",
		},
	)

	agentLoopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_agent_loops_total",
			Help: "Total number of agent loop runs",
		},
		[]string{"completed"},
	)

	agentLoopSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_agent_loop_steps",
			Help:    "Number of steps an agent loop took before completing",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		},
	)

	agentLoopDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_agent_loop_duration_seconds",
			Help:    "Agent loop wall-clock duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_llm_requests_total",
			Help: "Total number of LLM requests",
		},
		[]string{"model", "status"},
	)

	llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tool_calls_total",
			Help: "Total number of tool calls, by outcome",
		},
		[]string{"tool_name", "status"},
	)

	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_tool_call_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool_name"},
	)

	workerPoolQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_worker_pool_queue_depth",
			Help: "Number of jobs currently queued in the worker pool",
		},
	)

	workerPoolInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_worker_pool_jobs_in_flight",
			Help: "Number of jobs currently executing in the worker pool",
		},
	)

	registryServicesKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_registry_services_known",
			Help: "Number of peer services currently known to the registry",
		},
	)

	registryToolsKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_registry_tools_known",
			Help: "Number of MCP tools currently known to the registry",
		},
	)
)

var metricsRegistry *prometheus.Registry

// Handler lazily builds the Prometheus registry and returns its
// http.Handler, for mounting on GET /metrics.
func Handler() http.Handler {
	if metricsRegistry == nil {
		metricsRegistry = prometheus.NewRegistry()
		metricsRegistry.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			wsConnectionsActive,
			agentLoopsTotal,
			agentLoopSteps,
			agentLoopDuration,
			llmRequestsTotal,
			llmRequestDuration,
			toolCallsTotal,
			toolCallDuration,
			workerPoolQueueDepth,
			workerPoolInFlight,
			registryServicesKnown,
			registryToolsKnown,
		)
		logx.Info().Msg("metrics: prometheus registry initialized")
	}
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}

func RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, fmt.Sprintf("%d", status)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func SetActiveConnections(n int) {
	wsConnectionsActive.Set(float64(n))
}

func RecordAgentLoop(completed bool, steps int, duration time.Duration) {
	agentLoopsTotal.WithLabelValues(fmt.Sprintf("%t", completed)).Inc()
	agentLoopSteps.Observe(float64(steps))
	agentLoopDuration.Observe(duration.Seconds())
}

func RecordLLMRequest(model, status string, duration time.Duration) {
	llmRequestsTotal.WithLabelValues(model, status).Inc()
	llmRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func RecordToolCall(toolName, status string, duration time.Duration) {
	toolCallsTotal.WithLabelValues(toolName, status).Inc()
	toolCallDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

func SetWorkerPoolGauges(queueDepth, inFlight int) {
	workerPoolQueueDepth.Set(float64(queueDepth))
	workerPoolInFlight.Set(float64(inFlight))
}

func SetRegistryGauges(services, tools int) {
	registryServicesKnown.Set(float64(services))
	registryToolsKnown.Set(float64(tools))
}
