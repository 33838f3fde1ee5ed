// Package metrics registers the Prometheus collectors for the swarm core.
// Collectors are created once behind sync.Once so tests and multi-component
// binaries never trip duplicate registration.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch outcome labels (bounded set).
const (
	OutcomeDelivered    = "delivered"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeExpired      = "expired"
	OutcomeSkipped      = "skipped"
)

// Order pipeline outcome labels (bounded set).
const (
	PipelineSubmitted = "submitted"
	PipelineReused    = "reused"
	PipelineBlocked   = "blocked"
	PipelineFailed    = "failed"
)

// Alert dispatch result labels (bounded set).
const (
	AlertSent        = "sent"
	AlertDeduped     = "deduped"
	AlertRateLimited = "rate_limited"
	AlertFailed      = "failed"
)

// SwarmMetrics observes the registry queue and dispatcher.
type SwarmMetrics struct {
	QueueDepth      prometheus.Gauge
	DeadLetterDepth prometheus.Gauge
	Enqueued        prometheus.Counter
	Published       prometheus.Counter
	Dispatch        *prometheus.CounterVec
}

var (
	swarmInstance *SwarmMetrics
	swarmOnce     sync.Once
)

// Swarm returns the singleton registry collectors.
func Swarm() *SwarmMetrics {
	swarmOnce.Do(func() {
		swarmInstance = &SwarmMetrics{
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradehive_swarm_queue_depth",
				Help: "Messages currently waiting in the registry queue",
			}),
			DeadLetterDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradehive_swarm_dead_letter_depth",
				Help: "Messages currently parked in the dead-letter set",
			}),
			Enqueued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradehive_swarm_enqueued_total",
				Help: "Messages accepted by the registry queue",
			}),
			Published: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradehive_swarm_published_total",
				Help: "Messages fanned out to topic subscribers",
			}),
			Dispatch: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradehive_swarm_dispatch_total",
				Help: "Dispatcher outcomes per queue pass",
			}, []string{"outcome"}),
		}
	})
	return swarmInstance
}

// AnalysisMetrics observes the analyst cache and LLM circuit breaker.
type AnalysisMetrics struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	LLMCalls       prometheus.Counter
	LLMFailures    prometheus.Counter
	BreakerOpen    prometheus.Gauge
	ResearchServed prometheus.Counter
}

var (
	analysisInstance *AnalysisMetrics
	analysisOnce     sync.Once
)

// Analysis returns the singleton analyst collectors.
func Analysis() *AnalysisMetrics {
	analysisOnce.Do(func() {
		analysisInstance = &AnalysisMetrics{
			CacheHits: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradehive_analysis_cache_hits_total",
				Help: "Analysis requests served from the fingerprint cache",
			}),
			CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradehive_analysis_cache_misses_total",
				Help: "Analysis requests that required an LLM call",
			}),
			LLMCalls: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradehive_llm_calls_total",
				Help: "LLM completions attempted",
			}),
			LLMFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradehive_llm_failures_total",
				Help: "LLM completions that failed or timed out",
			}),
			BreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "tradehive_llm_breaker_open",
				Help: "Whether the LLM circuit breaker is open (1) or closed (0)",
			}),
			ResearchServed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "tradehive_research_cache_served_total",
				Help: "Research verdicts served from the per-symbol cache",
			}),
		}
	})
	return analysisInstance
}

// ExecutionMetrics observes the order pipeline.
type ExecutionMetrics struct {
	Outcomes *prometheus.CounterVec
}

var (
	executionInstance *ExecutionMetrics
	executionOnce     sync.Once
)

// Execution returns the singleton order pipeline collectors.
func Execution() *ExecutionMetrics {
	executionOnce.Do(func() {
		executionInstance = &ExecutionMetrics{
			Outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradehive_order_pipeline_total",
				Help: "Order pipeline outcomes per execute call",
			}, []string{"outcome"}),
		}
	})
	return executionInstance
}

// AlertMetrics observes alert fan-out.
type AlertMetrics struct {
	Dispatch *prometheus.CounterVec
}

var (
	alertInstance *AlertMetrics
	alertOnce     sync.Once
)

// Alerts returns the singleton notifier collectors.
func Alerts() *AlertMetrics {
	alertOnce.Do(func() {
		alertInstance = &AlertMetrics{
			Dispatch: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradehive_alert_dispatch_total",
				Help: "Alert notifier results per alert/channel",
			}, []string{"result"}),
		}
	})
	return alertInstance
}

// AgentMetrics observes hosted agent actors, labeled by agent id.
type AgentMetrics struct {
	HandledMessages *prometheus.CounterVec
	HandleErrors    *prometheus.CounterVec
	HandleDuration  *prometheus.HistogramVec
	AlarmTicks      *prometheus.CounterVec
	Up              *prometheus.GaugeVec
}

var (
	agentInstance *AgentMetrics
	agentOnce     sync.Once
)

// Agents returns the singleton agent runtime collectors.
func Agents() *AgentMetrics {
	agentOnce.Do(func() {
		agentInstance = &AgentMetrics{
			HandledMessages: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradehive_agent_messages_handled_total",
				Help: "Messages handled per agent",
			}, []string{"agent"}),
			HandleErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradehive_agent_handle_errors_total",
				Help: "Handler errors per agent",
			}, []string{"agent"}),
			HandleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "tradehive_agent_handle_duration_seconds",
				Help:    "Handler latency per agent",
				Buckets: prometheus.DefBuckets,
			}, []string{"agent"}),
			AlarmTicks: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "tradehive_agent_alarm_ticks_total",
				Help: "Alarm passes per agent",
			}, []string{"agent"}),
			Up: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "tradehive_agent_up",
				Help: "Whether the agent actor is running (1) or stopped (0)",
			}, []string{"agent"}),
		}
	})
	return agentInstance
}
