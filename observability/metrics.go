// Package observability exposes the Prometheus metrics shared across
// the orchestrator, event processor, and task processor. Adapted from
// the teacher's control_plane/observability/metrics.go with
// SMS-domain label sets.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks pending rows in message_queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sms_queue_depth",
		Help: "Current number of queued messages awaiting send",
	}, []string{"priority"})

	// GateDecisions tracks Send Pipeline gate outcomes.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_gate_decisions_total",
		Help: "Send Pipeline gate decisions by gate and outcome",
	}, []string{"gate", "outcome"})

	// MessagesSent tracks successfully dispatched outbound messages.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_messages_sent_total",
		Help: "Outbound messages committed by the Send Pipeline",
	}, []string{"priority"})

	// RenderFailures tracks rendering retries and terminal failures.
	RenderFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_render_failures_total",
		Help: "Render attempts that failed, by terminal-ness",
	}, []string{"terminal"})

	// SchedulerLoopDuration tracks one process_due pass.
	SchedulerLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sms_orchestrator_loop_duration_seconds",
		Help:    "Duration of one process_due pass",
		Buckets: prometheus.DefBuckets,
	})

	// EventsProcessed tracks Event Processor outcomes.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_events_processed_total",
		Help: "Events processed by outcome (success, retry, dead_letter, unknown_type)",
	}, []string{"outcome"})

	// EventDeadLetters tracks total dead-lettered events.
	EventDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sms_event_dead_letters_total",
		Help: "Total events moved to the dead-letter table",
	})

	// TasksProcessed tracks Task Processor outcomes.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_tasks_processed_total",
		Help: "Tasks processed by outcome (completed, retried, failed, unknown_type)",
	}, []string{"outcome"})

	// TaskRetryDelaySeconds tracks the computed backoff for retried tasks.
	TaskRetryDelaySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sms_task_retry_delay_seconds",
		Help:    "Computed backoff delay before a task's next attempt",
		Buckets: []float64{60, 120, 240, 480},
	})

	// LeadershipTransitions tracks leader election churn.
	LeadershipTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_leader_transitions_total",
		Help: "Total leadership acquisition/loss events",
	}, []string{"node_id", "event"})

	// RedisLatency tracks coordination-store call latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sms_redis_latency_seconds",
		Help:    "Latency of Redis coordination calls",
		Buckets: prometheus.DefBuckets,
	})

	// RelevanceVerdicts tracks the classifier's tri-valued outcome.
	RelevanceVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_relevance_verdicts_total",
		Help: "Relevance classifier verdicts (relevant, stale, contextual, fail_open)",
	}, []string{"verdict"})
)
