package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BusDroppedEvents counts events dropped from full subscriber queues.
	BusDroppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_bus_dropped_events_total",
		Help: "Events dropped because a subscriber queue was full (oldest-first)",
	}, []string{"topic"})

	// BusQueueDepth tracks the current depth of subscriber queues.
	BusQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sysgrow_bus_queue_depth",
		Help: "Current number of events waiting in a subscriber queue",
	}, []string{"topic"})

	// SamplesPersisted counts sensor samples accepted by the throttle gate.
	SamplesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_samples_persisted_total",
		Help: "Sensor samples written to the analytics store",
	}, []string{"target", "metric"})

	// SamplesThrottled counts sensor samples rejected by the throttle gate.
	SamplesThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_samples_throttled_total",
		Help: "Sensor samples suppressed by the throttle gate",
	}, []string{"target", "metric"})

	// PIDOutput tracks the most recent PID output per control loop.
	PIDOutput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sysgrow_pid_output",
		Help: "Most recent PID control output",
	}, []string{"unit", "metric"})

	// ActuatorCommands counts actuator commands by outcome.
	ActuatorCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_actuator_commands_total",
		Help: "Actuator commands issued, by kind, command and outcome",
	}, []string{"kind", "command", "outcome"})

	// StrategyDisabled reports whether a control strategy is disabled (1) or live (0).
	StrategyDisabled = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sysgrow_strategy_disabled",
		Help: "Control strategy disabled after consecutive errors (1 = disabled)",
	}, []string{"strategy"})

	// WorkflowTransitions counts irrigation request state transitions.
	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_workflow_transitions_total",
		Help: "Irrigation request state transitions",
	}, []string{"from", "to"})

	// DetectionDecisions counts detection gate outcomes.
	DetectionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_detection_decisions_total",
		Help: "Irrigation detection gate outcomes",
	}, []string{"decision", "reason"})

	// UnitLockContention counts failed unit-lock acquisitions.
	UnitLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysgrow_unit_lock_contention_total",
		Help: "Unit irrigation lock acquisitions that found the lock busy",
	})

	// ExecutionDuration tracks actual irrigation run times.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sysgrow_irrigation_duration_seconds",
		Help:    "Actual irrigation execution duration",
		Buckets: prometheus.ExponentialBuckets(15, 2, 8),
	})

	// BeliefUpdates counts Bayesian threshold belief updates by direction.
	BeliefUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_belief_updates_total",
		Help: "Bayesian threshold belief updates",
	}, []string{"direction"})

	// Notifications counts notifications handed to the notifier boundary.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_notifications_total",
		Help: "Notifications dispatched through the notifier",
	}, []string{"type"})

	// SchedulerTickDuration tracks the duration of scheduler task runs.
	SchedulerTickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sysgrow_scheduler_tick_duration_seconds",
		Help:    "Duration of scheduled task runs",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	// StoreWriteFailures counts persistence failures that were logged and skipped.
	StoreWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysgrow_store_write_failures_total",
		Help: "Persistence writes that failed and were dropped without retry",
	}, []string{"table"})
)
