package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики ограничений.
var (
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_admission_decisions_total",
		Help: "Admission decisions by resulting consumer state",
	}, []string{"state"})

	ActivePermits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stepwise_constraint_active_permits",
		Help: "Permits currently held by ACTIVE consumers",
	}, []string{"unit"})

	BlockedConsumers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stepwise_constraint_blocked_consumers",
		Help: "Consumers waiting in the BLOCKED queue",
	}, []string{"unit"})
)

// Метрики диспетчера.
var (
	EnvelopesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepwise_envelopes_dispatched_total",
		Help: "Task envelopes handed to the remote executor",
	})

	EnvelopeResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_envelope_resolutions_total",
		Help: "Envelope resolutions by kind",
	}, []string{"resolution"})

	StaleCallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepwise_stale_callbacks_total",
		Help: "Callbacks ignored because the handle was already resolved or superseded",
	})

	EnvelopesReopened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepwise_envelopes_reopened_total",
		Help: "Resolved envelopes returned to pending after the step rejected the result",
	})
)

// Метрики step.
var (
	StepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_step_outcomes_total",
		Help: "Finished steps by status",
	}, []string{"status"})

	WorkerTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_worker_tasks_total",
		Help: "Tasks executed by the worker by result status",
	}, []string{"status"})
)

// Метрики sweeper.
var (
	SweepActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_sweep_actions_total",
		Help: "Items handled by the maintenance sweeper by job",
	}, []string{"job"})

	SweepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_sweep_errors_total",
		Help: "Failed maintenance sweeper jobs",
	}, []string{"job"})
)

// Метрики брокера.
var (
	MQDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_mq_deliveries_total",
		Help: "Consumed broker messages by queue and outcome (ack, requeue, dead_letter)",
	}, []string{"queue", "outcome"})

	MQPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_mq_publish_errors_total",
		Help: "Failed broker publishes by routing key",
	}, []string{"routing_key"})
)
