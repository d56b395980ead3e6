package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	workerName   = "worker_name"
	processName  = "process_name"
	queueName    = "queue_name"
	outcome      = "outcome"
	orchestrator = "orchestrator_name"
)

var (
	// PendingInstances is the number of instances waiting in the pending batch index
	PendingInstances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "durable_pending_instances",
		Help: "Number of instances with undelivered pending batches",
	}, []string{workerName})

	// PendingMessages is the number of messages held in pending batches
	PendingMessages = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "durable_pending_messages",
		Help: "Number of messages held in pending batches",
	}, []string{workerName})

	// ActiveSessions is the number of orchestration sessions currently checked out
	ActiveSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "durable_active_sessions",
		Help: "Number of active orchestration sessions",
	}, []string{workerName})

	// RoutedMessages counts messages by routing outcome (session, batch, discard, defer)
	RoutedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "durable_routed_messages_count",
		Help: "Number of messages routed by outcome",
	}, []string{queueName, outcome})

	// StartDedupe counts execution-started dedupe verdicts
	StartDedupe = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "durable_start_dedupe_count",
		Help: "Number of execution started messages by dedupe verdict",
	}, []string{queueName, outcome})

	// PrefetchErrors is the number of failed history prefetches
	PrefetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "durable_prefetch_error_count",
		Help: "Number of errors fetching history for pending batches",
	}, []string{queueName})

	// PrefetchLatency is how long fetching history for a pending batch takes
	PrefetchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "durable_prefetch_latency_seconds",
		Help:    "History prefetch latency in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 10, 60, 300},
	}, []string{queueName})

	// NonDeterminismFaults is the number of executions aborted due to non-determinism
	NonDeterminismFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "durable_non_determinism_count",
		Help: "Number of executions failed with a non-determinism fault",
	}, []string{orchestrator})

	// ProcessStates reflects the states of all the processes for the worker
	ProcessStates = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "durable_process_states",
		Help: "The current states of all the processes",
	}, []string{workerName, processName})

	// ProcessErrors is the number of errors from running processes
	ProcessErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "durable_process_error_count",
		Help: "Number of errors returned by worker processes",
	}, []string{workerName, processName})

	// ProcessLatency is how long a dispatched session takes to execute and commit
	ProcessLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "durable_process_latency_seconds",
		Help:    "Session execution latency in seconds",
		Buckets: []float64{0.01, 0.1, 1, 5, 10, 60, 300},
	}, []string{workerName, processName})
)

func init() {
	prometheus.MustRegister(
		PendingInstances,
		PendingMessages,
		ActiveSessions,
		RoutedMessages,
		StartDedupe,
		PrefetchErrors,
		PrefetchLatency,
		NonDeterminismFaults,
		ProcessStates,
		ProcessErrors,
		ProcessLatency,
	)
}

func Reset() {
	PendingInstances.Reset()
	PendingMessages.Reset()
	ActiveSessions.Reset()
	RoutedMessages.Reset()
	StartDedupe.Reset()
	PrefetchErrors.Reset()
	PrefetchLatency.Reset()
	NonDeterminismFaults.Reset()
	ProcessStates.Reset()
	ProcessErrors.Reset()
	ProcessLatency.Reset()
}
