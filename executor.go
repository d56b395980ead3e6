package durable

import (
	"context"

	"github.com/luno/jettison/errors"
	"k8s.io/utils/clock"

	"github.com/luno/durable/internal/metrics"
)

// ExecutionResult is the outcome of running an orchestrator against its history and the new events of a
// session.
type ExecutionResult struct {
	// Actions are the new actions of the execution ordered by sequence id. Actions confirmed by history are not
	// included.
	Actions []OrchestratorAction

	// NewEvents are the events that were applied on top of the stored history. They must be appended to the
	// history, before the events recording Actions, when the result is committed.
	NewEvents []HistoryEvent

	Instance Instance
	Name     string
	Start    *ExecutionStartedEvent
	Status   OrchestrationStatus
	Output   string
	Failure  *FailureDetails

	// ContinuedAsNew holds the action starting the next generation when the orchestrator continued as new.
	ContinuedAsNew *CompleteOrchestrationAction
}

// Executor replays orchestrators registered in a Registry.
type Executor struct {
	registry *Registry
	logger   *logger
	clock    clock.Clock
}

func NewExecutor(registry *Registry, opts ...Option) *Executor {
	return newExecutor(registry, buildOptions(opts...))
}

func newExecutor(registry *Registry, o options) *Executor {
	return &Executor{
		registry: registry,
		logger: &logger{
			debugMode: o.debugMode,
			inner:     o.logger,
		},
		clock: o.clock,
	}
}

// Execute replays state followed by newEvents. The orchestrator runs until it completes or awaits a task that
// history cannot resolve. A *NonDeterminismError is returned when the orchestrator's actions do not match the
// recorded history.
func (e *Executor) Execute(ctx context.Context, state *RuntimeState, newEvents []HistoryEvent) (*ExecutionResult, error) {
	events := make([]HistoryEvent, 0, len(newEvents)+1)
	events = append(events, &OrchestratorStartedEvent{
		EventBase: EventBase{EventID: -1, Timestamp: e.clock.Now()},
	})
	events = append(events, newEvents...)

	instance, _ := state.Instance()
	if start := firstExecutionStarted(newEvents); instance.InstanceID == "" && start != nil {
		instance = start.Instance
	}

	octx := newOrchestrationContext(ctx, e.logger, e.registry, instance, state.Events(), events)
	if err := octx.replay(); err != nil {
		if errors.Is(err, ErrNonDeterministic) {
			metrics.NonDeterminismFaults.WithLabelValues(octx.Name()).Inc()

			e.logger.Warn(ctx, "non-deterministic orchestration", map[string]string{
				"instance_id":  instance.InstanceID,
				"execution_id": instance.ExecutionID,
				"name":         octx.Name(),
				"error":        err.Error(),
			})
		}

		return nil, err
	}

	res := &ExecutionResult{
		Actions:   octx.OrchestratorActions(),
		NewEvents: events,
		Instance:  octx.Instance(),
		Name:      octx.Name(),
		Start:     state.ExecutionStarted(),
		Status:    OrchestrationStatusRunning,
	}

	if res.Start == nil {
		res.Start = firstExecutionStarted(newEvents)
	}

	switch {
	case !octx.started:
		res.Status = OrchestrationStatusPending
	case state.Status().IsTerminal():
		res.Status = state.Status()
	}

	for _, a := range res.Actions {
		c, ok := a.(*CompleteOrchestrationAction)
		if !ok {
			continue
		}

		res.Status = c.Status
		res.Output = c.Result
		res.Failure = c.Details
		if c.Status == OrchestrationStatusContinuedAsNew {
			res.ContinuedAsNew = c
		}
	}

	return res, nil
}

func firstExecutionStarted(events []HistoryEvent) *ExecutionStartedEvent {
	for _, e := range events {
		if s, ok := e.(*ExecutionStartedEvent); ok {
			return s
		}
	}

	return nil
}
