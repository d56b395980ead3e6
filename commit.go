package durable

import (
	"context"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"
)

// CommitHistory returns the DispatchFunc that checkpoints an executed WorkItem. The new events and the events
// recording the work item's actions are appended to the history using the session's concurrency token, and the
// instance record is updated to reflect the execution's status. Generations that continued as new leave the
// record to the generation that follows them.
func CommitHistory(writer HistoryWriter, clk clock.Clock) DispatchFunc {
	return func(ctx context.Context, w *WorkItem) error {
		res := w.Result
		now := clk.Now()

		instance := res.Instance
		if instance.InstanceID == "" {
			instance = w.Session.Instance()
		}

		events := make([]HistoryEvent, 0, len(res.NewEvents)+len(res.Actions)+1)
		events = append(events, res.NewEvents...)
		events = append(events, NewHistoryEvents(res.Actions, now)...)
		events = append(events, &OrchestratorCompletedEvent{
			EventBase: EventBase{EventID: -1, Timestamp: now},
		})

		meta := j.MKV{
			"instance_id":  instance.InstanceID,
			"execution_id": instance.ExecutionID,
		}

		eTag, err := writer.AppendHistory(ctx, instance, events, w.Session.ETag())
		if err != nil {
			return errors.Wrap(err, "append history", meta)
		}

		prior := w.Session.RuntimeState().Events()
		all := make([]HistoryEvent, 0, len(prior)+len(events))
		all = append(all, prior...)
		all = append(all, events...)

		state := NewRuntimeState(all)
		w.Session.UpdateRuntimeState(state, eTag)

		// The record of a generation that continued as new was already moved on by the Deliverer.
		if state.Status() == OrchestrationStatusContinuedAsNew {
			return nil
		}

		record := InstanceState{
			Instance:      instance,
			Name:          res.Name,
			Status:        state.Status(),
			CreatedAt:     state.CreatedTime(),
			LastUpdatedAt: now,
		}

		if start := state.ExecutionStarted(); start != nil {
			record.Input = start.Input
		}

		if record.Status.IsTerminal() {
			record.Output = res.Output
		}

		err = writer.UpdateState(ctx, record)
		if err != nil {
			return errors.Wrap(err, "update instance state", meta)
		}

		return nil
	}
}
