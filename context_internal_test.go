package durable

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	internal_logger "github.com/luno/durable/internal/logger"
)

func newTestContext(buf *bytes.Buffer) *OrchestrationContext {
	return NewOrchestrationContext(context.Background(), Instance{InstanceID: "wf-1", ExecutionID: "g1"}, internal_logger.New(buf))
}

func TestCompletionBeforeSchedule(t *testing.T) {
	var buf bytes.Buffer
	octx := newTestContext(&buf)

	completed := &TaskCompletedEvent{
		EventBase:       EventBase{EventID: -1, Timestamp: testTime},
		TaskScheduledID: 0,
		Result:          `"payload"`,
	}

	octx.HandleTaskCompletedEvent(completed)
	require.Contains(t, buf.String(), "duplicate history event ignored")
	require.Contains(t, buf.String(), `"task_id":"0"`)

	task := octx.ScheduleTask("Lookup", "", nil)
	require.Equal(t, 0, task.ID())
	require.False(t, task.IsComplete())

	octx.HandleTaskCompletedEvent(completed)
	require.True(t, task.IsComplete())
	require.False(t, octx.HasOpenTasks())

	var out string
	err := task.Await(&out)
	jtest.RequireNil(t, err)
	require.Equal(t, "payload", out)
}

func TestTaskFailure(t *testing.T) {
	octx := newTestContext(&bytes.Buffer{})

	task := octx.ScheduleTask("Charge", "v1", 100)
	octx.HandleTaskFailedEvent(&TaskFailedEvent{
		EventBase:       EventBase{EventID: -1, Timestamp: testTime},
		TaskScheduledID: task.ID(),
		Reason:          "card declined",
		Failure:         &FailureDetails{ErrorType: "PaymentError", ErrorMessage: "card declined"},
	})

	err := task.Await(nil)

	var failed *TaskFailedError
	require.True(t, errors.As(err, &failed))
	require.Equal(t, "Charge", failed.Name)
	require.Equal(t, "v1", failed.Version)
	require.Equal(t, "card declined", failed.Reason)

	var details *FailureDetails
	require.True(t, errors.As(err, &details))
	require.Equal(t, "PaymentError", details.ErrorType)
}

func TestCompleteOrchestration(t *testing.T) {
	t.Run("First completion wins", func(t *testing.T) {
		octx := newTestContext(&bytes.Buffer{})

		octx.CompleteOrchestration(`"a"`, nil, OrchestrationStatusCompleted)
		octx.CompleteOrchestration(`"b"`, nil, OrchestrationStatusFailed)
		require.True(t, octx.IsCompleted())

		actions := octx.OrchestratorActions()
		require.Len(t, actions, 1)

		complete := actions[0].(*CompleteOrchestrationAction)
		require.Equal(t, 0, complete.ID)
		require.Equal(t, OrchestrationStatusCompleted, complete.Status)
		require.Equal(t, `"a"`, complete.Result)

		// Both calls consumed a sequence id.
		require.Equal(t, 2, octx.ScheduleTask("Lookup", "", nil).ID())
	})

	t.Run("Continue as new replaces a completed outcome", func(t *testing.T) {
		octx := newTestContext(&bytes.Buffer{})

		err := octx.ContinueAsNew(5, WithNewVersion("v2"))
		jtest.RequireNil(t, err)
		require.True(t, octx.HasContinueAsNew())

		octx.CompleteOrchestration(`"done"`, nil, OrchestrationStatusCompleted)

		actions := octx.OrchestratorActions()
		require.Len(t, actions, 1)

		complete := actions[0].(*CompleteOrchestrationAction)
		require.Equal(t, OrchestrationStatusContinuedAsNew, complete.Status)
		require.Equal(t, "5", complete.Result)
		require.Equal(t, "v2", complete.NewVersion)
	})

	t.Run("Continue as new does not replace a failure", func(t *testing.T) {
		octx := newTestContext(&bytes.Buffer{})

		err := octx.ContinueAsNew(5)
		jtest.RequireNil(t, err)

		octx.FailOrchestration(errors.New("boom"))

		complete := octx.OrchestratorActions()[0].(*CompleteOrchestrationAction)
		require.Equal(t, OrchestrationStatusFailed, complete.Status)
		require.Equal(t, "boom", complete.Details.ErrorMessage)
	})

	t.Run("Termination completes the execution", func(t *testing.T) {
		octx := newTestContext(&bytes.Buffer{})

		octx.HandleExecutionTerminatedEvent(&ExecutionTerminatedEvent{Input: `"cancelled by user"`})

		complete := octx.OrchestratorActions()[0].(*CompleteOrchestrationAction)
		require.Equal(t, OrchestrationStatusTerminated, complete.Status)
		require.Equal(t, `"cancelled by user"`, complete.Result)
	})

	t.Run("Continue as new after termination is dropped", func(t *testing.T) {
		octx := newTestContext(&bytes.Buffer{})

		octx.HandleExecutionTerminatedEvent(&ExecutionTerminatedEvent{Input: `"cancelled by user"`})

		err := octx.ContinueAsNew(5)
		jtest.RequireNil(t, err)
		octx.CompleteOrchestration(`"done"`, nil, OrchestrationStatusCompleted)

		actions := octx.OrchestratorActions()
		require.Len(t, actions, 1)

		complete := actions[0].(*CompleteOrchestrationAction)
		require.Equal(t, 0, complete.ID)
		require.Equal(t, OrchestrationStatusTerminated, complete.Status)
		require.Empty(t, complete.CarryoverEvents)
	})
}

func TestNewOrchestrationContextWithoutLogger(t *testing.T) {
	octx := NewOrchestrationContext(t.Context(), Instance{InstanceID: "wf-1", ExecutionID: "g1"}, nil)

	// A completion without an open task is logged as a duplicate.
	require.NotPanics(t, func() {
		octx.HandleTaskCompletedEvent(&TaskCompletedEvent{TaskScheduledID: 0})
	})

	task := octx.ScheduleTask("Lookup", "", nil)
	octx.HandleTaskCompletedEvent(&TaskCompletedEvent{TaskScheduledID: task.ID(), Result: `"ok"`})
	require.True(t, task.IsComplete())
}

func TestExternalEvents(t *testing.T) {
	t.Run("Raised events are buffered until awaited", func(t *testing.T) {
		octx := newTestContext(&bytes.Buffer{})

		octx.HandleEventRaisedEvent(&EventRaisedEvent{Name: "Approval", Input: "true"})
		octx.HandleEventRaisedEvent(&EventRaisedEvent{Name: "approval", Input: "false"})

		var first, second bool
		jtest.RequireNil(t, octx.WaitForExternalEvent("APPROVAL").Await(&first))
		jtest.RequireNil(t, octx.WaitForExternalEvent("approval").Await(&second))
		require.True(t, first)
		require.False(t, second)
	})

	t.Run("Waiting tasks are resolved in order", func(t *testing.T) {
		octx := newTestContext(&bytes.Buffer{})

		a := octx.WaitForExternalEvent("signal")
		b := octx.WaitForExternalEvent("Signal")
		require.Equal(t, -1, a.ID())

		octx.HandleEventRaisedEvent(&EventRaisedEvent{Name: "SIGNAL", Input: "1"})
		require.True(t, a.IsComplete())
		require.False(t, b.IsComplete())

		octx.HandleEventRaisedEvent(&EventRaisedEvent{Name: "signal", Input: "2"})

		var n int
		jtest.RequireNil(t, b.Await(&n))
		require.Equal(t, 2, n)
	})
}

func TestTimerCancellation(t *testing.T) {
	octx := newTestContext(&bytes.Buffer{})
	token := NewCancellationToken()

	timer := octx.CreateTimer(testTime.Add(time.Hour), WithTimerCancellation(token))
	require.True(t, octx.HasOpenTasks())

	token.Cancel()
	require.True(t, token.IsCanceled())
	require.False(t, octx.HasOpenTasks())

	err := timer.Await(nil)
	jtest.Require(t, ErrTaskCanceled, err)

	// Firing the cancelled timer is ignored.
	octx.HandleTimerFiredEvent(&TimerFiredEvent{TimerID: timer.ID()})
	jtest.Require(t, ErrTaskCanceled, timer.Await(nil))

	late := octx.CreateTimer(testTime.Add(time.Hour), WithTimerCancellation(token))
	jtest.Require(t, ErrTaskCanceled, late.Await(nil))
}

func TestContinueAsNewCarryover(t *testing.T) {
	octx := newTestContext(&bytes.Buffer{})

	err := octx.AddEventToNextIteration(&EventRaisedEvent{Name: "early"})
	jtest.Require(t, ErrContinueAsNewNotCalled, err)

	err = octx.ContinueAsNew(nil, WithKeepUnprocessedEvents())
	jtest.RequireNil(t, err)

	octx.HandleEventRaisedEvent(&EventRaisedEvent{Name: "b", Input: "2"})
	octx.HandleEventRaisedEvent(&EventRaisedEvent{Name: "a", Input: "1"})

	extra := &EventRaisedEvent{Name: "extra"}
	err = octx.AddEventToNextIteration(extra)
	jtest.RequireNil(t, err)

	octx.CompleteOrchestration("", nil, OrchestrationStatusCompleted)

	complete := octx.OrchestratorActions()[0].(*CompleteOrchestrationAction)
	require.Len(t, complete.CarryoverEvents, 3)
	require.Equal(t, extra, complete.CarryoverEvents[0])
	require.Equal(t, "a", complete.CarryoverEvents[1].(*EventRaisedEvent).Name)
	require.Equal(t, "b", complete.CarryoverEvents[2].(*EventRaisedEvent).Name)

	// Carryover happens once regardless of how often the actions are read.
	complete = octx.OrchestratorActions()[0].(*CompleteOrchestrationAction)
	require.Len(t, complete.CarryoverEvents, 3)
}

func TestSubOrchestrations(t *testing.T) {
	octx := newTestContext(&bytes.Buffer{})

	child := octx.CreateSubOrchestration("Refund", "v1", map[string]int{"amount": 10})
	named := octx.CreateSubOrchestration("Refund", "v1", nil, WithSubOrchestrationInstanceID("refund-7"))
	forgotten := octx.CreateSubOrchestration("Audit", "", nil, WithFireAndForget())

	require.False(t, child.IsComplete())
	require.True(t, forgotten.IsComplete())

	actions := octx.OrchestratorActions()
	require.Len(t, actions, 3)
	require.Equal(t, "g1:0", actions[0].(*CreateSubOrchestrationAction).InstanceID)
	require.Equal(t, `{"amount":10}`, actions[0].(*CreateSubOrchestrationAction).Input)
	require.Equal(t, "refund-7", actions[1].(*CreateSubOrchestrationAction).InstanceID)
	require.Equal(t, map[string]string{FireAndForgetTag: "true"}, actions[2].(*CreateSubOrchestrationAction).Tags)

	octx.HandleSubOrchestrationInstanceFailedEvent(&SubOrchestrationInstanceFailedEvent{
		TaskScheduledID: named.ID(),
		Reason:          "insufficient funds",
	})

	var failed *SubOrchestrationFailedError
	require.True(t, errors.As(named.Await(nil), &failed))
	require.Equal(t, "Refund", failed.Name)

	octx.HandleSubOrchestrationInstanceCompletedEvent(&SubOrchestrationInstanceCompletedEvent{
		TaskScheduledID: child.ID(),
		Result:          `"refunded"`,
	})

	var out string
	jtest.RequireNil(t, child.Await(&out))
	require.Equal(t, "refunded", out)
}

func TestSendEvent(t *testing.T) {
	octx := newTestContext(&bytes.Buffer{})

	err := octx.SendEvent(Instance{InstanceID: " "}, "approval", true)
	jtest.Require(t, ErrInvalidInstance, err)

	err = octx.SendEvent(Instance{InstanceID: "wf-2"}, "approval", true)
	jtest.RequireNil(t, err)

	actions := octx.OrchestratorActions()
	require.Len(t, actions, 1)

	send := actions[0].(*SendEventAction)
	require.Equal(t, 0, send.ID)
	require.Equal(t, "wf-2", send.InstanceID)
	require.Equal(t, "true", send.Data)

	err = octx.HandleEventSentEvent(&EventSentEvent{
		EventBase:  EventBase{EventID: 0},
		InstanceID: "wf-2",
		Name:       "Approval",
	})
	jtest.RequireNil(t, err)
	require.Empty(t, octx.OrchestratorActions())
}
