package durable

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	clock_testing "k8s.io/utils/clock/testing"

	internal_logger "github.com/luno/durable/internal/logger"
)

func newTestDeliverer(t *testing.T, q ControlQueue, clk *clock_testing.FakeClock) *Deliverer {
	t.Helper()

	return newTestDelivererWithStore(t, newTestStore(), q, clk)
}

func newTestDelivererWithStore(t *testing.T, store Store, q ControlQueue, clk *clock_testing.FakeClock) *Deliverer {
	t.Helper()

	registry := NewRegistry()
	registry.AddActivity("Reserve", "", func(ctx context.Context, in ActivityInput) (any, error) {
		return "reserved", nil
	})

	return NewDeliverer(store, func(string) ControlQueue { return q }, registry,
		WithClock(clk),
		WithLogger(internal_logger.New(io.Discard)),
	)
}

func TestDeliver(t *testing.T) {
	self := Instance{InstanceID: "wf-1", ExecutionID: "g1"}

	t.Run("Activities run inline and report back", func(t *testing.T) {
		q := newTestQueue("partition-0")
		d := newTestDeliverer(t, q, clock_testing.NewFakeClock(testTime))

		err := d.Deliver(t.Context(), &ExecutionResult{
			Instance: self,
			Actions:  []OrchestratorAction{&ScheduleTaskAction{ID: 2, Name: "Reserve"}},
		})
		jtest.RequireNil(t, err)

		sent := q.Sent()
		require.Len(t, sent, 1)
		require.Equal(t, self, sent[0].Instance)

		completed := sent[0].Event.(*TaskCompletedEvent)
		require.Equal(t, 2, completed.TaskScheduledID)
		require.Equal(t, `"reserved"`, completed.Result)
	})

	t.Run("Events are sent to the active generation of the target", func(t *testing.T) {
		q := newTestQueue("partition-0")
		d := newTestDeliverer(t, q, clock_testing.NewFakeClock(testTime))

		err := d.Deliver(t.Context(), &ExecutionResult{
			Instance: self,
			Actions:  []OrchestratorAction{&SendEventAction{ID: 0, InstanceID: "wf-2", EventName: "approval", Data: "true"}},
		})
		jtest.RequireNil(t, err)

		sent := q.Sent()
		require.Len(t, sent, 1)
		require.Equal(t, Instance{InstanceID: "wf-2"}, sent[0].Instance)
		require.Equal(t, "approval", sent[0].Event.(*EventRaisedEvent).Name)
	})

	t.Run("Sub-orchestrations know their parent", func(t *testing.T) {
		q := newTestQueue("partition-0")
		d := newTestDeliverer(t, q, clock_testing.NewFakeClock(testTime))

		err := d.Deliver(t.Context(), &ExecutionResult{
			Instance: self,
			Name:     "Checkout",
			Start:    &ExecutionStartedEvent{Instance: self, Name: "Checkout", Version: "v1"},
			Actions: []OrchestratorAction{
				&CreateSubOrchestrationAction{ID: 3, InstanceID: "g1:3", Name: "Refund", Input: "10"},
			},
		})
		jtest.RequireNil(t, err)

		sent := q.Sent()
		require.Len(t, sent, 1)

		start := sent[0].Event.(*ExecutionStartedEvent)
		require.Equal(t, "g1:3", start.Instance.InstanceID)
		require.NotEmpty(t, start.Instance.ExecutionID)
		require.Equal(t, sent[0].Instance, start.Instance)
		require.Equal(t, &ParentInstance{Instance: self, Name: "Checkout", Version: "v1", TaskScheduledID: 3}, start.ParentInstance)
	})

	t.Run("Completed children notify their parent", func(t *testing.T) {
		parent := &ParentInstance{Instance: Instance{InstanceID: "parent", ExecutionID: "p1"}, TaskScheduledID: 3}

		testCases := []struct {
			name     string
			tags     map[string]string
			action   *CompleteOrchestrationAction
			expected HistoryEvent
		}{
			{
				name:   "Completed",
				action: &CompleteOrchestrationAction{Status: OrchestrationStatusCompleted, Result: "42"},
				expected: &SubOrchestrationInstanceCompletedEvent{
					EventBase:       EventBase{EventID: -1, Timestamp: testTime},
					TaskScheduledID: 3,
					Result:          "42",
				},
			},
			{
				name: "Failed",
				action: &CompleteOrchestrationAction{
					Status:  OrchestrationStatusFailed,
					Result:  "boom",
					Details: &FailureDetails{ErrorMessage: "boom"},
				},
				expected: &SubOrchestrationInstanceFailedEvent{
					EventBase:       EventBase{EventID: -1, Timestamp: testTime},
					TaskScheduledID: 3,
					Reason:          "boom",
					Failure:         &FailureDetails{ErrorMessage: "boom"},
				},
			},
			{
				name:   "Fire and forget",
				tags:   map[string]string{FireAndForgetTag: "true"},
				action: &CompleteOrchestrationAction{Status: OrchestrationStatusCompleted},
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				q := newTestQueue("partition-0")
				d := newTestDeliverer(t, q, clock_testing.NewFakeClock(testTime))

				err := d.Deliver(t.Context(), &ExecutionResult{
					Instance: self,
					Start:    &ExecutionStartedEvent{Instance: self, ParentInstance: parent, Tags: tc.tags},
					Actions:  []OrchestratorAction{tc.action},
				})
				jtest.RequireNil(t, err)

				sent := q.Sent()
				if tc.expected == nil {
					require.Empty(t, sent)
					return
				}

				require.Len(t, sent, 1)
				require.Equal(t, parent.Instance, sent[0].Instance)
				require.Equal(t, tc.expected, sent[0].Event)
			})
		}
	})

	t.Run("Timers are held by the queue until they are due", func(t *testing.T) {
		q := newTestQueue("partition-0")
		d := newTestDeliverer(t, q, clock_testing.NewFakeClock(testTime))

		fireAt := testTime.Add(time.Hour)
		err := d.Deliver(t.Context(), &ExecutionResult{
			Instance: self,
			Actions:  []OrchestratorAction{&CreateTimerAction{ID: 1, FireAt: fireAt}},
		})
		jtest.RequireNil(t, err)

		sent := q.Sent()
		require.Len(t, sent, 1)
		require.Equal(t, self, sent[0].Instance)
		require.Equal(t, fireAt, q.VisibleAt(sent[0]))

		fired := sent[0].Event.(*TimerFiredEvent)
		require.Equal(t, 1, fired.TimerID)
		require.Equal(t, fireAt, fired.FireAt)
		require.Equal(t, fireAt, fired.Timestamp)
	})

	t.Run("Continue as new starts the next generation", func(t *testing.T) {
		q := newTestQueue("partition-0")
		store := newTestStore()
		store.addState(InstanceState{Instance: self, Name: "Checkout", Status: OrchestrationStatusRunning, CreatedAt: testTime})

		clk := clock_testing.NewFakeClock(testTime.Add(time.Minute))
		d := newTestDelivererWithStore(t, store, q, clk)

		parent := &ParentInstance{Instance: Instance{InstanceID: "parent", ExecutionID: "p1"}, TaskScheduledID: 3}
		carried := &EventRaisedEvent{EventBase: EventBase{EventID: -1, Timestamp: testTime}, Name: "approval", Input: "true"}

		err := d.Deliver(t.Context(), &ExecutionResult{
			Instance: self,
			Name:     "Checkout",
			Start: &ExecutionStartedEvent{
				Instance:       self,
				Name:           "Checkout",
				Version:        "v1",
				Tags:           map[string]string{"team": "payments"},
				ParentInstance: parent,
			},
			Actions: []OrchestratorAction{&CompleteOrchestrationAction{
				ID:              4,
				Status:          OrchestrationStatusContinuedAsNew,
				Result:          `"next"`,
				NewVersion:      "v2",
				CarryoverEvents: []HistoryEvent{carried},
			}},
		})
		jtest.RequireNil(t, err)

		next := Instance{InstanceID: "wf-1", ExecutionID: nextExecutionID(self)}
		require.NotEqual(t, self.ExecutionID, next.ExecutionID)

		// The record names the next generation before its start message is sent.
		require.Equal(t, InstanceState{
			Instance:      next,
			Name:          "Checkout",
			Status:        OrchestrationStatusPending,
			Input:         `"next"`,
			CreatedAt:     clk.Now(),
			LastUpdatedAt: clk.Now(),
		}, store.states["wf-1"])

		sent := q.Sent()
		require.Len(t, sent, 2)
		require.Equal(t, next, sent[0].Instance)
		require.Equal(t, &ExecutionStartedEvent{
			EventBase:      EventBase{EventID: -1, Timestamp: clk.Now()},
			Instance:       next,
			Name:           "Checkout",
			Version:        "v2",
			Input:          `"next"`,
			Tags:           map[string]string{"team": "payments"},
			ParentInstance: parent,
		}, sent[0].Event)

		require.Equal(t, next, sent[1].Instance)
		require.Equal(t, carried, sent[1].Event)
	})

	t.Run("Unroutable actions fail delivery", func(t *testing.T) {
		d := NewDeliverer(newTestStore(), PartitionRouter(), NewRegistry(), WithLogger(internal_logger.New(io.Discard)))

		err := d.Deliver(t.Context(), &ExecutionResult{
			Instance: self,
			Actions:  []OrchestratorAction{&SendEventAction{InstanceID: "wf-2", EventName: "approval"}},
		})
		jtest.Require(t, ErrNoRoute, err)
	})
}

func TestDelivererMiddleware(t *testing.T) {
	q := newTestQueue("partition-0")
	d := newTestDeliverer(t, q, clock_testing.NewFakeClock(testTime))

	var sentBeforeNext int
	h := d.Middleware()(func(ctx context.Context, w *WorkItem) error {
		sentBeforeNext = len(q.Sent())
		return nil
	})

	err := h(t.Context(), &WorkItem{Result: &ExecutionResult{
		Instance: Instance{InstanceID: "wf-1", ExecutionID: "g1"},
		Actions:  []OrchestratorAction{&ScheduleTaskAction{ID: 0, Name: "Reserve"}},
	}})
	jtest.RequireNil(t, err)
	require.Equal(t, 1, sentBeforeNext)
}
