package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/durable"
)

// RunControlQueueTest runs the conformance tests every ControlQueue must pass. The factory must return an empty
// queue for each call.
func RunControlQueueTest(t *testing.T, factory func(t *testing.T) durable.ControlQueue) {
	tests := []func(t *testing.T, q durable.ControlQueue){
		testSendReceiveDelete,
		testAbandon,
		testEventRoundTrip,
		testSendAt,
		testReceiveCancellation,
	}

	for _, test := range tests {
		test(t, factory(t))
	}
}

var eventTime = time.Date(2024, time.March, 14, 9, 30, 0, 0, time.UTC)

func testSendReceiveDelete(t *testing.T, q durable.ControlQueue) {
	t.Run("Received messages carry delivery metadata and are gone once deleted", func(t *testing.T) {
		ctx := t.Context()
		instance := durable.Instance{InstanceID: "instance-1", ExecutionID: "execution-1"}

		err := q.Send(ctx, &durable.TaskMessage{
			Instance: instance,
			Event: &durable.TaskCompletedEvent{
				EventBase:       durable.EventBase{EventID: -1, Timestamp: eventTime},
				TaskScheduledID: 3,
				Result:          `"done"`,
			},
		})
		jtest.RequireNil(t, err)

		msgs := receiveN(t, q, 1)
		msg := msgs[0]

		require.NotEmpty(t, msg.ID)
		require.Equal(t, instance, msg.Instance)
		require.Equal(t, int64(1), msg.DequeueCount)
		require.Equal(t, q.Name(), msg.QueueName)

		completed, ok := msg.Event.(*durable.TaskCompletedEvent)
		require.True(t, ok)
		require.Equal(t, 3, completed.TaskScheduledID)
		require.Equal(t, `"done"`, completed.Result)
		require.True(t, eventTime.Equal(completed.Timestamp))

		err = q.Delete(ctx, msg)
		jtest.RequireNil(t, err)

		requireEmpty(t, q)
	})
}

func testAbandon(t *testing.T, q durable.ControlQueue) {
	t.Run("Abandoned messages are redelivered with an incremented dequeue count", func(t *testing.T) {
		ctx := t.Context()

		err := q.Send(ctx, &durable.TaskMessage{
			Instance: durable.Instance{InstanceID: "instance-2"},
			Event: &durable.EventRaisedEvent{
				EventBase: durable.EventBase{EventID: -1, Timestamp: eventTime},
				Name:      "approval",
				Input:     `true`,
			},
		})
		jtest.RequireNil(t, err)

		first := receiveN(t, q, 1)[0]
		require.Equal(t, int64(1), first.DequeueCount)

		err = q.Abandon(ctx, first)
		jtest.RequireNil(t, err)

		second := receiveN(t, q, 1)[0]
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, int64(2), second.DequeueCount)

		err = q.Delete(ctx, second)
		jtest.RequireNil(t, err)

		requireEmpty(t, q)
	})
}

func testEventRoundTrip(t *testing.T, q durable.ControlQueue) {
	t.Run("Execution started events keep their parent and tags", func(t *testing.T) {
		ctx := t.Context()
		child := durable.Instance{InstanceID: "child", ExecutionID: "child-execution"}
		parent := &durable.ParentInstance{
			Instance:        durable.Instance{InstanceID: "parent", ExecutionID: "parent-execution"},
			Name:            "ParentOrchestration",
			Version:         "v1",
			TaskScheduledID: 7,
		}

		err := q.Send(ctx, &durable.TaskMessage{
			Instance: child,
			Event: &durable.ExecutionStartedEvent{
				EventBase:      durable.EventBase{EventID: -1, Timestamp: eventTime},
				Instance:       child,
				Name:           "ChildOrchestration",
				Version:        "v2",
				Input:          `{"amount":10}`,
				Tags:           map[string]string{"team": "payments"},
				ParentInstance: parent,
			},
		})
		jtest.RequireNil(t, err)

		msg := receiveN(t, q, 1)[0]
		require.False(t, msg.IsExecutionStarted())

		started, ok := msg.Event.(*durable.ExecutionStartedEvent)
		require.True(t, ok)
		require.Equal(t, child, started.Instance)
		require.Equal(t, "ChildOrchestration", started.Name)
		require.Equal(t, "v2", started.Version)
		require.Equal(t, `{"amount":10}`, started.Input)
		require.Equal(t, map[string]string{"team": "payments"}, started.Tags)
		require.Equal(t, parent, started.ParentInstance)

		err = q.Delete(ctx, msg)
		jtest.RequireNil(t, err)
	})
}

func testSendAt(t *testing.T, q durable.ControlQueue) {
	t.Run("Delayed messages stay hidden until they are due", func(t *testing.T) {
		ctx := t.Context()
		instance := durable.Instance{InstanceID: "instance-3", ExecutionID: "execution-3"}
		fireAt := time.Now().Add(time.Second)

		err := q.SendAt(ctx, &durable.TaskMessage{
			Instance: instance,
			Event: &durable.TimerFiredEvent{
				EventBase: durable.EventBase{EventID: -1, Timestamp: fireAt},
				TimerID:   4,
				FireAt:    fireAt,
			},
		}, fireAt)
		jtest.RequireNil(t, err)

		requireEmpty(t, q)

		msg := receiveN(t, q, 1)[0]
		require.False(t, time.Now().Before(fireAt))
		require.Equal(t, instance, msg.Instance)
		require.Equal(t, int64(1), msg.DequeueCount)

		fired, ok := msg.Event.(*durable.TimerFiredEvent)
		require.True(t, ok)
		require.Equal(t, 4, fired.TimerID)
		require.True(t, fireAt.Equal(fired.FireAt))

		err = q.Delete(ctx, msg)
		jtest.RequireNil(t, err)
	})
}

func testReceiveCancellation(t *testing.T, q durable.ControlQueue) {
	t.Run("Receive returns once the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
		defer cancel()

		_, err := q.Receive(ctx)
		require.Error(t, err)
		require.Error(t, ctx.Err())
	})
}

func receiveN(t *testing.T, q durable.ControlQueue, n int) []*durable.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()

	var msgs []*durable.Message
	for len(msgs) < n {
		batch, err := q.Receive(ctx)
		jtest.RequireNil(t, err)

		msgs = append(msgs, batch...)
	}

	require.Len(t, msgs, n)
	return msgs
}

func requireEmpty(t *testing.T, q durable.ControlQueue) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	msgs, _ := q.Receive(ctx)
	require.Empty(t, msgs)
}
