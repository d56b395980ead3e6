package adaptertest

import (
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/durable"
)

// RunHistoryStoreTest runs the conformance tests every durable.Store must pass. The factory must return an empty
// store for each call.
func RunHistoryStoreTest(t *testing.T, factory func(t *testing.T) durable.Store) {
	tests := []func(t *testing.T, store durable.Store){
		testEmptyHistory,
		testAppendHistory,
		testLatestExecution,
		testStates,
	}

	for _, test := range tests {
		test(t, factory(t))
	}
}

func historyFor(instance durable.Instance, at time.Time) []durable.HistoryEvent {
	return []durable.HistoryEvent{
		&durable.OrchestratorStartedEvent{
			EventBase: durable.EventBase{EventID: -1, Timestamp: at},
		},
		&durable.ExecutionStartedEvent{
			EventBase: durable.EventBase{EventID: -1, Timestamp: at},
			Instance:  instance,
			Name:      "Checkout",
			Version:   "v1",
			Input:     `{"basket":"b-1"}`,
		},
		&durable.TaskScheduledEvent{
			EventBase: durable.EventBase{EventID: 0, Timestamp: at},
			Name:      "ReserveStock",
			Input:     `"b-1"`,
		},
		&durable.OrchestratorCompletedEvent{
			EventBase: durable.EventBase{EventID: -1, Timestamp: at},
		},
	}
}

func requireEventsEqual(t *testing.T, expected, actual []durable.HistoryEvent) {
	t.Helper()

	require.Len(t, actual, len(expected))
	for i := range expected {
		require.Equal(t, expected[i].Type(), actual[i].Type(), "event %d", i)
		require.Equal(t, expected[i].Header().EventID, actual[i].Header().EventID, "event %d", i)
		require.True(t, expected[i].Header().Timestamp.Equal(actual[i].Header().Timestamp), "event %d", i)
	}
}

func testEmptyHistory(t *testing.T, store durable.Store) {
	t.Run("Unknown instances have an empty history", func(t *testing.T) {
		h, err := store.GetHistoryEvents(t.Context(), "unknown", "")
		jtest.RequireNil(t, err)
		require.NotNil(t, h)
		require.Empty(t, h.Events)
		require.Empty(t, h.ETag)

		states, err := store.GetStates(t.Context(), []string{"unknown"})
		jtest.RequireNil(t, err)
		require.Empty(t, states)
	})
}

func testAppendHistory(t *testing.T, store durable.Store) {
	t.Run("Appends are guarded by the etag", func(t *testing.T) {
		ctx := t.Context()
		instance := durable.Instance{InstanceID: "checkout-1", ExecutionID: "execution-1"}
		first := historyFor(instance, eventTime)

		eTag, err := store.AppendHistory(ctx, instance, first, "")
		jtest.RequireNil(t, err)
		require.NotEmpty(t, eTag)

		h, err := store.GetHistoryEvents(ctx, instance.InstanceID, instance.ExecutionID)
		jtest.RequireNil(t, err)
		require.Equal(t, eTag, h.ETag)
		requireEventsEqual(t, first, h.Events)

		started, ok := h.Events[1].(*durable.ExecutionStartedEvent)
		require.True(t, ok)
		require.Equal(t, instance, started.Instance)
		require.Equal(t, `{"basket":"b-1"}`, started.Input)

		_, err = store.AppendHistory(ctx, instance, first, "")
		jtest.Require(t, durable.ErrETagMismatch, err)

		second := []durable.HistoryEvent{
			&durable.TaskCompletedEvent{
				EventBase:       durable.EventBase{EventID: -1, Timestamp: eventTime.Add(time.Second)},
				TaskScheduledID: 0,
				Result:          `"reserved"`,
			},
		}

		eTag2, err := store.AppendHistory(ctx, instance, second, eTag)
		jtest.RequireNil(t, err)
		require.NotEqual(t, eTag, eTag2)

		_, err = store.AppendHistory(ctx, instance, second, eTag)
		jtest.Require(t, durable.ErrETagMismatch, err)

		h, err = store.GetHistoryEvents(ctx, instance.InstanceID, instance.ExecutionID)
		jtest.RequireNil(t, err)
		require.Equal(t, eTag2, h.ETag)
		requireEventsEqual(t, append(first, second...), h.Events)
	})
}

func testLatestExecution(t *testing.T, store durable.Store) {
	t.Run("An empty execution id returns the latest execution", func(t *testing.T) {
		ctx := t.Context()
		gen1 := durable.Instance{InstanceID: "checkout-2", ExecutionID: "generation-1"}
		gen2 := durable.Instance{InstanceID: "checkout-2", ExecutionID: "generation-2"}

		_, err := store.AppendHistory(ctx, gen1, historyFor(gen1, eventTime), "")
		jtest.RequireNil(t, err)

		_, err = store.AppendHistory(ctx, gen2, historyFor(gen2, eventTime.Add(time.Minute)), "")
		jtest.RequireNil(t, err)

		h, err := store.GetHistoryEvents(ctx, gen2.InstanceID, "")
		jtest.RequireNil(t, err)
		requireEventsEqual(t, historyFor(gen2, eventTime.Add(time.Minute)), h.Events)

		started, ok := h.Events[1].(*durable.ExecutionStartedEvent)
		require.True(t, ok)
		require.Equal(t, gen2, started.Instance)

		h, err = store.GetHistoryEvents(ctx, gen1.InstanceID, gen1.ExecutionID)
		jtest.RequireNil(t, err)
		requireEventsEqual(t, historyFor(gen1, eventTime), h.Events)
	})
}

func testStates(t *testing.T, store durable.Store) {
	t.Run("Instance records are created, overwritten and looked up in bulk", func(t *testing.T) {
		ctx := t.Context()

		pending := durable.InstanceState{
			Instance:      durable.Instance{InstanceID: "checkout-3", ExecutionID: "execution-1"},
			Name:          "Checkout",
			Status:        durable.OrchestrationStatusPending,
			Input:         `{"basket":"b-3"}`,
			CreatedAt:     eventTime,
			LastUpdatedAt: eventTime,
		}

		err := store.UpdateState(ctx, pending)
		jtest.RequireNil(t, err)

		other := durable.InstanceState{
			Instance:      durable.Instance{InstanceID: "checkout-4", ExecutionID: "execution-1"},
			Name:          "Checkout",
			Status:        durable.OrchestrationStatusRunning,
			CreatedAt:     eventTime,
			LastUpdatedAt: eventTime,
		}

		err = store.UpdateState(ctx, other)
		jtest.RequireNil(t, err)

		completed := pending
		completed.Status = durable.OrchestrationStatusCompleted
		completed.Output = `"shipped"`
		completed.LastUpdatedAt = eventTime.Add(time.Hour)

		err = store.UpdateState(ctx, completed)
		jtest.RequireNil(t, err)

		states, err := store.GetStates(ctx, []string{"checkout-3", "missing", "checkout-4"})
		jtest.RequireNil(t, err)
		require.Len(t, states, 2)

		byID := make(map[string]durable.InstanceState)
		for _, s := range states {
			byID[s.Instance.InstanceID] = s
		}

		got := byID["checkout-3"]
		require.Equal(t, completed.Instance, got.Instance)
		require.Equal(t, completed.Name, got.Name)
		require.Equal(t, durable.OrchestrationStatusCompleted, got.Status)
		require.Equal(t, completed.Input, got.Input)
		require.Equal(t, completed.Output, got.Output)
		require.True(t, completed.CreatedAt.Equal(got.CreatedAt))
		require.True(t, completed.LastUpdatedAt.Equal(got.LastUpdatedAt))

		require.Equal(t, durable.OrchestrationStatusRunning, byID["checkout-4"].Status)
	})
}
