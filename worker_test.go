package durable_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/durable"
	"github.com/luno/durable/adapters/memqueue"
	"github.com/luno/durable/adapters/memrolescheduler"
	"github.com/luno/durable/adapters/memstore"
	internal_logger "github.com/luno/durable/internal/logger"
)

func checkout(ctx *durable.OrchestrationContext) (any, error) {
	var sku string
	if err := ctx.GetInput(&sku); err != nil {
		return nil, err
	}

	var reservation string
	if err := ctx.ScheduleTask("Reserve", "", sku).Await(&reservation); err != nil {
		return nil, err
	}

	var doubled int
	if err := ctx.CreateSubOrchestration("Double", "", 21).Await(&doubled); err != nil {
		return nil, err
	}

	var approved bool
	if err := ctx.WaitForExternalEvent("approval").Await(&approved); err != nil {
		return nil, err
	}

	return fmt.Sprintf("%s:%d:%t", reservation, doubled, approved), nil
}

func double(ctx *durable.OrchestrationContext) (any, error) {
	var n int
	if err := ctx.GetInput(&n); err != nil {
		return nil, err
	}

	return n * 2, nil
}

func countdown(ctx *durable.OrchestrationContext) (any, error) {
	var n int
	if err := ctx.GetInput(&n); err != nil {
		return nil, err
	}

	if n > 0 {
		return nil, ctx.ContinueAsNew(n - 1)
	}

	return "liftoff", nil
}

func waiter(ctx *durable.OrchestrationContext) (any, error) {
	return nil, ctx.WaitForExternalEvent("never").Await(nil)
}

func sleeper(ctx *durable.OrchestrationContext) (any, error) {
	err := ctx.CreateTimer(ctx.CurrentTime().Add(2 * time.Second)).Await(nil)
	if err != nil {
		return nil, err
	}

	return "awake", nil
}

// startWorker runs a Worker over store and queues until it is stopped or the test ends.
func startWorker(t *testing.T, store durable.Store, queues []durable.ControlQueue) *durable.Worker {
	t.Helper()

	registry := durable.NewRegistry()
	registry.AddOrchestrator("Checkout", "", checkout)
	registry.AddOrchestrator("Double", "", double)
	registry.AddOrchestrator("Countdown", "", countdown)
	registry.AddOrchestrator("Waiter", "", waiter)
	registry.AddOrchestrator("Sleeper", "", sleeper)
	registry.AddActivity("Reserve", "", func(ctx context.Context, in durable.ActivityInput) (any, error) {
		var sku string
		if err := in.Decode(&sku); err != nil {
			return nil, err
		}

		return "reserved-" + sku, nil
	})

	w := durable.NewWorker("checkout-worker", registry, store, memrolescheduler.New(), queues,
		durable.WithLogger(internal_logger.New(io.Discard)),
		durable.WithDispatchConcurrency(2),
		durable.WithErrBackOff(10*time.Millisecond),
	)

	w.Run(t.Context())
	t.Cleanup(w.Stop)

	return w
}

func runWorker(t *testing.T) *durable.Client {
	t.Helper()

	store := memstore.New()
	queues := []durable.ControlQueue{
		memqueue.New("partition-0"),
		memqueue.New("partition-1"),
	}

	startWorker(t, store, queues)

	return durable.NewClient(store, durable.PartitionRouter(queues...))
}

func awaitStatus(t *testing.T, client *durable.Client, instanceID string, status durable.OrchestrationStatus) *durable.InstanceState {
	t.Helper()

	var state *durable.InstanceState
	require.Eventually(t, func() bool {
		s, err := client.GetState(t.Context(), instanceID)
		if err != nil {
			return false
		}

		state = s
		return s.Status == status
	}, 10*time.Second, 10*time.Millisecond)

	return state
}

func TestWorker(t *testing.T) {
	client := runWorker(t)

	t.Run("Activities, sub-orchestrations and external events", func(t *testing.T) {
		ctx := t.Context()

		instance, err := client.ScheduleNewOrchestration(ctx, "Checkout", "", "sku-1", durable.WithInstanceID("checkout-1"))
		jtest.RequireNil(t, err)
		require.Equal(t, "checkout-1", instance.InstanceID)

		awaitStatus(t, client, "checkout-1", durable.OrchestrationStatusRunning)

		err = client.RaiseEvent(ctx, "checkout-1", "Approval", true)
		jtest.RequireNil(t, err)

		state := awaitStatus(t, client, "checkout-1", durable.OrchestrationStatusCompleted)
		require.Equal(t, instance, state.Instance)
		require.Equal(t, `"reserved-sku-1:42:true"`, state.Output)

		child := awaitStatus(t, client, instance.ExecutionID+":1", durable.OrchestrationStatusCompleted)
		require.Equal(t, "42", child.Output)
	})

	t.Run("Continue as new", func(t *testing.T) {
		instance, err := client.ScheduleNewOrchestration(t.Context(), "Countdown", "", 3, durable.WithInstanceID("countdown-1"))
		jtest.RequireNil(t, err)

		state := awaitStatus(t, client, "countdown-1", durable.OrchestrationStatusCompleted)
		require.Equal(t, `"liftoff"`, state.Output)
		require.NotEqual(t, instance.ExecutionID, state.Instance.ExecutionID)
	})

	t.Run("Terminate", func(t *testing.T) {
		ctx := t.Context()

		_, err := client.ScheduleNewOrchestration(ctx, "Waiter", "", nil, durable.WithInstanceID("waiter-1"))
		jtest.RequireNil(t, err)

		awaitStatus(t, client, "waiter-1", durable.OrchestrationStatusRunning)

		err = client.TerminateOrchestration(ctx, "waiter-1", "no longer needed")
		jtest.RequireNil(t, err)

		state := awaitStatus(t, client, "waiter-1", durable.OrchestrationStatusTerminated)
		require.Equal(t, "no longer needed", state.Output)
	})

	t.Run("Unregistered orchestrators fail", func(t *testing.T) {
		_, err := client.ScheduleNewOrchestration(t.Context(), "Unknown", "", nil, durable.WithInstanceID("unknown-1"))
		jtest.RequireNil(t, err)

		awaitStatus(t, client, "unknown-1", durable.OrchestrationStatusFailed)
	})
}

func TestWorkerRestartWithPendingTimer(t *testing.T) {
	store := memstore.New()
	queues := []durable.ControlQueue{memqueue.New("partition-0")}
	client := durable.NewClient(store, durable.PartitionRouter(queues...))

	first := startWorker(t, store, queues)

	_, err := client.ScheduleNewOrchestration(t.Context(), "Sleeper", "", nil, durable.WithInstanceID("sleeper-1"))
	jtest.RequireNil(t, err)

	awaitStatus(t, client, "sleeper-1", durable.OrchestrationStatusRunning)

	// The timer is still pending when the worker that created it goes away.
	first.Stop()

	startWorker(t, store, queues)

	state := awaitStatus(t, client, "sleeper-1", durable.OrchestrationStatusCompleted)
	require.Equal(t, `"awake"`, state.Output)
}
