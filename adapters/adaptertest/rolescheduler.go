package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/durable"
)

type parentKey struct{}

// RunRoleSchedulerTest runs the conformance tests every RoleScheduler must pass. The factory returns the
// requested number of schedulers sharing the same roles, as if each belonged to a different Worker.
func RunRoleSchedulerTest(t *testing.T, factory func(t *testing.T, instances int) []durable.RoleScheduler) {
	tests := []func(t *testing.T, factory func(t *testing.T, instances int) []durable.RoleScheduler){
		testReturnedContext,
		testLocking,
		testReleasing,
		testAwaitCancellation,
	}

	for _, test := range tests {
		test(t, factory)
	}
}

func testReturnedContext(t *testing.T, factory func(t *testing.T, instances int) []durable.RoleScheduler) {
	t.Run("Ensure that the passed in context is a parent of the returned context", func(t *testing.T) {
		rs := factory(t, 1)[0]
		ctxWithValue := context.WithValue(t.Context(), parentKey{}, "context")

		ctx, cancel, err := rs.Await(ctxWithValue, "partition-0")
		jtest.RequireNil(t, err)
		t.Cleanup(cancel)

		require.Equal(t, "context", ctx.Value(parentKey{}))
	})
}

func testLocking(t *testing.T, factory func(t *testing.T, instances int) []durable.RoleScheduler) {
	t.Run("Ensure role is locked and successive calls are blocked", func(t *testing.T) {
		rs := factory(t, 2)

		_, cancel, err := rs[0].Await(t.Context(), "partition-1")
		jtest.RequireNil(t, err)
		t.Cleanup(cancel)

		ctx, cancel2 := context.WithCancel(t.Context())
		t.Cleanup(cancel2)

		roleGained := make(chan bool, 1)
		go func() {
			// The role is released when ctx is cancelled on cleanup.
			_, _, err := rs[1].Await(ctx, "partition-1")
			if err != nil {
				return
			}

			roleGained <- true
		}()

		select {
		case <-time.After(time.Second):
			// Pass - the role has not been released
		case <-roleGained:
			t.Fatal("role assigned to two holders")
		}
	})
}

func testReleasing(t *testing.T, factory func(t *testing.T, instances int) []durable.RoleScheduler) {
	t.Run("Ensure role is released on cancellation", func(t *testing.T) {
		rs := factory(t, 2)

		_, cancel, err := rs[0].Await(t.Context(), "partition-2")
		jtest.RequireNil(t, err)

		ctx, cancel2 := context.WithCancel(t.Context())
		t.Cleanup(cancel2)

		roleGained := make(chan bool, 1)
		go func() {
			_, _, err := rs[1].Await(ctx, "partition-2")
			if err != nil {
				return
			}

			roleGained <- true
		}()

		cancel()

		select {
		case <-time.After(3 * time.Second):
			t.Fatal("role was not released")
		case <-roleGained:
			// Pass - cancelling the first holder's context releases the role.
		}
	})
}

func testAwaitCancellation(t *testing.T, factory func(t *testing.T, instances int) []durable.RoleScheduler) {
	t.Run("Ensure a blocked Await returns when its context is cancelled", func(t *testing.T) {
		rs := factory(t, 2)

		_, cancel, err := rs[0].Await(t.Context(), "partition-3")
		jtest.RequireNil(t, err)
		t.Cleanup(cancel)

		ctx, cancel2 := context.WithCancel(t.Context())

		returned := make(chan error, 1)
		go func() {
			_, _, err := rs[1].Await(ctx, "partition-3")
			returned <- err
		}()

		cancel2()

		select {
		case <-time.After(3 * time.Second):
			t.Fatal("Await did not return after cancellation")
		case err := <-returned:
			require.ErrorIs(t, err, context.Canceled)
		}
	})
}
