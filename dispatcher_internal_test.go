package durable

import (
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clock_testing "k8s.io/utils/clock/testing"

	internal_logger "github.com/luno/durable/internal/logger"
)

func counter(ctx *OrchestrationContext) (any, error) {
	var n int
	if err := ctx.GetInput(&n); err != nil {
		return nil, err
	}

	if n < 2 {
		return nil, ctx.ContinueAsNew(n + 1)
	}

	return n, nil
}

type dispatchTest struct {
	store      *testStore
	queue      *testQueue
	manager    *SessionManager
	dispatcher *Dispatcher

	mu        sync.Mutex
	calls     []string
	delivered int
}

func (d *dispatchTest) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, call)
}

// newDispatchTest returns a dispatcher whose nth commit fails with commitErrs[n], when set.
func newDispatchTest(t *testing.T, commitErrs ...error) *dispatchTest {
	t.Helper()

	registry := NewRegistry()
	registry.AddOrchestrator("Counter", "", counter)

	dt := &dispatchTest{
		store: newTestStore(),
		queue: newTestQueue("partition-0"),
	}
	dt.manager = newTestManager(t, dt.store)

	named := func(name string) Middleware {
		return func(next DispatchFunc) DispatchFunc {
			return func(ctx context.Context, w *WorkItem) error {
				dt.record(name)
				return next(ctx, w)
			}
		}
	}

	var commits int
	commit := CommitHistory(dt.store, clock.RealClock{})
	final := func(ctx context.Context, w *WorkItem) error {
		dt.record("commit")

		n := commits
		commits++
		if n < len(commitErrs) && commitErrs[n] != nil {
			return commitErrs[n]
		}

		return commit(ctx, w)
	}

	log := internal_logger.New(io.Discard)
	deliverer := NewDeliverer(dt.store, func(string) ControlQueue { return dt.queue }, registry, WithLogger(log))

	dt.dispatcher = NewDispatcher("test", dt.manager, NewExecutor(registry, WithLogger(log)), final,
		WithMiddleware(named("outer"), named("inner"), deliverer.Middleware()),
		WithLogger(log),
	)

	return dt
}

func (d *dispatchTest) dispatch(t *testing.T) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	return d.dispatcher.DispatchNext(ctx)
}

// redeliver routes the messages sent by the dispatcher since the last call back to the session manager.
func (d *dispatchTest) redeliver() []*Message {
	sent := d.queue.Sent()[d.delivered:]

	msgs := make([]*Message, 0, len(sent))
	for _, tm := range sent {
		d.delivered++
		msgs = append(msgs, &Message{
			TaskMessage:  *tm,
			ID:           "sent-" + strconv.Itoa(d.delivered),
			DequeueCount: 1,
			QueueName:    d.queue.Name(),
		})
	}

	d.manager.RouteMessages(d.queue, msgs)
	return msgs
}

func (d *dispatchTest) state(instanceID string) InstanceState {
	d.store.mu.Lock()
	defer d.store.mu.Unlock()

	return d.store.states[instanceID]
}

func counterStart(instance Instance, input string) *Message {
	m := startMessage("start-"+instance.ExecutionID, instance, testTime, 1)
	start := m.Event.(*ExecutionStartedEvent)
	start.Name = "Counter"
	start.Input = input
	return m
}

func TestDispatchContinueAsNew(t *testing.T) {
	dt := newDispatchTest(t)
	g1 := Instance{InstanceID: "wf-1", ExecutionID: "g1"}
	g2 := Instance{InstanceID: "wf-1", ExecutionID: nextExecutionID(g1)}
	g3 := Instance{InstanceID: "wf-1", ExecutionID: nextExecutionID(g2)}
	dt.store.addState(InstanceState{Instance: g1, Status: OrchestrationStatusPending, CreatedAt: testTime})

	start := counterStart(g1, "0")
	dt.manager.RouteMessages(dt.queue, []*Message{start})

	err := dt.dispatch(t)
	jtest.RequireNil(t, err)
	require.Equal(t, []*Message{start}, dt.queue.Deleted())

	// The next generation only exists as its start message and the record pointing at it.
	sent := dt.queue.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, g2, sent[0].Instance)

	next := sent[0].Event.(*ExecutionStartedEvent)
	require.Equal(t, g2, next.Instance)
	require.Equal(t, "Counter", next.Name)
	require.Equal(t, "1", next.Input)

	state := dt.state("wf-1")
	require.Equal(t, g2, state.Instance)
	require.Equal(t, OrchestrationStatusPending, state.Status)

	for range 2 {
		dt.redeliver()

		err := dt.dispatch(t)
		jtest.RequireNil(t, err)
	}

	// Every generation passes through the whole pipeline in its own session.
	require.Equal(t, []string{
		"outer", "inner", "commit",
		"outer", "inner", "commit",
		"outer", "inner", "commit",
	}, dt.calls)

	require.Len(t, dt.queue.Deleted(), 3)
	require.Empty(t, dt.queue.Abandoned())

	state = dt.state("wf-1")
	require.Equal(t, g3, state.Instance)
	require.Equal(t, OrchestrationStatusCompleted, state.Status)
	require.Equal(t, "2", state.Output)

	dt.store.mu.Lock()
	defer dt.store.mu.Unlock()

	require.Equal(t, 3, dt.store.appends)
	require.Equal(t, OrchestrationStatusContinuedAsNew, NewRuntimeState(dt.store.histories[g1].Events).Status())
	require.Equal(t, OrchestrationStatusContinuedAsNew, NewRuntimeState(dt.store.histories[g2].Events).Status())

	_, active := dt.manager.TryGetExistingSession("wf-1")
	require.False(t, active)
}

func TestDispatchContinueAsNewSurvivesFailedCommit(t *testing.T) {
	dt := newDispatchTest(t, nil, errors.New("transient store error"))
	g1 := Instance{InstanceID: "wf-1", ExecutionID: "g1"}
	g2 := Instance{InstanceID: "wf-1", ExecutionID: nextExecutionID(g1)}
	g3 := Instance{InstanceID: "wf-1", ExecutionID: nextExecutionID(g2)}
	dt.store.addState(InstanceState{Instance: g1, Status: OrchestrationStatusPending, CreatedAt: testTime})

	dt.manager.RouteMessages(dt.queue, []*Message{counterStart(g1, "0")})

	err := dt.dispatch(t)
	jtest.RequireNil(t, err)

	redelivered := dt.redeliver()

	err = dt.dispatch(t)
	require.ErrorContains(t, err, "transient store error")
	require.Equal(t, redelivered, dt.queue.Abandoned())

	// The generation following the failed commit was made durable before the commit was attempted.
	sent := dt.queue.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, g3, sent[1].Instance)
	require.Equal(t, "2", sent[1].Event.(*ExecutionStartedEvent).Input)

	state := dt.state("wf-1")
	require.Equal(t, g3, state.Instance)
	require.Equal(t, OrchestrationStatusPending, state.Status)

	dt.redeliver()

	err = dt.dispatch(t)
	jtest.RequireNil(t, err)

	state = dt.state("wf-1")
	require.Equal(t, g3, state.Instance)
	require.Equal(t, OrchestrationStatusCompleted, state.Status)
	require.Equal(t, "2", state.Output)
}

func TestDispatchContinueAsNewRedelivery(t *testing.T) {
	dt := newDispatchTest(t)
	g1 := Instance{InstanceID: "wf-1", ExecutionID: "g1"}
	g2 := Instance{InstanceID: "wf-1", ExecutionID: nextExecutionID(g1)}
	dt.store.addState(InstanceState{Instance: g1, Status: OrchestrationStatusPending, CreatedAt: testTime})

	res := &ExecutionResult{
		Instance: g1,
		Name:     "Counter",
		Start:    &ExecutionStartedEvent{Instance: g1, Name: "Counter", Version: "v1"},
		Actions:  []OrchestratorAction{&CompleteOrchestrationAction{Status: OrchestrationStatusContinuedAsNew, Result: "1"}},
	}

	d := NewDeliverer(dt.store, func(string) ControlQueue { return dt.queue }, NewRegistry(),
		WithClock(clock_testing.NewFakeClock(testTime)),
		WithLogger(internal_logger.New(io.Discard)),
	)

	// A work item delivered twice starts the same generation.
	jtest.RequireNil(t, d.Deliver(t.Context(), res))
	jtest.RequireNil(t, d.Deliver(t.Context(), res))

	sent := dt.queue.Sent()
	require.Len(t, sent, 2)
	require.Equal(t, g2, sent[0].Instance)
	require.Equal(t, sent[0].Event, sent[1].Event)
	require.Equal(t, "v1", sent[0].Event.(*ExecutionStartedEvent).Version)

	// Once the next generation is running the superseded work item is not delivered again.
	dt.store.addState(InstanceState{Instance: g2, Status: OrchestrationStatusRunning, CreatedAt: testTime})
	jtest.RequireNil(t, d.Deliver(t.Context(), res))
	require.Len(t, dt.queue.Sent(), 2)
}

func TestDispatchAbandonsOnPipelineError(t *testing.T) {
	dt := newDispatchTest(t, errors.New("store unavailable"))
	g1 := Instance{InstanceID: "wf-1", ExecutionID: "g1"}
	dt.store.addState(InstanceState{Instance: g1, Status: OrchestrationStatusPending, CreatedAt: testTime})

	start := counterStart(g1, "5")
	dt.manager.RouteMessages(dt.queue, []*Message{start})

	err := dt.dispatch(t)
	require.ErrorContains(t, err, "store unavailable")

	require.Equal(t, []*Message{start}, dt.queue.Abandoned())
	require.Empty(t, dt.queue.Deleted())

	_, active := dt.manager.TryGetExistingSession("wf-1")
	require.False(t, active)
}

func TestDispatchDiscardsUnprocessableMessages(t *testing.T) {
	t.Run("Completed execution", func(t *testing.T) {
		dt := newDispatchTest(t)
		g1 := Instance{InstanceID: "wf-1", ExecutionID: "g1"}
		dt.store.addHistory(g1,
			startedEvent(g1, testTime),
			&ExecutionCompletedEvent{
				EventBase: EventBase{EventID: 0, Timestamp: testTime},
				Status:    OrchestrationStatusCompleted,
			},
		)

		late := completedMessage("m-1", g1, 3, testTime.Add(time.Minute))
		dt.manager.RouteMessages(dt.queue, []*Message{late})

		err := dt.dispatch(t)
		jtest.RequireNil(t, err)

		require.Empty(t, dt.calls)
		require.Equal(t, []*Message{late}, dt.queue.Deleted())
	})

	t.Run("Execution that has not started is retried", func(t *testing.T) {
		dt := newDispatchTest(t)

		early := completedMessage("m-1", Instance{InstanceID: "wf-2", ExecutionID: "g1"}, 0, testTime)
		dt.manager.RouteMessages(dt.queue, []*Message{early})

		err := dt.dispatch(t)
		jtest.RequireNil(t, err)

		require.Empty(t, dt.calls)
		require.Equal(t, []*Message{early}, dt.queue.Abandoned())
		require.Empty(t, dt.queue.Deleted())
	})

	t.Run("Execution that never started", func(t *testing.T) {
		dt := newDispatchTest(t)

		orphan := completedMessage("m-1", Instance{InstanceID: "wf-2", ExecutionID: "g1"}, 0, testTime)
		orphan.DequeueCount = defaultPoisonThreshold
		dt.manager.RouteMessages(dt.queue, []*Message{orphan})

		err := dt.dispatch(t)
		jtest.RequireNil(t, err)

		require.Empty(t, dt.calls)
		require.Equal(t, []*Message{orphan}, dt.queue.Deleted())
		require.Empty(t, dt.queue.Abandoned())
	})
}

func TestDispatchNonDeterminism(t *testing.T) {
	dt := newDispatchTest(t)
	g1 := Instance{InstanceID: "wf-1", ExecutionID: "g1"}

	start := startedEvent(g1, testTime)
	start.Name = "Counter"
	start.Input = "5"
	dt.store.addHistory(g1,
		start,
		&TaskScheduledEvent{EventBase: EventBase{EventID: 0, Timestamp: testTime}, Name: "Charge"},
	)

	msg := completedMessage("m-1", g1, 0, testTime.Add(time.Second))
	dt.manager.RouteMessages(dt.queue, []*Message{msg})

	err := dt.dispatch(t)
	jtest.Require(t, ErrNonDeterministic, err)

	require.Empty(t, dt.calls)
	require.Equal(t, []*Message{msg}, dt.queue.Abandoned())
}

func TestChain(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next DispatchFunc) DispatchFunc {
			return func(ctx context.Context, w *WorkItem) error {
				order = append(order, name)
				return next(ctx, w)
			}
		}
	}

	h := chain(func(ctx context.Context, w *WorkItem) error {
		order = append(order, "final")
		return nil
	}, []Middleware{mw("a"), mw("b"), mw("c")})

	jtest.RequireNil(t, h(t.Context(), &WorkItem{}))
	require.Equal(t, []string{"a", "b", "c", "final"}, order)
}
