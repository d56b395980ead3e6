package durable

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/luno/durable/internal/metrics"
)

// Worker runs orchestrations. It listens on the control queues of the partitions it is assigned by the
// RoleScheduler, executes the resulting sessions and delivers their actions.
type Worker struct {
	name  string
	clock clock.Clock

	// mu guards ctx and cancel which are set by Run and read by Stop.
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc

	once   sync.Once
	logger *logger
	opts   options

	scheduler  RoleScheduler
	partitions []ControlQueue

	manager    *SessionManager
	dispatcher *Dispatcher

	internalStateMu sync.Mutex
	// internalState holds the State of all the processes using their process names as the key.
	internalState map[string]State
	// launching tracks the number of goroutines initiated but not yet running so that Run only returns once all
	// the processes are recorded in internalState.
	launching sync.WaitGroup
}

// NewWorker returns a Worker for the provided partitions. The partition id of each queue is its name and all the
// Workers sharing the partitions must provide them in the same order.
func NewWorker(
	name string,
	registry *Registry,
	store Store,
	scheduler RoleScheduler,
	partitions []ControlQueue,
	opts ...Option,
) *Worker {
	o := buildOptions(opts...)

	router := PartitionRouter(partitions...)
	deliverer := newDeliverer(store, router, registry, o)

	dispatchOpts := o
	dispatchOpts.middleware = append(append([]Middleware{}, o.middleware...), deliverer.Middleware())

	manager := newSessionManager(name, store, o)

	return &Worker{
		name:  name,
		clock: o.clock,
		logger: &logger{
			debugMode: o.debugMode,
			inner:     o.logger,
		},
		opts:          o,
		scheduler:     scheduler,
		partitions:    partitions,
		manager:       manager,
		dispatcher:    newDispatcher(name, manager, newExecutor(registry, o), CommitHistory(store, o.clock), dispatchOpts),
		internalState: make(map[string]State),
	}
}

func (w *Worker) Name() string {
	return w.name
}

// SessionManager returns the SessionManager fed by the Worker's partitions.
func (w *Worker) SessionManager() *SessionManager {
	return w.manager
}

// Run starts all the background processes of the Worker. Any subsequent calls to Run are a noop.
func (w *Worker) Run(ctx context.Context) {
	w.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.ctx = ctx
		w.cancel = cancel
		w.mu.Unlock()

		for _, q := range w.partitions {
			partitionID := q.Name()
			track(w, func() {
				w.run(
					makeRole(w.name, "partition", partitionID),
					makeRole("partition", partitionID),
					w.scheduler.Await,
					w.ownPartition(partitionID, q),
					w.opts.errBackOff,
				)
			})
		}

		concurrency := max(w.opts.dispatchConcurrency, 1)
		for i := range concurrency {
			track(w, func() {
				w.run(
					"",
					makeRole("dispatcher", strconv.Itoa(i+1)),
					noRole,
					w.dispatcher.DispatchNext,
					w.opts.errBackOff,
				)
			})
		}

		track(w, func() {
			w.run("", "stats-reporter", noRole, w.reportStats, w.opts.errBackOff)
		})
	})

	w.launching.Wait()
}

// ownPartition listens on the partition's queue for as long as the role is held.
func (w *Worker) ownPartition(partitionID string, q ControlQueue) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		w.manager.AddQueue(partitionID, q)
		defer w.manager.RemoveQueue(partitionID)

		<-ctx.Done()
		return ctx.Err()
	}
}

// track starts a new goroutine to execute the provided function and ensures it is tracked using launching.
func track(w *Worker, fn func()) {
	w.launching.Add(1)
	go fn()
}

// run is a standardised way of running blocking calls with a built-in retry mechanism.
func (w *Worker) run(
	role string,
	processName string,
	awaitRole awaitRoleFn,
	process func(ctx context.Context) error,
	errBackOff time.Duration,
) {
	w.updateState(processName, StateIdle)
	defer w.updateState(processName, StateShutdown)
	// Mark that another go routine has launched and been added to internal state
	w.launching.Done()

	for {
		err := runOnce(
			w.ctx,
			w.Name(),
			role,
			processName,
			w.updateState,
			awaitRole,
			process,
			w.logger,
			w.clock,
			errBackOff,
		)
		if err != nil {
			w.logger.Debug(w.ctx, "shutting down process", map[string]string{
				"role":         role,
				"process_name": processName,
			})

			return
		}
	}
}

type (
	updateStateFn func(processName string, s State)
	awaitRoleFn   func(ctx context.Context, role string) (context.Context, context.CancelFunc, error)
)

// noRole is used by processes that run on every Worker.
func noRole(ctx context.Context, role string) (context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)
	return ctx, cancel, nil
}

func runOnce(
	ctx context.Context,
	workerName string,
	role string,
	processName string,
	updateState updateStateFn,
	awaitRole awaitRoleFn,
	process func(ctx context.Context) error,
	logger *logger,
	clock clock.Clock,
	errBackOff time.Duration,
) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	updateState(processName, StateIdle)

	ctx, cancel, err := awaitRole(ctx, role)
	if errors.Is(err, context.Canceled) {
		// Exit cleanly if error returned is cancellation of context
		return err
	} else if err != nil {
		logger.Error(ctx, fmt.Errorf("run error [role=%s], [process=%s]: %v", role, processName, err))

		// Return nil to try again
		return nil
	}
	defer cancel()

	updateState(processName, StateRunning)

	err = process(ctx)
	if errors.Is(err, context.Canceled) {
		// Context can be cancelled by the role scheduler and thus return nil to attempt to gain the role again
		// and if the parent context was cancelled then that will exit safely.
		return nil
	} else if err != nil {
		logger.Error(ctx, fmt.Errorf("run error [role=%s], [process=%s]: %w", role, processName, err))
		metrics.ProcessErrors.WithLabelValues(workerName, processName).Inc()

		if err := wait(ctx, clock, errBackOff); err != nil {
			return nil
		}

		// Return nil to try again
		return nil
	}

	return nil
}

// Stop cancels the context provided to all the background processes that the Worker launched and waits for all
// of them to shut down gracefully.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()

	for {
		var runningProcesses int
		for _, state := range w.States() {
			switch state {
			case StateUnknown, StateShutdown:
				continue
			default:
				runningProcesses++
			}
		}

		// Once all processes have exited then return
		if runningProcesses == 0 {
			break
		}

		time.Sleep(time.Millisecond)
	}

	w.manager.Stop()
}
