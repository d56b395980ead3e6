package durable

import (
	"context"
	"strconv"

	"github.com/luno/jettison/errors"
	"k8s.io/utils/clock"

	"github.com/luno/durable/internal/metrics"
)

// WorkItem is the result of executing a batch of messages for a session. It is handed to the dispatch pipeline
// which delivers the new actions and checkpoints the history.
type WorkItem struct {
	Session  *Session
	Messages []*Message
	Result   *ExecutionResult
}

// DispatchFunc handles an executed WorkItem. Returning an error abandons the work item's messages so that they
// are redelivered.
type DispatchFunc func(ctx context.Context, w *WorkItem) error

// Middleware wraps a DispatchFunc.
type Middleware func(next DispatchFunc) DispatchFunc

func chain(final DispatchFunc, middleware []Middleware) DispatchFunc {
	h := final
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}

	return h
}

// Dispatcher pulls sessions from a SessionManager and executes them.
type Dispatcher struct {
	name     string
	manager  *SessionManager
	executor *Executor
	pipeline DispatchFunc
	logger   *logger
	clock    clock.Clock

	poisonThreshold int
}

// NewDispatcher returns a Dispatcher whose pipeline is made of the middleware added with WithMiddleware
// followed by commit.
func NewDispatcher(name string, manager *SessionManager, executor *Executor, commit DispatchFunc, opts ...Option) *Dispatcher {
	return newDispatcher(name, manager, executor, commit, buildOptions(opts...))
}

func newDispatcher(name string, manager *SessionManager, executor *Executor, commit DispatchFunc, o options) *Dispatcher {
	return &Dispatcher{
		name:     name,
		manager:  manager,
		executor: executor,
		pipeline: chain(commit, o.middleware),
		logger: &logger{
			debugMode: o.debugMode,
			inner:     o.logger,
		},
		clock:           o.clock,
		poisonThreshold: o.poisonThreshold,
	}
}

// DispatchNext blocks until a session is available and processes it until it has no more messages. The session
// is always released.
func (d *Dispatcher) DispatchNext(ctx context.Context) error {
	s, err := d.manager.GetNextSession(ctx)
	if err != nil {
		return err
	}
	defer d.manager.ReleaseSession(s.Instance().InstanceID)

	for {
		msgs := s.TakePendingMessages()
		if len(msgs) > 0 {
			t0 := d.clock.Now()

			err := d.process(ctx, s, msgs)
			if err != nil {
				return err
			}

			metrics.ProcessLatency.WithLabelValues(d.name, "dispatch").Observe(d.clock.Since(t0).Seconds())
		}

		if s.RuntimeState().Status().IsTerminal() {
			return nil
		}

		if !s.WaitForMessages(ctx) {
			return nil
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, s *Session, msgs []*Message) error {
	q := s.Queue()
	defer func() {
		d.deleteAll(ctx, q, s.TakeDiscardedMessages())
	}()

	state := s.RuntimeState()
	events := make([]HistoryEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, msg.Event)
	}

	if state.Status().IsTerminal() {
		d.logger.Warn(ctx, "discarding messages for completed execution", d.sessionMeta(s, len(msgs)))
		d.deleteAll(ctx, q, msgs)
		return nil
	}

	if state.ExecutionStarted() == nil && firstExecutionStarted(events) == nil {
		// The start message of a new generation may still be validated by start deduplication.
		d.retryUnstarted(ctx, s, msgs)
		return nil
	}

	res, err := d.executor.Execute(ctx, state, events)
	if err != nil {
		d.abandonAll(ctx, q, msgs)
		return errors.Wrap(err, "execute session", toMKV(d.sessionMeta(s, len(msgs))))
	}

	err = d.pipeline(ctx, &WorkItem{Session: s, Messages: msgs, Result: res})
	if err != nil {
		d.abandonAll(ctx, q, msgs)
		return errors.Wrap(err, "dispatch work item", toMKV(d.sessionMeta(s, len(msgs))))
	}

	d.deleteAll(ctx, q, msgs)
	return nil
}

// retryUnstarted abandons the messages of an execution that has not started yet so that they are retried once
// its start message has been routed. Messages dequeued poisonThreshold times are deleted.
func (d *Dispatcher) retryUnstarted(ctx context.Context, s *Session, msgs []*Message) {
	q := s.Queue()

	var retry, drop []*Message
	for _, msg := range msgs {
		if msg.DequeueCount >= int64(d.poisonThreshold) {
			drop = append(drop, msg)
			continue
		}

		retry = append(retry, msg)
	}

	if len(drop) > 0 {
		d.logger.Warn(ctx, "discarding messages for execution that has not started", d.sessionMeta(s, len(drop)))
		d.deleteAll(ctx, q, drop)
	}

	if len(retry) > 0 {
		d.logger.Debug(ctx, "retrying messages for execution that has not started", d.sessionMeta(s, len(retry)))
		d.abandonAll(ctx, q, retry)
	}
}

func (d *Dispatcher) deleteAll(ctx context.Context, q ControlQueue, msgs []*Message) {
	for _, msg := range msgs {
		err := q.Delete(ctx, msg)
		if err != nil && ctx.Err() == nil {
			d.logger.Error(ctx, errors.Wrap(err, "delete message", toMKV(messageMeta(msg))))
		}
	}
}

func (d *Dispatcher) abandonAll(ctx context.Context, q ControlQueue, msgs []*Message) {
	for _, msg := range msgs {
		err := q.Abandon(ctx, msg)
		if err != nil && ctx.Err() == nil {
			d.logger.Error(ctx, errors.Wrap(err, "abandon message", toMKV(messageMeta(msg))))
		}
	}
}

func (d *Dispatcher) sessionMeta(s *Session, messages int) map[string]string {
	inst := s.Instance()
	return map[string]string{
		"instance_id":  inst.InstanceID,
		"execution_id": inst.ExecutionID,
		"queue":        s.Queue().Name(),
		"messages":     strconv.Itoa(messages),
	}
}
