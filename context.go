package durable

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Orchestrator is the function implementing an orchestration. It must be deterministic: given the same history
// it must make the same calls on the OrchestrationContext in the same order.
type Orchestrator func(ctx *OrchestrationContext) (any, error)

// FireAndForgetTag marks a sub-orchestration whose result is not awaited by its parent.
const FireAndForgetTag = "FireAndForget"

// blockedSignal and faultSignal are used to unwind the orchestrator's stack from within Task.Await.
type (
	blockedSignal struct{}
	faultSignal   struct{ err error }
)

// OrchestrationContext interprets the history of one execution and drives the orchestrator forward. It is used
// by a single goroutine and is discarded after each execution.
type OrchestrationContext struct {
	ctx      context.Context
	logger   *logger
	registry *Registry

	instance    Instance
	name        string
	version     string
	rawInput    string
	isReplaying bool
	currentTime time.Time
	started     bool

	oldEvents    []HistoryEvent
	newEvents    []HistoryEvent
	historyIndex int

	// sequenceCounter is the source of every action id and must only be advanced by orchestrator calls.
	sequenceCounter int
	openTasks       map[int]*Task
	actions         map[int]OrchestratorAction
	completed       bool

	continueAsNew         *CompleteOrchestrationAction
	keepUnprocessedEvents bool
	carriedOver           bool

	bufferedEvents    map[string][]*EventRaisedEvent
	pendingEventTasks map[string][]*Task
}

// NewOrchestrationContext returns a context without history. History can be fed to it with the Handle methods.
// A nil Logger writes to stdout.
func NewOrchestrationContext(ctx context.Context, instance Instance, l Logger) *OrchestrationContext {
	if l == nil {
		l = defaultOptions().logger
	}

	return newOrchestrationContext(ctx, &logger{inner: l}, nil, instance, nil, nil)
}

func newOrchestrationContext(
	ctx context.Context,
	logger *logger,
	registry *Registry,
	instance Instance,
	oldEvents []HistoryEvent,
	newEvents []HistoryEvent,
) *OrchestrationContext {
	return &OrchestrationContext{
		ctx:               ctx,
		logger:            logger,
		registry:          registry,
		instance:          instance,
		oldEvents:         oldEvents,
		newEvents:         newEvents,
		openTasks:         make(map[int]*Task),
		actions:           make(map[int]OrchestratorAction),
		bufferedEvents:    make(map[string][]*EventRaisedEvent),
		pendingEventTasks: make(map[string][]*Task),
	}
}

func (c *OrchestrationContext) Instance() Instance { return c.instance }
func (c *OrchestrationContext) InstanceID() string { return c.instance.InstanceID }
func (c *OrchestrationContext) ExecutionID() string {
	return c.instance.ExecutionID
}
func (c *OrchestrationContext) Name() string    { return c.name }
func (c *OrchestrationContext) Version() string { return c.version }

// IsReplaying is true while the orchestrator is being driven by events that were recorded in an earlier
// execution.
func (c *OrchestrationContext) IsReplaying() bool {
	return c.isReplaying
}

// CurrentTime is the deterministic time of the orchestration and must be used instead of the wall clock.
func (c *OrchestrationContext) CurrentTime() time.Time {
	return c.currentTime
}

// GetInput decodes the orchestration's input into v.
func (c *OrchestrationContext) GetInput(v any) error {
	return Unmarshal(c.rawInput, v)
}

func (c *OrchestrationContext) nextID() int {
	id := c.sequenceCounter
	c.sequenceCounter++
	return id
}

// ScheduleTask schedules an activity and returns a task resolving with its result.
func (c *OrchestrationContext) ScheduleTask(name, version string, input any) *Task {
	raw, err := Marshal(input)
	if err != nil {
		return failedTask(c, errors.Wrap(err, "marshal task input", j.MKV{"name": name}))
	}

	id := c.nextID()
	c.actions[id] = &ScheduleTaskAction{
		ID:      id,
		Name:    name,
		Version: version,
		Input:   raw,
	}

	t := newTask(c, id, name, version)
	c.openTasks[id] = t
	return t
}

type subOrchestrationOptions struct {
	instanceID string
	tags       map[string]string
}

type SubOrchestrationOption func(o *subOrchestrationOptions)

// WithSubOrchestrationInstanceID sets the instance id of the child. It defaults to the parent's execution id
// joined with the action's sequence id.
func WithSubOrchestrationInstanceID(id string) SubOrchestrationOption {
	return func(o *subOrchestrationOptions) {
		o.instanceID = id
	}
}

func WithTags(tags map[string]string) SubOrchestrationOption {
	return func(o *subOrchestrationOptions) {
		if o.tags == nil {
			o.tags = make(map[string]string)
		}

		for k, v := range tags {
			o.tags[k] = v
		}
	}
}

// WithFireAndForget starts the child without awaiting its result.
func WithFireAndForget() SubOrchestrationOption {
	return WithTags(map[string]string{FireAndForgetTag: "true"})
}

// CreateSubOrchestration starts a child orchestration. Unless the child is fire and forget the returned task
// resolves with the child's output. Fire and forget children return an already completed task.
func (c *OrchestrationContext) CreateSubOrchestration(name, version string, input any, opts ...SubOrchestrationOption) *Task {
	var o subOrchestrationOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := Marshal(input)
	if err != nil {
		return failedTask(c, errors.Wrap(err, "marshal sub-orchestration input", j.MKV{"name": name}))
	}

	id := c.nextID()

	instanceID := o.instanceID
	if strings.TrimSpace(instanceID) == "" {
		instanceID = c.instance.ExecutionID + ":" + strconv.Itoa(id)
	}

	c.actions[id] = &CreateSubOrchestrationAction{
		ID:         id,
		InstanceID: instanceID,
		Name:       name,
		Version:    version,
		Input:      raw,
		Tags:       o.tags,
	}

	if _, ok := o.tags[FireAndForgetTag]; ok {
		return completedTask(c, "")
	}

	t := newTask(c, id, name, version)
	c.openTasks[id] = t
	return t
}

type timerOptions struct {
	cancellation *CancellationToken
}

type TimerOption func(o *timerOptions)

// WithTimerCancellation attaches the timer to token. Cancelling the token resolves the timer's task with
// ErrTaskCanceled without emitting any action.
func WithTimerCancellation(token *CancellationToken) TimerOption {
	return func(o *timerOptions) {
		o.cancellation = token
	}
}

// CreateTimer schedules a durable timer firing at fireAt.
func (c *OrchestrationContext) CreateTimer(fireAt time.Time, opts ...TimerOption) *Task {
	var o timerOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := c.nextID()
	c.actions[id] = &CreateTimerAction{
		ID:     id,
		FireAt: fireAt,
	}

	t := newTask(c, id, "", "")
	c.openTasks[id] = t

	if o.cancellation != nil {
		o.cancellation.register(func() {
			if t.done {
				return
			}

			t.cancel()
			delete(c.openTasks, id)
		})
	}

	return t
}

// SendEvent raises an event on another instance. No result is awaited.
func (c *OrchestrationContext) SendEvent(target Instance, eventName string, data any) error {
	if strings.TrimSpace(target.InstanceID) == "" {
		return errors.Wrap(ErrInvalidInstance, "send event", j.MKV{"event_name": eventName})
	}

	raw, err := Marshal(data)
	if err != nil {
		return errors.Wrap(err, "marshal event data", j.MKV{"event_name": eventName})
	}

	id := c.nextID()
	c.actions[id] = &SendEventAction{
		ID:         id,
		InstanceID: target.InstanceID,
		EventName:  eventName,
		Data:       raw,
	}

	return nil
}

// WaitForExternalEvent returns a task resolving with the input of the next event raised with the name. Event
// names are case-insensitive and each raised event resolves exactly one task.
func (c *OrchestrationContext) WaitForExternalEvent(name string) *Task {
	key := strings.ToUpper(name)

	t := newTask(c, -1, name, "")
	if buffered := c.bufferedEvents[key]; len(buffered) > 0 {
		e := buffered[0]
		if len(buffered) > 1 {
			c.bufferedEvents[key] = buffered[1:]
		} else {
			delete(c.bufferedEvents, key)
		}

		t.complete(e.Input)
		return t
	}

	c.pendingEventTasks[key] = append(c.pendingEventTasks[key], t)
	return t
}

type continueAsNewOptions struct {
	newVersion            string
	keepUnprocessedEvents bool
}

type ContinueAsNewOption func(o *continueAsNewOptions)

// WithNewVersion runs the next generation with a different orchestrator version.
func WithNewVersion(version string) ContinueAsNewOption {
	return func(o *continueAsNewOptions) {
		o.newVersion = version
	}
}

// WithKeepUnprocessedEvents carries raised events that were not consumed into the next generation.
func WithKeepUnprocessedEvents() ContinueAsNewOption {
	return func(o *continueAsNewOptions) {
		o.keepUnprocessedEvents = true
	}
}

// ContinueAsNew completes the current generation once the orchestrator returns and starts a new one with input.
// It takes precedence over the orchestrator's return value.
func (c *OrchestrationContext) ContinueAsNew(input any, opts ...ContinueAsNewOption) error {
	var o continueAsNewOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := Marshal(input)
	if err != nil {
		return errors.Wrap(err, "marshal continue-as-new input")
	}

	c.continueAsNew = &CompleteOrchestrationAction{
		Status:     OrchestrationStatusContinuedAsNew,
		Result:     raw,
		NewVersion: o.newVersion,
	}
	c.keepUnprocessedEvents = o.keepUnprocessedEvents

	return nil
}

func (c *OrchestrationContext) HasContinueAsNew() bool {
	return c.continueAsNew != nil
}

// AddEventToNextIteration carries e into the first history of the next generation.
func (c *OrchestrationContext) AddEventToNextIteration(e HistoryEvent) error {
	if c.continueAsNew == nil {
		return errors.Wrap(ErrContinueAsNewNotCalled, "add event to next iteration")
	}

	c.continueAsNew.CarryoverEvents = append(c.continueAsNew.CarryoverEvents, e)
	return nil
}

// CompleteOrchestration records the terminal action of the execution. Only the first call is recorded, except
// that a pending continue-as-new replaces an ordinary Completed outcome. A continue-as-new requested after the
// execution was terminated or failed is dropped so that termination is final. Every call consumes a sequence id.
func (c *OrchestrationContext) CompleteOrchestration(result string, details *FailureDetails, status OrchestrationStatus) {
	id := c.nextID()

	if c.completed {
		return
	}
	c.completed = true

	var action *CompleteOrchestrationAction
	if status == OrchestrationStatusCompleted && c.continueAsNew != nil {
		action = c.continueAsNew
	} else {
		action = &CompleteOrchestrationAction{
			Status:  status,
			Result:  result,
			Details: details,
		}
	}

	action.ID = id
	c.actions[id] = action
}

// FailOrchestration completes the execution as Failed with the details of err.
func (c *OrchestrationContext) FailOrchestration(err error) {
	if err == nil {
		return
	}

	c.CompleteOrchestration(err.Error(), NewFailureDetails(err), OrchestrationStatusFailed)
}

func (c *OrchestrationContext) IsCompleted() bool {
	return c.completed
}

func (c *OrchestrationContext) HasOpenTasks() bool {
	return len(c.openTasks) > 0
}

// OrchestratorActions returns the actions that have not been confirmed by history ordered by sequence id. These
// are the new work the execution driver must dispatch.
func (c *OrchestrationContext) OrchestratorActions() []OrchestratorAction {
	c.carryOverUnprocessedEvents()

	ids := make([]int, 0, len(c.actions))
	for id := range c.actions {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	actions := make([]OrchestratorAction, 0, len(ids))
	for _, id := range ids {
		actions = append(actions, c.actions[id])
	}

	return actions
}

func (c *OrchestrationContext) carryOverUnprocessedEvents() {
	if c.carriedOver || !c.keepUnprocessedEvents || c.continueAsNew == nil {
		return
	}
	c.carriedOver = true

	keys := make([]string, 0, len(c.bufferedEvents))
	for k := range c.bufferedEvents {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, e := range c.bufferedEvents[k] {
			c.continueAsNew.CarryoverEvents = append(c.continueAsNew.CarryoverEvents, e)
		}
	}
}

func (c *OrchestrationContext) nextEvent() (HistoryEvent, bool) {
	total := len(c.oldEvents) + len(c.newEvents)
	if c.historyIndex >= total {
		return nil, false
	}

	var e HistoryEvent
	if c.historyIndex < len(c.oldEvents) {
		c.isReplaying = true
		e = c.oldEvents[c.historyIndex]
	} else {
		c.isReplaying = false
		e = c.newEvents[c.historyIndex-len(c.oldEvents)]
	}

	c.historyIndex++
	return e, true
}

// processNextEvent is called by Task.Await. It unwinds the orchestrator when history is exhausted or when the
// event cannot be reconciled with the orchestrator's actions.
func (c *OrchestrationContext) processNextEvent() {
	e, ok := c.nextEvent()
	if !ok {
		panic(blockedSignal{})
	}

	if err := c.processEvent(e); err != nil {
		panic(faultSignal{err: err})
	}
}

// replay processes all the history. It returns a non-nil error only when the orchestrator is non-deterministic
// or the history is malformed.
func (c *OrchestrationContext) replay() (err error) {
	defer func() {
		r := recover()
		switch sig := r.(type) {
		case nil, blockedSignal:
		case faultSignal:
			err = sig.err
		default:
			panic(r)
		}
	}()

	for {
		e, ok := c.nextEvent()
		if !ok {
			return nil
		}

		if err := c.processEvent(e); err != nil {
			return err
		}
	}
}

func (c *OrchestrationContext) processEvent(e HistoryEvent) error {
	switch ev := e.(type) {
	case *OrchestratorStartedEvent:
		c.currentTime = ev.Timestamp
	case *OrchestratorCompletedEvent:
	case *ExecutionStartedEvent:
		return c.onExecutionStarted(ev)
	case *ExecutionCompletedEvent:
		// Confirms the completion recorded by an earlier execution.
		if a, ok := c.actions[ev.EventID].(*CompleteOrchestrationAction); ok && a != nil {
			delete(c.actions, ev.EventID)
		}
	case *ExecutionTerminatedEvent:
		c.HandleExecutionTerminatedEvent(ev)
	case *TaskScheduledEvent:
		return c.HandleTaskScheduledEvent(ev)
	case *TaskCompletedEvent:
		c.HandleTaskCompletedEvent(ev)
	case *TaskFailedEvent:
		c.HandleTaskFailedEvent(ev)
	case *SubOrchestrationInstanceCreatedEvent:
		return c.HandleSubOrchestrationCreatedEvent(ev)
	case *SubOrchestrationInstanceCompletedEvent:
		c.HandleSubOrchestrationInstanceCompletedEvent(ev)
	case *SubOrchestrationInstanceFailedEvent:
		c.HandleSubOrchestrationInstanceFailedEvent(ev)
	case *TimerCreatedEvent:
		return c.HandleTimerCreatedEvent(ev)
	case *TimerFiredEvent:
		c.HandleTimerFiredEvent(ev)
	case *EventSentEvent:
		return c.HandleEventSentEvent(ev)
	case *EventRaisedEvent:
		c.HandleEventRaisedEvent(ev)
	default:
		return errors.Wrap(ErrUnknownEventType, "process history event", j.MKV{"event_type": fmt.Sprintf("%T", e)})
	}

	return nil
}

func (c *OrchestrationContext) onExecutionStarted(e *ExecutionStartedEvent) error {
	if c.started {
		c.logDuplicate(e, -1)
		return nil
	}
	c.started = true

	if e.Instance.InstanceID != "" {
		c.instance = e.Instance
	}
	c.name = e.Name
	c.version = e.Version
	c.rawInput = e.Input
	if c.currentTime.IsZero() {
		c.currentTime = e.Timestamp
	}

	if c.registry == nil {
		c.FailOrchestration(errors.Wrap(ErrOrchestratorNotRegistered, "", j.MKV{"name": e.Name}))
		return nil
	}

	orchestrator, err := c.registry.orchestrator(e.Name, e.Version)
	if err != nil {
		c.FailOrchestration(err)
		return nil
	}

	output, appErr := c.invoke(orchestrator)
	if appErr != nil {
		c.FailOrchestration(appErr)
		return nil
	}

	result, err := Marshal(output)
	if err != nil {
		c.FailOrchestration(errors.Wrap(err, "marshal orchestrator output", j.MKV{"name": e.Name}))
		return nil
	}

	c.CompleteOrchestration(result, nil, OrchestrationStatusCompleted)
	return nil
}

// invoke runs the orchestrator converting panics raised by user code into errors. Signals raised by Task.Await
// are passed through.
func (c *OrchestrationContext) invoke(o Orchestrator) (output any, err error) {
	defer func() {
		r := recover()
		switch r.(type) {
		case nil:
		case blockedSignal, faultSignal:
			panic(r)
		default:
			err = fmt.Errorf("orchestrator panic: %v", r)
		}
	}()

	return o(c)
}

// HandleTaskScheduledEvent confirms that the orchestrator scheduled the recorded activity at the same sequence id.
func (c *OrchestrationContext) HandleTaskScheduledEvent(e *TaskScheduledEvent) error {
	id := e.EventID
	a, ok := c.actions[id]
	if !ok {
		return nonDeterministic(id, "a previous execution scheduled activity '%s' (version '%s') with sequence id %d "+
			"but the current execution has not scheduled it", e.Name, e.Version, id)
	}

	act, ok := a.(*ScheduleTaskAction)
	if !ok {
		return nonDeterministic(id, "a previous execution scheduled activity '%s' with sequence id %d but the "+
			"current execution emitted %s instead", e.Name, id, actionName(a))
	}

	if !strings.EqualFold(e.Name, act.Name) {
		return nonDeterministic(id, "a previous execution scheduled activity '%s' with sequence id %d but the "+
			"current execution scheduled activity '%s'", e.Name, id, act.Name)
	}

	delete(c.actions, id)
	return nil
}

func (c *OrchestrationContext) HandleTimerCreatedEvent(e *TimerCreatedEvent) error {
	id := e.EventID
	a, ok := c.actions[id]
	if !ok {
		return nonDeterministic(id, "a previous execution created a timer with sequence id %d but the current "+
			"execution has not created it", id)
	}

	if _, ok := a.(*CreateTimerAction); !ok {
		return nonDeterministic(id, "a previous execution created a timer with sequence id %d but the current "+
			"execution emitted %s instead", id, actionName(a))
	}

	delete(c.actions, id)
	return nil
}

func (c *OrchestrationContext) HandleSubOrchestrationCreatedEvent(e *SubOrchestrationInstanceCreatedEvent) error {
	id := e.EventID
	a, ok := c.actions[id]
	if !ok {
		return nonDeterministic(id, "a previous execution created sub-orchestration '%s' (version '%s', instance "+
			"'%s') with sequence id %d but the current execution has not created it", e.Name, e.Version, e.InstanceID, id)
	}

	act, ok := a.(*CreateSubOrchestrationAction)
	if !ok {
		return nonDeterministic(id, "a previous execution created sub-orchestration '%s' with sequence id %d but "+
			"the current execution emitted %s instead", e.Name, id, actionName(a))
	}

	if !strings.EqualFold(e.Name, act.Name) {
		return nonDeterministic(id, "a previous execution created sub-orchestration '%s' with sequence id %d but "+
			"the current execution created sub-orchestration '%s'", e.Name, id, act.Name)
	}

	delete(c.actions, id)
	return nil
}

func (c *OrchestrationContext) HandleEventSentEvent(e *EventSentEvent) error {
	id := e.EventID
	a, ok := c.actions[id]
	if !ok {
		return nonDeterministic(id, "a previous execution sent event '%s' to instance '%s' with sequence id %d "+
			"but the current execution has not sent it", e.Name, e.InstanceID, id)
	}

	act, ok := a.(*SendEventAction)
	if !ok {
		return nonDeterministic(id, "a previous execution sent event '%s' with sequence id %d but the current "+
			"execution emitted %s instead", e.Name, id, actionName(a))
	}

	if !strings.EqualFold(e.Name, act.EventName) {
		return nonDeterministic(id, "a previous execution sent event '%s' with sequence id %d but the current "+
			"execution sent event '%s'", e.Name, id, act.EventName)
	}

	delete(c.actions, id)
	return nil
}

func (c *OrchestrationContext) HandleTaskCompletedEvent(e *TaskCompletedEvent) {
	t, ok := c.openTasks[e.TaskScheduledID]
	if !ok {
		c.logDuplicate(e, e.TaskScheduledID)
		return
	}

	delete(c.openTasks, e.TaskScheduledID)
	t.complete(e.Result)
}

func (c *OrchestrationContext) HandleTaskFailedEvent(e *TaskFailedEvent) {
	t, ok := c.openTasks[e.TaskScheduledID]
	if !ok {
		c.logDuplicate(e, e.TaskScheduledID)
		return
	}

	delete(c.openTasks, e.TaskScheduledID)
	t.fail(&TaskFailedError{
		Reason:      e.Reason,
		ScheduledID: e.TaskScheduledID,
		Name:        t.name,
		Version:     t.version,
		Cause:       e.Failure,
	})
}

func (c *OrchestrationContext) HandleSubOrchestrationInstanceCompletedEvent(e *SubOrchestrationInstanceCompletedEvent) {
	t, ok := c.openTasks[e.TaskScheduledID]
	if !ok {
		c.logDuplicate(e, e.TaskScheduledID)
		return
	}

	delete(c.openTasks, e.TaskScheduledID)
	t.complete(e.Result)
}

func (c *OrchestrationContext) HandleSubOrchestrationInstanceFailedEvent(e *SubOrchestrationInstanceFailedEvent) {
	t, ok := c.openTasks[e.TaskScheduledID]
	if !ok {
		c.logDuplicate(e, e.TaskScheduledID)
		return
	}

	delete(c.openTasks, e.TaskScheduledID)
	t.fail(&SubOrchestrationFailedError{
		Reason:      e.Reason,
		ScheduledID: e.TaskScheduledID,
		Name:        t.name,
		Version:     t.version,
		Cause:       e.Failure,
	})
}

func (c *OrchestrationContext) HandleTimerFiredEvent(e *TimerFiredEvent) {
	t, ok := c.openTasks[e.TimerID]
	if !ok {
		c.logDuplicate(e, e.TimerID)
		return
	}

	delete(c.openTasks, e.TimerID)
	t.complete("")
}

// HandleEventRaisedEvent resolves the oldest task waiting for the event's name or buffers the event until an
// orchestrator waits for it.
func (c *OrchestrationContext) HandleEventRaisedEvent(e *EventRaisedEvent) {
	key := strings.ToUpper(e.Name)

	waiting := c.pendingEventTasks[key]
	if len(waiting) == 0 {
		c.bufferedEvents[key] = append(c.bufferedEvents[key], e)
		return
	}

	t := waiting[0]
	if len(waiting) > 1 {
		c.pendingEventTasks[key] = waiting[1:]
	} else {
		delete(c.pendingEventTasks, key)
	}

	t.complete(e.Input)
}

func (c *OrchestrationContext) HandleExecutionTerminatedEvent(e *ExecutionTerminatedEvent) {
	c.CompleteOrchestration(e.Input, nil, OrchestrationStatusTerminated)
}

func (c *OrchestrationContext) logDuplicate(e HistoryEvent, taskID int) {
	c.logger.Warn(c.ctx, "duplicate history event ignored", map[string]string{
		"instance_id":  c.instance.InstanceID,
		"execution_id": c.instance.ExecutionID,
		"event_type":   e.Type().String(),
		"task_id":      strconv.Itoa(taskID),
		"timestamp":    e.Header().Timestamp.Format(time.RFC3339Nano),
	})
}
