package durable

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"
)

// QueueRouter returns the control queue of the partition owning the instance or nil when there is none.
type QueueRouter func(instanceID string) ControlQueue

// PartitionRouter assigns instances to queues by hashing the instance id. Every process sharing the queues must
// be provided them in the same order.
func PartitionRouter(queues ...ControlQueue) QueueRouter {
	return func(instanceID string) ControlQueue {
		if len(queues) == 0 {
			return nil
		}

		h := fnv.New32a()
		_, _ = h.Write([]byte(instanceID))
		return queues[h.Sum32()%uint32(len(queues))]
	}
}

// Deliverer sends the messages resulting from an execution's actions. Activities are run inline and their
// results are sent back to the instance. Timers are sent with a delay so that the queue holds them until they
// are due.
type Deliverer struct {
	store    Store
	router   QueueRouter
	registry *Registry
	clock    clock.Clock
	logger   *logger
}

func NewDeliverer(store Store, router QueueRouter, registry *Registry, opts ...Option) *Deliverer {
	return newDeliverer(store, router, registry, buildOptions(opts...))
}

func newDeliverer(store Store, router QueueRouter, registry *Registry, o options) *Deliverer {
	return &Deliverer{
		store:    store,
		router:   router,
		registry: registry,
		clock:    o.clock,
		logger: &logger{
			debugMode: o.debugMode,
			inner:     o.logger,
		},
	}
}

// Middleware delivers the actions of a work item before passing it on. Delivery happens before the history is
// committed so a failed commit results in redelivery rather than lost messages.
func (d *Deliverer) Middleware() Middleware {
	return func(next DispatchFunc) DispatchFunc {
		return func(ctx context.Context, w *WorkItem) error {
			if err := d.Deliver(ctx, w.Result); err != nil {
				return err
			}

			return next(ctx, w)
		}
	}
}

// Deliver sends the messages for each of the result's actions.
func (d *Deliverer) Deliver(ctx context.Context, res *ExecutionResult) error {
	self := res.Instance

	for _, a := range res.Actions {
		var err error
		switch act := a.(type) {
		case *ScheduleTaskAction:
			err = d.runActivity(ctx, self, act)
		case *CreateSubOrchestrationAction:
			err = d.startSubOrchestration(ctx, res, act)
		case *SendEventAction:
			err = d.send(ctx, Instance{InstanceID: act.InstanceID}, &EventRaisedEvent{
				EventBase: EventBase{EventID: -1, Timestamp: d.clock.Now()},
				Name:      act.EventName,
				Input:     act.Data,
			})
		case *CreateTimerAction:
			err = d.scheduleTimer(ctx, self, act)
		case *CompleteOrchestrationAction:
			if act.Status == OrchestrationStatusContinuedAsNew {
				err = d.continueAsNew(ctx, res, act)
			} else {
				err = d.notifyParent(ctx, res, act)
			}
		}

		if err != nil {
			return errors.Wrap(err, "deliver action", j.MKV{
				"instance_id":  self.InstanceID,
				"execution_id": self.ExecutionID,
				"action":       actionName(a),
				"action_id":    a.ActionID(),
			})
		}
	}

	return nil
}

func (d *Deliverer) runActivity(ctx context.Context, self Instance, act *ScheduleTaskAction) error {
	scheduled := &TaskScheduledEvent{
		EventBase: EventBase{EventID: act.ID, Timestamp: d.clock.Now()},
		Name:      act.Name,
		Version:   act.Version,
		Input:     act.Input,
	}

	outcome := d.registry.RunActivity(ctx, self, scheduled, d.clock.Now())
	return d.send(ctx, self, outcome)
}

func (d *Deliverer) startSubOrchestration(ctx context.Context, res *ExecutionResult, act *CreateSubOrchestrationAction) error {
	var version string
	if res.Start != nil {
		version = res.Start.Version
	}

	child := Instance{
		InstanceID:  act.InstanceID,
		ExecutionID: uuid.NewString(),
	}

	return d.send(ctx, child, &ExecutionStartedEvent{
		EventBase: EventBase{EventID: -1, Timestamp: d.clock.Now()},
		Instance:  child,
		Name:      act.Name,
		Version:   act.Version,
		Input:     act.Input,
		Tags:      act.Tags,
		ParentInstance: &ParentInstance{
			Instance:        res.Instance,
			Name:            res.Name,
			Version:         version,
			TaskScheduledID: act.ID,
		},
	})
}

func (d *Deliverer) notifyParent(ctx context.Context, res *ExecutionResult, act *CompleteOrchestrationAction) error {
	if res.Start == nil || res.Start.ParentInstance == nil {
		return nil
	}

	if _, ok := res.Start.Tags[FireAndForgetTag]; ok {
		return nil
	}

	parent := res.Start.ParentInstance
	base := EventBase{EventID: -1, Timestamp: d.clock.Now()}

	switch act.Status {
	case OrchestrationStatusCompleted:
		return d.send(ctx, parent.Instance, &SubOrchestrationInstanceCompletedEvent{
			EventBase:       base,
			TaskScheduledID: parent.TaskScheduledID,
			Result:          act.Result,
		})
	default:
		return d.send(ctx, parent.Instance, &SubOrchestrationInstanceFailedEvent{
			EventBase:       base,
			TaskScheduledID: parent.TaskScheduledID,
			Reason:          act.Result,
			Failure:         act.Details,
		})
	}
}

// continueAsNew starts the next generation through the instance's queue. The instance record is moved to the
// next generation before the start message is sent so that start deduplication keeps the message. The next
// execution id is derived from the current one which makes a redelivered work item start the same generation.
func (d *Deliverer) continueAsNew(ctx context.Context, res *ExecutionResult, act *CompleteOrchestrationAction) error {
	self := res.Instance
	next := Instance{
		InstanceID:  self.InstanceID,
		ExecutionID: nextExecutionID(self),
	}

	meta := j.MKV{
		"instance_id":       self.InstanceID,
		"execution_id":      self.ExecutionID,
		"next_execution_id": next.ExecutionID,
	}

	states, err := d.store.GetStates(ctx, []string{self.InstanceID})
	if err != nil {
		return errors.Wrap(err, "lookup instance state", meta)
	}

	var record *InstanceState
	if len(states) > 0 {
		record = &states[0]
	}

	now := d.clock.Now()

	switch {
	case record == nil || strings.EqualFold(record.Instance.ExecutionID, self.ExecutionID):
		err := d.store.UpdateState(ctx, InstanceState{
			Instance:      next,
			Name:          res.Name,
			Status:        OrchestrationStatusPending,
			Input:         act.Result,
			CreatedAt:     now,
			LastUpdatedAt: now,
		})
		if err != nil {
			return errors.Wrap(err, "update instance state", meta)
		}
	case !strings.EqualFold(record.Instance.ExecutionID, next.ExecutionID) || record.Status != OrchestrationStatusPending:
		// A redelivered work item of a generation that has already been superseded.
		d.logger.Debug(ctx, "next generation already started", map[string]string{
			"instance_id":       self.InstanceID,
			"execution_id":      self.ExecutionID,
			"next_execution_id": next.ExecutionID,
			"record_status":     record.Status.String(),
		})
		return nil
	}

	start := &ExecutionStartedEvent{
		EventBase: EventBase{EventID: -1, Timestamp: now},
		Instance:  next,
		Name:      res.Name,
		Version:   act.NewVersion,
		Input:     act.Result,
	}
	if res.Start != nil {
		if start.Version == "" {
			start.Version = res.Start.Version
		}
		start.Tags = res.Start.Tags
		start.ParentInstance = res.Start.ParentInstance
	}

	if err := d.send(ctx, next, start); err != nil {
		return err
	}

	for _, e := range act.CarryoverEvents {
		if err := d.send(ctx, next, e); err != nil {
			return err
		}
	}

	return nil
}

// nextExecutionID returns the execution id of the generation following prev.
func nextExecutionID(prev Instance) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("durable://"+prev.InstanceID+"/"+prev.ExecutionID)).String()
}

// scheduleTimer sends the TimerFiredEvent to be visible once the timer is due.
func (d *Deliverer) scheduleTimer(ctx context.Context, self Instance, act *CreateTimerAction) error {
	q := d.router(self.InstanceID)
	if q == nil {
		return errors.Wrap(ErrNoRoute, "", j.MKV{"instance_id": self.InstanceID})
	}

	return q.SendAt(ctx, &TaskMessage{
		Instance: self,
		Event: &TimerFiredEvent{
			EventBase: EventBase{EventID: -1, Timestamp: act.FireAt},
			TimerID:   act.ID,
			FireAt:    act.FireAt,
		},
	}, act.FireAt)
}

func (d *Deliverer) send(ctx context.Context, to Instance, e HistoryEvent) error {
	q := d.router(to.InstanceID)
	if q == nil {
		return errors.Wrap(ErrNoRoute, "", j.MKV{"instance_id": to.InstanceID})
	}

	return q.Send(ctx, &TaskMessage{
		Instance: to,
		Event:    e,
	})
}
