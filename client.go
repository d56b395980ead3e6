package durable

import (
	"context"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"
)

// Client starts and signals orchestration instances.
type Client struct {
	store  Store
	router QueueRouter
	clock  clock.Clock
}

func NewClient(store Store, router QueueRouter, opts ...Option) *Client {
	o := buildOptions(opts...)
	return &Client{
		store:  store,
		router: router,
		clock:  o.clock,
	}
}

type startOptions struct {
	instanceID string
	tags       map[string]string
}

type StartOption func(o *startOptions)

// WithInstanceID sets the id of the new instance. A random id is used otherwise.
func WithInstanceID(id string) StartOption {
	return func(o *startOptions) {
		o.instanceID = id
	}
}

func WithStartTags(tags map[string]string) StartOption {
	return func(o *startOptions) {
		o.tags = tags
	}
}

// ScheduleNewOrchestration creates the record of a new instance and sends the message starting its first
// generation. ErrInstanceExists is returned when the instance exists and has not reached a terminal status.
func (c *Client) ScheduleNewOrchestration(ctx context.Context, name, version string, input any, opts ...StartOption) (Instance, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.instanceID == "" {
		o.instanceID = uuid.NewString()
	}

	raw, err := Marshal(input)
	if err != nil {
		return Instance{}, errors.Wrap(err, "marshal orchestration input", j.MKV{"name": name})
	}

	states, err := c.store.GetStates(ctx, []string{o.instanceID})
	if err != nil {
		return Instance{}, err
	}

	if len(states) > 0 && !states[0].Status.IsTerminal() {
		return Instance{}, errors.Wrap(ErrInstanceExists, "", j.MKV{
			"instance_id": o.instanceID,
			"status":      states[0].Status.String(),
		})
	}

	instance := Instance{
		InstanceID:  o.instanceID,
		ExecutionID: uuid.NewString(),
	}

	now := c.clock.Now()

	// The record must exist before the message is sent for the start message to be kept by the receiver.
	err = c.store.UpdateState(ctx, InstanceState{
		Instance:      instance,
		Name:          name,
		Status:        OrchestrationStatusPending,
		Input:         raw,
		CreatedAt:     now,
		LastUpdatedAt: now,
	})
	if err != nil {
		return Instance{}, err
	}

	err = c.send(ctx, instance, &ExecutionStartedEvent{
		EventBase: EventBase{EventID: -1, Timestamp: now},
		Instance:  instance,
		Name:      name,
		Version:   version,
		Input:     raw,
		Tags:      o.tags,
	})
	if err != nil {
		return Instance{}, err
	}

	return instance, nil
}

// RaiseEvent sends an event to the active generation of the instance.
func (c *Client) RaiseEvent(ctx context.Context, instanceID, name string, data any) error {
	raw, err := Marshal(data)
	if err != nil {
		return errors.Wrap(err, "marshal event data", j.MKV{"event_name": name})
	}

	return c.send(ctx, Instance{InstanceID: instanceID}, &EventRaisedEvent{
		EventBase: EventBase{EventID: -1, Timestamp: c.clock.Now()},
		Name:      name,
		Input:     raw,
	})
}

// TerminateOrchestration completes the active generation of the instance as Terminated.
func (c *Client) TerminateOrchestration(ctx context.Context, instanceID, reason string) error {
	return c.send(ctx, Instance{InstanceID: instanceID}, &ExecutionTerminatedEvent{
		EventBase: EventBase{EventID: -1, Timestamp: c.clock.Now()},
		Input:     reason,
	})
}

// GetState returns the record of the instance.
func (c *Client) GetState(ctx context.Context, instanceID string) (*InstanceState, error) {
	states, err := c.store.GetStates(ctx, []string{instanceID})
	if err != nil {
		return nil, err
	}

	if len(states) == 0 {
		return nil, errors.Wrap(ErrHistoryNotFound, "", j.MKV{"instance_id": instanceID})
	}

	return &states[0], nil
}

func (c *Client) send(ctx context.Context, to Instance, e HistoryEvent) error {
	q := c.router(to.InstanceID)
	if q == nil {
		return errors.Wrap(ErrNoRoute, "", j.MKV{"instance_id": to.InstanceID})
	}

	return q.Send(ctx, &TaskMessage{
		Instance: to,
		Event:    e,
	})
}
