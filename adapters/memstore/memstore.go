package memstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/luno/durable"
)

// New returns an in-memory Store keeping the history of every execution and the record of every instance.
func New(opts ...Option) *Store {
	opt := options{
		clock: clock.RealClock{},
	}

	for _, o := range opts {
		o(&opt)
	}

	return &Store{
		clock:     opt.clock,
		histories: make(map[string]map[string]*history),
		latest:    make(map[string]string),
		states:    make(map[string]durable.InstanceState),
	}
}

type options struct {
	clock clock.Clock
}

type Option func(o *options)

func WithClock(clock clock.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

var _ durable.Store = (*Store)(nil)

type history struct {
	events         []durable.HistoryEvent
	eTag           string
	lastCheckpoint time.Time
}

type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	eTagIncrement int64

	// histories is keyed by instance id and then by execution id.
	histories map[string]map[string]*history
	// latest holds the execution id of the most recently created history of each instance.
	latest map[string]string
	states map[string]durable.InstanceState
}

func (s *Store) GetHistoryEvents(ctx context.Context, instanceID, executionID string) (*durable.History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if executionID == "" {
		executionID = s.latest[instanceID]
	}

	h, ok := s.histories[instanceID][executionID]
	if !ok {
		return &durable.History{}, nil
	}

	events := make([]durable.HistoryEvent, len(h.events))
	copy(events, h.events)

	return &durable.History{
		Events:             events,
		ETag:               h.eTag,
		LastCheckpointTime: h.lastCheckpoint,
	}, nil
}

func (s *Store) GetStates(ctx context.Context, instanceIDs []string) ([]durable.InstanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var states []durable.InstanceState
	for _, id := range instanceIDs {
		state, ok := s.states[id]
		if !ok {
			continue
		}

		states = append(states, state)
	}

	return states, nil
}

func (s *Store) AppendHistory(ctx context.Context, instance durable.Instance, events []durable.HistoryEvent, eTag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	executions, ok := s.histories[instance.InstanceID]
	if !ok {
		executions = make(map[string]*history)
		s.histories[instance.InstanceID] = executions
	}

	h, ok := executions[instance.ExecutionID]
	var current string
	if ok {
		current = h.eTag
	}

	if eTag != current {
		return "", errors.Wrap(durable.ErrETagMismatch, "", j.MKV{
			"instance_id":  instance.InstanceID,
			"execution_id": instance.ExecutionID,
		})
	}

	if !ok {
		h = &history{}
		executions[instance.ExecutionID] = h
		s.latest[instance.InstanceID] = instance.ExecutionID
	}

	s.eTagIncrement++
	h.events = append(h.events, events...)
	h.eTag = strconv.FormatInt(s.eTagIncrement, 10)
	h.lastCheckpoint = s.clock.Now()

	return h.eTag, nil
}

func (s *Store) UpdateState(ctx context.Context, state durable.InstanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.Instance.InstanceID] = state
	return nil
}
