package durable

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Activity is the function implementing a task scheduled by an orchestrator. Unlike orchestrators activities
// may have side effects and are executed at least once.
type Activity func(ctx context.Context, input ActivityInput) (any, error)

// ActivityInput describes the task an activity is executing.
type ActivityInput struct {
	Instance Instance
	TaskID   int
	Name     string
	Version  string

	raw string
}

// Decode unmarshals the task's input into v.
func (a ActivityInput) Decode(v any) error {
	return Unmarshal(a.raw, v)
}

type registryKey struct {
	name    string
	version string
}

func keyOf(name, version string) registryKey {
	return registryKey{name: strings.ToUpper(name), version: version}
}

// Registry holds the orchestrators and activities known to a Worker keyed by name and version. Names are
// case-insensitive.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[registryKey]Orchestrator
	activities    map[registryKey]Activity
}

func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[registryKey]Orchestrator),
		activities:    make(map[registryKey]Activity),
	}
}

func (r *Registry) AddOrchestrator(name, version string, o Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.orchestrators[keyOf(name, version)] = o
}

func (r *Registry) AddActivity(name, version string, a Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.activities[keyOf(name, version)] = a
}

func (r *Registry) orchestrator(name, version string) (Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	o, ok := r.orchestrators[keyOf(name, version)]
	if !ok {
		return nil, errors.Wrap(ErrOrchestratorNotRegistered, "", j.MKV{"name": name, "version": version})
	}

	return o, nil
}

func (r *Registry) activity(name, version string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.activities[keyOf(name, version)]
	if !ok {
		return nil, errors.Wrap(ErrActivityNotRegistered, "", j.MKV{"name": name, "version": version})
	}

	return a, nil
}

// RunActivity executes the activity scheduled by e and returns the history event reporting its outcome, either
// a TaskCompletedEvent or a TaskFailedEvent.
func (r *Registry) RunActivity(ctx context.Context, instance Instance, e *TaskScheduledEvent, now time.Time) HistoryEvent {
	output, err := r.runActivity(ctx, instance, e)
	if err == nil {
		var result string
		result, err = Marshal(output)
		if err == nil {
			return &TaskCompletedEvent{
				EventBase:       EventBase{EventID: -1, Timestamp: now},
				TaskScheduledID: e.EventID,
				Result:          result,
			}
		}
	}

	return &TaskFailedEvent{
		EventBase:       EventBase{EventID: -1, Timestamp: now},
		TaskScheduledID: e.EventID,
		Reason:          err.Error(),
		Failure:         NewFailureDetails(err),
	}
}

func (r *Registry) runActivity(ctx context.Context, instance Instance, e *TaskScheduledEvent) (output any, err error) {
	a, err := r.activity(e.Name, e.Version)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("activity panic: %v", rec)
		}
	}()

	return a(ctx, ActivityInput{
		Instance: instance,
		TaskID:   e.EventID,
		Name:     e.Name,
		Version:  e.Version,
		raw:      e.Input,
	})
}
