package durable

import "time"

// RuntimeState is the history of a single execution as fetched from the HistoryStore.
type RuntimeState struct {
	events    []HistoryEvent
	started   *ExecutionStartedEvent
	completed *ExecutionCompletedEvent
}

func NewRuntimeState(events []HistoryEvent) *RuntimeState {
	s := &RuntimeState{
		events: events,
	}

	for _, e := range events {
		switch ev := e.(type) {
		case *ExecutionStartedEvent:
			if s.started == nil {
				s.started = ev
			}
		case *ExecutionCompletedEvent:
			s.completed = ev
		}
	}

	return s
}

// Events returns the history in the order it was recorded.
func (s *RuntimeState) Events() []HistoryEvent {
	if s == nil {
		return nil
	}

	return s.events
}

// ExecutionStarted returns nil when the execution has not yet started.
func (s *RuntimeState) ExecutionStarted() *ExecutionStartedEvent {
	if s == nil {
		return nil
	}

	return s.started
}

// CreatedTime is the timestamp of the start event and is zero when the execution has not yet started.
func (s *RuntimeState) CreatedTime() time.Time {
	if s == nil || s.started == nil {
		return time.Time{}
	}

	return s.started.Timestamp
}

// Instance returns the identity recorded in the start event.
func (s *RuntimeState) Instance() (Instance, bool) {
	if s == nil || s.started == nil {
		return Instance{}, false
	}

	return s.started.Instance, true
}

func (s *RuntimeState) Status() OrchestrationStatus {
	switch {
	case s == nil || s.started == nil:
		return OrchestrationStatusPending
	case s.completed != nil:
		return s.completed.Status
	default:
		return OrchestrationStatusRunning
	}
}
