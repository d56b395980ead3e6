package durable

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

type EventType int

const (
	EventTypeUnknown                           EventType = 0
	EventTypeExecutionStarted                  EventType = 1
	EventTypeExecutionCompleted                EventType = 2
	EventTypeExecutionTerminated               EventType = 3
	EventTypeTaskScheduled                     EventType = 4
	EventTypeTaskCompleted                     EventType = 5
	EventTypeTaskFailed                        EventType = 6
	EventTypeSubOrchestrationInstanceCreated   EventType = 7
	EventTypeSubOrchestrationInstanceCompleted EventType = 8
	EventTypeSubOrchestrationInstanceFailed    EventType = 9
	EventTypeTimerCreated                      EventType = 10
	EventTypeTimerFired                        EventType = 11
	EventTypeEventSent                         EventType = 12
	EventTypeEventRaised                       EventType = 13
	EventTypeOrchestratorStarted               EventType = 14
	EventTypeOrchestratorCompleted             EventType = 15
)

func (t EventType) String() string {
	switch t {
	case EventTypeExecutionStarted:
		return "ExecutionStarted"
	case EventTypeExecutionCompleted:
		return "ExecutionCompleted"
	case EventTypeExecutionTerminated:
		return "ExecutionTerminated"
	case EventTypeTaskScheduled:
		return "TaskScheduled"
	case EventTypeTaskCompleted:
		return "TaskCompleted"
	case EventTypeTaskFailed:
		return "TaskFailed"
	case EventTypeSubOrchestrationInstanceCreated:
		return "SubOrchestrationInstanceCreated"
	case EventTypeSubOrchestrationInstanceCompleted:
		return "SubOrchestrationInstanceCompleted"
	case EventTypeSubOrchestrationInstanceFailed:
		return "SubOrchestrationInstanceFailed"
	case EventTypeTimerCreated:
		return "TimerCreated"
	case EventTypeTimerFired:
		return "TimerFired"
	case EventTypeEventSent:
		return "EventSent"
	case EventTypeEventRaised:
		return "EventRaised"
	case EventTypeOrchestratorStarted:
		return "OrchestratorStarted"
	case EventTypeOrchestratorCompleted:
		return "OrchestratorCompleted"
	default:
		return "Unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// HistoryEvent is a persisted fact about the progress of a single execution. The set of implementations is closed
// and every implementation lives in this file.
type HistoryEvent interface {
	// Header returns the fields common to every event.
	Header() EventBase
	Type() EventType

	isHistoryEvent()
}

// EventBase holds the fields shared by all history events. For scheduling events (TaskScheduled, TimerCreated,
// SubOrchestrationInstanceCreated, EventSent) EventID is the sequence id assigned by the orchestrator when the
// action was emitted. Completion events carry the id of the event they complete in their own field and have an
// EventID of -1.
type EventBase struct {
	EventID   int       `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (b EventBase) Header() EventBase {
	return b
}

// ParentInstance identifies the orchestration that scheduled a sub-orchestration.
type ParentInstance struct {
	Instance        Instance `json:"instance"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	TaskScheduledID int      `json:"task_scheduled_id"`
}

type ExecutionStartedEvent struct {
	EventBase
	Instance       Instance          `json:"instance"`
	Name           string            `json:"name"`
	Version        string            `json:"version"`
	Input          string            `json:"input,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	ParentInstance *ParentInstance   `json:"parent_instance,omitempty"`
}

type ExecutionCompletedEvent struct {
	EventBase
	Status  OrchestrationStatus `json:"status"`
	Result  string              `json:"result,omitempty"`
	Failure *FailureDetails     `json:"failure,omitempty"`
}

type ExecutionTerminatedEvent struct {
	EventBase
	Input string `json:"input,omitempty"`
}

type TaskScheduledEvent struct {
	EventBase
	Name    string `json:"name"`
	Version string `json:"version"`
	Input   string `json:"input,omitempty"`
}

type TaskCompletedEvent struct {
	EventBase
	TaskScheduledID int    `json:"task_scheduled_id"`
	Result          string `json:"result,omitempty"`
}

type TaskFailedEvent struct {
	EventBase
	TaskScheduledID int             `json:"task_scheduled_id"`
	Reason          string          `json:"reason"`
	Failure         *FailureDetails `json:"failure,omitempty"`
}

type SubOrchestrationInstanceCreatedEvent struct {
	EventBase
	Name       string `json:"name"`
	Version    string `json:"version"`
	InstanceID string `json:"instance_id"`
	Input      string `json:"input,omitempty"`
}

type SubOrchestrationInstanceCompletedEvent struct {
	EventBase
	TaskScheduledID int    `json:"task_scheduled_id"`
	Result          string `json:"result,omitempty"`
}

type SubOrchestrationInstanceFailedEvent struct {
	EventBase
	TaskScheduledID int             `json:"task_scheduled_id"`
	Reason          string          `json:"reason"`
	Failure         *FailureDetails `json:"failure,omitempty"`
}

type TimerCreatedEvent struct {
	EventBase
	FireAt time.Time `json:"fire_at"`
}

type TimerFiredEvent struct {
	EventBase
	TimerID int       `json:"timer_id"`
	FireAt  time.Time `json:"fire_at"`
}

type EventSentEvent struct {
	EventBase
	InstanceID string `json:"instance_id"`
	Name       string `json:"name"`
	Input      string `json:"input,omitempty"`
}

type EventRaisedEvent struct {
	EventBase
	Name  string `json:"name"`
	Input string `json:"input,omitempty"`
}

type OrchestratorStartedEvent struct {
	EventBase
}

type OrchestratorCompletedEvent struct {
	EventBase
}

func (*ExecutionStartedEvent) Type() EventType      { return EventTypeExecutionStarted }
func (*ExecutionCompletedEvent) Type() EventType    { return EventTypeExecutionCompleted }
func (*ExecutionTerminatedEvent) Type() EventType   { return EventTypeExecutionTerminated }
func (*TaskScheduledEvent) Type() EventType         { return EventTypeTaskScheduled }
func (*TaskCompletedEvent) Type() EventType         { return EventTypeTaskCompleted }
func (*TaskFailedEvent) Type() EventType            { return EventTypeTaskFailed }
func (*TimerCreatedEvent) Type() EventType          { return EventTypeTimerCreated }
func (*TimerFiredEvent) Type() EventType            { return EventTypeTimerFired }
func (*EventSentEvent) Type() EventType             { return EventTypeEventSent }
func (*EventRaisedEvent) Type() EventType           { return EventTypeEventRaised }
func (*OrchestratorStartedEvent) Type() EventType   { return EventTypeOrchestratorStarted }
func (*OrchestratorCompletedEvent) Type() EventType { return EventTypeOrchestratorCompleted }

func (*SubOrchestrationInstanceCreatedEvent) Type() EventType {
	return EventTypeSubOrchestrationInstanceCreated
}

func (*SubOrchestrationInstanceCompletedEvent) Type() EventType {
	return EventTypeSubOrchestrationInstanceCompleted
}

func (*SubOrchestrationInstanceFailedEvent) Type() EventType {
	return EventTypeSubOrchestrationInstanceFailed
}

func (*ExecutionStartedEvent) isHistoryEvent()                  {}
func (*ExecutionCompletedEvent) isHistoryEvent()                {}
func (*ExecutionTerminatedEvent) isHistoryEvent()               {}
func (*TaskScheduledEvent) isHistoryEvent()                     {}
func (*TaskCompletedEvent) isHistoryEvent()                     {}
func (*TaskFailedEvent) isHistoryEvent()                        {}
func (*SubOrchestrationInstanceCreatedEvent) isHistoryEvent()   {}
func (*SubOrchestrationInstanceCompletedEvent) isHistoryEvent() {}
func (*SubOrchestrationInstanceFailedEvent) isHistoryEvent()    {}
func (*TimerCreatedEvent) isHistoryEvent()                      {}
func (*TimerFiredEvent) isHistoryEvent()                        {}
func (*EventSentEvent) isHistoryEvent()                         {}
func (*EventRaisedEvent) isHistoryEvent()                       {}
func (*OrchestratorStartedEvent) isHistoryEvent()               {}
func (*OrchestratorCompletedEvent) isHistoryEvent()             {}

// TaskEventID returns the sequence id that the event refers to. For completion events this is the id of the
// scheduling event being completed. Events unrelated to a scheduled action return -1.
func TaskEventID(e HistoryEvent) int {
	switch ev := e.(type) {
	case *TaskCompletedEvent:
		return ev.TaskScheduledID
	case *TaskFailedEvent:
		return ev.TaskScheduledID
	case *SubOrchestrationInstanceCompletedEvent:
		return ev.TaskScheduledID
	case *SubOrchestrationInstanceFailedEvent:
		return ev.TaskScheduledID
	case *TimerFiredEvent:
		return ev.TimerID
	case *TaskScheduledEvent, *TimerCreatedEvent, *SubOrchestrationInstanceCreatedEvent, *EventSentEvent:
		return e.Header().EventID
	default:
		return -1
	}
}

func newEvent(t EventType) (HistoryEvent, error) {
	switch t {
	case EventTypeExecutionStarted:
		return &ExecutionStartedEvent{}, nil
	case EventTypeExecutionCompleted:
		return &ExecutionCompletedEvent{}, nil
	case EventTypeExecutionTerminated:
		return &ExecutionTerminatedEvent{}, nil
	case EventTypeTaskScheduled:
		return &TaskScheduledEvent{}, nil
	case EventTypeTaskCompleted:
		return &TaskCompletedEvent{}, nil
	case EventTypeTaskFailed:
		return &TaskFailedEvent{}, nil
	case EventTypeSubOrchestrationInstanceCreated:
		return &SubOrchestrationInstanceCreatedEvent{}, nil
	case EventTypeSubOrchestrationInstanceCompleted:
		return &SubOrchestrationInstanceCompletedEvent{}, nil
	case EventTypeSubOrchestrationInstanceFailed:
		return &SubOrchestrationInstanceFailedEvent{}, nil
	case EventTypeTimerCreated:
		return &TimerCreatedEvent{}, nil
	case EventTypeTimerFired:
		return &TimerFiredEvent{}, nil
	case EventTypeEventSent:
		return &EventSentEvent{}, nil
	case EventTypeEventRaised:
		return &EventRaisedEvent{}, nil
	case EventTypeOrchestratorStarted:
		return &OrchestratorStartedEvent{}, nil
	case EventTypeOrchestratorCompleted:
		return &OrchestratorCompletedEvent{}, nil
	default:
		return nil, errors.Wrap(ErrUnknownEventType, "", j.MKV{"event_type": int(t)})
	}
}

type eventEnvelope struct {
	Type  EventType       `json:"type"`
	Event json.RawMessage `json:"event"`
}

// MarshalEvent encodes a history event with its type so that it can be decoded with UnmarshalEvent.
func MarshalEvent(e HistoryEvent) ([]byte, error) {
	if e == nil {
		return nil, errors.Wrap(ErrUnknownEventType, "nil event")
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	return json.Marshal(eventEnvelope{
		Type:  e.Type(),
		Event: b,
	})
}

func UnmarshalEvent(b []byte) (HistoryEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}

	e, err := newEvent(env.Type)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(env.Event, e); err != nil {
		return nil, errors.Wrap(err, "decode history event", j.MKV{"event_type": env.Type.String()})
	}

	return e, nil
}
