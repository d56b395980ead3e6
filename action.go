package durable

import "time"

// OrchestratorAction is a side effect requested by orchestrator code that has not yet been confirmed by a history
// event. The set of implementations is closed.
type OrchestratorAction interface {
	// ActionID is the sequence id assigned when the action was emitted.
	ActionID() int

	isOrchestratorAction()
}

type ScheduleTaskAction struct {
	ID      int
	Name    string
	Version string
	Input   string
}

type CreateSubOrchestrationAction struct {
	ID         int
	InstanceID string
	Name       string
	Version    string
	Input      string
	Tags       map[string]string
}

type CreateTimerAction struct {
	ID     int
	FireAt time.Time
}

type SendEventAction struct {
	ID         int
	InstanceID string
	EventName  string
	Data       string
}

type CompleteOrchestrationAction struct {
	ID      int
	Status  OrchestrationStatus
	Result  string
	Details *FailureDetails
	// NewVersion is only used by continue-as-new and overrides the orchestrator version of the next generation.
	NewVersion string
	// CarryoverEvents are the events carried into the first history of the next generation by continue-as-new.
	CarryoverEvents []HistoryEvent
}

func (a *ScheduleTaskAction) ActionID() int           { return a.ID }
func (a *CreateSubOrchestrationAction) ActionID() int { return a.ID }
func (a *CreateTimerAction) ActionID() int            { return a.ID }
func (a *SendEventAction) ActionID() int              { return a.ID }
func (a *CompleteOrchestrationAction) ActionID() int  { return a.ID }

func (*ScheduleTaskAction) isOrchestratorAction()           {}
func (*CreateSubOrchestrationAction) isOrchestratorAction() {}
func (*CreateTimerAction) isOrchestratorAction()            {}
func (*SendEventAction) isOrchestratorAction()              {}
func (*CompleteOrchestrationAction) isOrchestratorAction()  {}

func actionName(a OrchestratorAction) string {
	switch act := a.(type) {
	case *ScheduleTaskAction:
		return "ScheduleTask(" + act.Name + ")"
	case *CreateSubOrchestrationAction:
		return "CreateSubOrchestration(" + act.Name + ")"
	case *CreateTimerAction:
		return "CreateTimer"
	case *SendEventAction:
		return "SendEvent(" + act.EventName + ")"
	case *CompleteOrchestrationAction:
		return "CompleteOrchestration(" + act.Status.String() + ")"
	default:
		return "Unknown"
	}
}

// NewHistoryEvents converts the actions of an execution into the history events that record them having been
// dispatched. The caller persists these after delivering the side effects.
func NewHistoryEvents(actions []OrchestratorAction, now time.Time) []HistoryEvent {
	events := make([]HistoryEvent, 0, len(actions))
	for _, a := range actions {
		switch act := a.(type) {
		case *ScheduleTaskAction:
			events = append(events, &TaskScheduledEvent{
				EventBase: EventBase{EventID: act.ID, Timestamp: now},
				Name:      act.Name,
				Version:   act.Version,
				Input:     act.Input,
			})
		case *CreateSubOrchestrationAction:
			events = append(events, &SubOrchestrationInstanceCreatedEvent{
				EventBase:  EventBase{EventID: act.ID, Timestamp: now},
				Name:       act.Name,
				Version:    act.Version,
				InstanceID: act.InstanceID,
				Input:      act.Input,
			})
		case *CreateTimerAction:
			events = append(events, &TimerCreatedEvent{
				EventBase: EventBase{EventID: act.ID, Timestamp: now},
				FireAt:    act.FireAt,
			})
		case *SendEventAction:
			events = append(events, &EventSentEvent{
				EventBase:  EventBase{EventID: act.ID, Timestamp: now},
				InstanceID: act.InstanceID,
				Name:       act.EventName,
				Input:      act.Data,
			})
		case *CompleteOrchestrationAction:
			events = append(events, &ExecutionCompletedEvent{
				EventBase: EventBase{EventID: act.ID, Timestamp: now},
				Status:    act.Status,
				Result:    act.Result,
				Failure:   act.Details,
			})
		}
	}

	return events
}
