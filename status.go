package durable

type OrchestrationStatus int

const (
	OrchestrationStatusUnknown        OrchestrationStatus = 0
	OrchestrationStatusPending        OrchestrationStatus = 1
	OrchestrationStatusRunning        OrchestrationStatus = 2
	OrchestrationStatusCompleted      OrchestrationStatus = 3
	OrchestrationStatusContinuedAsNew OrchestrationStatus = 4
	OrchestrationStatusFailed         OrchestrationStatus = 5
	OrchestrationStatusCanceled       OrchestrationStatus = 6
	OrchestrationStatusTerminated     OrchestrationStatus = 7
)

func (s OrchestrationStatus) String() string {
	switch s {
	case OrchestrationStatusPending:
		return "Pending"
	case OrchestrationStatusRunning:
		return "Running"
	case OrchestrationStatusCompleted:
		return "Completed"
	case OrchestrationStatusContinuedAsNew:
		return "ContinuedAsNew"
	case OrchestrationStatusFailed:
		return "Failed"
	case OrchestrationStatusCanceled:
		return "Canceled"
	case OrchestrationStatusTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further events will be processed for the execution. ContinuedAsNew is terminal
// for the execution but not for the instance.
func (s OrchestrationStatus) IsTerminal() bool {
	switch s {
	case OrchestrationStatusCompleted,
		OrchestrationStatusContinuedAsNew,
		OrchestrationStatusFailed,
		OrchestrationStatusCanceled,
		OrchestrationStatusTerminated:
		return true
	default:
		return false
	}
}
