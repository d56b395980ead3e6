package durable

import (
	"fmt"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	ErrNonDeterministic          = errors.New("non-deterministic orchestrator detected", j.C("ERR_4f1e0c9d2a6b7e31"))
	ErrExecutionIDAlreadySet     = errors.New("execution id already set on batch", j.C("ERR_9a2d51c7e0b34f86"))
	ErrRuntimeStateAlreadySet    = errors.New("runtime state already set on batch", j.C("ERR_c3b8e2f1a9d04567"))
	ErrSessionNotFound           = errors.New("no active session for instance", j.C("ERR_1d7f6a3e8c2b9054"))
	ErrOrchestratorNotRegistered = errors.New("orchestrator not registered", j.C("ERR_6e0a4b2c9f1d8735"))
	ErrActivityNotRegistered     = errors.New("activity not registered", j.C("ERR_b5c9d3e7f2a16048"))
	ErrTaskCanceled              = errors.New("task was canceled", j.C("ERR_82f4a6c1e9b3d507"))
	ErrHistoryNotFound           = errors.New("history not found", j.C("ERR_0c6e9b1f4d7a2358"))
	ErrETagMismatch              = errors.New("history etag mismatch", j.C("ERR_e7a1c5d9b3f20846"))
	ErrMessageNotFound           = errors.New("message not found", j.C("ERR_3a9f7e2d6c1b0584"))
	ErrUnknownEventType          = errors.New("unknown history event type", j.C("ERR_5b2e8d4a1f9c7063"))
	ErrInvalidInstance           = errors.New("instance id must not be empty", j.C("ERR_d8c3f1a7e5b29064"))
	ErrContinueAsNewNotCalled    = errors.New("continue as new has not been called", j.C("ERR_7c4b0e2a9d6f1583"))
	ErrNoRoute                   = errors.New("no control queue for instance", j.C("ERR_2e6d9a0b4c8f1375"))
	ErrInstanceExists            = errors.New("instance already exists", j.C("ERR_a4f8c2e6b0d97153"))
)

// NonDeterminismError is returned when replayed history does not match the actions produced by the
// orchestrator code. It is fatal to the current execution attempt.
type NonDeterminismError struct {
	EventID int
	Message string
}

func (e *NonDeterminismError) Error() string {
	return fmt.Sprintf("non-deterministic orchestration detected at event %d: %s", e.EventID, e.Message)
}

func (e *NonDeterminismError) Is(target error) bool {
	return target == ErrNonDeterministic
}

func nonDeterministic(eventID int, format string, args ...any) error {
	return &NonDeterminismError{
		EventID: eventID,
		Message: fmt.Sprintf(format, args...),
	}
}

// FailureDetails is the serialisable form of an error raised by an activity or orchestrator.
type FailureDetails struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	Details      string `json:"details,omitempty"`
}

func (f *FailureDetails) Error() string {
	if f.ErrorType == "" {
		return f.ErrorMessage
	}
	return f.ErrorType + ": " + f.ErrorMessage
}

// NewFailureDetails captures the type and message of err.
func NewFailureDetails(err error) *FailureDetails {
	if err == nil {
		return nil
	}

	var fd *FailureDetails
	if errors.As(err, &fd) {
		return fd
	}

	return &FailureDetails{
		ErrorType:    fmt.Sprintf("%T", err),
		ErrorMessage: err.Error(),
	}
}

// TaskFailedError is the error an activity's Task resolves with when the activity failed.
type TaskFailedError struct {
	Reason      string
	ScheduledID int
	Name        string
	Version     string
	Cause       *FailureDetails
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task '%s' (#%d) failed: %s", e.Name, e.ScheduledID, e.Reason)
}

func (e *TaskFailedError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// SubOrchestrationFailedError is the error a sub-orchestration's Task resolves with when the child failed.
type SubOrchestrationFailedError struct {
	Reason      string
	ScheduledID int
	Name        string
	Version     string
	Cause       *FailureDetails
}

func (e *SubOrchestrationFailedError) Error() string {
	return fmt.Sprintf("sub-orchestration '%s' (#%d) failed: %s", e.Name, e.ScheduledID, e.Reason)
}

func (e *SubOrchestrationFailedError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}
