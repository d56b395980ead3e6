package durable

import (
	"context"
	"time"
)

// History is the ordered event log of a single execution along with its concurrency token.
type History struct {
	Events             []HistoryEvent
	ETag               string
	LastCheckpointTime time.Time
}

// InstanceState is the authoritative record of the latest generation of an instance.
type InstanceState struct {
	Instance      Instance
	Name          string
	Status        OrchestrationStatus
	Input         string
	Output        string
	CreatedAt     time.Time
	LastUpdatedAt time.Time
}

// HistoryStore implementations should all be tested with adaptertest.RunHistoryStoreTest.
type HistoryStore interface {
	// GetHistoryEvents returns the history for the provided execution. An empty executionID refers to the latest
	// execution of the instance. An instance without any history returns an empty History and no error.
	GetHistoryEvents(ctx context.Context, instanceID, executionID string) (*History, error)

	// GetStates returns the records of the provided instances. Instances without a record are omitted.
	GetStates(ctx context.Context, instanceIDs []string) ([]InstanceState, error)
}

// HistoryWriter is used by the execution driver to checkpoint the result of an execution.
type HistoryWriter interface {
	// AppendHistory appends events to the history of the execution provided that eTag matches the current
	// concurrency token of that history. An empty eTag is expected when the history does not exist yet. The new
	// concurrency token is returned and ErrETagMismatch is returned when the tokens differ.
	AppendHistory(ctx context.Context, instance Instance, events []HistoryEvent, eTag string) (string, error)

	// UpdateState creates or overwrites the record of an instance.
	UpdateState(ctx context.Context, state InstanceState) error
}

type Store interface {
	HistoryStore
	HistoryWriter
}
