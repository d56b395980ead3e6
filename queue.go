package durable

import (
	"context"
	"time"
)

// ControlQueue is an at-least-once queue holding the messages of one partition. Implementations should all be
// tested with adaptertest.RunControlQueueTest.
type ControlQueue interface {
	Name() string

	// Send enqueues a message for an orchestration instance.
	Send(ctx context.Context, m *TaskMessage) error

	// SendAt enqueues a message that stays hidden until visibleAt. It is used for timers so that they survive a
	// restart of the worker that created them.
	SendAt(ctx context.Context, m *TaskMessage, visibleAt time.Time) error

	// Receive blocks until at least one message is visible or the context is cancelled. Received messages are
	// hidden from other receivers until their visibility timeout elapses, they are abandoned or deleted.
	Receive(ctx context.Context) ([]*Message, error)

	// Delete permanently removes a received message.
	Delete(ctx context.Context, m *Message) error

	// Abandon makes a received message visible again. The message's dequeue count is incremented when it is next
	// received.
	Abandon(ctx context.Context, m *Message) error

	// VisibilityTimeout is the time a received message stays hidden.
	VisibilityTimeout() time.Duration
}
