package durable

import (
	"encoding/json"
	"time"
)

// Instance identifies one generation (ExecutionID) of a logical workflow instance (InstanceID). An empty
// ExecutionID on a message means the message targets whichever generation is currently active.
type Instance struct {
	InstanceID  string `json:"instance_id"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// TaskMessage is a single history event destined for an orchestration instance.
type TaskMessage struct {
	Instance       Instance
	Event          HistoryEvent
	SequenceNumber int64
}

type wireTaskMessage struct {
	Instance       Instance        `json:"instance"`
	Event          json.RawMessage `json:"event"`
	SequenceNumber int64           `json:"sequence_number"`
}

func (m TaskMessage) MarshalJSON() ([]byte, error) {
	b, err := MarshalEvent(m.Event)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wireTaskMessage{
		Instance:       m.Instance,
		Event:          b,
		SequenceNumber: m.SequenceNumber,
	})
}

func (m *TaskMessage) UnmarshalJSON(b []byte) error {
	var w wireTaskMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}

	e, err := UnmarshalEvent(w.Event)
	if err != nil {
		return err
	}

	m.Instance = w.Instance
	m.Event = e
	m.SequenceNumber = w.SequenceNumber
	return nil
}

// Message is a TaskMessage as delivered by a ControlQueue along with its delivery metadata. Messages are not
// mutated once received; a newer delivery of the same message ID replaces the older one.
type Message struct {
	TaskMessage

	// ID is the dedup key of the message and is stable across redeliveries.
	ID string
	// Receipt is the queue specific handle required to delete or abandon this particular delivery.
	Receipt         string
	DequeueCount    int64
	InsertedAt      time.Time
	NextVisibleTime time.Time
	QueueName       string
	SizeBytes       int
	// ActivityID correlates all the logs produced while routing and executing this message.
	ActivityID string
}

// Timestamp is the time the message's event was created.
func (m *Message) Timestamp() time.Time {
	if m.Event == nil {
		return time.Time{}
	}

	return m.Event.Header().Timestamp
}

// IsExecutionStarted reports whether the message starts a new top level execution. Starts of sub-orchestrations are
// excluded.
func (m *Message) IsExecutionStarted() bool {
	start, ok := m.Event.(*ExecutionStartedEvent)
	return ok && start.ParentInstance == nil
}

// MessageCollection is an ordered set of messages keyed by message ID. Adding a message with an ID that is already
// present replaces the earlier delivery in place.
type MessageCollection struct {
	messages []*Message
	index    map[string]int
}

func (c *MessageCollection) AddOrReplace(m *Message) {
	if c.index == nil {
		c.index = make(map[string]int)
	}

	if i, ok := c.index[m.ID]; ok {
		c.messages[i] = m
		return
	}

	c.index[m.ID] = len(c.messages)
	c.messages = append(c.messages, m)
}

func (c *MessageCollection) AddOrReplaceAll(msgs []*Message) {
	for _, m := range msgs {
		c.AddOrReplace(m)
	}
}

func (c *MessageCollection) Len() int {
	return len(c.messages)
}

// Messages returns a copy of the messages in insertion order.
func (c *MessageCollection) Messages() []*Message {
	out := make([]*Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Take returns all the messages and empties the collection.
func (c *MessageCollection) Take() []*Message {
	out := c.messages
	c.messages = nil
	c.index = nil
	return out
}
