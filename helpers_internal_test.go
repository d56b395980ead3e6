package durable

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	internal_logger "github.com/luno/durable/internal/logger"
)

var testTime = time.Date(2024, time.April, 2, 10, 0, 0, 0, time.UTC)

// testQueue is a ControlQueue whose deliveries are pushed by the test.
type testQueue struct {
	name     string
	incoming chan []*Message

	mu        sync.Mutex
	sent      []*TaskMessage
	visibleAt map[*TaskMessage]time.Time
	deleted   []*Message
	abandoned []*Message
}

func newTestQueue(name string) *testQueue {
	return &testQueue{
		name:     name,
		incoming:  make(chan []*Message, 16),
		visibleAt: make(map[*TaskMessage]time.Time),
	}
}

var (
	_ ControlQueue = (*testQueue)(nil)
	_ Store        = (*testStore)(nil)
)

func (q *testQueue) Name() string { return q.name }

func (q *testQueue) Send(ctx context.Context, m *TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sent = append(q.sent, m)
	return nil
}

func (q *testQueue) SendAt(ctx context.Context, m *TaskMessage, visibleAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sent = append(q.sent, m)
	q.visibleAt[m] = visibleAt
	return nil
}

func (q *testQueue) Receive(ctx context.Context) ([]*Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msgs := <-q.incoming:
		return msgs, nil
	}
}

func (q *testQueue) Delete(ctx context.Context, m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleted = append(q.deleted, m)
	return nil
}

func (q *testQueue) Abandon(ctx context.Context, m *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.abandoned = append(q.abandoned, m)
	return nil
}

func (q *testQueue) VisibilityTimeout() time.Duration { return 30 * time.Second }

func (q *testQueue) Deleted() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]*Message(nil), q.deleted...)
}

func (q *testQueue) Abandoned() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]*Message(nil), q.abandoned...)
}

func (q *testQueue) Sent() []*TaskMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]*TaskMessage(nil), q.sent...)
}

// VisibleAt returns the time a message sent with SendAt becomes visible and the zero time for others.
func (q *testQueue) VisibleAt(m *TaskMessage) time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.visibleAt[m]
}

// testStore is a HistoryStore holding fixed histories and records.
type testStore struct {
	mu        sync.Mutex
	histories map[Instance]*History
	latest    map[string]string
	states    map[string]InstanceState

	// historyErrs is the number of GetHistoryEvents calls that fail before calls succeed.
	historyErrs int
	statesErr   error
	getCalls    int
	appends     int
}

func newTestStore() *testStore {
	return &testStore{
		histories: make(map[Instance]*History),
		latest:    make(map[string]string),
		states:    make(map[string]InstanceState),
	}
}

func (s *testStore) addHistory(instance Instance, events ...HistoryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.histories[instance] = &History{Events: events, ETag: strconv.Itoa(len(events))}
	s.latest[instance.InstanceID] = instance.ExecutionID
}

func (s *testStore) addState(state InstanceState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.Instance.InstanceID] = state
}

func (s *testStore) GetHistoryEvents(ctx context.Context, instanceID, executionID string) (*History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getCalls++
	if s.historyErrs > 0 {
		s.historyErrs--
		return nil, context.DeadlineExceeded
	}

	if executionID == "" {
		executionID = s.latest[instanceID]
	}

	h, ok := s.histories[Instance{InstanceID: instanceID, ExecutionID: executionID}]
	if !ok {
		return &History{}, nil
	}

	return h, nil
}

func (s *testStore) GetStates(ctx context.Context, instanceIDs []string) ([]InstanceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statesErr != nil {
		return nil, s.statesErr
	}

	var states []InstanceState
	for _, id := range instanceIDs {
		if st, ok := s.states[id]; ok {
			states = append(states, st)
		}
	}

	return states, nil
}

func (s *testStore) AppendHistory(ctx context.Context, instance Instance, events []HistoryEvent, eTag string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.histories[instance]
	if !ok {
		h = &History{}
		s.histories[instance] = h
	}

	if h.ETag != eTag {
		return "", ErrETagMismatch
	}

	h.Events = append(h.Events, events...)
	h.ETag = strconv.Itoa(len(h.Events))
	s.latest[instance.InstanceID] = instance.ExecutionID
	s.appends++
	return h.ETag, nil
}

func (s *testStore) UpdateState(ctx context.Context, state InstanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[state.Instance.InstanceID] = state
	return nil
}

func startedEvent(instance Instance, at time.Time) *ExecutionStartedEvent {
	return &ExecutionStartedEvent{
		EventBase: EventBase{EventID: -1, Timestamp: at},
		Instance:  instance,
		Name:      "Checkout",
		Input:     `"basket"`,
	}
}

func completedMessage(id string, instance Instance, taskID int, at time.Time) *Message {
	return &Message{
		TaskMessage: TaskMessage{
			Instance: instance,
			Event: &TaskCompletedEvent{
				EventBase:       EventBase{EventID: -1, Timestamp: at},
				TaskScheduledID: taskID,
				Result:          `"ok"`,
			},
		},
		ID:           id,
		DequeueCount: 1,
		QueueName:    "partition-0",
	}
}

// newTestManager returns a SessionManager that is stopped when the test ends.
func newTestManager(t *testing.T, store HistoryStore, opts ...Option) *SessionManager {
	t.Helper()

	opts = append([]Option{
		WithLogger(internal_logger.New(&bytes.Buffer{})),
		WithRequeueDelay(5 * time.Millisecond),
		WithPrefetchErrBackOff(time.Millisecond),
	}, opts...)

	m := NewSessionManager("test", store, opts...)
	t.Cleanup(m.Stop)
	return m
}

func nextSession(t *testing.T, m *SessionManager) *Session {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	s, err := m.GetNextSession(ctx)
	if err != nil {
		t.Fatalf("get next session: %v", err)
	}

	return s
}
