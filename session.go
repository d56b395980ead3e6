package durable

import (
	"context"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Session is the in-memory representative of the active generation of an instance. It is handed out by
// SessionManager.GetNextSession and must be returned with SessionManager.ReleaseSession. A Session shares the
// lock of the SessionManager that created it.
type Session struct {
	mu    *sync.Mutex
	clock clock.Clock

	instance        Instance
	queue           ControlQueue
	state           *RuntimeState
	eTag            string
	lastCheckpoint  time.Time
	idleTimeout     time.Duration
	traceActivityID string

	pending   MessageCollection
	deferred  MessageCollection
	discarded MessageCollection

	newMessages chan struct{}
}

func (s *Session) Instance() Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.instance
}

func (s *Session) Queue() ControlQueue {
	return s.queue
}

func (s *Session) RuntimeState() *RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *Session) ETag() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.eTag
}

func (s *Session) LastCheckpointTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastCheckpoint
}

func (s *Session) IdleTimeout() time.Duration {
	return s.idleTimeout
}

func (s *Session) TraceActivityID() string {
	return s.traceActivityID
}

// AddOrReplaceMessages merges newly delivered messages into the pending buffer.
func (s *Session) AddOrReplaceMessages(msgs []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.addOrReplace(msgs)
}

// DiscardMessage records a message that belongs to a superseded generation. Discarded messages are deleted from
// the queue once the session has been processed.
func (s *Session) DiscardMessage(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discard(m)
}

// DeferMessage holds back a message that belongs to a future generation until the session is released.
func (s *Session) DeferMessage(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deferMessage(m)
}

// TakePendingMessages returns the messages ready to be executed and clears the pending buffer.
func (s *Session) TakePendingMessages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Take()
}

func (s *Session) TakeDiscardedMessages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.discarded.Take()
}

func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pending.Len()
}

func (s *Session) DeferredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deferred.Len()
}

// UpdateRuntimeState replaces the state after the execution driver has checkpointed new history.
func (s *Session) UpdateRuntimeState(state *RuntimeState, eTag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = state
	s.eTag = eTag
	s.lastCheckpoint = s.clock.Now()
	if inst, ok := state.Instance(); ok {
		s.instance = inst
	}
}

// WaitForMessages blocks until new messages are added to the session, the idle timeout elapses or ctx is done.
// It reports whether there are pending messages to process.
func (s *Session) WaitForMessages(ctx context.Context) bool {
	if s.PendingCount() > 0 {
		return true
	}

	if s.idleTimeout <= 0 {
		return false
	}

	t := s.clock.NewTimer(s.idleTimeout)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return s.PendingCount() > 0
	case <-s.newMessages:
		return s.PendingCount() > 0
	}
}

func (s *Session) addOrReplace(msgs []*Message) {
	if len(msgs) == 0 {
		return
	}

	s.pending.AddOrReplaceAll(msgs)

	select {
	case s.newMessages <- struct{}{}:
	default:
	}
}

func (s *Session) discard(m *Message) {
	s.discarded.AddOrReplace(m)
}

func (s *Session) deferMessage(m *Message) {
	s.deferred.AddOrReplace(m)
}

// takeLeftovers returns the pending and deferred messages that have not been executed.
func (s *Session) takeLeftovers() []*Message {
	leftover := s.pending.Take()
	return append(leftover, s.deferred.Take()...)
}
