package durable

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/luno/durable/internal/metrics"
)

// SessionManager receives messages from the control queues owned by this process, groups them per instance and
// hands them out as Sessions. At most one Session exists per instance at any time.
type SessionManager struct {
	name   string
	store  HistoryStore
	clock  clock.Clock
	logger *logger
	opts   options

	ctx    context.Context
	cancel context.CancelFunc
	// wg tracks all the background goroutines: receive loops, prefetches, start dedupe and delayed requeues.
	wg sync.WaitGroup

	prefetchSlots chan struct{}
	ready         *readyQueue

	queuesMu sync.Mutex
	queues   map[string]*ownedQueue

	// mu guards sessions, pending and all the Sessions that have been handed out. Checking for an active session,
	// finding a pending batch and creating a new batch must happen under a single acquisition of mu.
	mu       sync.Mutex
	sessions map[string]*Session
	pending  *pendingIndex
}

type ownedQueue struct {
	queue    ControlQueue
	cancel   context.CancelFunc
	released bool
}

// Stats is a point in time summary of the SessionManager.
type Stats struct {
	PendingInstances int
	PendingMessages  int
	ActiveSessions   int
}

func NewSessionManager(name string, store HistoryStore, opts ...Option) *SessionManager {
	return newSessionManager(name, store, buildOptions(opts...))
}

func newSessionManager(name string, store HistoryStore, o options) *SessionManager {
	ctx, cancel := context.WithCancel(context.Background())

	concurrency := o.prefetchConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	return &SessionManager{
		name:  name,
		store: store,
		clock: o.clock,
		logger: &logger{
			debugMode: o.debugMode,
			inner:     o.logger,
		},
		opts:          o,
		ctx:           ctx,
		cancel:        cancel,
		prefetchSlots: make(chan struct{}, concurrency),
		ready:         newReadyQueue(),
		queues:        make(map[string]*ownedQueue),
		sessions:      make(map[string]*Session),
		pending:       newPendingIndex(),
	}
}

// AddQueue starts receiving messages from the control queue of a newly owned partition. Adding a partition that
// is already owned is logged and ignored.
func (m *SessionManager) AddQueue(partitionID string, q ControlQueue) {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()

	if _, ok := m.queues[partitionID]; ok {
		m.logger.Warn(m.ctx, "attempted to add a control queue multiple times", map[string]string{
			"partition_id": partitionID,
			"queue":        q.Name(),
		})
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.queues[partitionID] = &ownedQueue{
		queue:  q,
		cancel: cancel,
	}

	m.wg.Add(1)
	go m.receiveLoop(ctx, partitionID, q)
}

// RemoveQueue stops receiving from the queue of a partition that is no longer owned.
func (m *SessionManager) RemoveQueue(partitionID string) {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()

	oq, ok := m.queues[partitionID]
	if !ok {
		m.logger.Warn(m.ctx, "attempted to remove a control queue which was not being watched", map[string]string{
			"partition_id": partitionID,
		})
		return
	}

	delete(m.queues, partitionID)
	oq.cancel()
}

// ReleaseQueue stops receiving from the queue of a partition while retaining ownership of it. Receiving can be
// resumed with ResumeListening.
func (m *SessionManager) ReleaseQueue(partitionID string) {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()

	oq, ok := m.queues[partitionID]
	if !ok {
		m.logger.Warn(m.ctx, "attempted to release a control queue which was not being watched", map[string]string{
			"partition_id": partitionID,
		})
		return
	}

	oq.released = true
	oq.cancel()
}

// ResumeListening restarts receiving on a partition that was released with ReleaseQueue. It reports whether
// receiving was resumed.
func (m *SessionManager) ResumeListening(partitionID string, q ControlQueue) bool {
	m.queuesMu.Lock()
	oq, ok := m.queues[partitionID]
	released := ok && oq.released
	m.queuesMu.Unlock()

	if !ok {
		return false
	}

	if !released {
		m.logger.Warn(m.ctx, "attempted to resume listening on a control queue which was not released", map[string]string{
			"partition_id": partitionID,
			"queue":        q.Name(),
		})
		return false
	}

	m.RemoveQueue(partitionID)
	m.AddQueue(partitionID, q)
	return true
}

// IsReceiving reports whether messages are being received for the partition.
func (m *SessionManager) IsReceiving(partitionID string) bool {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()

	oq, ok := m.queues[partitionID]
	return ok && !oq.released
}

// IsProcessing reports whether any active session originates from the partition's queue.
func (m *SessionManager) IsProcessing(partitionID string) bool {
	m.queuesMu.Lock()
	oq, ok := m.queues[partitionID]
	m.queuesMu.Unlock()

	if !ok {
		return false
	}

	name := oq.queue.Name()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.queue.Name() == name {
			return true
		}
	}

	return false
}

func (m *SessionManager) receiveLoop(ctx context.Context, partitionID string, q ControlQueue) {
	defer m.wg.Done()

	meta := map[string]string{
		"partition_id": partitionID,
		"queue":        q.Name(),
	}

	m.logger.Debug(ctx, "started listening for messages", meta)
	defer m.logger.Debug(m.ctx, "stopped listening for messages", meta)

	for ctx.Err() == nil {
		msgs, err := q.Receive(ctx)
		if ctx.Err() != nil {
			return
		} else if err != nil {
			m.logger.Error(ctx, errors.Wrap(err, "receive messages", toMKV(meta)))

			if err := wait(ctx, m.clock, m.opts.errBackOff); err != nil {
				return
			}

			continue
		}

		m.routeIncoming(ctx, q, msgs)
	}
}

// RouteMessages routes messages received from q. Messages starting a new top level execution are validated
// against the instance records in the background while all other messages are routed immediately.
func (m *SessionManager) RouteMessages(q ControlQueue, msgs []*Message) {
	m.routeIncoming(m.ctx, q, msgs)
}

func (m *SessionManager) routeIncoming(ctx context.Context, q ControlQueue, msgs []*Message) {
	activityID := uuid.NewString()
	for _, msg := range msgs {
		if msg.ActivityID == "" {
			msg.ActivityID = activityID
		}
	}

	msgs = m.filterExecutionStarted(ctx, q, msgs)
	if len(msgs) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.addToPending(ctx, q, msgs)
}

// addToPending must be called with mu held.
func (m *SessionManager) addToPending(ctx context.Context, q ControlQueue, msgs []*Message) {
	var (
		order      []*Session
		forSession = make(map[*Session][]*Message)
	)

	for _, msg := range msgs {
		instanceID := msg.Instance.InstanceID
		executionID := msg.Instance.ExecutionID

		if s, ok := m.sessions[instanceID]; ok {
			switch {
			case executionID == "" || s.instance.ExecutionID == executionID:
				// An empty execution id is a management message for whichever generation is active.
				if _, seen := forSession[s]; !seen {
					order = append(order, s)
				}
				forSession[s] = append(forSession[s], msg)
				metrics.RoutedMessages.WithLabelValues(q.Name(), "session").Inc()
			case s.state.ExecutionStarted() == nil || msg.Timestamp().Before(s.state.CreatedTime()):
				// The message predates the active generation, e.g. a timer of a generation that continued as new.
				s.discard(msg)
				metrics.RoutedMessages.WithLabelValues(q.Name(), "discard").Inc()
				m.logger.Debug(ctx, "discarding message of superseded generation", messageMeta(msg))
			default:
				// The message is most likely for the generation following the active one.
				s.deferMessage(msg)
				metrics.RoutedMessages.WithLabelValues(q.Name(), "defer").Inc()
			}

			continue
		}

		b, err := m.pending.find(instanceID, executionID)
		if err != nil {
			// The message stays on the queue and is redelivered once its visibility timeout elapses.
			m.logger.Error(ctx, errors.Wrap(err, "find pending batch", toMKV(messageMeta(msg))))
			continue
		}

		if b == nil {
			b = newPendingBatch(q, instanceID, executionID)
			m.pending.push(b)
			m.schedulePrefetch(b)
		}

		b.messages.AddOrReplace(msg)
		metrics.RoutedMessages.WithLabelValues(q.Name(), "batch").Inc()
	}

	for _, s := range order {
		s.addOrReplace(forSession[s])
	}
}

func (m *SessionManager) schedulePrefetch(b *pendingBatch) {
	m.wg.Add(1)
	go m.prefetchLoop(b)
}

// prefetchLoop fetches the history of a batch and retries in the background until it succeeds or the
// SessionManager is stopped.
func (m *SessionManager) prefetchLoop(b *pendingBatch) {
	defer m.wg.Done()

	for {
		err := m.prefetch(b)
		if err == nil || m.ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		meta := j.MKV{
			"instance_id":  b.instanceID,
			"execution_id": b.executionID,
			"queue":        b.queue.Name(),
		}
		m.mu.Unlock()

		metrics.PrefetchErrors.WithLabelValues(b.queue.Name()).Inc()
		m.logger.Error(m.ctx, errors.Wrap(err, "prefetch history", meta))

		if err := wait(m.ctx, m.clock, m.opts.prefetchErrBackOff); err != nil {
			return
		}
	}
}

func (m *SessionManager) prefetch(b *pendingBatch) error {
	select {
	case m.prefetchSlots <- struct{}{}:
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
	defer func() { <-m.prefetchSlots }()

	m.mu.Lock()
	instanceID, executionID, fetched := b.instanceID, b.executionID, b.state != nil
	m.mu.Unlock()

	if !fetched {
		t0 := m.clock.Now()

		ctx, cancel := context.WithTimeout(m.ctx, m.opts.storeTimeout)
		h, err := m.store.GetHistoryEvents(ctx, instanceID, executionID)
		cancel()
		if err != nil {
			return err
		}

		metrics.PrefetchLatency.WithLabelValues(b.queue.Name()).Observe(m.clock.Since(t0).Seconds())

		if h == nil {
			h = &History{}
		}

		m.mu.Lock()
		err = b.setState(h)
		m.mu.Unlock()
		if err != nil {
			return err
		}
	}

	m.ready.Enqueue(b)
	return nil
}

// GetNextSession blocks until a batch of messages with prefetched history is available and returns it as a new
// Session. Batches for an instance that already has an active session of the same generation are merged into
// that session. Batches for a different generation are put back until the active session is released.
func (m *SessionManager) GetNextSession(ctx context.Context) (*Session, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	for {
		b, err := m.ready.Dequeue(ctx)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.pending.remove(b)

		existing, ok := m.sessions[b.instanceID]
		if !ok {
			s := m.newSession(b)
			m.sessions[b.instanceID] = s
			m.mu.Unlock()

			m.logger.Debug(ctx, "session created", map[string]string{
				"instance_id":  s.instance.InstanceID,
				"execution_id": s.instance.ExecutionID,
				"queue":        s.queue.Name(),
			})

			return s, nil
		}

		if b.executionID == existing.instance.ExecutionID {
			existing.addOrReplace(b.messages.Take())
		} else if m.ready.Len() == 0 {
			// Avoid spinning on the only ready batch while the active generation is still running.
			m.requeueAfter(b, m.opts.requeueDelay)
		} else {
			m.pending.push(b)
			m.ready.Enqueue(b)
		}

		m.mu.Unlock()
	}
}

// newSession must be called with mu held.
func (m *SessionManager) newSession(b *pendingBatch) *Session {
	instance := Instance{
		InstanceID:  b.instanceID,
		ExecutionID: b.executionID,
	}
	if inst, ok := b.state.Instance(); ok {
		instance = inst
	}

	msgs := b.messages.Take()

	traceActivityID := uuid.NewString()
	if len(msgs) > 0 && msgs[0].ActivityID != "" {
		traceActivityID = msgs[0].ActivityID
	}

	s := &Session{
		mu:              &m.mu,
		clock:           m.clock,
		instance:        instance,
		queue:           b.queue,
		state:           b.state,
		eTag:            b.eTag,
		lastCheckpoint:  b.lastCheckpoint,
		idleTimeout:     m.opts.sessionIdleTimeout,
		traceActivityID: traceActivityID,
		newMessages:     make(chan struct{}, 1),
	}
	s.pending.AddOrReplaceAll(msgs)

	return s
}

func (m *SessionManager) requeueAfter(b *pendingBatch, d time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		if err := wait(m.ctx, m.clock, d); err != nil {
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		m.pending.push(b)
		m.ready.Enqueue(b)
	}()
}

// TryGetExistingSession returns the active session of the instance if there is one.
func (m *SessionManager) TryGetExistingSession(instanceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[instanceID]
	return s, ok
}

// ReleaseSession removes the instance's session from the active set and routes its unprocessed and deferred
// messages back through the pending batches. It returns false, and logs the failed assertion, when the instance
// has no active session.
func (m *SessionManager) ReleaseSession(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[instanceID]
	if !ok {
		m.logger.Error(m.ctx, errors.Wrap(ErrSessionNotFound, "release session", j.MKV{
			"instance_id": instanceID,
		}))
		return false
	}

	delete(m.sessions, instanceID)

	leftover := s.takeLeftovers()
	if len(leftover) > 0 {
		m.addToPending(m.ctx, s.queue, leftover)
	}

	m.logger.Debug(m.ctx, "session released", map[string]string{
		"instance_id":  s.instance.InstanceID,
		"execution_id": s.instance.ExecutionID,
		"leftover":     strconv.Itoa(len(leftover)),
	})

	return true
}

func (m *SessionManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		PendingInstances: m.pending.Len(),
		PendingMessages:  m.pending.messageCount(),
		ActiveSessions:   len(m.sessions),
	}
}

// Stop cancels all receive loops and background work and waits for them to exit. GetNextSession returns once
// Stop has been called.
func (m *SessionManager) Stop() {
	m.cancel()

	m.queuesMu.Lock()
	for _, oq := range m.queues {
		oq.cancel()
	}
	m.queuesMu.Unlock()

	m.wg.Wait()
}

func messageMeta(msg *Message) map[string]string {
	meta := map[string]string{
		"instance_id":   msg.Instance.InstanceID,
		"execution_id":  msg.Instance.ExecutionID,
		"message_id":    msg.ID,
		"queue":         msg.QueueName,
		"dequeue_count": strconv.FormatInt(msg.DequeueCount, 10),
	}

	if msg.Event != nil {
		meta["event_type"] = msg.Event.Type().String()
		meta["task_id"] = strconv.Itoa(TaskEventID(msg.Event))
	}

	return meta
}

func toMKV(meta map[string]string) j.MKV {
	kv := make(j.MKV, len(meta))
	for k, v := range meta {
		kv[k] = v
	}

	return kv
}
