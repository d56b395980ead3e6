package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/luno/durable"
)

const (
	defaultVisibilityTimeout = 30 * time.Second
	defaultBatchSize         = 32
	defaultPollInterval      = 10 * time.Millisecond
)

// New returns an in-memory ControlQueue. Received messages stay hidden until their visibility timeout elapses on
// the configured clock which allows redelivery to be driven by a fake clock in tests.
func New(name string, opts ...Option) *Queue {
	opt := options{
		clock:             clock.RealClock{},
		visibilityTimeout: defaultVisibilityTimeout,
		batchSize:         defaultBatchSize,
		pollInterval:      defaultPollInterval,
	}

	for _, o := range opts {
		o(&opt)
	}

	return &Queue{
		name:   name,
		opts:   opt,
		notify: make(chan struct{}, 1),
	}
}

type options struct {
	clock             clock.Clock
	visibilityTimeout time.Duration
	batchSize         int
	pollInterval      time.Duration
}

type Option func(o *options)

func WithClock(clock clock.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		o.visibilityTimeout = d
	}
}

// WithBatchSize limits the number of messages returned by a single Receive.
func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

var _ durable.ControlQueue = (*Queue)(nil)

type entry struct {
	id           string
	msg          durable.TaskMessage
	insertedAt   time.Time
	nextVisible  time.Time
	dequeueCount int64
	receipt      string
}

type Queue struct {
	name string
	opts options

	mu      sync.Mutex
	entries []*entry
	notify  chan struct{}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) VisibilityTimeout() time.Duration {
	return q.opts.visibilityTimeout
}

func (q *Queue) Send(ctx context.Context, m *durable.TaskMessage) error {
	return q.SendAt(ctx, m, time.Time{})
}

// SendAt enqueues m to become visible at visibleAt on the queue's clock.
func (q *Queue) SendAt(ctx context.Context, m *durable.TaskMessage, visibleAt time.Time) error {
	if m == nil || m.Event == nil {
		return errors.New("message has no event", j.C("ERR_6b1d4f8e2a0c9357"))
	}

	now := q.opts.clock.Now()
	if visibleAt.Before(now) {
		visibleAt = now
	}

	q.mu.Lock()
	q.entries = append(q.entries, &entry{
		id:          uuid.NewString(),
		msg:         *m,
		insertedAt:  now,
		nextVisible: visibleAt,
	})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return nil
}

func (q *Queue) Receive(ctx context.Context) ([]*durable.Message, error) {
	for ctx.Err() == nil {
		msgs := q.receiveVisible()
		if len(msgs) > 0 {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
		case <-q.notify:
		case <-time.After(q.opts.pollInterval):
		}
	}

	return nil, ctx.Err()
}

func (q *Queue) receiveVisible() []*durable.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.clock.Now()

	var msgs []*durable.Message
	for _, e := range q.entries {
		if len(msgs) >= q.opts.batchSize {
			break
		}

		if e.nextVisible.After(now) {
			continue
		}

		e.dequeueCount++
		e.nextVisible = now.Add(q.opts.visibilityTimeout)
		e.receipt = uuid.NewString()

		msgs = append(msgs, &durable.Message{
			TaskMessage:     e.msg,
			ID:              e.id,
			Receipt:         e.receipt,
			DequeueCount:    e.dequeueCount,
			InsertedAt:      e.insertedAt,
			NextVisibleTime: e.nextVisible,
			QueueName:       q.name,
		})
	}

	return msgs
}

// Delete removes the delivery identified by the message's receipt. A stale receipt, from a delivery that has
// since been redelivered, returns ErrMessageNotFound.
func (q *Queue) Delete(ctx context.Context, m *durable.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.id != m.ID || e.receipt != m.Receipt {
			continue
		}

		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return nil
	}

	return errors.Wrap(durable.ErrMessageNotFound, "", j.MKV{"message_id": m.ID})
}

func (q *Queue) Abandon(ctx context.Context, m *durable.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.id != m.ID || e.receipt != m.Receipt {
			continue
		}

		e.nextVisible = q.opts.clock.Now()
		e.receipt = ""

		select {
		case q.notify <- struct{}{}:
		default:
		}

		return nil
	}

	return errors.Wrap(durable.ErrMessageNotFound, "", j.MKV{"message_id": m.ID})
}

// Len returns the number of messages in the queue including hidden ones.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}
