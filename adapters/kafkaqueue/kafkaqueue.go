package kafkaqueue

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/segmentio/kafka-go"
	"k8s.io/utils/clock"

	"github.com/luno/durable"
	"github.com/luno/durable/durablepb"
)

const (
	headerMessageID    = "durable-message-id"
	headerDequeueCount = "durable-dequeue-count"
	headerInsertedAt   = "durable-inserted-at"
	headerVisibleAt    = "durable-visible-at"

	defaultVisibilityTimeout = 5 * time.Minute
	defaultBatchSize         = 32
	defaultBatchWait         = 5 * time.Millisecond
)

type options struct {
	clock             clock.Clock
	groupID           string
	visibilityTimeout time.Duration
	batchSize         int
	batchWait         time.Duration
}

type Option func(o *options)

func WithClock(clock clock.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithGroupID overrides the consumer group which defaults to "durable-" followed by the queue name.
func WithGroupID(id string) Option {
	return func(o *options) {
		o.groupID = id
	}
}

// WithVisibilityTimeout sets the visibility timeout reported to the session manager. Kafka only redelivers
// uncommitted messages after a rebalance so this should be at least the consumer group's session timeout.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		o.visibilityTimeout = d
	}
}

func WithBatchSize(n int) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

var _ durable.ControlQueue = (*Queue)(nil)

// Queue is a ControlQueue backed by a Kafka topic. Messages are keyed by instance id so that all messages of an
// instance land on the same partition. Offsets are only committed once every earlier message of the partition has
// been deleted or abandoned.
//
// Messages sent with SendAt are fetched as usual but held by the Queue until they are due. Their offsets stay
// uncommitted while they are held, so they are fetched again after a rebalance, at the cost of holding back the
// commits of later messages on the same partition.
type Queue struct {
	name   string
	opts   options
	writer *kafka.Writer
	reader *kafka.Reader

	mu       sync.Mutex
	inflight map[int]map[int64]*flight
	held     []kafka.Message
}

type flight struct {
	msg  kafka.Message
	done bool
}

func New(brokers []string, name string, opts ...Option) *Queue {
	opt := options{
		clock:             clock.RealClock{},
		groupID:           "durable-" + name,
		visibilityTimeout: defaultVisibilityTimeout,
		batchSize:         defaultBatchSize,
		batchWait:         defaultBatchWait,
	}

	for _, o := range opts {
		o(&opt)
	}

	return &Queue{
		name: name,
		opts: opt,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  name,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     opt.groupID,
			Topic:       name,
			StartOffset: kafka.FirstOffset,
			MaxWait:     250 * time.Millisecond,
		}),
		inflight: make(map[int]map[int64]*flight),
	}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) VisibilityTimeout() time.Duration {
	return q.opts.visibilityTimeout
}

func (q *Queue) Send(ctx context.Context, m *durable.TaskMessage) error {
	return q.write(ctx, m, uuid.New().String(), 0, q.opts.clock.Now(), time.Time{})
}

// SendAt writes m with the time it becomes visible. Receive holds the message until then.
func (q *Queue) SendAt(ctx context.Context, m *durable.TaskMessage, visibleAt time.Time) error {
	return q.write(ctx, m, uuid.New().String(), 0, q.opts.clock.Now(), visibleAt)
}

func (q *Queue) write(
	ctx context.Context,
	m *durable.TaskMessage,
	id string,
	dequeueCount int64,
	insertedAt time.Time,
	visibleAt time.Time,
) error {
	body, err := durablepb.ProtoMarshal(m)
	if err != nil {
		return err
	}

	headers := []kafka.Header{
		{Key: headerMessageID, Value: []byte(id)},
		{Key: headerDequeueCount, Value: []byte(strconv.FormatInt(dequeueCount, 10))},
		{Key: headerInsertedAt, Value: []byte(strconv.FormatInt(insertedAt.UnixNano(), 10))},
	}
	if !visibleAt.IsZero() {
		headers = append(headers, kafka.Header{Key: headerVisibleAt, Value: []byte(strconv.FormatInt(visibleAt.UnixNano(), 10))})
	}

	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(m.Instance.InstanceID),
		Value:   body,
		Headers: headers,
	})
	if err != nil {
		return errors.Wrap(err, "write message", j.MKV{
			"queue":    q.name,
			"instance": m.Instance.InstanceID,
		})
	}

	return nil
}

func (q *Queue) Receive(ctx context.Context) ([]*durable.Message, error) {
	for {
		batch := q.takeDue()

		if len(batch) == 0 {
			fetchCtx, cancel := q.fetchContext(ctx)
			km, err := q.reader.FetchMessage(fetchCtx)
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			} else if errors.Is(err, context.DeadlineExceeded) {
				// A held message is due.
				continue
			} else if err != nil {
				return nil, err
			}

			q.track(km)
			batch = append(batch, km)
		}

		// Top up the batch with whatever is already buffered by the reader.
		for len(batch) < q.opts.batchSize {
			fetchCtx, cancel := context.WithTimeout(ctx, q.opts.batchWait)
			km, err := q.reader.FetchMessage(fetchCtx)
			cancel()
			if err != nil {
				break
			}

			q.track(km)
			batch = append(batch, km)
		}

		now := q.opts.clock.Now()
		msgs := make([]*durable.Message, 0, len(batch))
		for _, km := range batch {
			if visibleAt(km).After(now) {
				q.hold(km)
				continue
			}

			m, err := q.toMessage(km)
			if err != nil {
				return nil, err
			}

			msgs = append(msgs, m)
		}

		if len(msgs) > 0 {
			return msgs, nil
		}
	}
}

func (q *Queue) Delete(ctx context.Context, m *durable.Message) error {
	return q.complete(ctx, m)
}

// Abandon republishes the message with its dequeue count and commits the original delivery.
func (q *Queue) Abandon(ctx context.Context, m *durable.Message) error {
	err := q.write(ctx, &m.TaskMessage, m.ID, m.DequeueCount, m.InsertedAt, time.Time{})
	if err != nil {
		return err
	}

	return q.complete(ctx, m)
}

// Close stops the reader and flushes the writer.
func (q *Queue) Close() error {
	err := q.reader.Close()
	if err != nil {
		return err
	}

	return q.writer.Close()
}

func (q *Queue) hold(km kafka.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.held = append(q.held, km)
}

// takeDue removes and returns the held messages that are now visible.
func (q *Queue) takeDue() []kafka.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.clock.Now()

	var due []kafka.Message
	remaining := q.held[:0]
	for _, km := range q.held {
		if len(due) < q.opts.batchSize && !visibleAt(km).After(now) {
			due = append(due, km)
			continue
		}

		remaining = append(remaining, km)
	}
	q.held = remaining

	return due
}

// fetchContext bounds a fetch by the time the earliest held message becomes visible.
func (q *Queue) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.held) == 0 {
		return context.WithCancel(ctx)
	}

	earliest := visibleAt(q.held[0])
	for _, km := range q.held[1:] {
		if at := visibleAt(km); at.Before(earliest) {
			earliest = at
		}
	}

	return context.WithTimeout(ctx, earliest.Sub(q.opts.clock.Now()))
}

func (q *Queue) track(km kafka.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	partition, ok := q.inflight[km.Partition]
	if !ok {
		partition = make(map[int64]*flight)
		q.inflight[km.Partition] = partition
	}

	partition[km.Offset] = &flight{msg: km}
}

func (q *Queue) complete(ctx context.Context, m *durable.Message) error {
	partitionID, offset, err := parseReceipt(m.Receipt)
	if err != nil {
		return err
	}

	q.mu.Lock()
	partition := q.inflight[partitionID]
	f, ok := partition[offset]
	if !ok || f.done {
		q.mu.Unlock()
		return errors.Wrap(durable.ErrMessageNotFound, "", j.MKV{"queue": q.name, "message_id": m.ID})
	}

	f.done = true
	commit, ok := q.committable(partition)
	q.mu.Unlock()

	if !ok {
		return nil
	}

	err = q.reader.CommitMessages(ctx, commit)
	if err != nil {
		return errors.Wrap(err, "commit offset", j.MKV{
			"queue":     q.name,
			"partition": partitionID,
			"offset":    commit.Offset,
		})
	}

	return nil
}

// committable removes the longest run of completed deliveries from the start of the partition and returns the last
// of them. It must be called with the mutex held.
func (q *Queue) committable(partition map[int64]*flight) (kafka.Message, bool) {
	offsets := make([]int64, 0, len(partition))
	for o := range partition {
		offsets = append(offsets, o)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	var (
		last  kafka.Message
		found bool
	)
	for _, o := range offsets {
		f := partition[o]
		if !f.done {
			break
		}

		last = f.msg
		found = true
		delete(partition, o)
	}

	return last, found
}

func (q *Queue) toMessage(km kafka.Message) (*durable.Message, error) {
	tm, err := durablepb.UnmarshalTaskMessage(km.Value)
	if err != nil {
		return nil, errors.Wrap(err, "decode message", j.MKV{
			"partition": km.Partition,
			"offset":    km.Offset,
		})
	}

	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}

	id := headers[headerMessageID]
	if id == "" {
		id = receipt(km)
	}

	previous, _ := strconv.ParseInt(headers[headerDequeueCount], 10, 64)

	insertedAt := km.Time
	if nanos, err := strconv.ParseInt(headers[headerInsertedAt], 10, 64); err == nil {
		insertedAt = time.Unix(0, nanos).UTC()
	}

	return &durable.Message{
		TaskMessage:     *tm,
		ID:              id,
		Receipt:         receipt(km),
		DequeueCount:    previous + 1,
		InsertedAt:      insertedAt,
		NextVisibleTime: q.opts.clock.Now().Add(q.opts.visibilityTimeout),
		QueueName:       q.name,
		SizeBytes:       len(km.Value),
	}, nil
}

// visibleAt returns the zero time for messages sent without a delay.
func visibleAt(km kafka.Message) time.Time {
	for _, h := range km.Headers {
		if h.Key != headerVisibleAt {
			continue
		}

		nanos, err := strconv.ParseInt(string(h.Value), 10, 64)
		if err != nil {
			return time.Time{}
		}

		return time.Unix(0, nanos).UTC()
	}

	return time.Time{}
}

func receipt(km kafka.Message) string {
	return strconv.Itoa(km.Partition) + ":" + strconv.FormatInt(km.Offset, 10)
}

func parseReceipt(r string) (int, int64, error) {
	p, o, ok := strings.Cut(r, ":")
	if !ok {
		return 0, 0, errors.Wrap(durable.ErrMessageNotFound, "invalid receipt", j.MKV{"receipt": r})
	}

	partition, err := strconv.Atoi(p)
	if err != nil {
		return 0, 0, errors.Wrap(durable.ErrMessageNotFound, "invalid receipt", j.MKV{"receipt": r})
	}

	offset, err := strconv.ParseInt(o, 10, 64)
	if err != nil {
		return 0, 0, errors.Wrap(durable.ErrMessageNotFound, "invalid receipt", j.MKV{"receipt": r})
	}

	return partition, offset, nil
}
