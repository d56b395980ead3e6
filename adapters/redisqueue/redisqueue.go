package redisqueue

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/luno/durable"
	"github.com/luno/durable/durablepb"
)

const (
	streamKeyPrefix  = "durable:queue:"
	delayedKeyPrefix = "durable:delayed:"
	bodiesKeyPrefix  = "durable:delayed-body:"
	consumerGroup    = "durable:workers"

	fieldMessageID    = "message_id"
	fieldDequeueCount = "dequeue_count"
	fieldInsertedAt   = "inserted_at"
	fieldBody         = "body"

	defaultVisibilityTimeout = 30 * time.Second
	defaultBatchSize         = 32
	defaultBlockDuration     = 250 * time.Millisecond
)

// ackScript acknowledges and removes a delivery. It returns 0 when the delivery is no longer pending which
// happens when another consumer has claimed it after its visibility timeout.
var ackScript = redis.NewScript(`
local acked = redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
if acked == 0 then
	return 0
end
redis.call('XDEL', KEYS[1], ARGV[2])
return 1
`)

// abandonScript replaces a pending delivery with a fresh copy at the tail of the stream so that it is visible
// to all consumers again.
var abandonScript = redis.NewScript(`
local acked = redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
if acked == 0 then
	return 0
end
redis.call('XDEL', KEYS[1], ARGV[2])
redis.call('XADD', KEYS[1], '*',
	'message_id', ARGV[3],
	'dequeue_count', ARGV[4],
	'inserted_at', ARGV[5],
	'body', ARGV[6])
return 1
`)

// promoteScript moves delayed messages that are due from the sorted set onto the stream.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
	local body = redis.call('HGET', KEYS[2], id)
	if body then
		redis.call('XADD', KEYS[3], '*',
			'message_id', id,
			'dequeue_count', '0',
			'inserted_at', ARGV[1],
			'body', body)
	end
	redis.call('HDEL', KEYS[2], id)
	redis.call('ZREM', KEYS[1], id)
end
return #due
`)

type options struct {
	clock             clock.Clock
	visibilityTimeout time.Duration
	batchSize         int64
	blockDuration     time.Duration
}

type Option func(o *options)

func WithClock(clock clock.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithVisibilityTimeout sets how long a received message may stay unacknowledged before another consumer claims
// it.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		o.visibilityTimeout = d
	}
}

func WithBatchSize(n int64) Option {
	return func(o *options) {
		o.batchSize = n
	}
}

// WithBlockDuration sets how long a single read blocks on the server waiting for new messages.
func WithBlockDuration(d time.Duration) Option {
	return func(o *options) {
		o.blockDuration = d
	}
}

var _ durable.ControlQueue = (*Queue)(nil)

// Queue is a ControlQueue backed by a Redis stream and a consumer group shared by all workers. Messages that are
// received but not deleted within the visibility timeout are claimed by the next Receive on any worker. Messages
// sent with SendAt wait in a sorted set until Receive finds them due. All the keys of a queue share a hash tag.
type Queue struct {
	client   redis.UniversalClient
	name     string
	stream   string
	delayed  string
	bodies   string
	consumer string
	opts     options

	groupReady atomic.Bool
}

func New(client redis.UniversalClient, name string, opts ...Option) *Queue {
	opt := options{
		clock:             clock.RealClock{},
		visibilityTimeout: defaultVisibilityTimeout,
		batchSize:         defaultBatchSize,
		blockDuration:     defaultBlockDuration,
	}

	for _, o := range opts {
		o(&opt)
	}

	tag := "{" + name + "}"

	return &Queue{
		client:   client,
		name:     name,
		stream:   streamKeyPrefix + tag,
		delayed:  delayedKeyPrefix + tag,
		bodies:   bodiesKeyPrefix + tag,
		consumer: uuid.New().String(),
		opts:     opt,
	}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) VisibilityTimeout() time.Duration {
	return q.opts.visibilityTimeout
}

func (q *Queue) Send(ctx context.Context, m *durable.TaskMessage) error {
	body, err := durablepb.ProtoMarshal(m)
	if err != nil {
		return err
	}

	_, err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			fieldMessageID:    uuid.New().String(),
			fieldDequeueCount: "0",
			fieldInsertedAt:   strconv.FormatInt(q.opts.clock.Now().UnixNano(), 10),
			fieldBody:         string(body),
		},
	}).Result()
	if err != nil {
		return errors.Wrap(err, "send message", j.MKV{
			"queue":    q.name,
			"instance": m.Instance.InstanceID,
		})
	}

	return nil
}

// SendAt holds m in the queue's sorted set until visibleAt.
func (q *Queue) SendAt(ctx context.Context, m *durable.TaskMessage, visibleAt time.Time) error {
	if !visibleAt.After(q.opts.clock.Now()) {
		return q.Send(ctx, m)
	}

	body, err := durablepb.ProtoMarshal(m)
	if err != nil {
		return err
	}

	id := uuid.New().String()

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.bodies, id, string(body))
		p.ZAdd(ctx, q.delayed, redis.Z{Score: float64(visibleAt.UnixNano()), Member: id})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "send delayed message", j.MKV{
			"queue":    q.name,
			"instance": m.Instance.InstanceID,
		})
	}

	return nil
}

func (q *Queue) Receive(ctx context.Context) ([]*durable.Message, error) {
	err := q.ensureGroup(ctx)
	if err != nil {
		return nil, err
	}

	for ctx.Err() == nil {
		err := q.promote(ctx)
		if err != nil {
			return nil, err
		}

		// Deliveries that outlived their visibility timeout take precedence over new messages.
		msgs, err := q.reclaim(ctx)
		if err != nil {
			return nil, err
		}

		if len(msgs) > 0 {
			return msgs, nil
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.opts.batchSize,
			Block:    q.opts.blockDuration,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			return nil, errors.Wrap(err, "read group", j.MKV{"queue": q.name})
		}

		for _, s := range streams {
			for _, xm := range s.Messages {
				m, err := q.toMessage(xm, 1)
				if err != nil {
					return nil, err
				}

				msgs = append(msgs, m)
			}
		}

		if len(msgs) > 0 {
			return msgs, nil
		}
	}

	return nil, ctx.Err()
}

func (q *Queue) Delete(ctx context.Context, m *durable.Message) error {
	n, err := ackScript.Run(ctx, q.client, []string{q.stream}, consumerGroup, m.Receipt).Int()
	if err != nil {
		return errors.Wrap(err, "delete message", j.MKV{"queue": q.name, "message_id": m.ID})
	}

	if n == 0 {
		return errors.Wrap(durable.ErrMessageNotFound, "", j.MKV{"queue": q.name, "message_id": m.ID})
	}

	return nil
}

func (q *Queue) Abandon(ctx context.Context, m *durable.Message) error {
	body, err := durablepb.ProtoMarshal(&m.TaskMessage)
	if err != nil {
		return err
	}

	n, err := abandonScript.Run(ctx, q.client, []string{q.stream},
		consumerGroup,
		m.Receipt,
		m.ID,
		strconv.FormatInt(m.DequeueCount, 10),
		strconv.FormatInt(m.InsertedAt.UnixNano(), 10),
		string(body),
	).Int()
	if err != nil {
		return errors.Wrap(err, "abandon message", j.MKV{"queue": q.name, "message_id": m.ID})
	}

	if n == 0 {
		return errors.Wrap(durable.ErrMessageNotFound, "", j.MKV{"queue": q.name, "message_id": m.ID})
	}

	return nil
}

func (q *Queue) promote(ctx context.Context) error {
	now := strconv.FormatInt(q.opts.clock.Now().UnixNano(), 10)

	err := promoteScript.Run(ctx, q.client, []string{q.delayed, q.bodies, q.stream}, now, q.opts.batchSize).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "promote delayed messages", j.MKV{"queue": q.name})
	}

	return nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	if q.groupReady.Load() {
		return nil
	}

	_, err := q.client.XGroupCreateMkStream(ctx, q.stream, consumerGroup, "0").Result()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return errors.Wrap(err, "create consumer group", j.MKV{"queue": q.name})
	}

	q.groupReady.Store(true)
	return nil
}

// reclaim claims deliveries of other consumers (or of this one) that have been idle for longer than the
// visibility timeout.
func (q *Queue) reclaim(ctx context.Context) ([]*durable.Message, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    consumerGroup,
		Consumer: q.consumer,
		MinIdle:  q.opts.visibilityTimeout,
		Start:    "0-0",
		Count:    q.opts.batchSize,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "auto claim", j.MKV{"queue": q.name})
	}

	if len(claimed) == 0 {
		return nil, nil
	}

	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   q.stream,
		Group:    consumerGroup,
		Start:    claimed[0].ID,
		End:      claimed[len(claimed)-1].ID,
		Count:    int64(len(claimed)),
		Consumer: q.consumer,
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "pending deliveries", j.MKV{"queue": q.name})
	}

	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
	}

	var msgs []*durable.Message
	for _, xm := range claimed {
		n, ok := deliveries[xm.ID]
		if !ok {
			n = 1
		}

		m, err := q.toMessage(xm, n)
		if err != nil {
			return nil, err
		}

		msgs = append(msgs, m)
	}

	return msgs, nil
}

func (q *Queue) toMessage(xm redis.XMessage, deliveries int64) (*durable.Message, error) {
	body, ok := xm.Values[fieldBody].(string)
	if !ok {
		return nil, errors.Wrap(durablepb.ErrInvalidEnvelope, "missing body", j.MKV{"stream_id": xm.ID})
	}

	tm, err := durablepb.UnmarshalTaskMessage([]byte(body))
	if err != nil {
		return nil, errors.Wrap(err, "decode message", j.MKV{"stream_id": xm.ID})
	}

	id, _ := xm.Values[fieldMessageID].(string)
	if id == "" {
		id = xm.ID
	}

	previous, err := parseInt(xm.Values[fieldDequeueCount])
	if err != nil {
		return nil, err
	}

	inserted, err := parseInt(xm.Values[fieldInsertedAt])
	if err != nil {
		return nil, err
	}

	return &durable.Message{
		TaskMessage:     *tm,
		ID:              id,
		Receipt:         xm.ID,
		DequeueCount:    previous + deliveries,
		InsertedAt:      time.Unix(0, inserted).UTC(),
		NextVisibleTime: q.opts.clock.Now().Add(q.opts.visibilityTimeout),
		QueueName:       q.name,
		SizeBytes:       len(body),
	}, nil
}

func parseInt(v interface{}) (int64, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrap(durablepb.ErrInvalidEnvelope, err.Error())
	}

	return n, nil
}
