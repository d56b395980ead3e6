package redisstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/luno/durable"
)

const (
	historyKeyPrefix    = "durable:history:"
	eTagKeyPrefix       = "durable:etag:"
	checkpointKeyPrefix = "durable:checkpoint:"
	latestKeyPrefix     = "durable:latest:"
	stateKeyPrefix      = "durable:state:"
)

// appendScript appends events to an execution's history provided that the caller holds the current etag. The
// etag is a per execution counter so the first append expects an empty etag and returns "1".
var appendScript = redis.NewScript(`
	local history_key = KEYS[1]
	local etag_key = KEYS[2]
	local checkpoint_key = KEYS[3]
	local latest_key = KEYS[4]

	local expected = ARGV[1]
	local execution_id = ARGV[2]
	local checkpoint = ARGV[3]

	local current = redis.call('GET', etag_key)
	if not current then
		current = ''
	end

	if current ~= expected then
		return false
	end

	if current == '' then
		redis.call('SET', latest_key, execution_id)
	end

	for i = 4, #ARGV do
		redis.call('RPUSH', history_key, ARGV[i])
	end

	redis.call('SET', checkpoint_key, checkpoint)
	return tostring(redis.call('INCR', etag_key))
`)

type options struct {
	clock clock.Clock
}

type Option func(o *options)

func WithClock(clock clock.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

var _ durable.Store = (*Store)(nil)

// Store keeps each execution's history in a Redis list next to its etag counter and checkpoint time. Keys of an
// instance share a hash tag so that the append script runs on a single cluster slot.
type Store struct {
	client redis.UniversalClient
	clock  clock.Clock
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	opt := options{
		clock: clock.RealClock{},
	}

	for _, o := range opts {
		o(&opt)
	}

	return &Store{
		client: client,
		clock:  opt.clock,
	}
}

func instanceTag(instanceID string) string {
	return "{" + instanceID + "}"
}

func executionKey(prefix string, instance durable.Instance) string {
	return prefix + instanceTag(instance.InstanceID) + ":" + instance.ExecutionID
}

func (s *Store) GetHistoryEvents(ctx context.Context, instanceID, executionID string) (*durable.History, error) {
	if executionID == "" {
		latest, err := s.client.Get(ctx, latestKeyPrefix+instanceTag(instanceID)).Result()
		if errors.Is(err, redis.Nil) {
			return &durable.History{}, nil
		} else if err != nil {
			return nil, errors.Wrap(err, "get latest execution", j.MKV{"instance_id": instanceID})
		}

		executionID = latest
	}

	instance := durable.Instance{InstanceID: instanceID, ExecutionID: executionID}

	var (
		eventsCmd     *redis.StringSliceCmd
		eTagCmd       *redis.StringCmd
		checkpointCmd *redis.StringCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		eventsCmd = p.LRange(ctx, executionKey(historyKeyPrefix, instance), 0, -1)
		eTagCmd = p.Get(ctx, executionKey(eTagKeyPrefix, instance))
		checkpointCmd = p.Get(ctx, executionKey(checkpointKeyPrefix, instance))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "get history", j.MKV{
			"instance_id":  instanceID,
			"execution_id": executionID,
		})
	}

	eTag, err := eTagCmd.Result()
	if errors.Is(err, redis.Nil) {
		return &durable.History{}, nil
	} else if err != nil {
		return nil, err
	}

	raw, err := eventsCmd.Result()
	if err != nil {
		return nil, err
	}

	events := make([]durable.HistoryEvent, 0, len(raw))
	for _, r := range raw {
		e, err := durable.UnmarshalEvent([]byte(r))
		if err != nil {
			return nil, err
		}

		events = append(events, e)
	}

	var checkpoint time.Time
	nanos, err := checkpointCmd.Int64()
	if err == nil {
		checkpoint = time.Unix(0, nanos).UTC()
	}

	return &durable.History{
		Events:             events,
		ETag:               eTag,
		LastCheckpointTime: checkpoint,
	}, nil
}

func (s *Store) AppendHistory(ctx context.Context, instance durable.Instance, events []durable.HistoryEvent, eTag string) (string, error) {
	args := []interface{}{
		eTag,
		instance.ExecutionID,
		strconv.FormatInt(s.clock.Now().UnixNano(), 10),
	}

	for _, e := range events {
		b, err := durable.MarshalEvent(e)
		if err != nil {
			return "", err
		}

		args = append(args, string(b))
	}

	keys := []string{
		executionKey(historyKeyPrefix, instance),
		executionKey(eTagKeyPrefix, instance),
		executionKey(checkpointKeyPrefix, instance),
		latestKeyPrefix + instanceTag(instance.InstanceID),
	}

	newETag, err := appendScript.Run(ctx, s.client, keys, args...).Text()
	if errors.Is(err, redis.Nil) {
		return "", errors.Wrap(durable.ErrETagMismatch, "", j.MKV{
			"instance_id":  instance.InstanceID,
			"execution_id": instance.ExecutionID,
		})
	} else if err != nil {
		return "", errors.Wrap(err, "append history", j.MKV{
			"instance_id":  instance.InstanceID,
			"execution_id": instance.ExecutionID,
		})
	}

	return newETag, nil
}

type stateRecord struct {
	InstanceID    string    `json:"instance_id"`
	ExecutionID   string    `json:"execution_id"`
	Name          string    `json:"name"`
	Status        int       `json:"status"`
	Input         string    `json:"input,omitempty"`
	Output        string    `json:"output,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

func (s *Store) GetStates(ctx context.Context, instanceIDs []string) ([]durable.InstanceState, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}

	// MGET requires all keys to live in one slot on a cluster so look the records up individually in a pipeline.
	cmds := make([]*redis.StringCmd, len(instanceIDs))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range instanceIDs {
			cmds[i] = p.Get(ctx, stateKeyPrefix+instanceTag(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(err, "get states")
	}

	var states []durable.InstanceState
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			return nil, err
		}

		var r stateRecord
		err = json.Unmarshal([]byte(data), &r)
		if err != nil {
			return nil, err
		}

		states = append(states, durable.InstanceState{
			Instance:      durable.Instance{InstanceID: r.InstanceID, ExecutionID: r.ExecutionID},
			Name:          r.Name,
			Status:        durable.OrchestrationStatus(r.Status),
			Input:         r.Input,
			Output:        r.Output,
			CreatedAt:     r.CreatedAt,
			LastUpdatedAt: r.LastUpdatedAt,
		})
	}

	return states, nil
}

func (s *Store) UpdateState(ctx context.Context, state durable.InstanceState) error {
	data, err := json.Marshal(stateRecord{
		InstanceID:    state.Instance.InstanceID,
		ExecutionID:   state.Instance.ExecutionID,
		Name:          state.Name,
		Status:        int(state.Status),
		Input:         state.Input,
		Output:        state.Output,
		CreatedAt:     state.CreatedAt,
		LastUpdatedAt: state.LastUpdatedAt,
	})
	if err != nil {
		return err
	}

	return s.client.Set(ctx, stateKeyPrefix+instanceTag(state.Instance.InstanceID), data, 0).Err()
}
