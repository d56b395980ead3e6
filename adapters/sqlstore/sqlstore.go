package sqlstore

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/luno/durable"
)

// mysqlDuplicateEntry is returned when two writers race to create the same execution.
const mysqlDuplicateEntry = 1062

type SQLStore struct {
	writer *sql.DB
	reader *sql.DB
	clock  clock.Clock

	historyTableName   string
	executionTableName string
	instanceTableName  string

	instanceCols         string
	instanceSelectPrefix string
}

type Option func(s *SQLStore)

func WithClock(clock clock.Clock) Option {
	return func(s *SQLStore) {
		s.clock = clock
	}
}

// New returns a MySQL backed durable.Store. The history table holds one row per event, the execution table the
// etag and event count of each execution and the instance table the record of each instance.
func New(writer *sql.DB, reader *sql.DB, historyTable, executionTable, instanceTable string, opts ...Option) *SQLStore {
	s := &SQLStore{
		writer:             writer,
		reader:             reader,
		clock:              clock.RealClock{},
		historyTableName:   historyTable,
		executionTableName: executionTable,
		instanceTableName:  instanceTable,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.instanceCols = " `instance_id`, `execution_id`, `name`, `status`, `input`, `output`, `created_at`, `updated_at` "
	s.instanceSelectPrefix = " select " + s.instanceCols + " from " + s.instanceTableName + " where "

	return s
}

var _ durable.Store = (*SQLStore)(nil)

func (s *SQLStore) GetHistoryEvents(ctx context.Context, instanceID, executionID string) (*durable.History, error) {
	if executionID == "" {
		latest, err := s.latestExecution(ctx, instanceID)
		if errors.Is(err, sql.ErrNoRows) {
			return &durable.History{}, nil
		} else if err != nil {
			return nil, err
		}

		executionID = latest
	}

	exec, err := s.lookupExecution(ctx, s.reader, instanceID, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return &durable.History{}, nil
	} else if err != nil {
		return nil, err
	}

	events, err := s.listEvents(ctx, instanceID, executionID)
	if err != nil {
		return nil, err
	}

	return &durable.History{
		Events:             events,
		ETag:               strconv.FormatInt(exec.eTag, 10),
		LastCheckpointTime: exec.checkpointedAt,
	}, nil
}

func (s *SQLStore) GetStates(ctx context.Context, instanceIDs []string) ([]durable.InstanceState, error) {
	if len(instanceIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		args = append(args, id)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(instanceIDs)), ",")
	return s.listInstancesWhere(ctx, s.reader, "instance_id in ("+placeholders+")", args...)
}

func (s *SQLStore) AppendHistory(ctx context.Context, instance durable.Instance, events []durable.HistoryEvent, eTag string) (string, error) {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := s.clock.Now()

	var (
		next     int64
		sequence int64
	)
	exec, err := s.lookupExecution(ctx, tx, instance.InstanceID, instance.ExecutionID, "for update")
	if errors.Is(err, sql.ErrNoRows) {
		if eTag != "" {
			return "", eTagMismatch(instance)
		}

		next = 1
		err = s.createExecution(ctx, tx, instance, int64(len(events)), now)
		if isDuplicateEntry(err) {
			return "", eTagMismatch(instance)
		} else if err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		if eTag != strconv.FormatInt(exec.eTag, 10) {
			return "", eTagMismatch(instance)
		}

		next = exec.eTag + 1
		sequence = exec.eventCount
		err = s.updateExecution(ctx, tx, instance, next, exec.eventCount+int64(len(events)), now)
		if err != nil {
			return "", err
		}
	}

	for i, e := range events {
		err := s.insertEvent(ctx, tx, instance, sequence+int64(i), e, now)
		if err != nil {
			return "", err
		}
	}

	err = tx.Commit()
	if err != nil {
		return "", err
	}

	return strconv.FormatInt(next, 10), nil
}

func (s *SQLStore) UpdateState(ctx context.Context, state durable.InstanceState) error {
	_, err := s.writer.ExecContext(ctx, "insert into "+s.instanceTableName+" set "+
		" instance_id=?, execution_id=?, name=?, status=?, input=?, output=?, created_at=?, updated_at=? "+
		" on duplicate key update "+
		" execution_id=values(execution_id), name=values(name), status=values(status), input=values(input), "+
		" output=values(output), created_at=values(created_at), updated_at=values(updated_at)",
		state.Instance.InstanceID,
		state.Instance.ExecutionID,
		state.Name,
		int(state.Status),
		state.Input,
		state.Output,
		state.CreatedAt,
		state.LastUpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update instance", j.MKV{
			"instanceID":  state.Instance.InstanceID,
			"executionID": state.Instance.ExecutionID,
			"status":      state.Status.String(),
		})
	}

	return nil
}

func eTagMismatch(instance durable.Instance) error {
	return errors.Wrap(durable.ErrETagMismatch, "", j.MKV{
		"instanceID":  instance.InstanceID,
		"executionID": instance.ExecutionID,
	})
}

func isDuplicateEntry(err error) bool {
	me, ok := err.(*mysql.MySQLError)
	return ok && me.Number == mysqlDuplicateEntry
}
