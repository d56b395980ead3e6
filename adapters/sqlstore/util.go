package sqlstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/durable"
)

type execution struct {
	eTag           int64
	eventCount     int64
	checkpointedAt time.Time
}

// querier is a common interface for *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) latestExecution(ctx context.Context, instanceID string) (string, error) {
	var executionID string
	err := s.reader.QueryRowContext(ctx, "select execution_id from "+s.executionTableName+
		" where instance_id=? order by id desc limit 1", instanceID).Scan(&executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", err
	} else if err != nil {
		return "", errors.Wrap(err, "latestExecution", j.MKV{"instanceID": instanceID})
	}

	return executionID, nil
}

// lookupExecution returns sql.ErrNoRows unwrapped when the execution does not exist. The suffix is appended to
// the query, for example to lock the row.
func (s *SQLStore) lookupExecution(ctx context.Context, q querier, instanceID, executionID string, suffix ...string) (*execution, error) {
	query := "select etag, event_count, checkpointed_at from " + s.executionTableName +
		" where instance_id=? and execution_id=?"
	for _, sfx := range suffix {
		query += " " + sfx
	}

	var e execution
	err := q.QueryRowContext(ctx, query, instanceID, executionID).Scan(&e.eTag, &e.eventCount, &e.checkpointedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	} else if err != nil {
		return nil, errors.Wrap(err, "lookupExecution", j.MKV{
			"instanceID":  instanceID,
			"executionID": executionID,
		})
	}

	return &e, nil
}

func (s *SQLStore) createExecution(ctx context.Context, tx *sql.Tx, instance durable.Instance, eventCount int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, "insert into "+s.executionTableName+" set "+
		" instance_id=?, execution_id=?, etag=1, event_count=?, created_at=?, checkpointed_at=? ",
		instance.InstanceID,
		instance.ExecutionID,
		eventCount,
		now,
		now,
	)
	if isDuplicateEntry(err) {
		return err
	} else if err != nil {
		return errors.Wrap(err, "failed to create execution", j.MKV{
			"instanceID":  instance.InstanceID,
			"executionID": instance.ExecutionID,
		})
	}

	return nil
}

func (s *SQLStore) updateExecution(ctx context.Context, tx *sql.Tx, instance durable.Instance, eTag, eventCount int64, now time.Time) error {
	_, err := tx.ExecContext(ctx, "update "+s.executionTableName+" set "+
		" etag=?, event_count=?, checkpointed_at=? where instance_id=? and execution_id=?",
		eTag,
		eventCount,
		now,
		instance.InstanceID,
		instance.ExecutionID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update execution", j.MKV{
			"instanceID":  instance.InstanceID,
			"executionID": instance.ExecutionID,
			"etag":        eTag,
		})
	}

	return nil
}

func (s *SQLStore) insertEvent(ctx context.Context, tx *sql.Tx, instance durable.Instance, sequence int64, e durable.HistoryEvent, now time.Time) error {
	data, err := durable.MarshalEvent(e)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "insert into "+s.historyTableName+" set "+
		" instance_id=?, execution_id=?, sequence_number=?, event_type=?, event=?, created_at=? ",
		instance.InstanceID,
		instance.ExecutionID,
		sequence,
		int(e.Type()),
		data,
		now,
	)
	if err != nil {
		return errors.Wrap(err, "failed to insert event", j.MKV{
			"instanceID":  instance.InstanceID,
			"executionID": instance.ExecutionID,
			"sequence":    sequence,
			"eventType":   e.Type().String(),
		})
	}

	return nil
}

func (s *SQLStore) listEvents(ctx context.Context, instanceID, executionID string) ([]durable.HistoryEvent, error) {
	rows, err := s.reader.QueryContext(ctx, "select event from "+s.historyTableName+
		" where instance_id=? and execution_id=? order by sequence_number asc", instanceID, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "listEvents")
	}
	defer rows.Close()

	var res []durable.HistoryEvent
	for rows.Next() {
		var data []byte
		err := rows.Scan(&data)
		if err != nil {
			return nil, errors.Wrap(err, "eventScan")
		}

		e, err := durable.UnmarshalEvent(data)
		if err != nil {
			return nil, err
		}

		res = append(res, e)
	}

	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	return res, nil
}

// listInstancesWhere queries the instance table with the provided where clause, then scans and returns all the
// rows.
func (s *SQLStore) listInstancesWhere(ctx context.Context, dbc *sql.DB, where string, args ...any) ([]durable.InstanceState, error) {
	rows, err := dbc.QueryContext(ctx, s.instanceSelectPrefix+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listInstancesWhere")
	}
	defer rows.Close()

	var res []durable.InstanceState
	for rows.Next() {
		r, err := instanceScan(rows)
		if err != nil {
			return nil, err
		}

		res = append(res, *r)
	}

	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	return res, nil
}

func instanceScan(row row) (*durable.InstanceState, error) {
	var (
		s      durable.InstanceState
		status int
	)
	err := row.Scan(
		&s.Instance.InstanceID,
		&s.Instance.ExecutionID,
		&s.Name,
		&status,
		&s.Input,
		&s.Output,
		&s.CreatedAt,
		&s.LastUpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "instanceScan")
	}

	s.Status = durable.OrchestrationStatus(status)
	return &s, nil
}

// row is a common interface for *sql.Rows and *sql.Row.
type row interface {
	Scan(dest ...any) error
}
