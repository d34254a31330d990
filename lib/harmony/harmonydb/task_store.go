package harmonydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/harmony/harmonytask"
)

var _ harmonytask.TaskStore = (*DB)(nil)

const taskColumns = `id, task_type, status, run_at, scheduled_at, started_at, retry_at, attempts,
	owner_id, params, state, schedule_interval, scope, version`

type taskRow struct {
	ID               string         `db:"id"`
	TaskType         string         `db:"task_type"`
	Status           string         `db:"status"`
	RunAt            int64          `db:"run_at"`
	ScheduledAt      int64          `db:"scheduled_at"`
	StartedAt        sql.NullInt64  `db:"started_at"`
	RetryAt          sql.NullInt64  `db:"retry_at"`
	Attempts         int            `db:"attempts"`
	OwnerID          sql.NullString `db:"owner_id"`
	Params           string         `db:"params"`
	State            string         `db:"state"`
	ScheduleInterval int64          `db:"schedule_interval"`
	Scope            string         `db:"scope"`
	Version          int64          `db:"version"`
}

// times are stored as unix nanoseconds so both drivers compare them natively
func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (r taskRow) task() (harmonytask.ConcreteTaskInstance, error) {
	t := harmonytask.ConcreteTaskInstance{
		TaskInstance: harmonytask.TaskInstance{
			ID:       r.ID,
			TaskType: r.TaskType,
			RunAt:    fromNanos(r.RunAt),
		},
		Status:      harmonytask.TaskStatus(r.Status),
		ScheduledAt: fromNanos(r.ScheduledAt),
		StartedAt:   fromNullNanos(r.StartedAt),
		RetryAt:     fromNullNanos(r.RetryAt),
		Attempts:    r.Attempts,
		Version:     strconv.FormatInt(r.Version, 10),
	}
	if r.OwnerID.Valid {
		owner := r.OwnerID.String
		t.OwnerID = &owner
	}
	if r.ScheduleInterval > 0 {
		t.Schedule = &harmonytask.IntervalSchedule{Interval: time.Duration(r.ScheduleInterval)}
	}
	if err := json.Unmarshal([]byte(r.Params), &t.Params); err != nil {
		return t, xerrors.Errorf("decoding params of task %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.State), &t.State); err != nil {
		return t, xerrors.Errorf("decoding state of task %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Scope), &t.Scope); err != nil {
		return t, xerrors.Errorf("decoding scope of task %s: %w", r.ID, err)
	}
	return t, nil
}

func rowsToTasks(rows []taskRow) ([]harmonytask.ConcreteTaskInstance, error) {
	out := make([]harmonytask.ConcreteTaskInstance, 0, len(rows))
	for _, r := range rows {
		t, err := r.task()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (db *DB) selectTasks(ctx context.Context, op string, query string, args ...any) (_ []harmonytask.ConcreteTaskInstance, err error) {
	defer func(start time.Time) { db.measure(ctx, op, start, err) }(time.Now())

	var rows []taskRow
	if err := sqlscan.Select(ctx, db.sql, &rows, db.rebind(query), args...); err != nil {
		return nil, err
	}
	return rowsToTasks(rows)
}

// exec runs a statement that returns no rows and reports the rows it touched.
func (db *DB) exec(ctx context.Context, op string, query string, args ...any) (_ int64, err error) {
	defer func(start time.Time) { db.measure(ctx, op, start, err) }(time.Now())

	res, err := db.sql.ExecContext(ctx, db.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) FetchCandidates(ctx context.Context, q harmonytask.CandidateQuery) ([]harmonytask.ConcreteTaskInstance, error) {
	args := []any{
		string(harmonytask.TaskStatusIdle),
		string(harmonytask.TaskStatusClaiming),
		string(harmonytask.TaskStatusRunning),
		toNanos(q.Now),
	}
	query := `SELECT ` + taskColumns + ` FROM harmony_task
		WHERE ((status = $1 AND run_at <= $4) OR (status IN ($2, $3) AND retry_at <= $4))`
	if len(q.TaskTypes) > 0 {
		query += ` AND task_type IN (` + placeholders(len(args)+1, len(q.TaskTypes)) + `)`
		for _, tt := range q.TaskTypes {
			args = append(args, tt)
		}
	}
	query += ` ORDER BY run_at, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	tasks, err := db.selectTasks(ctx, opFetchCandidates, query, args...)
	if err != nil {
		return nil, xerrors.Errorf("fetching claim candidates: %w", err)
	}
	return tasks, nil
}

func (db *DB) CompareAndSwap(ctx context.Context, id string, expectedVersion string, u harmonytask.TaskUpdate) (harmonytask.ConcreteTaskInstance, harmonytask.CASOutcome, error) {
	expected, err := strconv.ParseInt(expectedVersion, 10, 64)
	if err != nil {
		// not a version this store issued; it cannot match
		current, err := db.Get(ctx, id)
		if err != nil {
			return harmonytask.ConcreteTaskInstance{}, 0, err
		}
		return current, harmonytask.CASConflicted, nil
	}

	state, err := encodeMap(u.State)
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, 0, xerrors.Errorf("encoding state of task %s: %w", id, err)
	}

	updated, err := db.selectTasks(ctx, opCAS, `UPDATE harmony_task SET
			status = $1, owner_id = $2, run_at = $3, started_at = $4, retry_at = $5,
			attempts = $6, state = $7, version = version + 1
		WHERE id = $8 AND version = $9
		RETURNING `+taskColumns,
		string(u.Status), nullString(u.OwnerID), toNanos(u.RunAt), nullNanos(u.StartedAt), nullNanos(u.RetryAt),
		u.Attempts, state, id, expected)
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, 0, xerrors.Errorf("updating task %s: %w", id, err)
	}
	if len(updated) == 1 {
		return updated[0], harmonytask.CASApplied, nil
	}

	// nothing matched: either the task is gone or someone else wrote first
	current, err := db.Get(ctx, id)
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, 0, err
	}
	db.recordConflict(ctx, opCAS)
	return current, harmonytask.CASConflicted, nil
}

func (db *DB) Get(ctx context.Context, id string) (harmonytask.ConcreteTaskInstance, error) {
	tasks, err := db.selectTasks(ctx, opGet, `SELECT `+taskColumns+` FROM harmony_task WHERE id = $1`, id)
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, xerrors.Errorf("getting task %s: %w", id, err)
	}
	if len(tasks) == 0 {
		return harmonytask.ConcreteTaskInstance{}, harmonytask.ErrTaskNotFound
	}
	return tasks[0], nil
}

// Insert stores t. The first version is the insert time in nanoseconds, so a
// re-used id does not start over at a version an old reader may still hold.
func (db *DB) Insert(ctx context.Context, t harmonytask.ConcreteTaskInstance) (_ harmonytask.ConcreteTaskInstance, err error) {
	if t.ID == "" {
		return harmonytask.ConcreteTaskInstance{}, xerrors.New("task has no id")
	}
	params, err := encodeMap(t.Params)
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, xerrors.Errorf("encoding params of task %s: %w", t.ID, err)
	}
	state, err := encodeMap(t.State)
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, xerrors.Errorf("encoding state of task %s: %w", t.ID, err)
	}
	scope := t.Scope
	if scope == nil {
		scope = []string{}
	}
	scopeJSON, err := json.Marshal(scope)
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, xerrors.Errorf("encoding scope of task %s: %w", t.ID, err)
	}
	var interval int64
	if t.Schedule != nil {
		interval = int64(t.Schedule.Interval)
	}

	inserted, err := db.selectTasks(ctx, opInsert, `INSERT INTO harmony_task (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+taskColumns,
		t.ID, t.TaskType, string(t.Status), toNanos(t.RunAt), toNanos(t.ScheduledAt),
		nullNanos(t.StartedAt), nullNanos(t.RetryAt), t.Attempts, nullString(t.OwnerID),
		params, state, interval, string(scopeJSON), time.Now().UnixNano())
	if IsErrUniqueContraint(err) {
		return harmonytask.ConcreteTaskInstance{}, harmonytask.ErrTaskAlreadyExists
	}
	if err != nil {
		return harmonytask.ConcreteTaskInstance{}, xerrors.Errorf("inserting task %s: %w", t.ID, err)
	}
	if len(inserted) != 1 {
		return harmonytask.ConcreteTaskInstance{}, xerrors.Errorf("inserting task %s: no row returned", t.ID)
	}
	return inserted[0], nil
}

func (db *DB) Remove(ctx context.Context, id string) error {
	n, err := db.exec(ctx, opRemove, `DELETE FROM harmony_task WHERE id = $1`, id)
	if err != nil {
		return xerrors.Errorf("removing task %s: %w", id, err)
	}
	if n == 0 {
		return harmonytask.ErrTaskNotFound
	}
	return nil
}

func (db *DB) RemoveVersion(ctx context.Context, id string, expectedVersion string) (harmonytask.CASOutcome, error) {
	if expected, err := strconv.ParseInt(expectedVersion, 10, 64); err == nil {
		n, err := db.exec(ctx, opRemove, `DELETE FROM harmony_task WHERE id = $1 AND version = $2`, id, expected)
		if err != nil {
			return 0, xerrors.Errorf("removing task %s: %w", id, err)
		}
		if n == 1 {
			return harmonytask.CASApplied, nil
		}
	}

	// nothing deleted: tell a missing task from a newer version
	if _, err := db.Get(ctx, id); err != nil {
		return 0, err
	}
	db.recordConflict(ctx, opRemove)
	return harmonytask.CASConflicted, nil
}

func (db *DB) List(ctx context.Context, q harmonytask.ListQuery) ([]harmonytask.ConcreteTaskInstance, error) {
	var where []string
	var args []any
	if len(q.TaskTypes) > 0 {
		where = append(where, `task_type IN (`+placeholders(len(args)+1, len(q.TaskTypes))+`)`)
		for _, tt := range q.TaskTypes {
			args = append(args, tt)
		}
	}
	if len(q.Statuses) > 0 {
		where = append(where, `status IN (`+placeholders(len(args)+1, len(q.Statuses))+`)`)
		for _, st := range q.Statuses {
			args = append(args, string(st))
		}
	}
	if q.OwnerID != "" {
		args = append(args, q.OwnerID)
		where = append(where, `owner_id = $`+strconv.Itoa(len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM harmony_task`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY run_at, id`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	tasks, err := db.selectTasks(ctx, opList, query, args...)
	if err != nil {
		return nil, xerrors.Errorf("listing tasks: %w", err)
	}
	return tasks, nil
}
