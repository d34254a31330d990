package harmonydb

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/harmony/harmonytask"
	"github.com/filecoin-project/harmonytask/lib/harmony/harmonytask/taskstoretest"
	"github.com/filecoin-project/harmonytask/lib/sqlite"
)

func openTestDB(t *testing.T) *DB {
	db, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "harmony.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStore(t *testing.T) {
	taskstoretest.TestStore(t, func(t *testing.T) harmonytask.TaskStore {
		return openTestDB(t)
	})
}

// Set HARMONY_TEST_PG_HOST to run the suite against a real Postgres.
func TestPostgresStore(t *testing.T) {
	host := os.Getenv("HARMONY_TEST_PG_HOST")
	if host == "" {
		t.Skip("HARMONY_TEST_PG_HOST not set")
	}
	taskstoretest.TestStore(t, func(t *testing.T) harmonytask.TaskStore {
		db, err := Open(context.Background(), Config{
			Driver:   DriverPostgres,
			Hosts:    []string{host},
			Username: os.Getenv("HARMONY_TEST_PG_USER"),
			Password: os.Getenv("HARMONY_TEST_PG_PASSWORD"),
			Database: os.Getenv("HARMONY_TEST_PG_DATABASE"),
		})
		require.NoError(t, err)
		_, err = db.sql.Exec(`DELETE FROM harmony_task`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db
	})
}

func TestReopenKeepsTasks(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "harmony.db")

	db, err := Open(ctx, Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	_, err = db.Insert(ctx, taskstoretest.Task("a", "foo", time.Now()))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	got, err := db.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "foo", got.TaskType)

	var version int
	require.NoError(t, db.sql.QueryRow(`SELECT MAX(version) FROM _meta`).Scan(&version))
	require.Equal(t, len(migrations)+1, version)
}

func TestMigratesVersionOneSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "harmony.db")

	// a database created before the retry index existed
	old, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, sqlite.InitDb(ctx, "harmony", old, ddl[:3], nil))
	_, err = old.Exec(`INSERT INTO harmony_task (id, task_type, status, run_at, scheduled_at, params, state, version)
		VALUES ('old', 'foo', 'idle', 1, 1, '{}', '{}', 1)`)
	require.NoError(t, err)
	require.NoError(t, old.Close())

	db, err := Open(ctx, Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	defer db.Close() //nolint:errcheck

	var versions []int
	rows, err := db.sql.Query(`SELECT version FROM _meta ORDER BY version`)
	require.NoError(t, err)
	for rows.Next() {
		var v int
		require.NoError(t, rows.Scan(&v))
		versions = append(versions, v)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	require.Equal(t, []int{1, 2}, versions)

	var indexes int
	require.NoError(t, db.sql.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='harmony_task_retry'`).Scan(&indexes))
	require.Equal(t, 1, indexes)

	got, err := db.Get(ctx, "old")
	require.NoError(t, err)
	require.Equal(t, harmonytask.TaskStatusIdle, got.Status)
}

func TestCASWithForeignVersion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.Insert(ctx, taskstoretest.Task("a", "foo", time.Now()))
	require.NoError(t, err)

	_, outcome, err := db.CompareAndSwap(ctx, "a", "not-a-number", harmonytask.TaskUpdate{Status: harmonytask.TaskStatusClaiming})
	require.NoError(t, err)
	require.Equal(t, harmonytask.CASConflicted, outcome)
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"})
	require.ErrorContains(t, err, "unknown harmonydb driver")

	_, err = Open(context.Background(), Config{Driver: DriverSQLite})
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	lite := &DB{driver: DriverSQLite}
	pg := &DB{driver: DriverPostgres}
	q := `SELECT * FROM t WHERE a = $2 AND b = $1 AND c = $12`
	require.Equal(t, `SELECT * FROM t WHERE a = ?2 AND b = ?1 AND c = ?12`, lite.rebind(q))
	require.Equal(t, q, pg.rebind(q))
	require.Equal(t, "$3, $4, $5", placeholders(3, 3))
}

func TestPostgresDSN(t *testing.T) {
	dsn := Config{
		Hosts:    []string{"db1", "db2"},
		Port:     "5433",
		Username: "harmony",
		Password: "it's secret",
		Database: "tasks",
	}.postgresDSN()
	require.True(t, strings.HasPrefix(dsn, "host=db1,db2 port=5433 user=harmony"))
	require.Contains(t, dsn, `password='it\'s secret'`)
	require.Contains(t, dsn, "dbname=tasks")
	require.Contains(t, dsn, "sslmode=disable")

	require.Equal(t, "host=127.0.0.1 sslmode=disable", Config{}.postgresDSN())
}

func TestIsErrUniqueContraint(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.Insert(ctx, taskstoretest.Task("a", "foo", time.Now()))
	require.NoError(t, err)

	_, err = db.sql.ExecContext(ctx, `INSERT INTO harmony_task (id, task_type, status, run_at, scheduled_at, params, state, version)
		VALUES ('a', 'foo', 'idle', 0, 0, '{}', '{}', 1)`)
	require.Error(t, err)
	require.True(t, IsErrUniqueContraint(err))
	require.True(t, IsErrUniqueContraint(xerrors.Errorf("wrapped: %w", err)))
	require.False(t, IsErrUniqueContraint(xerrors.New("other")))
}

// opCount sums the count rows of the named view for db and op.
func opCount(t *testing.T, viewName string, db *DB, op string) int64 {
	rows, err := view.RetrieveData(viewName)
	require.NoError(t, err)

	var n int64
	for _, row := range rows {
		tags := map[tag.Key]string{}
		for _, tg := range row.Tags {
			tags[tg.Key] = tg.Value
		}
		if tags[dbTag] != db.name || tags[opTag] != op {
			continue
		}
		if c, ok := row.Data.(*view.CountData); ok {
			n += c.Value
		}
	}
	return n
}

func TestStatementMetricsByOp(t *testing.T) {
	require.NoError(t, view.Register(StatementsView, ErrorsView, CASConflictsView))

	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().Truncate(time.Second)

	a, err := db.Insert(ctx, taskstoretest.Task("a", "foo", now))
	require.NoError(t, err)
	_, err = db.Insert(ctx, taskstoretest.Task("a", "foo", now))
	require.ErrorIs(t, err, harmonytask.ErrTaskAlreadyExists)

	_, err = db.FetchCandidates(ctx, harmonytask.CandidateQuery{Now: now})
	require.NoError(t, err)

	u := a.Update()
	u.Status = harmonytask.TaskStatusClaiming
	_, outcome, err := db.CompareAndSwap(ctx, "a", a.Version, u)
	require.NoError(t, err)
	require.Equal(t, harmonytask.CASApplied, outcome)
	_, outcome, err = db.CompareAndSwap(ctx, "a", a.Version, u)
	require.NoError(t, err)
	require.Equal(t, harmonytask.CASConflicted, outcome)

	statements := DBMeasures.Statements.Name()
	require.Eventually(t, func() bool {
		return opCount(t, statements, db, opInsert) == 2 &&
			opCount(t, statements, db, opFetchCandidates) == 1 &&
			opCount(t, statements, db, opCAS) == 2 &&
			opCount(t, DBMeasures.CASConflicts.Name(), db, opCAS) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// a duplicate insert is an answer, not a failure
	require.Zero(t, opCount(t, DBMeasures.Errors.Name(), db, opInsert))
}
