// Package harmonydb stores harmony tasks in SQL: SQLite for a single machine,
// Postgres (or anything speaking its protocol) for a cluster. Claims are
// conditional UPDATEs on the version column, so any number of engines on any
// number of machines can share one database.
package harmonydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/harmonytask/lib/retry"
	"github.com/filecoin-project/harmonytask/lib/sqlite"
)

var log = logging.Logger("harmonydb")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	// Driver is sqlite or postgres.
	Driver string

	// Path of the SQLite database file.
	Path string

	// Hosts of the Postgres cluster. Only 1 is required.
	Hosts    []string
	Port     string
	Username string
	Password string
	Database string
	SSLMode  string
}

type DB struct {
	sql    *sql.DB
	driver string
	name   string
}

const createTaskTable = `CREATE TABLE IF NOT EXISTS harmony_task (
	id TEXT PRIMARY KEY,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL,
	run_at BIGINT NOT NULL,
	scheduled_at BIGINT NOT NULL,
	started_at BIGINT,
	retry_at BIGINT,
	attempts INTEGER NOT NULL DEFAULT 0,
	owner_id TEXT,
	params TEXT NOT NULL,
	state TEXT NOT NULL,
	schedule_interval BIGINT NOT NULL DEFAULT 0,
	scope TEXT NOT NULL DEFAULT '[]',
	version BIGINT NOT NULL
)`

// stale claims are looked up by retry_at
const createRetryIndex = `CREATE INDEX IF NOT EXISTS harmony_task_retry ON harmony_task (status, retry_at)`

// ddl is the latest schema.
var ddl = []string{
	createTaskTable,
	`CREATE INDEX IF NOT EXISTS harmony_task_due ON harmony_task (status, run_at)`,
	`CREATE INDEX IF NOT EXISTS harmony_task_owner ON harmony_task (owner_id)`,
	createRetryIndex,
}

// migrations[i] takes a sqlite schema from version i+1 to i+2.
var migrations = []sqlite.MigrationFunc{
	func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, createRetryIndex)
		return err
	},
}

// Open connects and brings the schema up to date.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return openSQLite(ctx, cfg)
	case DriverPostgres:
		return openPostgres(ctx, cfg)
	default:
		return nil, xerrors.Errorf("unknown harmonydb driver %q", cfg.Driver)
	}
}

func openSQLite(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, xerrors.New("sqlite needs a database path")
	}
	sdb, err := sqlite.Open(cfg.Path)
	if err != nil {
		return nil, err
	}
	// one writer at a time; conditional updates then never hit SQLITE_BUSY
	sdb.SetMaxOpenConns(1)

	if err := sqlite.InitDb(ctx, "harmony", sdb, ddl, migrations); err != nil {
		_ = sdb.Close()
		return nil, xerrors.Errorf("initializing harmony schema: %w", err)
	}
	log.Infow("opened sqlite task store", "path", cfg.Path)
	return &DB{sql: sdb, driver: DriverSQLite, name: cfg.Path}, nil
}

func (c Config) postgresDSN() string {
	hosts := c.Hosts
	if len(hosts) == 0 {
		hosts = []string{"127.0.0.1"}
	}
	kv := []string{"host=" + strings.Join(hosts, ",")}
	add := func(k, v string) {
		if v != "" {
			kv = append(kv, k+"="+quote(v))
		}
	}
	add("port", c.Port)
	add("user", c.Username)
	add("password", c.Password)
	add("dbname", c.Database)
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	add("sslmode", sslmode)
	return strings.Join(kv, " ")
}

func quote(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	return "'" + strings.ReplaceAll(v, `'`, `\'`) + "'"
}

func openPostgres(ctx context.Context, cfg Config) (*DB, error) {
	sdb, err := sql.Open("pgx", cfg.postgresDSN())
	if err != nil {
		return nil, xerrors.Errorf("open postgres: %w", err)
	}

	connErrs := retry.ErrorIsIn([]error{&net.OpError{}, &pgconn.ConnectError{}})
	_, err = retry.Retry(ctx, 5, time.Second, connErrs, func() (struct{}, error) {
		return struct{}{}, sdb.PingContext(ctx)
	})
	if err != nil {
		_ = sdb.Close()
		return nil, xerrors.Errorf("connecting to %s: %w", strings.Join(cfg.Hosts, ","), err)
	}

	for _, stmt := range ddl {
		if _, err := sdb.ExecContext(ctx, stmt); err != nil {
			_ = sdb.Close()
			return nil, xerrors.Errorf("exec ddl %q: %w", stmt, err)
		}
	}
	log.Infow("opened postgres task store", "hosts", cfg.Hosts, "database", cfg.Database)
	return &DB{sql: sdb, driver: DriverPostgres, name: cfg.Database}, nil
}

func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) Driver() string {
	return db.driver
}

var placeholderRE = regexp.MustCompile(`\$(\d+)`)

// rebind turns $N placeholders into ?N for SQLite, which binds ?N by number
// but would number $N by order of appearance.
func (db *DB) rebind(query string) string {
	if db.driver != DriverSQLite {
		return query
	}
	return placeholderRE.ReplaceAllString(query, "?$1")
}

// placeholders returns "$from, $from+1, ..." for n values.
func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}

func (db *DB) measure(ctx context.Context, op string, start time.Time, err error) {
	took := float64(time.Since(start).Microseconds()) / 1000
	ctx, _ = tag.New(ctx, tag.Upsert(dbTag, db.name), tag.Upsert(opTag, op))
	stats.Record(ctx,
		DBMeasures.Statements.M(1),
		DBMeasures.Latency.M(took),
		DBMeasures.OpenConnections.M(int64(db.sql.Stats().OpenConnections)))
	DBMeasures.Latencies.WithLabelValues(op).Observe(took)
	if err != nil && !errors.Is(err, sql.ErrNoRows) && !IsErrUniqueContraint(err) {
		stats.Record(ctx, DBMeasures.Errors.M(1))
	}
}

func (db *DB) recordConflict(ctx context.Context, op string) {
	ctx, _ = tag.New(ctx, tag.Upsert(dbTag, db.name), tag.Upsert(opTag, op))
	stats.Record(ctx, DBMeasures.CASConflicts.M(1))
}

// IsErrUniqueContraint reports a primary key or unique index violation on
// either driver.
func IsErrUniqueContraint(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
