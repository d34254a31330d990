package sqlite

import (
	"context"
	"database/sql"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"
)

var log = logging.Logger("sqlite")

type MigrationFunc func(ctx context.Context, tx *sql.Tx) error

var pragmas = []string{
	"PRAGMA synchronous = normal",
	"PRAGMA temp_store = memory",
	"PRAGMA mmap_size = 30000000000",
	"PRAGMA page_size = 32768",
	"PRAGMA auto_vacuum = NONE",
	"PRAGMA automatic_index = OFF",
	"PRAGMA journal_mode = WAL",
	"PRAGMA read_uncommitted = ON",
}

const metaTableDdl = `CREATE TABLE IF NOT EXISTS _meta (
	version UINT64 NOT NULL UNIQUE
)`

// Open opens a sqlite database at path, creating it if needed, and applies
// the default pragmas.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?mode=rwc&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, xerrors.Errorf("open sqlite3 database: %w", err)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("exec sqlite3 pragma %q: %w", pragma, err)
		}
	}

	var foreignKeysEnabled int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeysEnabled); err != nil {
		_ = db.Close()
		return nil, xerrors.Errorf("failed to check foreign keys setting: %w", err)
	}
	if foreignKeysEnabled == 0 {
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	return db, nil
}

// InitDb creates the schema of a new database, or brings an existing one up
// to date by running the migrations it has not seen yet. The schema version
// is len(versionMigrations)+1 and every version reached is recorded in _meta.
func InitDb(ctx context.Context, name string, db *sql.DB, ddl []string, versionMigrations []MigrationFunc) error {
	schemaVersion := len(versionMigrations) + 1

	var found int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='_meta'").Scan(&found)
	if err != nil {
		return xerrors.Errorf("looking for _meta table: %w", err)
	}

	if found == 0 {
		log.Infow("creating new database", "name", name, "version", schemaVersion)
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return xerrors.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, metaTableDdl); err != nil {
			return xerrors.Errorf("create _meta table: %w", err)
		}
		for _, stmt := range ddl {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return xerrors.Errorf("exec ddl %q: %w", stmt, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO _meta (version) VALUES (?)", schemaVersion); err != nil {
			return xerrors.Errorf("insert schema version: %w", err)
		}
		return tx.Commit()
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM _meta").Scan(&current); err != nil {
		return xerrors.Errorf("reading schema version: %w", err)
	}
	if current > schemaVersion {
		return xerrors.Errorf("database %s is at schema version %d, newer than the supported %d", name, current, schemaVersion)
	}

	for v := current; v < schemaVersion; v++ {
		start := time.Now()
		if err := migrate(ctx, db, versionMigrations[v-1], v+1); err != nil {
			return xerrors.Errorf("migrating %s to version %d: %w", name, v+1, err)
		}
		log.Infow("migrated database", "name", name, "version", v+1, "took", time.Since(start))
	}
	return nil
}

func migrate(ctx context.Context, db *sql.DB, m MigrationFunc, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := m(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO _meta (version) VALUES (?)", version); err != nil {
		return xerrors.Errorf("insert schema version: %w", err)
	}
	return tx.Commit()
}
