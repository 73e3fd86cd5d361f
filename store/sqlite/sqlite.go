/*
Package sqlite opens the commitment store on SQLite.

PURPOSE:
  Single-file storage for development and single-node deployments. The
  queries are shared with the other SQL engines through store/sqlstore;
  this package only opens the driver and supplies the dialect.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

CONCURRENCY:
  SQLite has one writer. The store serializes transactions with a
  process-wide RWMutex instead of surfacing SQLITE_BUSY to callers.

USAGE:
  store, err := sqlite.New("./data/commitments.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := commitment.NewEngine(store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/commitment-engine/store/sqlstore"
)

// Dialect is the SQLite flavour of the shared schema.
var Dialect = sqlstore.Dialect{
	Name:              "sqlite",
	Schema:            sqlstore.StandardSchema,
	UpsertCommitment:  sqlstore.StandardUpsert,
	IsUniqueViolation: isUniqueConstraintError,
	SerializeWrites:   true,
	IsConflict:        isBusy,
}

// New creates a SQLite store with the given database path.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*sqlstore.Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store, err := sqlstore.New(context.Background(), db, Dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// isBusy reports another process holding the database lock past the busy
// timeout.
func isBusy(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked)
}
