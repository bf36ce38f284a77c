// Package sqlutil opens SQLite databases the way every rollup store uses
// them: one write connection in WAL mode plus a small read pool, and maps
// driver errors onto the structured error codes.
package sqlutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	rerrors "github.com/arkilian/rollup/internal/errors"
	"github.com/mattn/go-sqlite3"
)

// DB is a single-writer SQLite handle with a separate read pool.
type DB struct {
	Write *sql.DB
	Read  *sql.DB
	Path  string
}

// Open opens path for writing and reading and runs the schema statements on
// the write connection.
func Open(path string, schema []string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	readDB, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	return &DB{Write: db, Read: readDB, Path: path}, nil
}

// Close closes both pools.
func (d *DB) Close() error {
	rerr := d.Read.Close()
	werr := d.Write.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Classify converts a database error into a RollupError of the given
// category. Busy, locked and I/O failures, closed handles and timeouts are
// STORE_UNAVAILABLE and therefore retryable. Cancellation passes through
// unchanged.
func Classify(category rerrors.ErrorCategory, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var re *rerrors.RollupError
	if errors.As(err, &re) {
		return err
	}
	if unavailable(err) {
		return rerrors.Wrap(category, rerrors.CodeStoreUnavailable, op, err)
	}
	return rerrors.NewInternalError(op, err)
}

func unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	if err.Error() == "sql: database is closed" {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrFull, sqlite3.ErrProtocol:
			return true
		}
	}
	return false
}
