// Package store is the persistence layer: an embedded SQLite database accessed
// through sqlx. All multi-row mutations run inside IMMEDIATE transactions so a
// writer holds the write lock for validation, mutation and status recompute as
// one unit.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	apperrors "invoice-reconciliation-engine/pkg/errors"
	"invoice-reconciliation-engine/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

const (
	maxRetries     = 3
	initialBackoff = 50 * time.Millisecond
)

// Store wraps the SQLite database handle.
type Store struct {
	db  *sqlx.DB
	log logger.Logger
}

// Open opens (or creates) the database at path. The DSN requests IMMEDIATE
// transactions so every write transaction takes the write lock at BEGIN.
func Open(path string, log logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// SQLite allows one writer; a single connection avoids lock churn
	// between pooled connections of the same process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database %s: %w", path, err)
	}

	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Store{db: db, log: log.WithComponent("store")}, nil
}

// OpenInMemory opens a fresh in-memory database; used by tests.
func OpenInMemory(log logger.Logger) (*Store, error) {
	s, err := Open(":memory:", log)
	if err != nil {
		return nil, err
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema executes the embedded DDL. Statements are idempotent.
func (s *Store) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.log.Debug("schema initialized")
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for read-only queries that do not need a
// transaction.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WriteTx runs fn inside an IMMEDIATE transaction, retrying up to three times
// with exponential backoff when SQLite reports the database busy or locked.
// Any error from fn rolls the transaction back.
func (s *Store) WriteTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	backoff := initialBackoff

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}

		lastErr = err
		s.log.WithError(err).Warnf("write transaction busy, attempt %d/%d", attempt, maxRetries)

		select {
		case <-ctx.Done():
			return apperrors.Transient(apperrors.CodeTimeout, ctx.Err(), "write transaction")
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return apperrors.Transient(apperrors.CodeDatabaseBusy, lastErr, "write transaction")
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.log.WithError(rbErr).Error("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// isBusy reports whether err is a retryable SQLite lock error.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if ok := asSqliteError(err, &sqliteErr); ok {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func asSqliteError(err error, target *sqlite3.Error) bool {
	for err != nil {
		if se, ok := err.(sqlite3.Error); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// isUniqueViolation reports whether err is a unique-constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if ok := asSqliteError(err, &sqliteErr); ok {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// GetSetting reads a key from the settings table; ok is false when absent.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a key in the settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// AllSettings returns the full settings table as a map.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
