// Package store is the persistence layer over the workspace SQLite
// database. All writes go through short-lived transactions that retry on
// lock contention; reads run directly against the pool.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"flowlens/internal/backoff"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrLockExhausted is returned when a write transaction kept hitting
	// a locked database for every retry attempt.
	ErrLockExhausted = errors.New("database lock retries exhausted")
)

// Store wraps the database with retry and batching policy. The zero
// values fall back to sensible defaults.
type Store struct {
	DB         *sql.DB
	Retry      backoff.Policy
	BatchSize  int
	BatchPause time.Duration
	Logf       func(format string, args ...any)
	Now        func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{DB: db, Retry: backoff.DefaultPolicy()}
}

func (s *Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *Store) logf(format string, args ...any) {
	if s.Logf != nil {
		s.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (s *Store) batchSize() int {
	if s.BatchSize > 0 {
		return s.BatchSize
	}
	return 10
}

func (s *Store) batchPause() time.Duration {
	if s.BatchPause > 0 {
		return s.BatchPause
	}
	return 50 * time.Millisecond
}

func (s *Store) retryPolicy() backoff.Policy {
	if s.Retry.MaxRetries > 0 {
		return s.Retry
	}
	return backoff.DefaultPolicy()
}

// IsLocked reports whether err is SQLite lock/busy contention.
func IsLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

// dbtx is the slice of *sql.Conn and *sql.Tx the row helpers need, so the
// same statements run inside and outside explicit transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside one transaction on a dedicated connection and
// commits on success or rolls back on any error. immediate takes the
// write lock up front (BEGIN IMMEDIATE) so lock contention surfaces at
// begin time instead of mid-transaction. Lock errors roll back, release
// the connection, back off and retry; exhaustion maps to
// ErrLockExhausted wrapping the last failure.
func (s *Store) withTx(ctx context.Context, immediate bool, fn func(tx dbtx) error) error {
	begin := "BEGIN"
	if immediate {
		begin = "BEGIN IMMEDIATE"
	}
	attempt := 0
	err := backoff.Retry(ctx, s.retryPolicy(), IsLocked, func() error {
		attempt++
		err := s.runTx(ctx, begin, fn)
		if err != nil && IsLocked(err) {
			s.logf("flowlens: database locked on attempt %d, backing off: %v", attempt, err)
		}
		return err
	})
	var exhausted *backoff.ExhaustedError
	if errors.As(err, &exhausted) {
		return fmt.Errorf("%w after %d attempts: %v", ErrLockExhausted, exhausted.Attempts, exhausted.Last)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, begin string, fn func(tx dbtx) error) (err error) {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err = conn.ExecContext(ctx, begin); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if _, rbErr := conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
				s.logf("flowlens: rollback failed: %v", rbErr)
			}
		}
	}()
	if err = fn(conn); err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, "COMMIT")
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func optionalInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}
