package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Writer abstracts write operations so every mutation goes through one
// serialized connection. DirectWriter executes against SQLite directly.
type Writer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	ExecuteTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Store is the main data access layer for the key pool: puzzles, pool
// cursors, the range ledger, clients and the key-find ledger.
type Store struct {
	db     *DB
	writer Writer
	now    func() time.Time
}

// NewStore creates a new Store with the given DB.
// It uses a DirectWriter that writes to SQLite immediately.
func NewStore(db *DB) *Store {
	return &Store{
		db:     db,
		writer: &DirectWriter{db: db.Write},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Now returns the store's current UTC time.
func (s *Store) Now() time.Time {
	return s.now()
}

// DirectWriter executes SQL directly against the SQLite write connection.
type DirectWriter struct {
	db *sql.DB
}

func (w *DirectWriter) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return w.db.ExecContext(ctx, query, args...)
}

func (w *DirectWriter) ExecuteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// ReadDB returns the read database connection for queries.
func (s *Store) ReadDB() *sql.DB {
	return s.db.Read
}

// Ping checks that both connections are usable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Write.PingContext(ctx); err != nil {
		return err
	}
	return s.db.Read.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse("2006-01-02T15:04:05.000", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func stringPtrArg(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
