// Package metadata is the relational store behind bitkeep: bitstream rows,
// checksum results, the content hierarchy and handles. It uses SQLite via the
// pure-Go modernc.org/sqlite driver.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Querier is satisfied by *sql.DB, *sql.Tx and *Batch, so DAO functions can
// run inside or outside of a caller's transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is an open metadata database.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Set("_txlock", "immediate")

	sqlDB, err := sql.Open("sqlite", path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// InTx runs fn in a single transaction, committing if fn returns nil and
// rolling back otherwise.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// InSavepoint runs fn inside the savepoint name of tx. When fn fails, the
// changes it made are rolled back and tx stays usable.
func InSavepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT `+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rerr := tx.ExecContext(ctx, `ROLLBACK TO `+name); rerr != nil {
			return errors.Join(err, fmt.Errorf("roll back to savepoint %s: %w", name, rerr))
		}
		_, _ = tx.ExecContext(ctx, `RELEASE `+name)
		return err
	}
	if _, err := tx.ExecContext(ctx, `RELEASE `+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// Batch is a transaction that is committed and reopened every size steps.
// It always has an open transaction until Commit or Rollback.
type Batch struct {
	db      *DB
	tx      *sql.Tx
	size    int
	pending int
	commits int
}

// BeginBatch opens a batch committing every size steps (minimum 1).
func (db *DB) BeginBatch(ctx context.Context, size int) (*Batch, error) {
	if size < 1 {
		size = 1
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch: %w", err)
	}
	return &Batch{db: db, tx: tx, size: size}, nil
}

func (b *Batch) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return b.tx.ExecContext(ctx, query, args...)
}

func (b *Batch) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return b.tx.QueryContext(ctx, query, args...)
}

func (b *Batch) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return b.tx.QueryRowContext(ctx, query, args...)
}

// Step records one unit of work, committing when the batch is full.
func (b *Batch) Step(ctx context.Context) error {
	b.pending++
	if b.pending < b.size {
		return nil
	}
	return b.flush(ctx)
}

// Flush commits pending work now and opens a new transaction.
func (b *Batch) Flush(ctx context.Context) error {
	if b.pending == 0 {
		return nil
	}
	return b.flush(ctx)
}

func (b *Batch) flush(ctx context.Context) error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	b.commits++
	b.pending = 0
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		b.tx = nil
		return fmt.Errorf("begin batch: %w", err)
	}
	b.tx = tx
	return nil
}

// Commits returns how many times the batch has been committed.
func (b *Batch) Commits() int { return b.commits }

// Commit commits outstanding work and ends the batch.
func (b *Batch) Commit() error {
	if b.tx == nil {
		return nil
	}
	tx := b.tx
	b.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	b.commits++
	return nil
}

// Rollback discards uncommitted work and ends the batch.
func (b *Batch) Rollback() error {
	if b.tx == nil {
		return nil
	}
	tx := b.tx
	b.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback batch: %w", err)
	}
	return nil
}

// nanos stores times as unix nanoseconds; the zero time is stored as 0.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
