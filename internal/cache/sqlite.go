package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmunix/upflix/internal/media"
	"github.com/vmunix/upflix/internal/migrations"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Open opens (creating if needed) the SQLite database at path and applies migrations.
func Open(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection serializes transactions and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(migrations.InitialSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// SQLiteStore is the durable Store backed by the media_cache table.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore creates a durable store over an opened database.
func NewSQLiteStore(db *sql.DB, ttl time.Duration, opts ...Option) *SQLiteStore {
	o := buildOptions(opts)
	return &SQLiteStore{db: db, ttl: ttl, now: o.now}
}

// Has reports whether a valid record is stored under key.
func (s *SQLiteStore) Has(ctx context.Context, key string) (bool, error) {
	var fetchedAt string
	err := s.inTx(ctx, "has", key, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			"SELECT fetched_at FROM media_cache WHERE path = ?", key,
		).Scan(&fetchedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	t, err := time.Parse(timeLayout, fetchedAt)
	if err != nil {
		return false, &IOError{Op: "has", Key: key, Err: fmt.Errorf("corrupt fetched_at %q: %w", fetchedAt, err)}
	}
	return s.now().Sub(t) < s.ttl, nil
}

// Get returns the record stored under key if it is still valid.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*media.Record, bool, error) {
	var raw string
	err := s.inTx(ctx, "get", key, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			"SELECT record FROM media_cache WHERE path = ?", key,
		).Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rec media.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, &IOError{Op: "get", Key: key, Err: fmt.Errorf("decode record: %w", err)}
	}
	if !rec.ValidAt(s.now(), s.ttl) {
		return nil, false, nil
	}
	return &rec, true, nil
}

// Put unconditionally overwrites the record stored under key.
func (s *SQLiteStore) Put(ctx context.Context, key string, rec *media.Record) error {
	rec = rec.Normalized()
	data, err := json.Marshal(rec)
	if err != nil {
		return &IOError{Op: "put", Key: key, Err: fmt.Errorf("encode record: %w", err)}
	}

	return s.inTx(ctx, "put", key, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO media_cache (path, record, fetched_at, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET
			   record = excluded.record,
			   fetched_at = excluded.fetched_at,
			   updated_at = excluded.updated_at`,
			key, string(data), formatTime(rec.FetchedAt), formatTime(s.now()),
		)
		return err
	})
}

// Prune removes all expired entries.
// Returns the number of entries removed.
func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	cutoff := formatTime(s.now().Add(-s.ttl))

	var removed int64
	err := s.inTx(ctx, "prune", "", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "DELETE FROM media_cache WHERE fetched_at <= ?", cutoff)
		if err != nil {
			return err
		}
		removed, err = result.RowsAffected()
		return err
	})
	return removed, err
}

// Stats counts stored and still-valid entries.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	cutoff := formatTime(s.now().Add(-s.ttl))

	var st Stats
	err := s.inTx(ctx, "stats", "", func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(CASE WHEN fetched_at > ? THEN 1 ELSE 0 END), 0)
			 FROM media_cache`, cutoff,
		).Scan(&st.Total, &st.Valid)
	})
	return st, err
}

// inTx runs fn in its own transaction. sql.ErrNoRows passes through unwrapped.
func (s *SQLiteStore) inTx(ctx context.Context, op, key string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &IOError{Op: op, Key: key, Err: fmt.Errorf("begin: %w", err)}
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return &IOError{Op: op, Key: key, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &IOError{Op: op, Key: key, Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
