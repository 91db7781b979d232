package knowledge

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps values as JSON text in a single SQLite table.
// By default it uses a shared in-memory database that is lost when the
// process ends; provide a file path for persistence.
type SQLiteStore struct {
	dsn   string
	table string
	db    *sql.DB
	mu    sync.Mutex
}

// SQLiteOptions configures the SQLite store.
type SQLiteOptions struct {
	// DSN is the database data source name.
	// Defaults to "file::memory:?cache=shared".
	DSN string

	// Table is the name of the table holding facts.
	// Defaults to "knowledge".
	Table string
}

// NewSQLiteStore opens the database and creates the table if needed.
func NewSQLiteStore(ctx context.Context, opts SQLiteOptions) (_ *SQLiteStore, err error) {
	s := &SQLiteStore{
		dsn:   cmp.Or(opts.DSN, "file::memory:?cache=shared"),
		table: cmp.Or(opts.Table, "knowledge"),
	}

	s.db, err = sql.Open("sqlite3", s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database: %w", err)
	}
	// Access is serialized by mu; one connection keeps in-memory databases alive.
	s.db.SetMaxOpenConns(1)
	defer func() {
		if err != nil {
			if e := s.db.Close(); e != nil {
				err = errors.Join(err, e)
			}
		}
	}()

	if _, err = s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s" (
			path       TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`, s.table))
	if err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Read(ctx context.Context, p string) (any, error) {
	p, err := CleanPath(p)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT value FROM "%s" WHERE path = ?`, s.table), p).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("read", err)
	}
	return decodeValue([]byte(raw))
}

func (s *SQLiteStore) Write(ctx context.Context, p string, value any) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (path, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, s.table), p, string(raw), time.Now().UnixMilli())
	return s.wrap("write", err)
}

func (s *SQLiteStore) Delete(ctx context.Context, p string) error {
	p, err := CleanPath(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE path = ?`, s.table), p)
	return s.wrap("delete", err)
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) (_ []string, err error) {
	prefix, err = cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	if prefix == "" {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`SELECT path FROM "%s" ORDER BY path`, s.table))
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT path FROM "%s"
			WHERE path = ? OR substr(path, 1, ?) = ?
			ORDER BY path
		`, s.table), prefix, len(prefix)+1, prefix+"/")
	}
	if err != nil {
		return nil, s.wrap("list", err)
	}
	defer func() {
		if e := rows.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("error closing sql.Rows: %w", e))
		}
	}()

	var keys []string
	for rows.Next() {
		var k string
		if err = rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("sql rows scan error: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, s.wrap("list", rows.Err())
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	return fmt.Errorf("knowledge: sqlite %s: %w", op, err)
}

var _ Store = (*SQLiteStore)(nil)
