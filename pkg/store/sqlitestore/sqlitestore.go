// Package sqlitestore provides a store.Store backed by SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/germanamz/relay/pkg/chats/message"
	"github.com/germanamz/relay/pkg/store"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	messages   TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// Store keeps every conversation as one row holding its messages as JSON.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// openDB opens the database with a single connection so writes are
// serialized.
func openDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("sqlitestore: create dir: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, openError(path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, openError(path, err)
	}

	return db, nil
}

func openError(path string, err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CANTOPEN {
		return fmt.Errorf("sqlitestore: cannot open database at %q: %w", path, err)
	}
	return fmt.Errorf("sqlitestore: open: %w", err)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load implements store.Store.
func (s *Store) Load(ctx context.Context, id string) ([]message.Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT messages FROM conversations WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load %s: %w", id, err)
	}

	var msgs []message.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("sqlitestore: decode %s: %w", id, err)
	}

	return msgs, nil
}

// Save implements store.Store. The row is replaced in a single statement.
func (s *Store) Save(ctx context.Context, id string, msgs []message.Message) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}

	if msgs == nil {
		msgs = []message.Message{}
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode %s: %w", id, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, messages, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		id, string(data), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save %s: %w", id, err)
	}

	return nil
}

// Summary describes a stored conversation.
type Summary struct {
	ID        string
	UpdatedAt time.Time
}

// List returns the stored conversations, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, updated_at FROM conversations ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum     Summary
			updated string
		)
		if err := rows.Scan(&sum.ID, &updated); err != nil {
			return nil, fmt.Errorf("sqlitestore: list: %w", err)
		}
		sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, sum)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: list: %w", err)
	}

	return out, nil
}
