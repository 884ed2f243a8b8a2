package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/chatrelay/internal/chat"

	_ "modernc.org/sqlite"
)

// SQLite stores messages in a single sqlite table. Timestamps are kept as
// unix nanoseconds so ordering and round trips are exact.
type SQLite struct {
	db    *sql.DB
	clock *clock

	// sqlite allows one writer; serializing here keeps id order and
	// timestamp order identical.
	writeMu sync.Mutex
}

const messagesTable = `
    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user TEXT NOT NULL,
        text TEXT NOT NULL,
        timestamp INTEGER NOT NULL
    );`

// OpenSQLite opens (or creates) the database file at path and ensures the
// schema exists. ":memory:" is accepted for throwaway stores.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases alive and shared.
	db.SetMaxOpenConns(1)

	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite schema: %w", err)
	}

	s := &SQLite{db: db, clock: newClock()}

	var last sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM messages`).Scan(&last); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite read last timestamp: %w", err)
	}
	if last.Valid {
		s.clock.observe(time.Unix(0, last.Int64).UTC())
	}
	return s, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, messagesTable)
	return err
}

// Append inserts c and returns the stored row.
func (s *SQLite) Append(ctx context.Context, c chat.Candidate) (chat.Message, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ts := s.clock.next()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user, text, timestamp) VALUES (?, ?, ?)`,
		c.User, c.Text, ts.UnixNano())
	if err != nil {
		return chat.Message{}, persistenceErr("insert message", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, persistenceErr("read message id", err)
	}

	return chat.Message{
		ID:        strconv.FormatInt(id, 10),
		User:      c.User,
		Text:      c.Text,
		Timestamp: ts,
	}, nil
}

// RecentHistory selects the newest limit rows and returns them oldest first.
func (s *SQLite) RecentHistory(ctx context.Context, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user, text, timestamp
        FROM messages
        ORDER BY id DESC
        LIMIT ?
    `, normalizeLimit(limit))
	if err != nil {
		return nil, persistenceErr("query history", err)
	}
	defer rows.Close()

	msgs := make([]chat.Message, 0, normalizeLimit(limit))
	for rows.Next() {
		var (
			id int64
			ts int64
			m  chat.Message
		)
		if err := rows.Scan(&id, &m.User, &m.Text, &ts); err != nil {
			return nil, persistenceErr("scan history", err)
		}
		m.ID = strconv.FormatInt(id, 10)
		m.Timestamp = time.Unix(0, ts).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("iterate history", err)
	}

	return lo.Reverse(msgs), nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
