package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/voralis/loom/pkg/chat"
)

// SQLiteStore persists sessions in a local SQLite database. The driver is
// pure Go, so the binary stays cgo-free.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	agent_name  TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_name, updated_at);
`

// NewSQLiteStore opens (and migrates) the database at path. ":memory:"
// gives an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sessions: open sqlite: %w", err)
	}
	// SQLite handles one writer at a time; keeping a single connection
	// avoids SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Create implements Store.
func (s *SQLiteStore) Create(ctx context.Context, session *Session) error {
	now := time.Now().UTC()
	created := session.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_name, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.AgentName, session.Title, created, now)
	if err != nil {
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_name, title, created_at, updated_at FROM sessions WHERE id = ?`, id)

	var session Session
	err := row.Scan(&session.ID, &session.AgentName, &session.Title, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get: %w", err)
	}
	return &session, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, agentName string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_name, title, created_at, updated_at FROM sessions
		 WHERE (? = '' OR agent_name = ?)
		 ORDER BY updated_at DESC LIMIT ?`,
		agentName, agentName, limit)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(&session.ID, &session.AgentName, &session.Title, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sessions: scan: %w", err)
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("sessions: delete history: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sessions: delete: %w", err)
	}
	return tx.Commit()
}

// AppendMessage implements Store.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg chat.Message) error {
	payload, err := chat.Encode(msg)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, payload, created_at) VALUES (?, ?, ?)`,
		sessionID, string(payload), now); err != nil {
		return fmt.Errorf("sessions: append: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return fmt.Errorf("sessions: touch: %w", err)
	}
	return tx.Commit()
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, sessionID string) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sessions: history: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sessions: scan: %w", err)
		}
		msg, err := chat.Decode([]byte(payload))
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ReplaceHistory implements Store.
func (s *SQLiteStore) ReplaceHistory(ctx context.Context, sessionID string, msgs []chat.Message) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("sessions: clear history: %w", err)
	}
	for _, msg := range msgs {
		payload, err := chat.Encode(msg)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, payload, created_at) VALUES (?, ?, ?)`,
			sessionID, string(payload), now); err != nil {
			return fmt.Errorf("sessions: rewrite: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return fmt.Errorf("sessions: touch: %w", err)
	}
	return tx.Commit()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
