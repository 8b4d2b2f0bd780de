package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codeloop-ai/codeloop/internal/llm"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    model TEXT NOT NULL,
    auth_type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    prompt_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    parts TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
`

// SQLiteStore implements Store on a local sqlite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and initializes) the store at path. ":memory:" is
// accepted for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create session directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, model, auth_type, created_at, updated_at, prompt_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Model, rec.AuthType, rec.CreatedAt, rec.UpdatedAt, rec.PromptCount)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, model, auth_type, created_at, updated_at, prompt_count
		 FROM sessions WHERE id = ?`, id)
	var rec Record
	err := row.Scan(&rec.ID, &rec.Model, &rec.AuthType, &rec.CreatedAt, &rec.UpdatedAt, &rec.PromptCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, promptCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ?, prompt_count = ? WHERE id = ?`,
		time.Now().UTC(), promptCount, id)
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.model, s.updated_at, s.prompt_count,
		        COALESCE((SELECT m.parts FROM messages m
		                  WHERE m.session_id = s.id AND m.role = 'user'
		                  ORDER BY m.id LIMIT 1), '')
		 FROM sessions s ORDER BY s.updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var parts string
		if err := rows.Scan(&sum.ID, &sum.Model, &sum.UpdatedAt, &sum.PromptCount, &parts); err != nil {
			return nil, err
		}
		sum.FirstPrompt = firstTextOfParts(parts)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID string, msg llm.Message) error {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("marshal message parts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, parts) VALUES (?, ?, ?)`,
		sessionID, string(msg.Role), string(parts))
	return err
}

func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, parts FROM messages WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []llm.Message
	for rows.Next() {
		var role, parts string
		if err := rows.Scan(&role, &parts); err != nil {
			return nil, err
		}
		var msg llm.Message
		msg.Role = llm.Role(role)
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("parse message parts: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func firstTextOfParts(raw string) string {
	if raw == "" {
		return ""
	}
	var parts []llm.Part
	if err := json.Unmarshal([]byte(raw), &parts); err != nil {
		return ""
	}
	for _, p := range parts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}
