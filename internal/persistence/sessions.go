package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session is a durable conversation context bound to a working directory.
// ConversationID is assigned by the agent backend on the first turn and is
// empty until then.
type Session struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Cwd            string    `json:"cwd"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Model          string    `json:"model,omitempty"`
	Origin         string    `json:"origin"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is one chat turn. Content is a JSON array of content blocks as
// produced by the agent backend; increments for the same message id are
// merged by upsert.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var ErrNotFound = errors.New("not found")

// CreateSession inserts a new session row. Origin must be one of
// "chat", "task", "schedule".
func (s *Store) CreateSession(ctx context.Context, title, cwd, model, origin string) (*Session, error) {
	if cwd == "" {
		return nil, fmt.Errorf("create session: cwd required")
	}
	if origin == "" {
		origin = "chat"
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, title, cwd, model, origin)
			VALUES (?, ?, ?, ?, ?);
		`, id, title, cwd, model, origin)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, cwd, COALESCE(conversation_id, ''), model, origin, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, id)
	var sess Session
	err := row.Scan(&sess.ID, &sess.Title, &sess.Cwd, &sess.ConversationID, &sess.Model, &sess.Origin, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, cwd, COALESCE(conversation_id, ''), model, origin, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Cwd, &sess.ConversationID, &sess.Model, &sess.Origin, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SetConversationID records the backend-assigned external conversation id.
// Last write wins; the backend may reassign on resume.
func (s *Store) SetConversationID(ctx context.Context, sessionID, conversationID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET conversation_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, conversationID, sessionID)
		return err
	})
}

// SetSessionTitle updates the display title (first user message excerpt).
func (s *Store) SetSessionTitle(ctx context.Context, sessionID, title string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET title = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, title, sessionID)
		return err
	})
}

// UpsertMessage inserts a message or, if the id already exists, replaces its
// content and token counts in place. Streamed increments and reconnect
// backfills both funnel through here so the log converges by message id.
func (s *Store) UpsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" || m.SessionID == "" {
		return fmt.Errorf("upsert message: id and session_id required")
	}
	role := strings.ToLower(strings.TrimSpace(m.Role))
	switch role {
	case "user", "assistant", "system", "tool":
	default:
		return fmt.Errorf("invalid role %q", m.Role)
	}
	content := m.Content
	if content == "" {
		content = "[]"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, tokens_in, tokens_out)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				tokens_in = excluded.tokens_in,
				tokens_out = excluded.tokens_out,
				updated_at = CURRENT_TIMESTAMP;
		`, m.ID, m.SessionID, role, content, m.TokensIn, m.TokensOut)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, m.SessionID)
		return err
	})
}

// ListMessages returns a session's messages oldest first.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tokens_in, tokens_out, created_at, updated_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.TokensIn, &m.TokensOut, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AttachToolResult finds the message whose content contains a tool_use block
// with the given id and sets that block's result. Tool results arrive as
// separate backend events and must land on the originating call.
func (s *Store) AttachToolResult(ctx context.Context, sessionID, toolUseID, result string, isError bool) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content FROM messages
		WHERE session_id = ? AND content LIKE '%' || ? || '%'
		ORDER BY created_at DESC LIMIT 10;
	`, sessionID, toolUseID)
	if err != nil {
		return fmt.Errorf("query tool call: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			return fmt.Errorf("scan tool call: %w", err)
		}
		updated, ok := attachResultToBlocks(content, toolUseID, result, isError)
		if !ok {
			continue
		}
		return retryOnBusy(ctx, 5, func() error {
			_, err := s.db.ExecContext(ctx, `
				UPDATE messages SET content = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, updated, id)
			return err
		})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("tool call rows: %w", err)
	}
	return fmt.Errorf("tool call %s: %w", toolUseID, ErrNotFound)
}

// attachResultToBlocks decodes a content-block array, sets the result on the
// matching tool_use block, and re-encodes. Returns false when no block with
// the id exists.
func attachResultToBlocks(content, toolUseID, result string, isError bool) (string, bool) {
	var blocks []map[string]interface{}
	if err := json.Unmarshal([]byte(content), &blocks); err != nil {
		return "", false
	}
	matched := false
	for _, block := range blocks {
		if block["type"] != "tool_use" {
			continue
		}
		if id, _ := block["id"].(string); id == toolUseID {
			block["result"] = result
			block["is_error"] = isError
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}
	encoded, err := json.Marshal(blocks)
	if err != nil {
		return "", false
	}
	return string(encoded), true
}
