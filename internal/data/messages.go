package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MESSAGE OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// AppendMessage appends msg to its session and bumps the session's activity
// time in one transaction. ID, Seq and CreatedAt are filled in on success.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.SessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE sessions SET updated_at = ? WHERE id = ?`,
			msg.CreatedAt.UTC(), msg.SessionID)
		if err != nil {
			return fmt.Errorf("update session activity: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("session %s: %w", msg.SessionID, ErrNotFound)
		}

		result, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, content, model, task_type, incomplete, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, string(msg.Role), msg.Content,
			msg.Model, msg.TaskType, boolToInt(msg.Incomplete), msg.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		seq, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get message seq: %w", err)
		}
		msg.Seq = seq
		return nil
	})
}

// GetRecentMessages returns the last n messages of a session, oldest first.
// n <= 0 returns every message.
func (s *Store) GetRecentMessages(ctx context.Context, sessionID string, n int) ([]*Message, error) {
	if n <= 0 {
		return s.GetSessionMessages(ctx, sessionID)
	}
	return s.queryMessages(ctx, `
		SELECT * FROM (
			SELECT seq, id, session_id, role, content, model, task_type, incomplete, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC`, sessionID, n)
}

// GetSessionMessages returns every message of a session in append order.
func (s *Store) GetSessionMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	return s.queryMessages(ctx, `
		SELECT seq, id, session_id, role, content, model, task_type, incomplete, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC`, sessionID)
}

// GetMessage retrieves a single message.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	msgs, err := s.queryMessages(ctx, `
		SELECT seq, id, session_id, role, content, model, task_type, incomplete, created_at
		FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msgs[0], nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var msg Message
		var role string
		var incomplete int
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.SessionID, &role, &msg.Content,
			&msg.Model, &msg.TaskType, &incomplete, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = Role(role)
		msg.Incomplete = incomplete == 1
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}
