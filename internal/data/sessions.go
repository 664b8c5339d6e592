package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSION OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// CreateSession inserts a session. ID and timestamps are filled when empty.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	ts := now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = ts
	}
	session.UpdatedAt = session.CreatedAt

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.Title, boolToInt(session.Archived),
		session.CreatedAt.UTC(), session.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session with its attached documents and message count.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var archived int
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.title, s.archived, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s
		WHERE s.id = ?`, id,
	).Scan(&sess.ID, &sess.Title, &archived, &sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.Archived = archived == 1

	docs, err := s.SessionDocumentIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.DocumentIDs = docs
	return &sess, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `
		SELECT s.id, s.title, s.archived, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		FROM sessions s`
	var args []any
	if !filter.IncludeArchived {
		query += ` WHERE s.archived = 0`
	}
	query += ` ORDER BY s.updated_at DESC, s.id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var sess Session
		var archived int
		if err := rows.Scan(&sess.ID, &sess.Title, &archived, &sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Archived = archived == 1
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// SetSessionArchived archives or restores a session.
func (s *Store) SetSessionArchived(ctx context.Context, id string, archived bool) error {
	return s.updateSession(ctx, id, `UPDATE sessions SET archived = ?, updated_at = ? WHERE id = ?`,
		boolToInt(archived), now(), id)
}

// SetSessionTitle renames a session.
func (s *Store) SetSessionTitle(ctx context.Context, id, title string) error {
	return s.updateSession(ctx, id, `UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?`,
		title, now(), id)
}

// DeleteSession removes a session with its messages, turns and attachments.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.updateSession(ctx, id, `DELETE FROM sessions WHERE id = ?`, id)
}

func (s *Store) updateSession(ctx context.Context, id, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// AttachDocuments adds documents to a session's document context.
// Attaching an already attached document is a no-op.
func (s *Store) AttachDocuments(ctx context.Context, sessionID string, documentIDs []string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}

		ts := now()
		for _, docID := range documentIDs {
			var active int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM documents WHERE id = ? AND deleted = 0`, docID).Scan(&active); err != nil {
				return fmt.Errorf("check document: %w", err)
			}
			if active == 0 {
				return fmt.Errorf("document %s: %w", docID, ErrNotFound)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO session_documents (session_id, document_id, attached_at)
				VALUES (?, ?, ?)
				ON CONFLICT (session_id, document_id) DO NOTHING`,
				sessionID, docID, ts); err != nil {
				return fmt.Errorf("attach document: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, ts, sessionID)
		return err
	})
}

// SessionDocumentIDs lists the active documents attached to a session.
func (s *Store) SessionDocumentIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sd.document_id
		FROM session_documents sd
		JOIN documents d ON d.id = sd.document_id
		WHERE sd.session_id = ? AND d.deleted = 0
		ORDER BY sd.attached_at, sd.document_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session documents: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
