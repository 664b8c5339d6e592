package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MEMORY OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

const memoryColumns = `id, content, category, confidence, dedup_key, source_session_id,
	source_message_id, access_count, deleted, created_at, updated_at`

// UpsertMemory inserts m, or, when an active memory with the same category
// and dedup key exists, raises that memory's confidence to the larger of the
// two and bumps its updated_at. It reports whether a new row was created and
// leaves m holding the stored row's ID.
func (s *Store) UpsertMemory(ctx context.Context, m *Memory) (bool, error) {
	if !m.Category.IsValid() {
		return false, fmt.Errorf("invalid memory category %q", m.Category)
	}
	if m.DedupKey == "" {
		return false, fmt.Errorf("memory dedup key cannot be empty")
	}
	if m.Confidence < 0 || m.Confidence > 1 {
		return false, fmt.Errorf("memory confidence %v out of range", m.Confidence)
	}

	newID := m.ID
	if newID == "" {
		newID = uuid.NewString()
	}
	ts := now()

	var storedID string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO memories (
			id, content, category, confidence, dedup_key,
			source_session_id, source_message_id, embedding,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (category, dedup_key) WHERE deleted = 0 DO UPDATE SET
			confidence = MAX(memories.confidence, excluded.confidence),
			updated_at = excluded.updated_at
		RETURNING id`,
		newID, m.Content, string(m.Category), m.Confidence, m.DedupKey,
		m.SourceSessionID, m.SourceMessageID, encodeEmbedding(m.Embedding),
		ts, ts,
	).Scan(&storedID)
	if err != nil {
		return false, fmt.Errorf("upsert memory: %w", err)
	}

	inserted := storedID == newID
	m.ID = storedID
	if inserted {
		m.CreatedAt = ts
	}
	m.UpdatedAt = ts
	return inserted, nil
}

// ReinforceMemory raises an existing memory's confidence (never lowers it)
// and bumps updated_at.
func (s *Store) ReinforceMemory(ctx context.Context, id string, confidence float64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET confidence = MAX(confidence, ?), updated_at = ?
		WHERE id = ? AND deleted = 0`,
		min(max(confidence, 0), 1), now(), id)
	if err != nil {
		return fmt.Errorf("reinforce memory: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return nil
}

// FindSimilarMemory returns the active memory with exactly this category and
// dedup key, or ErrNotFound.
func (s *Store) FindSimilarMemory(ctx context.Context, category MemoryCategory, dedupKey string) (*Memory, error) {
	mems, err := s.queryMemories(ctx, false, `
		SELECT `+memoryColumns+` FROM memories
		WHERE category = ? AND dedup_key = ? AND deleted = 0`,
		string(category), dedupKey)
	if err != nil {
		return nil, err
	}
	if len(mems) == 0 {
		return nil, fmt.Errorf("memory %s/%s: %w", category, dedupKey, ErrNotFound)
	}
	return mems[0], nil
}

// GetMemory retrieves a memory by ID, including soft-deleted ones.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	mems, err := s.queryMemories(ctx, true, `
		SELECT `+memoryColumns+`, embedding FROM memories WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(mems) == 0 {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return mems[0], nil
}

// ListMemories returns memories matching filter, most confident first.
func (s *Store) ListMemories(ctx context.Context, filter MemoryFilter) ([]*Memory, error) {
	cols := memoryColumns
	if filter.WithEmbeddings {
		cols += ", embedding"
	}

	var where []string
	var args []any
	if !filter.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		where = append(where, "content LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(q)+"%")
	}
	if filter.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, filter.MinConfidence)
	}

	query := `SELECT ` + cols + ` FROM memories`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY confidence DESC, updated_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryMemories(ctx, filter.WithEmbeddings, query, args...)
}

// SetMemoryEmbedding stores the embedding of a memory's content.
func (s *Store) SetMemoryEmbedding(ctx context.Context, id string, embedding []float32) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET embedding = ? WHERE id = ?`,
		encodeEmbedding(embedding), id)
	if err != nil {
		return fmt.Errorf("set memory embedding: %w", err)
	}
	return nil
}

// SoftDeleteMemory hides a memory from recall and dedup. The row is kept
// until PurgeDeletedMemories removes it.
func (s *Store) SoftDeleteMemory(ctx context.Context, id string) error {
	ts := now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories SET deleted = 1, deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted = 0`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return nil
}

// TouchMemories records that memories were recalled into a turn's context.
func (s *Store) TouchMemories(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ts := now()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE memories SET access_count = access_count + 1, last_accessed_at = ?
				WHERE id = ?`, ts, id); err != nil {
				return fmt.Errorf("touch memory: %w", err)
			}
		}
		return nil
	})
}

// DecayMemories multiplies the confidence of active memories that have been
// neither updated nor recalled since cutoff by factor, never going below
// floor. It returns the number of memories changed.
func (s *Store) DecayMemories(ctx context.Context, cutoff time.Time, factor, floor float64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET confidence = MAX(?, confidence * ?)
		WHERE deleted = 0
		  AND confidence > ?
		  AND COALESCE(last_accessed_at, updated_at) < ?
		  AND updated_at < ?`,
		floor, factor, floor, cutoff.UTC(), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("decay memories: %w", err)
	}
	return result.RowsAffected()
}

// PurgeDeletedMemories removes memories soft-deleted before cutoff.
func (s *Store) PurgeDeletedMemories(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE deleted = 1 AND deleted_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge memories: %w", err)
	}
	return result.RowsAffected()
}

func (s *Store) queryMemories(ctx context.Context, withEmbedding bool, query string, args ...any) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	memories := []*Memory{}
	for rows.Next() {
		var m Memory
		var category string
		var deleted int
		dest := []any{&m.ID, &m.Content, &category, &m.Confidence, &m.DedupKey, &m.SourceSessionID,
			&m.SourceMessageID, &m.AccessCount, &deleted, &m.CreatedAt, &m.UpdatedAt}
		var blob []byte
		if withEmbedding {
			dest = append(dest, &blob)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Category = MemoryCategory(category)
		m.Deleted = deleted == 1
		if withEmbedding {
			if m.Embedding, err = decodeEmbedding(blob); err != nil {
				return nil, fmt.Errorf("memory %s: %w", m.ID, err)
			}
		}
		memories = append(memories, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return memories, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
