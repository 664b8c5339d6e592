package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DOCUMENT AND CHUNK OPERATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// CreateDocument inserts a document row. It returns ErrDuplicate, together
// with the existing document, when an active document has the same hash.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) (*Document, error) {
	if doc.ContentHash == "" {
		return nil, fmt.Errorf("document content hash cannot be empty")
	}

	if existing, err := s.FindDocumentByHash(ctx, doc.ContentHash); err == nil {
		return existing, fmt.Errorf("document %q: %w", existing.Title, ErrDuplicate)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, content_hash, chunk_count, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.ContentHash, doc.ChunkCount, nullTime(doc.ExpiresAt), doc.CreatedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return doc, nil
}

// FindDocumentByHash returns the active document with this content hash.
func (s *Store) FindDocumentByHash(ctx context.Context, hash string) (*Document, error) {
	docs, err := s.queryDocuments(ctx, `
		SELECT id, title, content_hash, chunk_count, expires_at, deleted, created_at
		FROM documents WHERE content_hash = ? AND deleted = 0`, hash)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document hash %s: %w", hash, ErrNotFound)
	}
	return docs[0], nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	docs, err := s.queryDocuments(ctx, `
		SELECT id, title, content_hash, chunk_count, expires_at, deleted, created_at
		FROM documents WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return docs[0], nil
}

// ListDocuments returns active documents, newest first.
func (s *Store) ListDocuments(ctx context.Context) ([]*Document, error) {
	return s.queryDocuments(ctx, `
		SELECT id, title, content_hash, chunk_count, expires_at, deleted, created_at
		FROM documents WHERE deleted = 0
		ORDER BY created_at DESC, id`)
}

// DeleteDocument soft-deletes a document; its chunks stop being retrievable.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE documents SET deleted = 1 WHERE id = ? AND deleted = 0`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertChunk inserts or replaces a chunk and keeps the document's chunk
// count in step.
func (s *Store) UpsertChunk(ctx context.Context, c *Chunk) error {
	if c.DocumentID == "" {
		return fmt.Errorf("chunk document ID cannot be empty")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, document_id, chunk_index, content, embedding, embedding_model, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (document_id, chunk_index) DO UPDATE SET
				id = excluded.id,
				content = excluded.content,
				embedding = excluded.embedding,
				embedding_model = excluded.embedding_model`,
			c.ID, c.DocumentID, c.Index, c.Content, encodeEmbedding(c.Embedding), c.EmbeddingModel, c.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET chunk_count = (SELECT COUNT(*) FROM chunks WHERE document_id = ?)
			WHERE id = ?`, c.DocumentID, c.DocumentID)
		if err != nil {
			return fmt.Errorf("update chunk count: %w", err)
		}
		return nil
	})
}

// ScanChunks calls fn for every embedded chunk of an active, unexpired
// document, restricted to filter.DocumentIDs when set. Iteration stops at the
// first error fn returns. fn must not call back into the store: the scan
// holds the only connection.
func (s *Store) ScanChunks(ctx context.Context, filter ChunkFilter, fn func(*Chunk) error) error {
	at := filter.Now
	if at.IsZero() {
		at = now()
	}

	query := `
		SELECT c.id, c.document_id, d.title, c.chunk_index, c.content, c.embedding, c.embedding_model, c.created_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.deleted = 0
		  AND (d.expires_at IS NULL OR d.expires_at > ?)
		  AND c.embedding IS NOT NULL`
	args := []any{at.UTC()}
	if len(filter.DocumentIDs) > 0 {
		query += ` AND c.document_id IN (?` + strings.Repeat(",?", len(filter.DocumentIDs)-1) + `)`
		for _, id := range filter.DocumentIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY c.document_id, c.chunk_index`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.DocumentTitle, &c.Index, &c.Content,
			&blob, &c.EmbeddingModel, &c.CreatedAt); err != nil {
			return fmt.Errorf("scan chunk: %w", err)
		}
		if c.Embedding, err = decodeEmbedding(blob); err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		if err := fn(&c); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := []*Document{}
	for rows.Next() {
		var d Document
		var expires sql.NullTime
		var deleted int
		if err := rows.Scan(&d.ID, &d.Title, &d.ContentHash, &d.ChunkCount, &expires, &deleted, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			d.ExpiresAt = &t
		}
		d.Deleted = deleted == 1
		docs = append(docs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

