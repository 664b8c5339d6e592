// Package knowledge provides the vector index over document chunks and the
// plain-text ingestion pipeline that feeds it.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/logging"
)

// DefaultTopK is the number of chunks returned when the caller asks for none.
const DefaultTopK = 5

// ErrEmptyQuery is returned for blank query text.
var ErrEmptyQuery = errors.New("empty query")

// RetrievedChunk is one query hit. Score is cosine similarity clamped to [0,1].
type RetrievedChunk struct {
	ChunkID       string    `json:"chunk_id"`
	DocumentID    string    `json:"document_id"`
	DocumentTitle string    `json:"document_title"`
	Text          string    `json:"text"`
	Score         float64   `json:"score"`
	CreatedAt     time.Time `json:"created_at"`
}

// Filter narrows a query. Deleted and expired documents are always excluded.
type Filter struct {
	DocumentIDs []string
	MinScore    float64
}

// Chunk is a span of a document to index. Embedding is computed when nil.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Text       string
	Embedding  []float32
}

// Index is an embed-and-query similarity index over document chunks.
type Index interface {
	Query(ctx context.Context, text string, topK int, filter Filter) ([]RetrievedChunk, error)
	Upsert(ctx context.Context, chunk Chunk) error
}

// ChunkStore is the persistence the index needs.
type ChunkStore interface {
	UpsertChunk(ctx context.Context, c *data.Chunk) error
	ScanChunks(ctx context.Context, filter data.ChunkFilter, fn func(*data.Chunk) error) error
}

// SQLiteIndex keeps embeddings next to chunk text in the relational store
// and answers queries with an exact cosine scan.
type SQLiteIndex struct {
	store    ChunkStore
	embedder llm.Embedder
	log      zerolog.Logger
}

var _ Index = (*SQLiteIndex)(nil)

// NewSQLiteIndex creates an index over store.
func NewSQLiteIndex(store ChunkStore, embedder llm.Embedder) *SQLiteIndex {
	return &SQLiteIndex{
		store:    store,
		embedder: embedder,
		log:      logging.Component("knowledge"),
	}
}

// Query embeds text and returns the topK most similar chunks, best first.
// Equal scores order newer chunks first.
func (x *SQLiteIndex) Query(ctx context.Context, text string, topK int, filter Filter) ([]RetrievedChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	queryVec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	top := NewTopK[RetrievedChunk](topK)
	scanned := 0
	err = x.store.ScanChunks(ctx, data.ChunkFilter{DocumentIDs: filter.DocumentIDs}, func(c *data.Chunk) error {
		scanned++
		if err := ctx.Err(); err != nil {
			return err
		}
		score := Similarity(queryVec, c.Embedding)
		if score < filter.MinScore {
			return nil
		}
		top.Offer(Scored[RetrievedChunk]{
			Item: RetrievedChunk{
				ChunkID:       c.ID,
				DocumentID:    c.DocumentID,
				DocumentTitle: c.DocumentTitle,
				Text:          c.Content,
				Score:         score,
				CreatedAt:     c.CreatedAt,
			},
			Score: score,
			Time:  c.CreatedAt.UnixNano(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan chunks: %w", err)
	}

	results := top.Result()
	hits := make([]RetrievedChunk, len(results))
	for i, r := range results {
		hits[i] = r.Item
	}
	x.log.Debug().Int("scanned", scanned).Int("hits", len(hits)).Msg("vector query")
	return hits, nil
}

// Upsert stores a chunk, embedding its text first when needed.
func (x *SQLiteIndex) Upsert(ctx context.Context, chunk Chunk) error {
	if strings.TrimSpace(chunk.Text) == "" {
		return fmt.Errorf("chunk %d of %s: empty text", chunk.Index, chunk.DocumentID)
	}
	vec := chunk.Embedding
	if vec == nil {
		var err error
		if vec, err = x.embedder.Embed(ctx, chunk.Text); err != nil {
			return fmt.Errorf("embed chunk %d: %w", chunk.Index, err)
		}
	}
	return x.store.UpsertChunk(ctx, &data.Chunk{
		ID:             chunk.ID,
		DocumentID:     chunk.DocumentID,
		Index:          chunk.Index,
		Content:        chunk.Text,
		Embedding:      vec,
		EmbeddingModel: x.embedder.ModelName(),
	})
}
