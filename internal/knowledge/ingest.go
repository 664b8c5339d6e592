package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/logging"
)

// ErrEmptyDocument is returned when the content to ingest is blank.
var ErrEmptyDocument = errors.New("empty document")

// DocumentStore is the persistence ingestion needs.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *data.Document) (*data.Document, error)
	GetDocument(ctx context.Context, id string) (*data.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// IngestRequest describes a plain-text document to index.
type IngestRequest struct {
	Title     string
	Content   string
	ExpiresAt *time.Time
}

// IngestResult reports what ingestion did.
type IngestResult struct {
	Document  *data.Document `json:"document"`
	Chunks    int            `json:"chunks"`
	Duplicate bool           `json:"duplicate"`
	Duration  time.Duration  `json:"duration"`
}

// Ingester chunks documents and writes them into an Index.
type Ingester struct {
	docs        DocumentStore
	index       Index
	chunker     *Chunker
	concurrency int
	log         zerolog.Logger
}

// NewIngester creates an ingester. concurrency bounds parallel chunk
// embedding; values below one mean one.
func NewIngester(docs DocumentStore, index Index, chunker *Chunker, concurrency int) *Ingester {
	if chunker == nil {
		chunker = NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	}
	return &Ingester{
		docs:        docs,
		index:       index,
		chunker:     chunker,
		concurrency: max(concurrency, 1),
		log:         logging.Component("ingest"),
	}
}

// Ingest stores and indexes a document. Content identical to an active
// document is not indexed again; the existing document is returned with
// Duplicate set.
func (in *Ingester) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyDocument
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled document"
	}

	doc, err := in.docs.CreateDocument(ctx, &data.Document{
		Title:       title,
		ContentHash: HashContent(req.Content),
		ExpiresAt:   req.ExpiresAt,
	})
	if errors.Is(err, data.ErrDuplicate) {
		in.log.Info().Str("document_id", doc.ID).Str("title", doc.Title).Msg("document already ingested")
		return &IngestResult{Document: doc, Chunks: doc.ChunkCount, Duplicate: true, Duration: time.Since(start)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	texts := in.chunker.Split(req.Content)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			return in.index.Upsert(gctx, Chunk{DocumentID: doc.ID, Index: i, Text: text})
		})
	}
	if err := g.Wait(); err != nil {
		// A half-indexed document would block re-ingestion through its hash.
		if derr := in.docs.DeleteDocument(logging.DetachContext(ctx), doc.ID); derr != nil {
			in.log.Warn().Err(derr).Str("document_id", doc.ID).Msg("failed to discard partial document")
		}
		return nil, fmt.Errorf("index document %q: %w", title, err)
	}

	if stored, err := in.docs.GetDocument(ctx, doc.ID); err == nil {
		doc = stored
	}

	in.log.Info().
		Str("document_id", doc.ID).
		Str("title", title).
		Int("chunks", len(texts)).
		Dur("duration", time.Since(start)).
		Msg("document ingested")

	return &IngestResult{Document: doc, Chunks: len(texts), Duration: time.Since(start)}, nil
}

// HashContent returns the hex sha256 of content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
