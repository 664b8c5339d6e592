package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/knowledge"
	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/logging"
)

const (
	// DefaultRecallLimit bounds how many memories one turn recalls.
	DefaultRecallLimit = 10
	// DefaultMinRelevance drops memories unrelated to the query.
	DefaultMinRelevance = 0.25

	relevanceWeight  = 0.8
	confidenceWeight = 0.2

	// recallScanLimit caps the memories considered per recall.
	recallScanLimit = 1000
)

// Recalled is a memory chosen for a turn's context.
type Recalled struct {
	Memory    *data.Memory
	Relevance float64 // max of lexical and semantic similarity, in [0,1]
	Score     float64 // relevance weighted with confidence
}

// Recaller finds the memories relevant to a message.
type Recaller struct {
	store        Store
	embedder     llm.Embedder
	minRelevance float64
	log          zerolog.Logger
}

// NewRecaller creates a recaller. embedder may be nil for lexical-only recall.
func NewRecaller(store Store, embedder llm.Embedder, minRelevance float64) *Recaller {
	if minRelevance <= 0 {
		minRelevance = DefaultMinRelevance
	}
	return &Recaller{
		store:        store,
		embedder:     embedder,
		minRelevance: minRelevance,
		log:          logging.Component("recall"),
	}
}

// Recall returns up to limit memories relevant to query, best first. A
// memory's relevance is the larger of its token overlap with the query and,
// when both sides have embeddings, their cosine similarity. Embedding
// failures fall back to lexical matching.
func (r *Recaller) Recall(ctx context.Context, query string, limit int) ([]Recalled, error) {
	if limit <= 0 {
		limit = DefaultRecallLimit
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	queryTokens := keyTokens(query)

	memories, err := r.store.ListMemories(ctx, data.MemoryFilter{
		WithEmbeddings: r.embedder != nil,
		Limit:          recallScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	if len(memories) == 0 {
		return nil, nil
	}

	var queryVec []float32
	if r.embedder != nil {
		queryVec, err = r.embedder.Embed(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Debug().Err(err).Msg("query embedding failed, using lexical recall")
			queryVec = nil
		}
	}

	top := knowledge.NewTopK[Recalled](limit)
	for _, m := range memories {
		relevance := overlap(queryTokens, strings.Fields(m.DedupKey))
		if queryVec != nil && m.Embedding != nil {
			relevance = max(relevance, knowledge.Similarity(queryVec, m.Embedding))
		}
		if relevance < r.minRelevance {
			continue
		}
		score := Score(relevance, m.Confidence)
		top.Offer(knowledge.Scored[Recalled]{
			Item:  Recalled{Memory: m, Relevance: relevance, Score: score},
			Score: score,
			Time:  m.UpdatedAt.UnixNano(),
		})
	}

	results := top.Result()
	out := make([]Recalled, len(results))
	for i, s := range results {
		out[i] = s.Item
	}
	return out, nil
}

// Score combines relevance and confidence into a recall score in [0,1].
func Score(relevance, confidence float64) float64 {
	return relevanceWeight*relevance + confidenceWeight*confidence
}
