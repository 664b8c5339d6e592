// Package assembler builds the bounded context block for a chat turn from
// retrieved document chunks and recalled memories.
package assembler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/nexus/internal/config"
	"github.com/normanking/nexus/internal/knowledge"
	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/logging"
	"github.com/normanking/nexus/internal/memory"
	"github.com/normanking/nexus/internal/metrics"
	"github.com/normanking/nexus/internal/router"
)

// WarningPartialContext is attached when a context source failed.
const WarningPartialContext = "partial_context"

const (
	memoryHeader   = "What I know about you:"
	documentHeader = "\nRelevant documents:\n"
	chunkSeparator = "\n\n---\n\n"
)

// Recaller finds memories relevant to a message.
type Recaller interface {
	Recall(ctx context.Context, query string, limit int) ([]memory.Recalled, error)
}

// Toucher records that memories were used.
type Toucher interface {
	TouchMemories(ctx context.Context, ids []string) error
}

// Options tunes retrieval.
type Options struct {
	TopK          int
	MemoryLimit   int
	MinChunkScore float64

	// SourceTimeout bounds each retrieval source.
	SourceTimeout time.Duration
}

// OptionsFromConfig maps retrieval settings onto Options.
func OptionsFromConfig(rc config.RetrievalConfig) Options {
	return Options{
		TopK:          rc.TopK,
		MemoryLimit:   rc.MemoryLimit,
		MinChunkScore: rc.MinChunkScore,
	}
}

// Request describes the context wanted for one turn.
type Request struct {
	SessionID   string
	Message     string
	Task        router.TaskCategory
	TokenBudget int

	// DocumentIDs restricts chunk retrieval to these documents when set.
	DocumentIDs []string

	SkipDocuments bool
	SkipMemory    bool
}

// Assembly is the context chosen for a turn. EstimateTokens(Text) never
// exceeds Budget.
type Assembly struct {
	Text            string
	MemoryContext   string
	DocumentContext string

	Chunks   []knowledge.RetrievedChunk
	Memories []memory.Recalled

	TokensUsed int
	Budget     int
	Dropped    int // candidates that did not fit

	Partial  bool
	Warnings []string
}

// ChunkIDs returns the IDs of the included chunks, in prompt order.
func (a *Assembly) ChunkIDs() []string {
	ids := make([]string, len(a.Chunks))
	for i, c := range a.Chunks {
		ids[i] = c.ChunkID
	}
	return ids
}

// DocumentIDs returns the distinct documents the included chunks came from.
func (a *Assembly) DocumentIDs() []string {
	seen := make(map[string]bool, len(a.Chunks))
	var ids []string
	for _, c := range a.Chunks {
		if !seen[c.DocumentID] {
			seen[c.DocumentID] = true
			ids = append(ids, c.DocumentID)
		}
	}
	return ids
}

// MemoryIDs returns the IDs of the included memories.
func (a *Assembly) MemoryIDs() []string {
	ids := make([]string, len(a.Memories))
	for i, m := range a.Memories {
		ids[i] = m.Memory.ID
	}
	return ids
}

// Budget is the token budget left for retrieved context in a window after
// reserving a share for history and a fixed amount for the response.
func Budget(window int, historyReserve float64, responseReserve int) int {
	b := window - HistoryBudget(window, historyReserve) - responseReserve
	return max(b, 0)
}

// HistoryBudget is the share of window reserved for conversation history.
func HistoryBudget(window int, historyReserve float64) int {
	if window <= 0 || historyReserve <= 0 {
		return 0
	}
	return int(float64(window) * min(historyReserve, 1))
}

// Assembler gathers chunks and memories concurrently and packs them into
// the budget.
type Assembler struct {
	index    knowledge.Index
	recaller Recaller
	toucher  Toucher
	opts     Options
	log      zerolog.Logger
}

// New creates an assembler. Any source may be nil.
func New(index knowledge.Index, recaller Recaller, toucher Toucher, opts Options) *Assembler {
	if opts.TopK <= 0 {
		opts.TopK = knowledge.DefaultTopK
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = memory.DefaultRecallLimit
	}
	if opts.SourceTimeout <= 0 {
		opts.SourceTimeout = 10 * time.Second
	}
	return &Assembler{
		index:    index,
		recaller: recaller,
		toucher:  toucher,
		opts:     opts,
		log:      logging.Component("assembler"),
	}
}

// Assemble builds the context for req. It never fails: a source that errors
// is left out and the assembly is marked partial.
func (a *Assembler) Assemble(ctx context.Context, req Request) *Assembly {
	out := &Assembly{Budget: max(req.TokenBudget, 0)}

	query := strings.TrimSpace(req.Message)
	if query == "" || out.Budget == 0 {
		return out
	}
	start := time.Now()

	var (
		chunks    []knowledge.RetrievedChunk
		memories  []memory.Recalled
		chunkErr  error
		memoryErr error
		g         errgroup.Group
	)
	wantChunks := a.index != nil && !req.SkipDocuments && req.Task.NeedsDocuments()
	wantMemory := a.recaller != nil && !req.SkipMemory

	if wantChunks {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, a.opts.SourceTimeout)
			defer cancel()
			chunks, chunkErr = a.index.Query(sctx, query, a.opts.TopK, knowledge.Filter{
				DocumentIDs: req.DocumentIDs,
				MinScore:    a.opts.MinChunkScore,
			})
			return nil
		})
	}
	if wantMemory {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, a.opts.SourceTimeout)
			defer cancel()
			memories, memoryErr = a.recaller.Recall(sctx, query, a.opts.MemoryLimit)
			return nil
		})
	}
	_ = g.Wait()

	if chunkErr != nil {
		a.log.Warn().Err(chunkErr).Str("session_id", req.SessionID).Msg("chunk retrieval failed")
	}
	if memoryErr != nil {
		a.log.Warn().Err(memoryErr).Str("session_id", req.SessionID).Msg("memory recall failed")
	}
	if chunkErr != nil || memoryErr != nil {
		out.Partial = true
		out.Warnings = append(out.Warnings, WarningPartialContext)
		metrics.ContextPartial.Inc()
	}

	a.pack(out, chunks, memories)

	if len(out.Memories) > 0 && a.toucher != nil {
		if err := a.toucher.TouchMemories(ctx, out.MemoryIDs()); err != nil {
			a.log.Debug().Err(err).Msg("failed to record memory access")
		}
	}

	a.log.Debug().
		Str("session_id", req.SessionID).
		Str("task", string(req.Task)).
		Int("chunks", len(out.Chunks)).
		Int("memories", len(out.Memories)).
		Int("dropped", out.Dropped).
		Int("tokens", out.TokensUsed).
		Int("budget", out.Budget).
		Dur("elapsed", time.Since(start)).
		Msg("context assembled")
	return out
}

type candidate struct {
	chunk  *knowledge.RetrievedChunk
	memory *memory.Recalled
}

// pack merges both sources by descending score (newer first on ties) and
// greedily keeps each candidate whose addition still fits the budget.
func (a *Assembler) pack(out *Assembly, chunks []knowledge.RetrievedChunk, memories []memory.Recalled) {
	merged := make([]knowledge.Scored[candidate], 0, len(chunks)+len(memories))
	for i := range chunks {
		c := &chunks[i]
		merged = append(merged, knowledge.Scored[candidate]{
			Item: candidate{chunk: c}, Score: c.Score, Time: c.CreatedAt.UnixNano(),
		})
	}
	for i := range memories {
		m := &memories[i]
		merged = append(merged, knowledge.Scored[candidate]{
			Item: candidate{memory: m}, Score: m.Score, Time: m.Memory.UpdatedAt.UnixNano(),
		})
	}
	knowledge.SortScored(merged)

	for _, s := range merged {
		keptChunks, keptMemories := out.Chunks, out.Memories
		if s.Item.chunk != nil {
			keptChunks = append(keptChunks, *s.Item.chunk)
		} else {
			keptMemories = append(keptMemories, *s.Item.memory)
		}

		memCtx, docCtx, text := render(keptMemories, keptChunks)
		if tokens := llm.EstimateTokens(text); tokens <= out.Budget {
			out.Chunks, out.Memories = keptChunks, keptMemories
			out.MemoryContext, out.DocumentContext, out.Text = memCtx, docCtx, text
			out.TokensUsed = tokens
			continue
		}
		out.Dropped++
	}
}

// render formats the memory and document sections and the text that goes
// into the prompt.
func render(memories []memory.Recalled, chunks []knowledge.RetrievedChunk) (memCtx, docCtx, text string) {
	if len(memories) > 0 {
		var b strings.Builder
		b.WriteString(memoryHeader)
		for _, m := range memories {
			b.WriteString("\n- ")
			b.WriteString(m.Memory.Content)
		}
		memCtx = b.String()
	}
	if len(chunks) > 0 {
		parts := make([]string, len(chunks))
		for i, c := range chunks {
			parts[i] = fmt.Sprintf("[From: %s]\n%s", c.DocumentTitle, c.Text)
		}
		docCtx = documentHeader + strings.Join(parts, chunkSeparator)
	}
	return memCtx, docCtx, memCtx + docCtx
}
