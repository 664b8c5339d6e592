package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/knowledge"
	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/memory"
	"github.com/normanking/nexus/internal/router"
)

type fakeIndex struct {
	chunks []knowledge.RetrievedChunk
	err    error
	calls  atomic.Int64
	filter knowledge.Filter
}

func (f *fakeIndex) Query(_ context.Context, _ string, topK int, filter knowledge.Filter) ([]knowledge.RetrievedChunk, error) {
	f.calls.Add(1)
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.chunks[:min(topK, len(f.chunks))], nil
}

func (f *fakeIndex) Upsert(context.Context, knowledge.Chunk) error { return nil }

type fakeRecaller struct {
	memories []memory.Recalled
	err      error
	calls    atomic.Int64
}

func (f *fakeRecaller) Recall(_ context.Context, _ string, limit int) ([]memory.Recalled, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.memories[:min(limit, len(f.memories))], nil
}

type fakeToucher struct{ ids []string }

func (f *fakeToucher) TouchMemories(_ context.Context, ids []string) error {
	f.ids = append(f.ids, ids...)
	return nil
}

func chunk(id, title, text string, score float64) knowledge.RetrievedChunk {
	return knowledge.RetrievedChunk{
		ChunkID: id, DocumentID: "doc-" + title, DocumentTitle: title,
		Text: text, Score: score, CreatedAt: time.Unix(100, 0),
	}
}

func recalled(id, content string, score float64) memory.Recalled {
	return memory.Recalled{
		Memory:    &data.Memory{ID: id, Content: content, Confidence: 0.9, UpdatedAt: time.Unix(100, 0)},
		Relevance: score,
		Score:     score,
	}
}

// ============================================================================
// Budget
// ============================================================================

func TestBudget(t *testing.T) {
	tests := []struct {
		name    string
		window  int
		reserve float64
		resp    int
		want    int
	}{
		{"default fast tier", 8192, 0.25, 1024, 5120},
		{"no history reserve", 4096, 0, 1024, 3072},
		{"clamped at zero", 1000, 0.5, 1024, 0},
		{"reserve above one", 8192, 2, 0, 0},
		{"zero window", 0, 0.25, 1024, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Budget(tt.window, tt.reserve, tt.resp))
		})
	}
}

func TestAssemblyNeverExceedsBudget(t *testing.T) {
	var chunks []knowledge.RetrievedChunk
	var mems []memory.Recalled
	for i := range 5 {
		chunks = append(chunks, chunk(fmt.Sprintf("c%d", i), fmt.Sprintf("Doc %d", i),
			strings.Repeat("clause text ", 10*(i+1)), 0.9-float64(i)*0.1))
		mems = append(mems, recalled(fmt.Sprintf("m%d", i),
			fmt.Sprintf("User fact number %d %s", i, strings.Repeat("x", 7*i)), 0.85-float64(i)*0.1))
	}
	a := New(&fakeIndex{chunks: chunks}, &fakeRecaller{memories: mems}, nil, Options{})

	for budget := 0; budget <= 600; budget += 7 {
		got := a.Assemble(context.Background(), Request{
			Message: "what does the lease say", Task: router.TaskRAGQuery, TokenBudget: budget,
		})
		require.LessOrEqual(t, llm.EstimateTokens(got.Text), budget, "budget %d", budget)
		assert.Equal(t, llm.EstimateTokens(got.Text), got.TokensUsed)
		if budget > 0 {
			assert.Equal(t, 10, len(got.Chunks)+len(got.Memories)+got.Dropped, "budget %d", budget)
		}
	}

	got := a.Assemble(context.Background(), Request{Message: "x", Task: router.TaskRAGQuery, TokenBudget: -5})
	assert.Empty(t, got.Text)
	assert.Zero(t, got.Budget)
}

// ============================================================================
// Scenarios
// ============================================================================

func TestContractQuestionUsesSessionDocuments(t *testing.T) {
	idx := &fakeIndex{chunks: []knowledge.RetrievedChunk{
		chunk("c1", "Lease", "Either party may terminate with 60 days notice.", 0.82),
		chunk("c2", "Lease", "Rent is due on the first.", 0.31),
	}}
	rec := &fakeRecaller{}
	a := New(idx, rec, nil, Options{})

	got := a.Assemble(context.Background(), Request{
		SessionID:   "s1",
		Message:     "What does the termination clause in this contract say?",
		Task:        router.TaskDocumentAnalysis,
		TokenBudget: 5000,
		DocumentIDs: []string{"doc-Lease"},
	})

	assert.Equal(t, []string{"doc-Lease"}, idx.filter.DocumentIDs)
	assert.Equal(t, []string{"c1", "c2"}, got.ChunkIDs())
	assert.Equal(t, []string{"doc-Lease"}, got.DocumentIDs())
	assert.Contains(t, got.DocumentContext, "[From: Lease]\nEither party may terminate")
	assert.True(t, strings.HasPrefix(got.DocumentContext, "\nRelevant documents:\n"))
	assert.Contains(t, got.Text, "\n\n---\n\n")
	assert.False(t, got.Partial)
}

func TestPoemSkipsDocuments(t *testing.T) {
	idx := &fakeIndex{chunks: []knowledge.RetrievedChunk{chunk("c1", "Lease", "rent", 0.9)}}
	rec := &fakeRecaller{memories: []memory.Recalled{recalled("m1", "User likes autumn", 0.7)}}
	touch := &fakeToucher{}
	a := New(idx, rec, touch, Options{})

	got := a.Assemble(context.Background(), Request{
		Message: "write a poem about autumn", Task: router.TaskCreative, TokenBudget: 5000,
	})

	assert.Zero(t, idx.calls.Load(), "creative tasks do not query documents")
	assert.Empty(t, got.Chunks)
	assert.Equal(t, "What I know about you:\n- User likes autumn", got.MemoryContext)
	assert.Equal(t, got.MemoryContext, got.Text)
	assert.Equal(t, []string{"m1"}, touch.ids)
}

func TestSkipFlags(t *testing.T) {
	idx := &fakeIndex{chunks: []knowledge.RetrievedChunk{chunk("c1", "A", "alpha", 0.9)}}
	rec := &fakeRecaller{memories: []memory.Recalled{recalled("m1", "User likes alpha", 0.7)}}
	a := New(idx, rec, nil, Options{})

	got := a.Assemble(context.Background(), Request{
		Message: "alpha?", Task: router.TaskRAGQuery, TokenBudget: 1000,
		SkipDocuments: true, SkipMemory: true,
	})
	assert.Empty(t, got.Text)
	assert.Zero(t, idx.calls.Load())
	assert.Zero(t, rec.calls.Load())
}

func TestMergeOrderAndTies(t *testing.T) {
	older := recalled("m-old", "User likes tea", 0.5)
	newer := recalled("m-new", "User likes coffee", 0.5)
	newer.Memory.UpdatedAt = time.Unix(200, 0)
	idx := &fakeIndex{chunks: []knowledge.RetrievedChunk{chunk("c1", "Menu", "espresso", 0.6)}}
	rec := &fakeRecaller{memories: []memory.Recalled{older, newer}}

	got := New(idx, rec, nil, Options{}).Assemble(context.Background(), Request{
		Message: "drinks", Task: router.TaskRAGQuery, TokenBudget: 1000,
	})
	assert.Equal(t, []string{"m-new", "m-old"}, got.MemoryIDs())
	assert.Equal(t, "What I know about you:\n- User likes coffee\n- User likes tea", got.MemoryContext)
}

func TestOversizeItemDroppedSmallerKept(t *testing.T) {
	idx := &fakeIndex{chunks: []knowledge.RetrievedChunk{
		chunk("big", "Book", strings.Repeat("word ", 400), 0.95),
		chunk("small", "Note", "short note", 0.4),
	}}
	got := New(idx, nil, nil, Options{}).Assemble(context.Background(), Request{
		Message: "notes", Task: router.TaskRAGQuery, TokenBudget: 50,
	})
	assert.Equal(t, []string{"small"}, got.ChunkIDs())
	assert.Equal(t, 1, got.Dropped)
}

// ============================================================================
// Partial context
// ============================================================================

func TestPartialContext(t *testing.T) {
	tests := []struct {
		name       string
		indexErr   error
		recallErr  error
		wantChunks int
		wantMems   int
	}{
		{"index down", errors.New("embed failed"), nil, 0, 1},
		{"memory down", nil, errors.New("db locked"), 1, 0},
		{"both down", errors.New("a"), errors.New("b"), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := &fakeIndex{chunks: []knowledge.RetrievedChunk{chunk("c1", "A", "alpha", 0.9)}, err: tt.indexErr}
			rec := &fakeRecaller{memories: []memory.Recalled{recalled("m1", "User likes alpha", 0.7)}, err: tt.recallErr}

			got := New(idx, rec, nil, Options{}).Assemble(context.Background(), Request{
				Message: "alpha", Task: router.TaskRAGQuery, TokenBudget: 1000,
			})
			assert.True(t, got.Partial)
			assert.Equal(t, []string{WarningPartialContext}, got.Warnings)
			assert.Len(t, got.Chunks, tt.wantChunks)
			assert.Len(t, got.Memories, tt.wantMems)
		})
	}
}
