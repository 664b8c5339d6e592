package messaging

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/nexus/internal/config"
)

// setupTestPublisher connects to the Redis at NEXUS_TEST_REDIS_ADDR
// (default localhost:6379) and skips when none is running.
func setupTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	addr := os.Getenv("NEXUS_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	p, err := NewPublisher(config.RedisConfig{Addr: addr, Stream: "nexus:test:" + t.Name(), MaxLen: 100})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		p.rdb.Del(context.Background(), p.Stream())
		p.Close()
	})
	return p
}

func sampleSummary() TurnSummary {
	return TurnSummary{
		TurnID:         "turn-1",
		SessionID:      "sess-1",
		State:          "memory_pending",
		TaskType:       "rag_query",
		Model:          "qwen2.5:14b",
		Tier:           "document",
		RoutingReason:  "Detected rag_query task",
		ChunkIDs:       []string{"c1", "c2"},
		MemoryIDs:      nil,
		Warnings:       []string{"partial_context"},
		TokensStreamed: 42,
		DurationMs:     1234,
		FinishedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// stringify mimics what Redis hands back: every value as a string.
func stringify(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func TestTurnSummaryValues(t *testing.T) {
	in := sampleSummary()
	values := in.ToRedisValues()
	assert.Equal(t, `["c1","c2"]`, values["chunk_ids"])
	assert.Equal(t, `[]`, values["memory_ids"])

	out, err := TurnSummaryFromValues(stringify(values))
	require.NoError(t, err)
	in.MemoryIDs = []string{}
	assert.Equal(t, in, out)
}

func TestTurnSummaryFromValuesErrors(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{"missing turn id", map[string]any{"session_id": "s"}},
		{"bad count", map[string]any{"turn_id": "t", "tokens_streamed": "many"}},
		{"bad time", map[string]any{"turn_id": "t", "finished_at": "yesterday"}},
		{"bad list", map[string]any{"turn_id": "t", "chunk_ids": "c1,c2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := TurnSummaryFromValues(tt.values)
			assert.Error(t, err)
		})
	}
}

func TestPublisherRoundTrip(t *testing.T) {
	p := setupTestPublisher(t)
	ctx := context.Background()

	first := sampleSummary()
	second := sampleSummary()
	second.TurnID = "turn-2"

	id, err := p.PublishTurn(ctx, first)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	_, err = p.PublishTurn(ctx, second)
	require.NoError(t, err)

	got, err := p.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "turn-2", got[0].TurnID)
	assert.Equal(t, []string{"c1", "c2"}, got[1].ChunkIDs)
}
