package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embeddingServer(t *testing.T, hits *atomic.Int32, gate <-chan struct{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		hits.Add(1)

		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Prompt == "boom" {
			http.Error(w, "embedding failed", http.StatusInternalServerError)
			return
		}
		if gate != nil {
			<-gate
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": []float64{float64(len(req.Prompt)), 0.5, -0.25},
		})
	}))
}

func newTestEmbedder(srv *httptest.Server) *OllamaEmbedder {
	return NewOllamaEmbedder(EmbedderConfig{
		Endpoint:   srv.URL,
		Model:      "nomic-embed-text",
		CacheTTL:   time.Minute,
		HTTPClient: srv.Client(),
	})
}

func TestOllamaEmbedder_EmbedAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := embeddingServer(t, &hits, nil)
	defer srv.Close()

	e := newTestEmbedder(srv)
	v, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 0.5, -0.25}, v)

	// Surrounding whitespace hits the same cache entry.
	v2, err := e.Embed(context.Background(), "  hello \n")
	require.NoError(t, err)
	assert.Equal(t, v, v2)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, e.CacheLen())
	assert.Equal(t, "nomic-embed-text", e.ModelName())
}

func TestOllamaEmbedder_CollapsesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := embeddingServer(t, &hits, gate)
	defer srv.Close()

	e := newTestEmbedder(srv)

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]float32, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Embed(context.Background(), "same text")
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestOllamaEmbedder_Errors(t *testing.T) {
	var hits atomic.Int32
	srv := embeddingServer(t, &hits, nil)
	defer srv.Close()

	e := newTestEmbedder(srv)

	_, err := e.Embed(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = e.Embed(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, 0, e.CacheLen(), "failures are not cached")
}

func TestOllamaEmbedder_CallerCancellation(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := embeddingServer(t, &hits, gate)
	defer srv.Close()

	e := newTestEmbedder(srv)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Embed(ctx, "slow")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	// The shared request still completes and fills the cache.
	close(gate)
	require.Eventually(t, func() bool { return e.CacheLen() == 1 }, 2*time.Second, 5*time.Millisecond)
}
