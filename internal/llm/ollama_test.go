package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/normanking/nexus/internal/config"
)

// writeChunks streams NDJSON chunks, flushing after each.
func writeChunks(t *testing.T, w http.ResponseWriter, chunks ...ollamaChatResponse) {
	t.Helper()
	enc := json.NewEncoder(w)
	for _, c := range chunks {
		require.NoError(t, enc.Encode(c))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func token(s string) ollamaChatResponse {
	return ollamaChatResponse{Model: "test-model", Message: ollamaMessage{Role: "assistant", Content: s}}
}

func doneChunk() ollamaChatResponse {
	return ollamaChatResponse{Model: "test-model", Done: true, PromptEvalCount: 12, EvalCount: 3}
}

// newTestProvider also checks that the test leaves no stream goroutines behind.
func newTestProvider(t *testing.T, srv *httptest.Server, timeouts ...TimeoutConfig) *OllamaProvider {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	opts := []OllamaOption{WithHTTPClient(srv.Client())}
	if len(timeouts) > 0 {
		opts = append(opts, WithTimeoutConfig(timeouts[0]))
	}
	return NewOllamaProvider(ProviderConfig{Endpoint: srv.URL, Model: "test-model"}, opts...)
}

func drain(s TokenStream) ([]string, error) {
	var out []string
	for {
		tok, err := s.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, tok)
	}
}

func TestOllamaGenerate_StreamsTokensInOrder(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeChunks(t, w, token("Hel"), token("lo"), token(""), token(" world"), doneChunk())
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	stream, err := p.Generate(context.Background(), &ChatRequest{
		Model:         "llama3.1:8b",
		SystemPrompt:  "be brief",
		Messages:      []Message{{Role: "user", Content: "hi"}},
		ContextWindow: 8192,
	})
	require.NoError(t, err)
	defer stream.Close()

	tokens, err := drain(stream)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo", " world"}, tokens)

	// Reading past the end keeps returning EOF.
	_, err = stream.Next()
	assert.ErrorIs(t, err, io.EOF)

	usage := stream.(UsageReporter).Usage()
	assert.Equal(t, 12, usage.PromptTokens)
	assert.Equal(t, 3, usage.CompletionTokens)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "llama3.1:8b", got.Model)
	assert.True(t, got.Stream)
	assert.Equal(t, 8192, got.Options.NumCtx)
}

func TestOllamaGenerate_ErrorBeforeFirstToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv).Generate(context.Background(), &ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaGenerate_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewOllamaProvider(ProviderConfig{Endpoint: url})
	_, err := p.Generate(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.Error(t, err)
	p.client.CloseIdleConnections()
}

func TestOllamaStream_ErrorAfterThreeTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(t, w, token("one "), token("two "), token("three"),
			ollamaChatResponse{Error: "model runner crashed"})
	}))
	defer srv.Close()

	stream, err := newTestProvider(t, srv).Generate(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	defer stream.Close()

	tokens, err := drain(stream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model runner crashed")
	assert.Equal(t, []string{"one ", "two ", "three"}, tokens)
}

func TestOllamaStream_TruncatedWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(t, w, token("partial"))
	}))
	defer srv.Close()

	stream, err := newTestProvider(t, srv).Generate(context.Background(), &ChatRequest{})
	require.NoError(t, err)
	defer stream.Close()

	tokens, err := drain(stream)
	assert.ErrorIs(t, err, ErrTruncatedStream)
	assert.Equal(t, []string{"partial"}, tokens)
}

func TestOllamaStream_CloseReleasesConnection(t *testing.T) {
	released := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(t, w, token("first"))
		<-r.Context().Done()
		close(released)
	}))
	defer srv.Close()

	stream, err := newTestProvider(t, srv).Generate(context.Background(), &ChatRequest{})
	require.NoError(t, err)

	tok, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	require.NoError(t, stream.Close())
	// Close is idempotent.
	assert.NoError(t, stream.Close())

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("engine request was not cancelled after Close")
	}
}

func TestOllamaStream_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeChunks(t, w, token("a"))
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := newTestProvider(t, srv).Generate(ctx, &ChatRequest{})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Next()
	require.NoError(t, err)

	cancel()
	_, err = stream.Next()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOllamaStream_Timeouts(t *testing.T) {
	short := TimeoutConfig{
		ConnectionTimeout: time.Second,
		FirstTokenTimeout: 100 * time.Millisecond,
		StreamIdleTimeout: 100 * time.Millisecond,
	}

	t.Run("first token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}))
		defer srv.Close()

		stream, err := newTestProvider(t, srv, short).Generate(context.Background(), &ChatRequest{})
		require.NoError(t, err)
		defer stream.Close()

		_, err = stream.Next()
		assert.ErrorIs(t, err, ErrFirstTokenTimeout)
	})

	t.Run("idle", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeChunks(t, w, token("slow"))
			<-r.Context().Done()
		}))
		defer srv.Close()

		stream, err := newTestProvider(t, srv, short).Generate(context.Background(), &ChatRequest{})
		require.NoError(t, err)
		defer stream.Close()

		tok, err := stream.Next()
		require.NoError(t, err)
		assert.Equal(t, "slow", tok)

		_, err = stream.Next()
		assert.ErrorIs(t, err, ErrStreamStalled)
	})
}

func TestOllamaListModelsAndAvailable(t *testing.T) {
	body := `{"models":[{"name":"llama3.1:8b","size":4661224676,"modified_at":"2024-08-01T10:00:00Z"},{"name":"nomic-embed-text:latest","size":274302450,"modified_at":"2024-08-01T10:00:00Z"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = io.WriteString(w, body)
	}))
	defer srv.Close()

	p := newTestProvider(t, srv)
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.1:8b", models[0].Name)
	assert.Equal(t, int64(4661224676), models[0].Size)

	assert.NoError(t, p.Available(context.Background()))
}

func TestOllamaAvailable_NoModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"models":[]}`)
	}))
	defer srv.Close()

	err := newTestProvider(t, srv).Available(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no models")
}

func TestTimeoutsFromConfig(t *testing.T) {
	local := TimeoutsFromConfig(config.LLMConfig{Endpoint: "http://127.0.0.1:11434", FirstTokenTimeout: 7})
	assert.Equal(t, 7*time.Second, local.FirstTokenTimeout)
	assert.Equal(t, DefaultTimeoutConfig().StreamIdleTimeout, local.StreamIdleTimeout)

	remote := TimeoutsFromConfig(config.LLMConfig{Endpoint: "http://gpu-box.lan:11434"})
	assert.Equal(t, RemoteTimeoutConfig(), remote)
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{"12345678", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.text), "text %q", tt.text)
	}
}
