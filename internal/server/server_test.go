package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/normanking/nexus/internal/assembler"
	"github.com/normanking/nexus/internal/config"
	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/knowledge"
	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/memory"
	"github.com/normanking/nexus/internal/orchestrator"
	"github.com/normanking/nexus/internal/router"
)

// ============================================================================
// Fakes
// ============================================================================

type scriptedProvider struct {
	tokens []string
	down   error
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Available(ctx context.Context) error { return p.down }

func (p *scriptedProvider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	if p.down != nil {
		return nil, p.down
	}
	return []llm.ModelInfo{{Name: "llama3.1:8b"}}, nil
}

func (p *scriptedProvider) Generate(ctx context.Context, req *llm.ChatRequest) (llm.TokenStream, error) {
	if p.down != nil {
		return nil, p.down
	}
	return &sliceStream{ctx: ctx, tokens: p.tokens}, nil
}

type sliceStream struct {
	ctx    context.Context
	tokens []string
}

func (s *sliceStream) Next() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.tokens) == 0 {
		return "", io.EOF
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return tok, nil
}

func (s *sliceStream) Close() error { return nil }

type hashEmbedder struct{}

func (hashEmbedder) ModelName() string { return "hash" }

func (hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 32)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%32]++
	}
	return vec, nil
}

// erroringChat returns err without sending any event.
type erroringChat struct{ err error }

func (c erroringChat) Run(ctx context.Context, req orchestrator.TurnRequest, sink orchestrator.Sink) (*orchestrator.TurnResult, error) {
	return nil, c.err
}

// ============================================================================
// Harness
// ============================================================================

type testEnv struct {
	store    *data.Store
	provider *scriptedProvider
	server   *Server
	http     *httptest.Server
}

func newTestEnv(t *testing.T, tokens ...string) *testEnv {
	t.Helper()
	store, err := data.NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	provider := &scriptedProvider{tokens: tokens}
	index := knowledge.NewSQLiteIndex(store, hashEmbedder{})
	extractor := memory.NewExtractor(store, hashEmbedder{})
	rtr := router.NewModelRouter(router.NewRoutingConfig(cfg.Routing))

	orch := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Classifier: router.NewClassifier(router.DefaultClassifierConfig()),
		Router:     rtr,
		Assembler: assembler.New(index, memory.NewRecaller(store, hashEmbedder{}, 0.25), store,
			assembler.OptionsFromConfig(cfg.Retrieval)),
		Provider: provider,
	}, orchestrator.OptionsFromConfig(cfg))

	srvCfg := cfg.Server
	srvCfg.AllowedOrigins = []string{"http://localhost:1420"}
	srv := New(srvCfg, Deps{
		Store:    store,
		Chat:     orch,
		Ingester: knowledge.NewIngester(store, index, knowledge.NewChunker(200, 20), 2),
		Memories: extractor,
		Provider: provider,
		Router:   rtr,
		Version:  "test",
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{store: store, provider: provider, server: srv, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// readSSE collects the events of a text/event-stream body.
func readSSE(t *testing.T, body io.Reader) []orchestrator.Event {
	t.Helper()
	var events []orchestrator.Event
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e orchestrator.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		events = append(events, e)
	}
	require.NoError(t, sc.Err())
	return events
}

func eventTypes(events []orchestrator.Event) []orchestrator.EventType {
	out := make([]orchestrator.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// ============================================================================
// Chat
// ============================================================================

func TestChatStreamSSE(t *testing.T) {
	env := newTestEnv(t, "Hello", ", ", "world")

	resp := env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{"message": "Hi there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	assert.Equal(t, []orchestrator.EventType{
		orchestrator.EventMetadata,
		orchestrator.EventContent, orchestrator.EventContent, orchestrator.EventContent,
		orchestrator.EventDone,
	}, eventTypes(events))

	meta := events[0]
	assert.NotEmpty(t, meta.SessionID)
	assert.NotEmpty(t, meta.Model)
	done := events[len(events)-1]
	assert.Equal(t, "Hello, world", done.FullResponse)

	msgs, err := env.store.GetSessionMessages(context.Background(), meta.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello, world", msgs[1].Content)
}

func TestChatStreamInferenceDown(t *testing.T) {
	env := newTestEnv(t)
	env.provider.down = errors.New("connection refused")

	resp := env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{"message": "Hi"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, orchestrator.EventError, last.Type)
	assert.Equal(t, orchestrator.CodeInferenceUnavailable, last.Code)
}

func TestChatStreamErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"empty message", orchestrator.ErrEmptyMessage, http.StatusBadRequest, CodeInvalidRequest},
		{"unknown session", orchestrator.ErrSessionNotFound, http.StatusNotFound, CodeNotFound},
		{"turn in progress", orchestrator.ErrTurnInProgress, http.StatusConflict, CodeTurnInProgress},
		{"store failure", errors.New("disk full"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.server.deps.Chat = erroringChat{err: tt.err}
			ts := httptest.NewServer(env.server.Handler())
			defer ts.Close()

			resp, err := http.Post(ts.URL+"/api/chat/stream", "application/json", strings.NewReader(`{"message":"x"}`))
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body := decode[map[string]string](t, resp)
			assert.Equal(t, tt.wantCode, body["error"])
		})
	}
}

func TestChatStreamRealValidation(t *testing.T) {
	env := newTestEnv(t, "ok")

	resp := env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{"message": "hi", "session_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{"msg": "hi"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/chat/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestChatWebSocket(t *testing.T) {
	env := newTestEnv(t, "One", " two")
	conn := dialWS(t, env)

	require.NoError(t, conn.WriteJSON(map[string]any{"message": "Count for me"}))

	var content strings.Builder
	var types []orchestrator.EventType
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var e orchestrator.Event
		require.NoError(t, conn.ReadJSON(&e))
		types = append(types, e.Type)
		if e.Type == orchestrator.EventContent {
			content.WriteString(e.Content)
		}
		if e.Type == orchestrator.EventDone || e.Type == orchestrator.EventError {
			break
		}
	}
	assert.Equal(t, orchestrator.EventMetadata, types[0])
	assert.Equal(t, orchestrator.EventDone, types[len(types)-1])
	assert.Equal(t, "One two", content.String())
}

func TestChatWebSocketBadFrames(t *testing.T) {
	env := newTestEnv(t, "ok")
	conn := dialWS(t, env)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	var e orchestrator.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, orchestrator.EventError, e.Type)
	assert.Equal(t, CodeInvalidRequest, e.Code)

	require.NoError(t, conn.WriteJSON(map[string]any{"message": "hi", "session_id": "missing"}))
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, orchestrator.EventError, e.Type)
	assert.Equal(t, CodeNotFound, e.Code)
}

func TestChatWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/chat/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}

	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// ============================================================================
// Sessions
// ============================================================================

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, "ok")

	resp := env.do(t, http.MethodPost, "/api/sessions", map[string]any{"title": "Trip planning"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decode[data.Session](t, resp)
	assert.Equal(t, "Trip planning", session.Title)

	resp = env.do(t, http.MethodPost, "/api/chat/stream", map[string]any{"message": "hello", "session_id": session.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readSSE(t, resp.Body)

	resp = env.do(t, http.MethodGet, "/api/sessions/"+session.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[struct {
		ID       string          `json:"id"`
		Messages []*data.Message `json:"messages"`
	}](t, resp)
	assert.Equal(t, session.ID, detail.ID)
	assert.Len(t, detail.Messages, 2)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/sessions", nil)
	list := decode[struct {
		Sessions []*data.Session `json:"sessions"`
	}](t, resp)
	assert.Empty(t, list.Sessions)

	resp = env.do(t, http.MethodGet, "/api/sessions?include_archived=true", nil)
	list = decode[struct {
		Sessions []*data.Session `json:"sessions"`
	}](t, resp)
	require.Len(t, list.Sessions, 1)
	assert.True(t, list.Sessions[0].Archived)

	resp = env.do(t, http.MethodDelete, "/api/sessions/"+session.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/sessions/"+session.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/sessions/"+session.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSessionDefaultTitle(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	session := decode[data.Session](t, resp)
	assert.True(t, strings.HasPrefix(session.Title, "Conversation "))
}

func TestAttachDocuments(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/documents", map[string]any{
		"title":   "Lease",
		"content": "The lease term is twelve months. Rent is due on the first of each month.",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ingested := decode[knowledge.IngestResult](t, resp)

	resp = env.do(t, http.MethodPost, "/api/sessions", map[string]any{"title": "Contract"})
	session := decode[data.Session](t, resp)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/documents",
		map[string]any{"document_ids": []string{ingested.Document.ID}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[data.Session](t, resp)
	assert.Equal(t, []string{ingested.Document.ID}, got.DocumentIDs)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/documents",
		map[string]any{"document_ids": []string{"missing"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+session.ID+"/documents",
		map[string]any{"document_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// ============================================================================
// Memories
// ============================================================================

func TestMemoryEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/memories", map[string]any{
		"content": "User is allergic to peanuts", "category": "personal",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[struct {
		Memory  data.Memory `json:"memory"`
		Created bool        `json:"created"`
	}](t, resp)
	assert.True(t, created.Created)
	assert.Equal(t, 1.0, created.Memory.Confidence)

	resp = env.do(t, http.MethodPost, "/api/memories", map[string]any{
		"content": "user is allergic to peanuts.", "category": "personal",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/memories", map[string]any{
		"content": "Works remotely", "category": "professional", "confidence": 0.6,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/memories?category=personal", nil)
	list := decode[struct {
		Memories []data.Memory `json:"memories"`
		Count    int           `json:"count"`
	}](t, resp)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "User is allergic to peanuts", list.Memories[0].Content)

	resp = env.do(t, http.MethodGet, "/api/memories?min_confidence=0.9", nil)
	list = decode[struct {
		Memories []data.Memory `json:"memories"`
		Count    int           `json:"count"`
	}](t, resp)
	assert.Equal(t, 1, list.Count)

	resp = env.do(t, http.MethodGet, "/api/memories?q=remote", nil)
	list = decode[struct {
		Memories []data.Memory `json:"memories"`
		Count    int           `json:"count"`
	}](t, resp)
	assert.Equal(t, 1, list.Count)

	resp = env.do(t, http.MethodDelete, "/api/memories/"+created.Memory.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/memories/"+created.Memory.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMemoryValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"bad category filter", http.MethodGet, "/api/memories?category=hobbies", nil},
		{"bad min confidence", http.MethodGet, "/api/memories?min_confidence=2", nil},
		{"bad limit", http.MethodGet, "/api/memories?limit=-1", nil},
		{"bad category", http.MethodPost, "/api/memories", map[string]any{"content": "x y", "category": "hobbies"}},
		{"empty content", http.MethodPost, "/api/memories", map[string]any{"content": "  "}},
		{"bad export format", http.MethodGet, "/api/memories/export?format=xml", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestMemoryExport(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/api/memories", map[string]any{"content": "Prefers tea over coffee", "category": "preference"})

	resp := env.do(t, http.MethodGet, "/api/memories/export?format=yaml", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/yaml", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".yaml")

	var doc memory.Export
	require.NoError(t, yaml.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, 1, doc.Count)
	assert.Equal(t, "Prefers tea over coffee", doc.Memories[0].Content)

	resp = env.do(t, http.MethodGet, "/api/memories/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

// ============================================================================
// Documents
// ============================================================================

func TestDocumentEndpoints(t *testing.T) {
	env := newTestEnv(t)
	body := map[string]any{"title": "Notes", "content": "Quarterly goals: ship the beta and hire two engineers."}

	resp := env.do(t, http.MethodPost, "/api/documents", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[knowledge.IngestResult](t, resp)
	assert.Positive(t, first.Chunks)

	resp = env.do(t, http.MethodPost, "/api/documents", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dup := decode[knowledge.IngestResult](t, resp)
	assert.True(t, dup.Duplicate)
	assert.Equal(t, first.Document.ID, dup.Document.ID)

	resp = env.do(t, http.MethodPost, "/api/documents", map[string]any{"title": "Empty", "content": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/documents", nil)
	list := decode[struct {
		Documents []data.Document `json:"documents"`
	}](t, resp)
	require.Len(t, list.Documents, 1)

	resp = env.do(t, http.MethodGet, "/api/documents/"+first.Document.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/documents/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ============================================================================
// Health, models, metrics
// ============================================================================

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.True(t, h.Services["database"].Healthy)

	env.provider.down = errors.New("connection refused")
	resp = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h = decode[HealthResponse](t, resp)
	assert.Equal(t, "degraded", h.Status)
	assert.False(t, h.Services["ollama"].Healthy)

	require.NoError(t, env.store.Close())
	resp = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestModels(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m := decode[ModelsResponse](t, resp)
	assert.Len(t, m.Tiers, 4)
	require.Len(t, m.Installed, 1)
	assert.Equal(t, "llama3.1:8b", m.Installed[0].Name)

	env.provider.down = errors.New("connection refused")
	resp = env.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m = decode[ModelsResponse](t, resp)
	assert.Empty(t, m.Installed)
	assert.Contains(t, m.Error, "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/health", nil)

	resp := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nexus_http_requests_total")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/api/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:1420")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:1420", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}
