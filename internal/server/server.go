// Package server exposes the assistant over HTTP: streaming chat over SSE
// and WebSocket, plus session, memory, document, model and health APIs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/normanking/nexus/internal/config"
	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/knowledge"
	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/logging"
	"github.com/normanking/nexus/internal/orchestrator"
	"github.com/normanking/nexus/internal/router"
)

// Store is the persistence the API reads and edits.
type Store interface {
	CreateSession(ctx context.Context, session *data.Session) error
	GetSession(ctx context.Context, id string) (*data.Session, error)
	ListSessions(ctx context.Context, filter data.SessionFilter) ([]*data.Session, error)
	SetSessionArchived(ctx context.Context, id string, archived bool) error
	DeleteSession(ctx context.Context, id string) error
	AttachDocuments(ctx context.Context, sessionID string, documentIDs []string) error
	GetSessionMessages(ctx context.Context, sessionID string) ([]*data.Message, error)

	GetMemory(ctx context.Context, id string) (*data.Memory, error)
	ListMemories(ctx context.Context, filter data.MemoryFilter) ([]*data.Memory, error)
	SoftDeleteMemory(ctx context.Context, id string) error

	GetDocument(ctx context.Context, id string) (*data.Document, error)
	ListDocuments(ctx context.Context) ([]*data.Document, error)

	Health(ctx context.Context) error
}

// Chat runs turns.
type Chat interface {
	Run(ctx context.Context, req orchestrator.TurnRequest, sink orchestrator.Sink) (*orchestrator.TurnResult, error)
}

// Ingester indexes documents.
type Ingester interface {
	Ingest(ctx context.Context, req knowledge.IngestRequest) (*knowledge.IngestResult, error)
}

// Rememberer stores explicitly provided memories.
type Rememberer interface {
	Remember(ctx context.Context, content string, category data.MemoryCategory, confidence float64) (string, bool, error)
}

// Pinger reports the reachability of an optional backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the server's collaborators. Redis may be nil.
type Deps struct {
	Store    Store
	Chat     Chat
	Ingester Ingester
	Memories Rememberer
	Provider llm.Provider
	Router   *router.ModelRouter
	Redis    Pinger
	Version  string
}

// Server represents the HTTP server.
type Server struct {
	cfg        config.ServerConfig
	deps       Deps
	upgrader   websocket.Upgrader
	httpServer *http.Server
	startTime  time.Time
	log        zerolog.Logger
}

// New creates a new HTTP server.
func New(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		startTime: time.Now(),
		log:       logging.Component("server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.allowedOrigin(origin) != ""
		},
	}

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: chat responses stream for as long as the model generates.
	}
	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/chat/ws", s.handleChatWS)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/archive", s.handleArchiveSession)
	mux.HandleFunc("POST /api/sessions/{id}/documents", s.handleAttachDocuments)

	mux.HandleFunc("GET /api/memories", s.handleListMemories)
	mux.HandleFunc("POST /api/memories", s.handleCreateMemory)
	mux.HandleFunc("GET /api/memories/export", s.handleExportMemories)
	mux.HandleFunc("DELETE /api/memories/{id}", s.handleDeleteMemory)

	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.HandleFunc("POST /api/documents", s.handleIngestDocument)
	mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)

	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.corsMiddleware(s.metricsMiddleware(mux))
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// ═══════════════════════════════════════════════════════════════════════════════
// RESPONSES
// ═══════════════════════════════════════════════════════════════════════════════

// Error codes returned in JSON error bodies and WebSocket error frames.
const (
	CodeInvalidRequest  = "invalid_request"
	CodeNotFound        = "not_found"
	CodeTurnInProgress  = "turn_in_progress"
	CodeInternal        = "internal_error"
	CodeUnsupportedType = "unsupported_format"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// writeStoreError maps data-layer errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, what string) {
	if data.IsNotFound(err) {
		writeError(w, http.StatusNotFound, CodeNotFound, what+" not found")
		return
	}
	s.log.Error().Err(err).Str("what", what).Msg("request failed")
	writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
}

// turnErrorStatus maps a turn error returned before streaming started.
func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, orchestrator.ErrSessionNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, orchestrator.ErrTurnInProgress):
		return http.StatusConflict, CodeTurnInProgress
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ═══════════════════════════════════════════════════════════════════════════════

func (s *Server) allowedOrigin(origin string) string {
	if slices.Contains(s.cfg.AllowedOrigins, "*") {
		return "*"
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) {
		return origin
	}
	return ""
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if allowed := s.allowedOrigin(origin); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
