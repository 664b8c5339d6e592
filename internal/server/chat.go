package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/normanking/nexus/internal/orchestrator"
)

const (
	maxChatBodyBytes = 1 << 20
	wsWriteTimeout   = 10 * time.Second
)

// chatRequest is the body of POST /api/chat/stream and of each WebSocket
// request frame. Documents and memory are included unless disabled.
type chatRequest struct {
	Message          string `json:"message"`
	SessionID        string `json:"session_id,omitempty"`
	ModelOverride    string `json:"model_override,omitempty"`
	SystemPrompt     string `json:"system_prompt,omitempty"`
	IncludeDocuments *bool  `json:"include_documents,omitempty"`
	IncludeMemory    *bool  `json:"include_memory,omitempty"`
}

func (c chatRequest) turn() orchestrator.TurnRequest {
	return orchestrator.TurnRequest{
		SessionID:        c.SessionID,
		Message:          c.Message,
		ModelOverride:    c.ModelOverride,
		SystemPrompt:     c.SystemPrompt,
		IncludeDocuments: c.IncludeDocuments == nil || *c.IncludeDocuments,
		IncludeMemory:    c.IncludeMemory == nil || *c.IncludeMemory,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SSE
// ═══════════════════════════════════════════════════════════════════════════════

// sseSink writes events as `data: {json}` frames. Headers go out with the
// first event, so errors raised before streaming still get a status code.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseSink) Send(e orchestrator.Event) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleChatStream runs one turn and streams its events.
// POST /api/chat/stream
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeInternal, "streaming not supported")
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	_, err := s.deps.Chat.Run(r.Context(), req.turn(), sink)
	if err != nil && !sink.started {
		status, code := turnErrorStatus(err)
		if status == http.StatusInternalServerError {
			s.log.Error().Err(err).Msg("chat turn failed")
		}
		writeError(w, status, code, err.Error())
	}
	// Failures after the first event were reported in-stream.
}

// ═══════════════════════════════════════════════════════════════════════════════
// WEBSOCKET
// ═══════════════════════════════════════════════════════════════════════════════

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) Send(e orchestrator.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(e)
}

func (c *wsConn) sendError(code, message string) {
	_ = c.Send(orchestrator.Event{Type: orchestrator.EventError, Code: code, Error: message})
}

// handleChatWS runs turns for JSON request frames, one at a time per
// connection. Closing the socket cancels the running turn.
// GET /api/chat/ws
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxChatBodyBytes)

	ws := &wsConn{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var busy atomic.Bool
	defer wg.Wait()
	defer cancel()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("websocket closed")
			}
			return
		}

		var req chatRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			ws.sendError(CodeInvalidRequest, "invalid request frame: "+err.Error())
			continue
		}
		if !busy.CompareAndSwap(false, true) {
			ws.sendError(CodeTurnInProgress, orchestrator.ErrTurnInProgress.Error())
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer busy.Store(false)
			s.runWSTurn(ctx, ws, req)
		}()
	}
}

func (s *Server) runWSTurn(ctx context.Context, ws *wsConn, req chatRequest) {
	sent := false
	sink := orchestrator.SinkFunc(func(e orchestrator.Event) error {
		sent = true
		return ws.Send(e)
	})
	_, err := s.deps.Chat.Run(ctx, req.turn(), sink)
	if err != nil && !sent {
		_, code := turnErrorStatus(err)
		ws.sendError(code, err.Error())
	}
}
