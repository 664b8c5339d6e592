package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/orchestrator"
)

type createSessionRequest struct {
	Title string `json:"title"`
}

type archiveRequest struct {
	Archived *bool `json:"archived"`
}

type attachRequest struct {
	DocumentIDs []string `json:"document_ids"`
}

type sessionDetail struct {
	*data.Session
	Messages []*data.Message `json:"messages"`
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// GET /api/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer")
		return
	}
	archived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))

	sessions, err := s.deps.Store.ListSessions(r.Context(), data.SessionFilter{IncludeArchived: archived, Limit: limit})
	if err != nil {
		s.writeStoreError(w, err, "sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// POST /api/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = orchestrator.DefaultSessionTitle(time.Now())
	}

	session := &data.Session{Title: title}
	if err := s.deps.Store.CreateSession(r.Context(), session); err != nil {
		s.writeStoreError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// GET /api/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, err := s.deps.Store.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "session")
		return
	}
	msgs, err := s.deps.Store.GetSessionMessages(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "messages")
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{Session: session, Messages: msgs})
}

// DELETE /api/sessions/{id}
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err, "session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/sessions/{id}/archive
// An empty body archives; {"archived": false} restores.
func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
			return
		}
	}
	archived := req.Archived == nil || *req.Archived

	id := r.PathValue("id")
	if err := s.deps.Store.SetSessionArchived(r.Context(), id, archived); err != nil {
		s.writeStoreError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "archived": archived})
}

// POST /api/sessions/{id}/documents
func (s *Server) handleAttachDocuments(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if len(req.DocumentIDs) == 0 {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "document_ids cannot be empty")
		return
	}

	id := r.PathValue("id")
	if err := s.deps.Store.AttachDocuments(r.Context(), id, req.DocumentIDs); err != nil {
		s.writeStoreError(w, err, "session or document")
		return
	}
	session, err := s.deps.Store.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "session")
		return
	}
	writeJSON(w, http.StatusOK, session)
}
