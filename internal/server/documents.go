package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/knowledge"
)

const maxDocumentBytes = 10 << 20

type ingestRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	// ExpiresInDays, when positive, makes the document's chunks stop
	// being retrieved after that many days.
	ExpiresInDays int `json:"expires_in_days,omitempty"`
}

// GET /api/documents
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Store.ListDocuments(r.Context())
	if err != nil {
		s.writeStoreError(w, err, "documents")
		return
	}
	if docs == nil {
		docs = []*data.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// GET /api/documents/{id}
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// POST /api/documents
func (s *Server) handleIngestDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBytes)
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest, "document too large")
			return
		}
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	ir := knowledge.IngestRequest{Title: req.Title, Content: req.Content}
	if req.ExpiresInDays > 0 {
		at := time.Now().AddDate(0, 0, req.ExpiresInDays)
		ir.ExpiresAt = &at
	}

	res, err := s.deps.Ingester.Ingest(r.Context(), ir)
	if errors.Is(err, knowledge.ErrEmptyDocument) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("title", req.Title).Msg("document ingestion failed")
		writeError(w, http.StatusBadGateway, CodeInternal, err.Error())
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
