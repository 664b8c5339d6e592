package server

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/memory"
)

type createMemoryRequest struct {
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// memoryFilter reads the list filters: category, q, min_confidence, limit.
func memoryFilter(r *http.Request) (data.MemoryFilter, error) {
	q := r.URL.Query()
	f := data.MemoryFilter{
		Category: data.MemoryCategory(q.Get("category")),
		Query:    q.Get("q"),
	}
	if f.Category != "" && !f.Category.IsValid() {
		return f, fmt.Errorf("unknown category %q", f.Category)
	}
	if v := q.Get("min_confidence"); v != "" {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil || c < 0 || c > 1 {
			return f, fmt.Errorf("min_confidence must be between 0 and 1")
		}
		f.MinConfidence = c
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		return f, fmt.Errorf("limit must be a non-negative integer")
	}
	f.Limit = limit
	return f, nil
}

// GET /api/memories
func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	filter, err := memoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	mems, err := s.deps.Store.ListMemories(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, "memories")
		return
	}
	if mems == nil {
		mems = []*data.Memory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": mems, "count": len(mems)})
}

// POST /api/memories
func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	category := data.MemoryCategory(req.Category)
	if category != "" && !category.IsValid() {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("unknown category %q", req.Category))
		return
	}

	id, created, err := s.deps.Memories.Remember(r.Context(), req.Content, category, req.Confidence)
	if errors.Is(err, memory.ErrEmptyMemory) {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if err != nil {
		s.writeStoreError(w, err, "memory")
		return
	}

	m, err := s.deps.Store.GetMemory(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "memory")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"memory": m, "created": created})
}

// DELETE /api/memories/{id}
func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.SoftDeleteMemory(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err, "memory")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/memories/export?format=json|yaml
// Accepts the same filters as the list endpoint.
func (s *Server) handleExportMemories(w http.ResponseWriter, r *http.Request) {
	format, err := memory.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeUnsupportedType, err.Error())
		return
	}
	filter, err := memoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	mems, err := s.deps.Store.ListMemories(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err, "memories")
		return
	}

	var buf bytes.Buffer
	now := time.Now()
	if err := memory.WriteExport(&buf, mems, format, now); err != nil {
		s.writeStoreError(w, err, "export")
		return
	}

	contentType := "application/json"
	if format == memory.FormatYAML {
		contentType = "application/yaml"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="nexus-memories-%s.%s"`, now.Format("20060102"), format))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
