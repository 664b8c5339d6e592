package server

import (
	"context"
	"net/http"
	"time"

	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/router"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime"`
	Services  map[string]ServiceHealth `json:"services"`
	Timestamp string                   `json:"timestamp"`
}

// ServiceHealth represents a service health status.
type ServiceHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// ModelsResponse lists the routing tiers and what the engine has installed.
type ModelsResponse struct {
	Tiers       []router.InferenceProfile `json:"tiers"`
	Installed   []llm.ModelInfo           `json:"installed"`
	Preferences map[string]string         `json:"preferences"`
	Stats       router.RouterStats        `json:"stats"`
	Error       string                    `json:"error,omitempty"`
}

func probe(ctx context.Context, check func(context.Context) error) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := check(ctx); err != nil {
		return ServiceHealth{Healthy: false, Message: err.Error()}
	}
	return ServiceHealth{Healthy: true}
}

// handleHealth reports 503 only when the database is down; a missing
// inference engine or Redis degrades the status.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]ServiceHealth{
		"database": probe(r.Context(), s.deps.Store.Health),
	}
	if s.deps.Provider != nil {
		services["ollama"] = probe(r.Context(), s.deps.Provider.Available)
	}
	if s.deps.Redis != nil {
		services["redis"] = probe(r.Context(), s.deps.Redis.Ping)
	}

	status, code := "ok", http.StatusOK
	for name, h := range services {
		if h.Healthy {
			continue
		}
		if name == "database" {
			status, code = "unhealthy", http.StatusServiceUnavailable
			break
		}
		status = "degraded"
	}

	writeJSON(w, code, HealthResponse{
		Status:    status,
		Version:   s.deps.Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Services:  services,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// GET /api/models
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := ModelsResponse{
		Tiers:       s.deps.Router.Profiles(),
		Installed:   []llm.ModelInfo{},
		Preferences: map[string]string{},
		Stats:       s.deps.Router.Stats(),
	}
	for _, task := range router.AllTaskCategories() {
		if m, ok := s.deps.Router.Preference(task); ok {
			resp.Preferences[string(task)] = m
		}
	}

	if s.deps.Provider != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		models, err := s.deps.Provider.ListModels(ctx)
		if err != nil {
			resp.Error = "inference engine unavailable: " + err.Error()
		} else if models != nil {
			resp.Installed = models
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
