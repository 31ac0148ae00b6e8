// Package api wires the HTTP surface: health, per-client status, and the
// key-gated admin endpoints. Admission itself happens in middleware; the
// handlers here never count against or mutate the rate-limit ledger
// except through the explicit admin operations.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"gatekeeper/internal/identity"
	"gatekeeper/internal/limiter"
	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
	"gatekeeper/internal/version"
)

// Handlers contains the HTTP handlers for the service API.
type Handlers struct {
	engine    *limiter.Engine
	store     storage.Store
	security  models.SecurityConfig
	startedAt time.Time
}

// NewHandlers creates a new handlers instance.
func NewHandlers(engine *limiter.Engine, store storage.Store, security models.SecurityConfig) *Handlers {
	return &Handlers{
		engine:    engine,
		store:     store,
		security:  security,
		startedAt: time.Now(),
	}
}

// HealthCheck reports service and storage health.
// GET /health, GET /api/health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.HealthResponse{
		Status:    "healthy",
		Storage:   "ok",
		Version:   version.Version,
		Timestamp: time.Now().UTC(),
	}

	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		// Degraded, not down: the admission layer fails open, so the
		// service keeps serving while storage is out.
		response.Status = "degraded"
		response.Storage = err.Error()
		slog.Warn("health check found storage unreachable", "error", err)
	}

	h.writeJSONResponse(w, status, response)
}

// RateLimitStatus reports the calling client's current standing without
// consuming quota.
// GET /api/v1/ratelimit/status
func (h *Handlers) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := limiter.IdentityFromContext(r.Context())
	if !ok {
		id = identity.FromRequest(r, h.security.SSRAuthSecret)
	}

	status, err := h.engine.Status(r.Context(), id, r.URL.Path)
	if err != nil {
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Failed to load rate limit status")
		return
	}

	h.writeJSONResponse(w, http.StatusOK, status)
}

func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are gone; nothing useful left to send.
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}
