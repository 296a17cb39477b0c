// Package api provides the HTTP and websocket surface of the conversation
// engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/toolagent/internal/conversation"
	"github.com/ashureev/toolagent/internal/middleware"
	"github.com/ashureev/toolagent/internal/model"
	"github.com/ashureev/toolagent/internal/store"
	"github.com/ashureev/toolagent/internal/tool"
)

const (
	maxBodySize        = 1 << 20
	healthCheckTimeout = 5 * time.Second
)

// Handler serves the thread API.
type Handler struct {
	engine  *conversation.Engine
	repo    store.Repository
	limiter *middleware.RateLimiter
}

// NewHandler creates a Handler. repo is only used for health checks.
func NewHandler(engine *conversation.Engine, repo store.Repository) *Handler {
	return &Handler{engine: engine, repo: repo}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps engine errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrAwaitingApproval),
		errors.Is(err, conversation.ErrNotAwaitingApproval):
		return http.StatusConflict
	case errors.Is(err, model.ErrAgentUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, conversation.ErrEmptyMessage),
		errors.Is(err, tool.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrMaxIterations):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error, threadID string) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Thread request failed", "thread_id", threadID, "status", status, "error", err)
	} else {
		slog.Warn("Thread request rejected", "thread_id", threadID, "status", status, "error", err)
	}
	Error(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// Health returns the health status of the API and its checkpoint store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["checkpoints"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["checkpoints"] = "ok"
	}

	JSON(w, statusCode, status)
}
