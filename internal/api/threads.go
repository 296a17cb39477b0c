package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/toolagent/internal/conversation"
	"github.com/ashureev/toolagent/internal/identity"
	"github.com/ashureev/toolagent/internal/middleware"
)

type messageRequest struct {
	Message string `json:"message"`
}

type resumeRequest struct {
	Decision string `json:"decision"`
}

// RegisterRoutes registers the health, thread, tool and websocket routes.
// auth guards everything but /health so liveness probes need no token.
// limiter budgets every agent round per caller, over HTTP and websocket
// alike. Either may be nil.
func (h *Handler) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler, limiter *middleware.RateLimiter) {
	h.limiter = limiter
	r.Get("/health", h.Health)
	r.Group(func(r chi.Router) {
		if auth != nil {
			r.Use(auth)
		}
		r.Route("/api", func(r chi.Router) {
			r.Get("/tools", h.ListTools)
			r.Get("/threads", h.ListThreads)
			r.Post("/threads", h.CreateThread)
			r.Get("/threads/{threadID}", h.GetThread)
			r.Group(func(r chi.Router) {
				if limiter != nil {
					r.Use(limiter.Limit(CallerKey))
				}
				r.Post("/threads/{threadID}/messages", h.SubmitMessage)
				r.Post("/threads/{threadID}/resume", h.ResumeThread)
			})
		})
		r.Get("/ws/threads/{threadID}", h.ServeWebSocket)
	})
}

// ListTools returns the tool schemas the agent sees.
func (h *Handler) ListTools(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"tools": h.engine.Tools()})
}

// ListThreads returns stored thread ids, most recent first.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	ids, err := h.engine.Threads(r.Context())
	if err != nil {
		writeEngineError(w, err, "")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{"threads": ids})
}

// CreateThread allocates a thread id. The thread is stored on its first message.
func (h *Handler) CreateThread(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusCreated, map[string]string{"thread_id": conversation.NewThreadID()})
}

// GetThread returns the checkpoint of a thread.
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	cp, err := h.engine.Thread(r.Context(), threadID)
	if err != nil {
		writeEngineError(w, err, threadID)
		return
	}
	JSON(w, http.StatusOK, cp)
}

// SubmitMessage runs one conversation round for a user message.
func (h *Handler) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	var req messageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	out, err := h.engine.Submit(r.Context(), threadID, req.Message)
	if err != nil {
		writeEngineError(w, err, threadID)
		return
	}
	JSON(w, http.StatusOK, out)
}

// ResumeThread delivers a human decision to a suspended thread.
func (h *Handler) ResumeThread(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	var req resumeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	out, err := h.engine.Resume(r.Context(), threadID, req.Decision)
	if err != nil {
		writeEngineError(w, err, threadID)
		return
	}
	JSON(w, http.StatusOK, out)
}

// CallerKey buckets rate limits by authenticated caller.
func CallerKey(r *http.Request) string {
	return identity.CallerFromContext(r.Context())
}

// allowRound reports whether caller may start another agent round.
func (h *Handler) allowRound(caller string) bool {
	return h.limiter == nil || h.limiter.Allow(caller)
}
