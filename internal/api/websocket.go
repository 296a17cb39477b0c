package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/toolagent/internal/conversation"
	"github.com/ashureev/toolagent/internal/identity"
)

const wsWriteTimeout = 10 * time.Second

// Client to server message types.
const (
	wsSubmit = "submit"
	wsResume = "resume"
)

// Server to client message types.
const (
	wsEvent   = "event"
	wsOutcome = "outcome"
	wsError   = "error"
)

type wsRequest struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type wsResponse struct {
	Type    string                `json:"type"`
	Event   *conversation.Event   `json:"event,omitempty"`
	Outcome *conversation.Outcome `json:"outcome,omitempty"`
	Error   string                `json:"error,omitempty"`
	Status  int                   `json:"status,omitempty"`
}

// wsConn serializes writes; observer events arrive from tool goroutines.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) send(ctx context.Context, v wsResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.ws, v)
}

// ServeWebSocket runs submit and resume requests for one thread and streams
// loop events back as they happen.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	caller := identity.CallerFromContext(r.Context())
	slog.Info("WebSocket connection request", "thread_id", threadID, "caller", caller, "ip", r.RemoteAddr)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "thread_id", threadID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "thread_id", threadID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := &wsConn{ws: ws}

	for {
		var req wsRequest
		if err := wsjson.Read(ctx, ws, &req); err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "thread_id", threadID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "thread_id", threadID)
			}
			return
		}

		if err := h.runWebSocketRequest(ctx, conn, caller, threadID, req); err != nil {
			slog.Warn("WebSocket write error", "error", err, "thread_id", threadID)
			return
		}
	}
}

func (h *Handler) runWebSocketRequest(ctx context.Context, conn *wsConn, caller, threadID string, req wsRequest) error {
	if req.Type != wsSubmit && req.Type != wsResume {
		return conn.send(ctx, wsResponse{Type: wsError, Error: "unknown message type " + req.Type, Status: http.StatusBadRequest})
	}
	if !h.allowRound(caller) {
		slog.Warn("WebSocket request rate limited", "thread_id", threadID, "caller", caller)
		return conn.send(ctx, wsResponse{Type: wsError, Error: "rate limit exceeded", Status: http.StatusTooManyRequests})
	}

	observed := conversation.WithObserver(ctx, conversation.ObserverFunc(func(ev conversation.Event) {
		if err := conn.send(ctx, wsResponse{Type: wsEvent, Event: &ev}); err != nil {
			slog.Debug("Failed to stream event", "error", err, "thread_id", threadID)
		}
	}))

	var (
		out conversation.Outcome
		err error
	)
	if req.Type == wsSubmit {
		out, err = h.engine.Submit(observed, threadID, req.Content)
	} else {
		out, err = h.engine.Resume(observed, threadID, req.Content)
	}

	if err != nil {
		return conn.send(ctx, wsResponse{Type: wsError, Error: err.Error(), Status: StatusFor(err)})
	}
	return conn.send(ctx, wsResponse{Type: wsOutcome, Outcome: &out})
}
