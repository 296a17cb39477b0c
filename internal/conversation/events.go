package conversation

import (
	"context"
	"time"
)

// EventType names a step in the dispatch loop.
type EventType string

// Event types emitted by the engine.
const (
	EventUserMessage      EventType = "user_message"
	EventModelStart       EventType = "model_start"
	EventModelEnd         EventType = "model_end"
	EventToolStart        EventType = "tool_start"
	EventToolEnd          EventType = "tool_end"
	EventApprovalRequired EventType = "approval_required"
	EventApprovalDecision EventType = "approval_decision"
	EventFinalAnswer      EventType = "final_answer"
	EventError            EventType = "error"
)

// Event is sent to observers as the loop progresses.
type Event struct {
	Type     EventType `json:"type"`
	ThreadID string    `json:"thread_id"`
	Name     string    `json:"name,omitempty"`    // tool or model name
	CallID   string    `json:"call_id,omitempty"` // tool call id
	Content  string    `json:"content,omitempty"`
	Data     any       `json:"data,omitempty"`
	Time     time.Time `json:"time"`
}

// Observer receives loop events. Tool events may arrive from several
// goroutines at once, so implementations must be safe for concurrent use.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

type observerKey struct{}

// WithObserver attaches a per-call observer to ctx. The engine notifies it in
// addition to its configured observer.
func WithObserver(ctx context.Context, obs Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, obs)
}

func observerFrom(ctx context.Context) Observer {
	obs, _ := ctx.Value(observerKey{}).(Observer)
	return obs
}
