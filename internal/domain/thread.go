package domain

import (
	"time"
)

// RunStatus is the controller state of a thread.
type RunStatus string

const (
	// StatusRunning means the dispatch loop owns the thread.
	StatusRunning RunStatus = "running"
	// StatusAwaitingApproval means a tool call is suspended until a human decides.
	StatusAwaitingApproval RunStatus = "awaiting_approval"
	// StatusTerminated means the last round ended with a final answer.
	StatusTerminated RunStatus = "terminated"
)

// PendingApproval is the serializable record of a suspended tool call.
type PendingApproval struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Args       map[string]any `json:"args"`
	Prompt     string         `json:"prompt"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Checkpoint is the persisted snapshot of one thread.
type Checkpoint struct {
	ThreadID  string           `json:"thread_id"`
	Messages  []Message        `json:"messages"`
	Status    RunStatus        `json:"status"`
	Pending   *PendingApproval `json:"pending,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewCheckpoint returns an empty checkpoint for a fresh thread.
func NewCheckpoint(threadID string) *Checkpoint {
	now := time.Now().UTC()
	return &Checkpoint{
		ThreadID:  threadID,
		Messages:  []Message{},
		Status:    StatusTerminated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds messages to the end of the history.
func (c *Checkpoint) Append(msgs ...Message) {
	c.Messages = append(c.Messages, msgs...)
}

// LastAssistant returns the index of the most recent assistant message, or -1.
func (c *Checkpoint) LastAssistant() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Kind == KindAssistant {
			return i
		}
	}
	return -1
}

// ResolvedCalls returns the ids of tool calls answered after message index i.
func (c *Checkpoint) ResolvedCalls(after int) map[string]bool {
	done := make(map[string]bool)
	for _, m := range c.Messages[after+1:] {
		if m.Kind == KindTool {
			done[m.ToolCallID] = true
		}
	}
	return done
}

// LastAnswer returns the content of the last assistant message without tool calls.
func (c *Checkpoint) LastAnswer() string {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		m := c.Messages[i]
		if m.Kind == KindAssistant && len(m.ToolCalls) == 0 {
			return m.Content
		}
	}
	return ""
}
