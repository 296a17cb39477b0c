// Package domain contains core conversation types shared across toolagent.
package domain

import (
	"fmt"
	"time"
)

// MessageKind tags the variant carried by a Message.
type MessageKind string

const (
	// KindUser is a message typed by the human.
	KindUser MessageKind = "user"
	// KindAssistant is a message produced by the agent step.
	KindAssistant MessageKind = "assistant"
	// KindTool is the result of executing one tool call.
	KindTool MessageKind = "tool"
)

// ToolCall is a structured request from the agent to invoke a named tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one entry in a thread's history. Which fields are meaningful
// depends on Kind.
type Message struct {
	Kind       MessageKind `json:"kind"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`   // assistant only
	ToolCallID string      `json:"tool_call_id,omitempty"` // tool only
	Name       string      `json:"name,omitempty"`         // tool only
	Error      string      `json:"error,omitempty"`        // tool only
	CreatedAt  time.Time   `json:"created_at"`
}

// UserMessage builds a user message.
func UserMessage(text string) Message {
	return Message{Kind: KindUser, Content: text, CreatedAt: time.Now().UTC()}
}

// AssistantMessage builds an assistant message with optional tool calls.
func AssistantMessage(text string, calls ...ToolCall) Message {
	return Message{Kind: KindAssistant, Content: text, ToolCalls: calls, CreatedAt: time.Now().UTC()}
}

// ToolResultMessage builds a successful tool result.
func ToolResultMessage(callID, name, output string) Message {
	return Message{Kind: KindTool, Content: output, ToolCallID: callID, Name: name, CreatedAt: time.Now().UTC()}
}

// ToolErrorMessage builds a tool result carrying an error payload. The agent
// sees the content, so it is prefixed the same way for every failure.
func ToolErrorMessage(callID, name string, err error) Message {
	return Message{
		Kind:       KindTool,
		Content:    "Error: " + err.Error(),
		ToolCallID: callID,
		Name:       name,
		Error:      err.Error(),
		CreatedAt:  time.Now().UTC(),
	}
}

// HasToolCalls reports whether an assistant message requests tools.
func (m Message) HasToolCalls() bool {
	return m.Kind == KindAssistant && len(m.ToolCalls) > 0
}

// Validate checks the fields required by the message kind.
func (m Message) Validate() error {
	switch m.Kind {
	case KindUser:
		if m.Content == "" {
			return fmt.Errorf("user message has empty content")
		}
	case KindAssistant:
		for i, tc := range m.ToolCalls {
			if tc.ID == "" || tc.Name == "" {
				return fmt.Errorf("tool_calls[%d]: missing id or name", i)
			}
		}
	case KindTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message missing tool_call_id")
		}
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// CloneArgs returns a shallow copy of a tool call's arguments.
func CloneArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
