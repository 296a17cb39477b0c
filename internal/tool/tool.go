// Package tool defines tool specs and the immutable registry the dispatch loop
// looks tools up in.
package tool

import (
	"context"
	"errors"
	"strings"
)

// DecisionArg is the synthetic argument carrying the human decision into a
// resumed approval tool.
const DecisionArg = "_decision"

var (
	// ErrToolNotFound is returned when the agent names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned when two specs share a name.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrInvalidArgument is returned for missing or mistyped arguments.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Handler executes a tool call.
type Handler interface {
	Call(ctx context.Context, args map[string]any) (string, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

// Call implements Handler.
func (f HandlerFunc) Call(ctx context.Context, args map[string]any) (string, error) {
	return f(ctx, args)
}

// Prompter derives the question shown to the human before an approval tool runs.
type Prompter interface {
	Prompt(args map[string]any) (string, error)
}

// PromptFunc adapts a plain function to Prompter.
type PromptFunc func(args map[string]any) (string, error)

// Prompt implements Prompter.
func (f PromptFunc) Prompt(args map[string]any) (string, error) {
	return f(args)
}

// Spec describes one tool.
type Spec struct {
	Name             string
	Description      string
	Parameters       map[string]any // JSON Schema
	RequiresApproval bool
	Handler          Handler
	// Prompter is used only when RequiresApproval is set.
	Prompter Prompter
}

// Schema is the model-facing view of a Spec.
type Schema struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Parameters       map[string]any `json:"parameters"`
	RequiresApproval bool           `json:"requires_approval"`
}

// Schema returns the model-facing view of the spec.
func (s Spec) Schema() Schema {
	return Schema{
		Name:             s.Name,
		Description:      s.Description,
		Parameters:       s.Parameters,
		RequiresApproval: s.RequiresApproval,
	}
}

// ApprovalPrompt returns the human-readable prompt for an approval call.
func (s Spec) ApprovalPrompt(args map[string]any) (string, error) {
	if s.Prompter == nil {
		return "Approve calling " + s.Name + "? (yes/no)", nil
	}
	return s.Prompter.Prompt(args)
}

// IsApproval reports whether a resume decision approves the pending call.
// Only "yes" approves; any other text is a denial.
func IsApproval(decision string) bool {
	return strings.EqualFold(strings.TrimSpace(decision), "yes")
}

// Decision extracts the injected human decision from a call's arguments.
func Decision(args map[string]any) (string, bool) {
	v, ok := args[DecisionArg].(string)
	return v, ok
}

// Object builds a JSON Schema object with the given properties and required keys.
func Object(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Prop builds a single JSON Schema property.
func Prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}
