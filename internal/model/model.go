// Package model adapts LLM provider SDKs to a single agent-step interface.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/toolagent/internal/domain"
	"github.com/ashureev/toolagent/internal/tool"
)

// ErrAgentUnavailable wraps any failure to obtain a step from the provider.
var ErrAgentUnavailable = errors.New("agent unavailable")

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderGroq      = "groq"
	ProviderGemini    = "gemini"
	ProviderAnthropic = "anthropic"
)

// GroqBaseURL is the OpenAI-compatible endpoint used for the groq provider.
const GroqBaseURL = "https://api.groq.com/openai/v1"

// Request is the input to one agent step.
type Request struct {
	System   string
	Messages []domain.Message
	Tools    []tool.Schema
}

// Model produces the next assistant message for a conversation.
type Model interface {
	// Step returns exactly one assistant message: final text, or a
	// non-empty list of tool calls.
	Step(ctx context.Context, req Request) (domain.Message, error)
	// Name identifies the provider and model for logging.
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int64
}

// New builds the Model named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Model, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("create %s model: API key not configured", cfg.Provider)
	}
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAI(cfg), nil
	case ProviderGroq:
		if cfg.BaseURL == "" {
			cfg.BaseURL = GroqBaseURL
		}
		return NewOpenAI(cfg), nil
	case ProviderGemini:
		return NewGemini(ctx, cfg)
	case ProviderAnthropic:
		return NewAnthropic(cfg), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

func unavailable(provider string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrAgentUnavailable, provider, err)
}

// ensureCallIDs fills missing tool call ids. Some providers omit them.
func ensureCallIDs(calls []domain.ToolCall) []domain.ToolCall {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
		if calls[i].Args == nil {
			calls[i].Args = map[string]any{}
		}
	}
	return calls
}

// decodeArgs parses a JSON argument object. Empty input is an empty object.
func decodeArgs(raw []byte) (map[string]any, error) {
	args := map[string]any{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode tool arguments: %w", err)
	}
	return args, nil
}

// stepResult builds the assistant message returned by every provider.
func stepResult(text string, calls []domain.ToolCall) (domain.Message, error) {
	if len(calls) == 0 && strings.TrimSpace(text) == "" {
		return domain.Message{}, errors.New("empty response")
	}
	return domain.AssistantMessage(text, ensureCallIDs(calls)...), nil
}

// toolResultPayload is the structured form of a tool message for providers
// that take objects rather than strings.
func toolResultPayload(m domain.Message) map[string]any {
	if m.Error != "" {
		return map[string]any{"error": m.Error}
	}
	return map[string]any{"output": m.Content}
}
