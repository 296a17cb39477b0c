package model

import (
	"context"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashureev/toolagent/internal/domain"
	"github.com/ashureev/toolagent/internal/tool"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicModel talks to the Anthropic messages API.
type AnthropicModel struct {
	client anthropic.Client
	cfg    Config
}

// NewAnthropic creates an Anthropic model.
func NewAnthropic(cfg Config, opts ...option.RequestOption) *AnthropicModel {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	options = append(options, opts...)
	return &AnthropicModel{client: anthropic.NewClient(options...), cfg: cfg}
}

// Name implements Model.
func (m *AnthropicModel) Name() string {
	return ProviderAnthropic + "/" + m.cfg.Model
}

// Step implements Model.
func (m *AnthropicModel) Step(ctx context.Context, req Request) (domain.Message, error) {
	maxTokens := m.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.cfg.Model),
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(req.Messages),
		Tools:     toAnthropicTools(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if m.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(m.cfg.Temperature)
	}

	slog.Debug("Sending messages request", "model", m.Name(), "messages", len(params.Messages))
	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return domain.Message{}, unavailable(m.Name(), err)
	}

	var text strings.Builder
	var calls []domain.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args, err := decodeArgs(block.Input)
			if err != nil {
				return domain.Message{}, unavailable(m.Name(), err)
			}
			calls = append(calls, domain.ToolCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}

	msg, err := stepResult(text.String(), calls)
	if err != nil {
		return domain.Message{}, unavailable(m.Name(), err)
	}
	return msg, nil
}

func toAnthropicTools(schemas []tool.Schema) []anthropic.ToolUnionParam {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		input := anthropic.ToolInputSchemaParam{Properties: s.Parameters["properties"]}
		switch req := s.Parameters["required"].(type) {
		case []string:
			input.Required = req
		case []any:
			for _, v := range req {
				if str, ok := v.(string); ok {
					input.Required = append(input.Required, str)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        s.Name,
			Description: anthropic.String(s.Description),
			InputSchema: input,
		}})
	}
	return out
}

// toAnthropicMessages maps history onto alternating user/assistant turns.
// Tool results following one assistant turn share a single user turn.
func toAnthropicMessages(history []domain.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(history))
	toolTurn := false
	for _, msg := range history {
		switch msg.Kind {
		case domain.KindUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			toolTurn = false
		case domain.KindAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(" "))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
			toolTurn = false
		case domain.KindTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.Error != "")
			if toolTurn {
				last := &out[len(out)-1]
				last.Content = append(last.Content, block)
				continue
			}
			out = append(out, anthropic.NewUserMessage(block))
			toolTurn = true
		}
	}
	return out
}
