package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ashureev/toolagent/internal/domain"
	"github.com/ashureev/toolagent/internal/tool"
)

// OpenAIModel talks to any OpenAI-compatible chat completions endpoint.
type OpenAIModel struct {
	client openai.Client
	cfg    Config
}

// NewOpenAI creates an OpenAI-compatible model. A non-empty BaseURL points
// the client at another endpoint such as Groq.
func NewOpenAI(cfg Config, opts ...option.RequestOption) *OpenAIModel {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	options = append(options, opts...)
	return &OpenAIModel{client: openai.NewClient(options...), cfg: cfg}
}

// Name implements Model.
func (m *OpenAIModel) Name() string {
	return m.cfg.Provider + "/" + m.cfg.Model
}

// Step implements Model.
func (m *OpenAIModel) Step(ctx context.Context, req Request) (domain.Message, error) {
	messages, err := toOpenAIMessages(req.System, req.Messages)
	if err != nil {
		return domain.Message{}, unavailable(m.Name(), err)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(m.cfg.Model),
		Messages: messages,
		Tools:    toOpenAITools(req.Tools),
	}
	if m.cfg.Temperature > 0 {
		params.Temperature = openai.Float(m.cfg.Temperature)
	}
	if m.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(m.cfg.MaxTokens)
	}

	slog.Debug("Sending chat completion", "model", m.Name(), "messages", len(messages), "tools", len(params.Tools))
	completion, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return domain.Message{}, unavailable(m.Name(), err)
	}
	if len(completion.Choices) == 0 {
		return domain.Message{}, unavailable(m.Name(), fmt.Errorf("no response choices returned"))
	}

	choice := completion.Choices[0].Message
	calls := make([]domain.ToolCall, 0, len(choice.ToolCalls))
	for _, tc := range choice.ToolCalls {
		args, err := decodeArgs([]byte(tc.Function.Arguments))
		if err != nil {
			return domain.Message{}, unavailable(m.Name(), err)
		}
		calls = append(calls, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}

	msg, err := stepResult(choice.Content, calls)
	if err != nil {
		return domain.Message{}, unavailable(m.Name(), err)
	}
	return msg, nil
}

func toOpenAITools(schemas []tool.Schema) []openai.ChatCompletionToolParam {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolParam, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        s.Name,
				Description: openai.String(s.Description),
				Parameters:  openai.FunctionParameters(s.Parameters),
			},
		})
	}
	return out
}

func toOpenAIMessages(system string, history []domain.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, msg := range history {
		switch msg.Kind {
		case domain.KindUser:
			out = append(out, openai.UserMessage(msg.Content))
		case domain.KindAssistant:
			if !msg.HasToolCalls() {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				raw, err := json.Marshal(tc.Args)
				if err != nil {
					return nil, fmt.Errorf("encode arguments for %s: %w", tc.Name, err)
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(raw),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case domain.KindTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out, nil
}
