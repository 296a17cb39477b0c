package model

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/ashureev/toolagent/internal/domain"
	"github.com/ashureev/toolagent/internal/tool"
)

// GeminiModel talks to the Gemini API.
type GeminiModel struct {
	client *genai.Client
	cfg    Config
}

// NewGemini creates a Gemini model.
func NewGemini(ctx context.Context, cfg Config) (*GeminiModel, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiModel{client: client, cfg: cfg}, nil
}

// Name implements Model.
func (m *GeminiModel) Name() string {
	return ProviderGemini + "/" + m.cfg.Model
}

// Step implements Model.
func (m *GeminiModel) Step(ctx context.Context, req Request) (domain.Message, error) {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: toGeminiDeclarations(req.Tools)}}
	}
	if m.cfg.Temperature > 0 {
		t := float32(m.cfg.Temperature)
		config.Temperature = &t
	}
	if m.cfg.MaxTokens > 0 {
		config.MaxOutputTokens = int32(m.cfg.MaxTokens)
	}

	contents := toGeminiContents(req.Messages)
	slog.Debug("Sending generate content", "model", m.Name(), "contents", len(contents))
	resp, err := m.client.Models.GenerateContent(ctx, m.cfg.Model, contents, config)
	if err != nil {
		return domain.Message{}, unavailable(m.Name(), err)
	}

	var calls []domain.ToolCall
	for _, fc := range resp.FunctionCalls() {
		calls = append(calls, domain.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
	}

	msg, err := stepResult(resp.Text(), calls)
	if err != nil {
		return domain.Message{}, unavailable(m.Name(), err)
	}
	return msg, nil
}

func toGeminiDeclarations(schemas []tool.Schema) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  toGeminiSchema(s.Parameters),
		})
	}
	return out
}

// toGeminiSchema converts a JSON Schema map into genai's typed schema.
// Unknown keywords are dropped.
func toGeminiSchema(js map[string]any) *genai.Schema {
	if js == nil {
		return nil
	}
	s := &genai.Schema{}
	if typ, ok := js["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(typ))
	}
	if desc, ok := js["description"].(string); ok {
		s.Description = desc
	}
	switch enum := js["enum"].(type) {
	case []string:
		s.Enum = enum
	case []any:
		for _, v := range enum {
			if str, ok := v.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}
	if props, ok := js["properties"].(map[string]any); ok && len(props) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, raw := range props {
			if prop, ok := raw.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(prop)
			}
		}
	}
	if items, ok := js["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	switch req := js["required"].(type) {
	case []string:
		if len(req) > 0 {
			s.Required = req
		}
	case []any:
		for _, v := range req {
			if str, ok := v.(string); ok {
				s.Required = append(s.Required, str)
			}
		}
	}
	return s
}

// toGeminiContents maps history onto user/model turns. Consecutive tool
// results become one user turn of function responses.
func toGeminiContents(history []domain.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		switch msg.Kind {
		case domain.KindUser:
			out = append(out, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case domain.KindAssistant:
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				part := genai.NewPartFromFunctionCall(tc.Name, tc.Args)
				part.FunctionCall.ID = tc.ID
				parts = append(parts, part)
			}
			if len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(""))
			}
			out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
		case domain.KindTool:
			part := genai.NewPartFromFunctionResponse(msg.Name, toolResultPayload(msg))
			part.FunctionResponse.ID = msg.ToolCallID
			if n := len(out); n > 0 && out[n-1].Role == genai.RoleUser && isFunctionResponseTurn(out[n-1]) {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		}
	}
	return out
}

func isFunctionResponseTurn(c *genai.Content) bool {
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return len(c.Parts) > 0
}
