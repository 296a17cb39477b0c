package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/glamour"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/toolagent/internal/conversation"
	"github.com/ashureev/toolagent/internal/domain"
	"github.com/ashureev/toolagent/internal/model"
	"github.com/ashureev/toolagent/internal/store"
	"github.com/ashureev/toolagent/internal/tool"
	"github.com/ashureev/toolagent/internal/tools/calc"
)

type addModel struct{}

func (addModel) Name() string { return "add" }

func (addModel) Step(_ context.Context, req model.Request) (domain.Message, error) {
	last := req.Messages[len(req.Messages)-1]
	if last.Kind == domain.KindTool {
		return domain.AssistantMessage("**sum** is " + last.Content), nil
	}
	return domain.AssistantMessage("", domain.ToolCall{ID: "c1", Name: "add", Args: map[string]any{"a": 1, "b": 2}}), nil
}

func TestChatSessionRunsUntilExitWord(t *testing.T) {
	reg, err := tool.NewRegistry(calc.Tools()...)
	require.NoError(t, err)
	repo := store.NewMemory()
	engine := conversation.NewEngine(repo, addModel{}, reg, conversation.Options{})

	renderer, err := glamour.NewTermRenderer(glamour.WithStandardStyle("notty"), glamour.WithWordWrap(80))
	require.NoError(t, err)

	var out bytes.Buffer
	s := &chatSession{engine: engine, threadID: "cli", renderer: renderer, out: &out}
	require.NoError(t, s.run(context.Background(), strings.NewReader("add one and two\n\nBYE\nignored\n")))

	text := out.String()
	assert.Contains(t, text, "add: 3")
	assert.Contains(t, text, "sum")
	assert.Contains(t, text, "Goodbye.")

	history, err := engine.History(context.Background(), "cli")
	require.NoError(t, err)
	assert.Len(t, history, 4, "input after the exit word is not submitted")
}

func TestChatSessionEndsOnEOF(t *testing.T) {
	reg, err := tool.NewRegistry(calc.Tools()...)
	require.NoError(t, err)
	engine := conversation.NewEngine(store.NewMemory(), addModel{}, reg, conversation.Options{})
	renderer, err := glamour.NewTermRenderer(glamour.WithStandardStyle("notty"))
	require.NoError(t, err)

	var out bytes.Buffer
	s := &chatSession{engine: engine, threadID: "eof", renderer: renderer, out: &out}
	require.NoError(t, s.run(context.Background(), strings.NewReader("")))
	assert.Contains(t, out.String(), "Goodbye.")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\nb", 10))
	assert.Equal(t, "ééé…", truncate("éééééé", 3))
}
