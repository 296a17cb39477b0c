package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/toolagent/internal/domain"
	"github.com/ashureev/toolagent/internal/model"
	"github.com/ashureev/toolagent/internal/store"
	"github.com/ashureev/toolagent/internal/tool"
)

// stepFunc decides the next assistant message from the history so far.
type stepFunc func(req model.Request) (domain.Message, error)

// scriptedModel replays steps in order and records every request.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []stepFunc
	requests []model.Request
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Step(_ context.Context, req model.Request) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		return domain.Message{}, fmt.Errorf("%w: script exhausted", model.ErrAgentUnavailable)
	}
	next := m.steps[0]
	m.steps = m.steps[1:]
	return next(req)
}

func answer(text string) stepFunc {
	return func(model.Request) (domain.Message, error) {
		return domain.AssistantMessage(text), nil
	}
}

func callTools(calls ...domain.ToolCall) stepFunc {
	return func(model.Request) (domain.Message, error) {
		return domain.AssistantMessage("", calls...), nil
	}
}

// answerFromLastTool echoes the content of the newest tool result.
func answerFromLastTool() stepFunc {
	return func(req model.Request) (domain.Message, error) {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Kind == domain.KindTool {
				return domain.AssistantMessage(req.Messages[i].Content), nil
			}
		}
		return domain.Message{}, errors.New("no tool result")
	}
}

func call(id, name string, args map[string]any) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Args: args}
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	arith := func(op func(a, b float64) float64) tool.Handler {
		return tool.HandlerFunc(func(_ context.Context, args map[string]any) (string, error) {
			a, err := tool.Float(args, "a")
			if err != nil {
				return "", err
			}
			b, err := tool.Float(args, "b")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%g", op(a, b)), nil
		})
	}
	buy := tool.Spec{
		Name:             "buy_stock",
		Description:      "buy shares",
		RequiresApproval: true,
		Prompter: tool.PromptFunc(func(args map[string]any) (string, error) {
			s, err := tool.String(args, "symbol")
			if err != nil {
				return "", err
			}
			q, err := tool.Int(args, "quantity")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Approve buying %d shares of %s? (yes/no)", q, s), nil
		}),
		Handler: tool.HandlerFunc(func(_ context.Context, args map[string]any) (string, error) {
			s, _ := tool.String(args, "symbol")
			q, _ := tool.Int(args, "quantity")
			decision, _ := tool.Decision(args)
			if tool.IsApproval(decision) {
				return fmt.Sprintf("Purchased order placed for %d shares of %s", q, s), nil
			}
			return fmt.Sprintf("Order for purchasing shares of %s was declined by human", s), nil
		}),
	}
	reg, err := tool.NewRegistry(
		tool.Spec{Name: "add", Handler: arith(func(a, b float64) float64 { return a + b })},
		tool.Spec{Name: "subtract", Handler: arith(func(a, b float64) float64 { return a - b })},
		tool.Spec{Name: "explode", Handler: tool.HandlerFunc(func(context.Context, map[string]any) (string, error) {
			panic("boom")
		})},
		buy,
	)
	require.NoError(t, err)
	return reg
}

func buyAAPL(id string) domain.ToolCall {
	return call(id, "buy_stock", map[string]any{"symbol": "AAPL", "quantity": float64(10)})
}

func TestSubmitSimpleAnswer(t *testing.T) {
	m := &scriptedModel{steps: []stepFunc{answer("Hello!")}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{SystemPrompt: "be nice"})

	out, err := e.Submit(context.Background(), "t1", "hi")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminated, out.Status)
	assert.Equal(t, "Hello!", out.Answer)
	assert.False(t, out.NeedsApproval())

	history, err := e.History(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.KindUser, history[0].Kind)
	assert.Equal(t, domain.KindAssistant, history[1].Kind)

	require.Len(t, m.requests, 1)
	assert.Equal(t, "be nice", m.requests[0].System)
	assert.Len(t, m.requests[0].Tools, 4)
}

func TestSubmitRunsToolsInRequestOrder(t *testing.T) {
	m := &scriptedModel{steps: []stepFunc{
		callTools(
			call("c1", "add", map[string]any{"a": 2.0, "b": 3.0}),
			call("c2", "subtract", map[string]any{"a": 5.0, "b": 1.0}),
		),
		answer("5 and 4"),
	}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{})

	out, err := e.Submit(context.Background(), "t1", "add 2 and 3, subtract 1 from 5")
	require.NoError(t, err)
	assert.Equal(t, "5 and 4", out.Answer)

	history, err := e.History(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, "c1", history[2].ToolCallID)
	assert.Equal(t, "5", history[2].Content)
	assert.Equal(t, "c2", history[3].ToolCallID)
	assert.Equal(t, "4", history[3].Content)
}

func TestToolFailuresBecomeErrorResults(t *testing.T) {
	m := &scriptedModel{steps: []stepFunc{
		callTools(
			call("c1", "nonexistent", nil),
			call("c2", "add", map[string]any{"a": "two"}),
			call("c3", "explode", nil),
		),
		answer("sorry"),
	}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{})

	out, err := e.Submit(context.Background(), "t1", "do things")
	require.NoError(t, err)
	assert.Equal(t, "sorry", out.Answer)

	history, err := e.History(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, history, 6)
	for _, msg := range history[2:5] {
		assert.Equal(t, domain.KindTool, msg.Kind)
		assert.NotEmpty(t, msg.Error)
		assert.Contains(t, msg.Content, "Error: ")
	}
	assert.Contains(t, history[2].Content, "tool not found")
}

func TestApprovalSuspendAndApprove(t *testing.T) {
	repo := store.NewMemory()
	m := &scriptedModel{steps: []stepFunc{callTools(buyAAPL("b1")), answerFromLastTool()}}
	e := NewEngine(repo, m, testRegistry(t), Options{})
	ctx := context.Background()

	out, err := e.Submit(ctx, "t1", "buy 10 AAPL")
	require.NoError(t, err)
	require.True(t, out.NeedsApproval())
	assert.Equal(t, "Approve buying 10 shares of AAPL? (yes/no)", out.Pending.Prompt)
	assert.Equal(t, "b1", out.Pending.ToolCallID)

	cp, err := repo.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingApproval, cp.Status)
	assert.Len(t, cp.Messages, 2)

	out, err = e.Resume(ctx, "t1", "yes")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTerminated, out.Status)
	assert.Equal(t, "Purchased order placed for 10 shares of AAPL", out.Answer)

	cp, err = repo.Load(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, cp.Pending)
	require.Len(t, cp.Messages, 4)
	assert.Equal(t, "b1", cp.Messages[2].ToolCallID)
}

func TestApprovalDenied(t *testing.T) {
	m := &scriptedModel{steps: []stepFunc{callTools(buyAAPL("b1")), answerFromLastTool()}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{})
	ctx := context.Background()

	_, err := e.Submit(ctx, "t1", "buy 10 AAPL")
	require.NoError(t, err)

	out, err := e.Resume(ctx, "t1", "no thanks")
	require.NoError(t, err)
	assert.Equal(t, "Order for purchasing shares of AAPL was declined by human", out.Answer)
}

func TestResumeFromFreshEngine(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "cp.db"))
	require.NoError(t, err)
	defer func() { _ = repo.Close() }()
	ctx := context.Background()

	first := NewEngine(repo, &scriptedModel{steps: []stepFunc{callTools(buyAAPL("b1"))}}, testRegistry(t), Options{})
	out, err := first.Submit(ctx, "t1", "buy 10 AAPL")
	require.NoError(t, err)
	require.True(t, out.NeedsApproval())

	second := NewEngine(repo, &scriptedModel{steps: []stepFunc{answerFromLastTool()}}, testRegistry(t), Options{})
	out, err = second.Resume(ctx, "t1", "YES")
	require.NoError(t, err)
	assert.Equal(t, "Purchased order placed for 10 shares of AAPL", out.Answer)
}

func TestMixedRoundRunsAutoCallsBeforeSuspending(t *testing.T) {
	m := &scriptedModel{steps: []stepFunc{
		callTools(
			buyAAPL("b1"),
			call("c1", "add", map[string]any{"a": 1.0, "b": 1.0}),
			call("b2", "buy_stock", map[string]any{"symbol": "MSFT", "quantity": float64(2)}),
		),
		answer("done"),
	}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{})
	ctx := context.Background()

	out, err := e.Submit(ctx, "t1", "mixed")
	require.NoError(t, err)
	require.True(t, out.NeedsApproval())
	assert.Equal(t, "b1", out.Pending.ToolCallID)

	history, err := e.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "c1", history[2].ToolCallID)

	out, err = e.Resume(ctx, "t1", "yes")
	require.NoError(t, err)
	require.True(t, out.NeedsApproval())
	assert.Equal(t, "b2", out.Pending.ToolCallID)
	assert.Equal(t, "Approve buying 2 shares of MSFT? (yes/no)", out.Pending.Prompt)

	out, err = e.Resume(ctx, "t1", "no")
	require.NoError(t, err)
	assert.Equal(t, "done", out.Answer)
	require.Len(t, m.requests, 2)

	history, err = e.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Contains(t, history[4].Content, "declined by human")
}

func TestSubmitAfterCrashClosesUnansweredCalls(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()

	stale := domain.NewCheckpoint("t1")
	stale.Append(
		domain.UserMessage("add 2 and 3"),
		domain.AssistantMessage("", call("a1", "add", map[string]any{"a": 2, "b": 3})),
	)
	stale.Status = domain.StatusRunning
	require.NoError(t, repo.Save(ctx, stale))

	m := &scriptedModel{steps: []stepFunc{answer("Let me try again.")}}
	e := NewEngine(repo, m, testRegistry(t), Options{})

	out, err := e.Submit(ctx, "t1", "hello again")
	require.NoError(t, err)
	assert.Equal(t, "Let me try again.", out.Answer)

	history, err := e.History(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	assert.Equal(t, domain.KindAssistant, history[1].Kind)
	assert.Equal(t, domain.KindTool, history[2].Kind)
	assert.Equal(t, "a1", history[2].ToolCallID)
	assert.NotEmpty(t, history[2].Error)
	assert.Equal(t, domain.KindUser, history[3].Kind)
	assert.Equal(t, "hello again", history[3].Content)
	assert.Equal(t, domain.KindAssistant, history[4].Kind)

	require.Len(t, m.requests, 1)
	assert.Len(t, m.requests[0].Messages, 4)
}

func TestSubmitWhileAwaitingApproval(t *testing.T) {
	m := &scriptedModel{steps: []stepFunc{callTools(buyAAPL("b1"))}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{})
	ctx := context.Background()

	_, err := e.Submit(ctx, "t1", "buy 10 AAPL")
	require.NoError(t, err)

	_, err = e.Submit(ctx, "t1", "hello?")
	require.ErrorIs(t, err, ErrAwaitingApproval)
}

func TestResumeErrors(t *testing.T) {
	m := &scriptedModel{steps: []stepFunc{answer("hi")}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{})
	ctx := context.Background()

	_, err := e.Resume(ctx, "missing", "yes")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = e.Submit(ctx, "t1", "hi")
	require.NoError(t, err)
	_, err = e.Resume(ctx, "t1", "yes")
	require.ErrorIs(t, err, ErrNotAwaitingApproval)
}

func TestAgentFailureKeepsUserMessage(t *testing.T) {
	m := &scriptedModel{steps: []stepFunc{func(model.Request) (domain.Message, error) {
		return domain.Message{}, errors.New("connection refused")
	}}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{})
	ctx := context.Background()

	_, err := e.Submit(ctx, "t1", "hi")
	require.ErrorIs(t, err, model.ErrAgentUnavailable)

	cp, err := e.Thread(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, cp.Messages, 1)
	assert.Equal(t, domain.StatusTerminated, cp.Status)
}

func TestMaxIterations(t *testing.T) {
	steps := []stepFunc{}
	for i := 0; i < 5; i++ {
		steps = append(steps, callTools(call(fmt.Sprintf("c%d", i), "add", map[string]any{"a": 1.0, "b": 1.0})))
	}
	e := NewEngine(store.NewMemory(), &scriptedModel{steps: steps}, testRegistry(t), Options{MaxIterations: 3})

	_, err := e.Submit(context.Background(), "t1", "loop forever")
	require.ErrorIs(t, err, ErrMaxIterations)

	history, err := e.History(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, history, 7)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	m := &scriptedModel{steps: []stepFunc{answer("one"), callTools(buyAAPL("b1")), answerFromLastTool()}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{})
	ctx := context.Background()

	_, err := e.Submit(ctx, "t1", "first")
	require.NoError(t, err)
	before, err := e.History(ctx, "t1")
	require.NoError(t, err)

	_, err = e.Submit(ctx, "t1", "buy")
	require.NoError(t, err)
	_, err = e.Resume(ctx, "t1", "yes")
	require.NoError(t, err)

	after, err := e.History(ctx, "t1")
	require.NoError(t, err)
	require.Greater(t, len(after), len(before))
	for i := range before {
		assert.Equal(t, before[i].Kind, after[i].Kind)
		assert.Equal(t, before[i].Content, after[i].Content)
	}
}

func TestAgentCannotSupplyDecision(t *testing.T) {
	sneaky := call("b1", "buy_stock", map[string]any{"symbol": "AAPL", "quantity": float64(10), tool.DecisionArg: "yes"})
	m := &scriptedModel{steps: []stepFunc{callTools(sneaky), answerFromLastTool()}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{})
	ctx := context.Background()

	out, err := e.Submit(ctx, "t1", "buy")
	require.NoError(t, err)
	require.True(t, out.NeedsApproval())
	assert.NotContains(t, out.Pending.Args, tool.DecisionArg)

	out, err = e.Resume(ctx, "t1", "no")
	require.NoError(t, err)
	assert.Contains(t, out.Answer, "declined")
}

func TestObserversReceiveEvents(t *testing.T) {
	var mu sync.Mutex
	var global, perCall []EventType
	m := &scriptedModel{steps: []stepFunc{callTools(call("c1", "add", map[string]any{"a": 1.0, "b": 2.0})), answer("3")}}
	e := NewEngine(store.NewMemory(), m, testRegistry(t), Options{Observer: ObserverFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		global = append(global, ev.Type)
	})})

	ctx := WithObserver(context.Background(), ObserverFunc(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		perCall = append(perCall, ev.Type)
	}))
	_, err := e.Submit(ctx, "t1", "add")
	require.NoError(t, err)

	want := []EventType{
		EventUserMessage,
		EventModelStart, EventModelEnd,
		EventToolStart, EventToolEnd,
		EventModelStart, EventModelEnd,
		EventFinalAnswer,
	}
	assert.Equal(t, want, global)
	assert.Equal(t, want, perCall)
}

func TestConcurrentThreads(t *testing.T) {
	repo := store.NewMemory()
	reg := testRegistry(t)
	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := NewEngine(repo, &scriptedModel{steps: []stepFunc{answer("ok")}}, reg, Options{})
			_, err := e.Submit(context.Background(), fmt.Sprintf("t%d", i), "hi")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	ids, err := repo.ListThreadIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 10)
}

func TestSubmitValidation(t *testing.T) {
	e := NewEngine(store.NewMemory(), &scriptedModel{}, testRegistry(t), Options{})
	_, err := e.Submit(context.Background(), "t1", "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestThreadLocksReleased(t *testing.T) {
	l := newThreadLocks()
	unlock := l.lock("a")
	assert.Equal(t, 1, l.size())
	unlock()
	assert.Equal(t, 0, l.size())
}
