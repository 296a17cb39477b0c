// Package conversation runs the agent/tool dispatch loop and the durable
// interrupt/resume controller for approval-gated tools.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/toolagent/internal/domain"
	"github.com/ashureev/toolagent/internal/model"
	"github.com/ashureev/toolagent/internal/store"
	"github.com/ashureev/toolagent/internal/tool"
)

// DefaultMaxIterations bounds the agent steps taken by one Submit or Resume.
const DefaultMaxIterations = 25

var (
	// ErrAwaitingApproval is returned when a message is submitted to a
	// thread suspended on an approval call.
	ErrAwaitingApproval = errors.New("thread is awaiting approval")
	// ErrNotAwaitingApproval is returned when resuming a thread that has no
	// pending approval.
	ErrNotAwaitingApproval = errors.New("thread is not awaiting approval")
	// ErrMaxIterations is returned when a round exceeds its agent step budget.
	ErrMaxIterations = errors.New("max iterations reached")
	// ErrEmptyMessage is returned for blank user input.
	ErrEmptyMessage = errors.New("message is empty")

	errInterrupted = errors.New("tool call was interrupted before it completed")
)

// Outcome is the result of Submit or Resume: a final answer or a pending
// approval the caller must decide on.
type Outcome struct {
	ThreadID string                  `json:"thread_id"`
	Status   domain.RunStatus        `json:"status"`
	Answer   string                  `json:"answer,omitempty"`
	Pending  *domain.PendingApproval `json:"pending,omitempty"`
}

// NeedsApproval reports whether the thread is suspended.
func (o Outcome) NeedsApproval() bool {
	return o.Status == domain.StatusAwaitingApproval && o.Pending != nil
}

// Options configures an Engine.
type Options struct {
	SystemPrompt  string
	MaxIterations int
	// ToolTimeout bounds a single tool call. Zero means no limit.
	ToolTimeout time.Duration
	Observer    Observer
}

// Engine drives conversations. It is safe for concurrent use; calls on the
// same thread are serialized and distinct threads run in parallel.
type Engine struct {
	repo     store.Repository
	model    model.Model
	registry *tool.Registry
	opts     Options
	locks    *threadLocks
}

// NewEngine creates an engine over a checkpoint repository, a model and a
// tool registry.
func NewEngine(repo store.Repository, m model.Model, registry *tool.Registry, opts Options) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return &Engine{
		repo:     repo,
		model:    m,
		registry: registry,
		opts:     opts,
		locks:    newThreadLocks(),
	}
}

// NewThreadID returns a fresh thread id.
func NewThreadID() string {
	return uuid.NewString()
}

// Tools returns the schemas the agent sees.
func (e *Engine) Tools() []tool.Schema {
	return e.registry.Schemas()
}

// Threads lists known thread ids, most recently updated first.
func (e *Engine) Threads(ctx context.Context) ([]string, error) {
	ids, err := e.repo.ListThreadIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return ids, nil
}

// Thread returns the stored checkpoint for a thread.
func (e *Engine) Thread(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	return e.repo.Load(ctx, threadID)
}

// History returns the ordered messages of a thread.
func (e *Engine) History(ctx context.Context, threadID string) ([]domain.Message, error) {
	cp, err := e.repo.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return cp.Messages, nil
}

// Submit appends a user message to the thread, creating it on first use, and
// runs the loop until a final answer or an approval suspension.
func (e *Engine) Submit(ctx context.Context, threadID, text string) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return Outcome{}, ErrEmptyMessage
	}
	if threadID == "" {
		threadID = NewThreadID()
	}

	unlock := e.locks.lock(threadID)
	defer unlock()

	cp, err := e.repo.Load(ctx, threadID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		cp = domain.NewCheckpoint(threadID)
	case err != nil:
		return Outcome{}, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if cp.Status == domain.StatusAwaitingApproval {
		return Outcome{}, fmt.Errorf("submit to %s: %w", threadID, ErrAwaitingApproval)
	}

	closeInterrupted(cp)

	msg := domain.UserMessage(text)
	cp.Append(msg)
	cp.Status = domain.StatusRunning
	e.emit(ctx, Event{Type: EventUserMessage, ThreadID: threadID, Content: text})
	if err := e.save(ctx, cp); err != nil {
		return Outcome{}, err
	}

	slog.Info("Conversation round started", "thread_id", threadID, "messages", len(cp.Messages))
	return e.advance(ctx, cp)
}

// Resume injects a human decision into the suspended call of a thread and
// continues the loop. Only "yes" approves; anything else denies.
func (e *Engine) Resume(ctx context.Context, threadID, decision string) (Outcome, error) {
	unlock := e.locks.lock(threadID)
	defer unlock()

	cp, err := e.repo.Load(ctx, threadID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if cp.Status != domain.StatusAwaitingApproval || cp.Pending == nil {
		return Outcome{}, fmt.Errorf("resume %s: %w", threadID, ErrNotAwaitingApproval)
	}

	pending := cp.Pending
	call := domain.ToolCall{ID: pending.ToolCallID, Name: pending.ToolName, Args: pending.Args}
	e.emit(ctx, Event{
		Type:     EventApprovalDecision,
		ThreadID: threadID,
		Name:     pending.ToolName,
		CallID:   pending.ToolCallID,
		Content:  decision,
		Data:     map[string]any{"approved": tool.IsApproval(decision)},
	})
	slog.Info("Resuming thread", "thread_id", threadID, "tool", pending.ToolName, "approved", tool.IsApproval(decision))

	result := e.execute(ctx, threadID, call, &decision)
	cp.Append(result)
	cp.Pending = nil
	cp.Status = domain.StatusRunning
	if err := e.save(ctx, cp); err != nil {
		return Outcome{}, err
	}

	return e.advance(ctx, cp)
}

// advance runs agent steps and tool dispatch until the round terminates or
// suspends. The checkpoint is saved on every exit path.
func (e *Engine) advance(ctx context.Context, cp *domain.Checkpoint) (Outcome, error) {
	threadID := cp.ThreadID
	steps := 0

	for {
		if idx := cp.LastAssistant(); idx >= 0 && cp.Messages[idx].HasToolCalls() {
			suspended, err := e.dispatch(ctx, cp, idx)
			if err != nil {
				return Outcome{}, err
			}
			if suspended {
				return Outcome{ThreadID: threadID, Status: cp.Status, Pending: cp.Pending}, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return Outcome{}, e.fail(ctx, cp, fmt.Errorf("thread %s: %w", threadID, err))
		}
		if steps >= e.opts.MaxIterations {
			return Outcome{}, e.fail(ctx, cp, fmt.Errorf("thread %s after %d steps: %w", threadID, steps, ErrMaxIterations))
		}

		e.emit(ctx, Event{Type: EventModelStart, ThreadID: threadID, Name: e.model.Name()})
		reply, err := e.model.Step(ctx, model.Request{
			System:   e.opts.SystemPrompt,
			Messages: cp.Messages,
			Tools:    e.registry.Schemas(),
		})
		steps++
		if err != nil {
			if !errors.Is(err, model.ErrAgentUnavailable) {
				err = fmt.Errorf("%w: %v", model.ErrAgentUnavailable, err)
			}
			slog.Error("Agent step failed", "thread_id", threadID, "error", err)
			return Outcome{}, e.fail(ctx, cp, err)
		}
		e.emit(ctx, Event{Type: EventModelEnd, ThreadID: threadID, Name: e.model.Name(), Content: reply.Content,
			Data: map[string]any{"tool_calls": len(reply.ToolCalls)}})

		cp.Append(reply)
		if !reply.HasToolCalls() {
			cp.Status = domain.StatusTerminated
			if err := e.save(ctx, cp); err != nil {
				return Outcome{}, err
			}
			e.emit(ctx, Event{Type: EventFinalAnswer, ThreadID: threadID, Content: reply.Content})
			slog.Info("Conversation round finished", "thread_id", threadID, "steps", steps)
			return Outcome{ThreadID: threadID, Status: cp.Status, Answer: reply.Content}, nil
		}
		if err := e.save(ctx, cp); err != nil {
			return Outcome{}, err
		}
	}
}

// dispatch resolves the outstanding calls of the assistant message at idx.
// Calls that need no approval run concurrently and their results are appended
// in request order. The first outstanding approval call then suspends the
// thread; later approval calls wait for the next Resume.
func (e *Engine) dispatch(ctx context.Context, cp *domain.Checkpoint, idx int) (bool, error) {
	threadID := cp.ThreadID
	resolved := cp.ResolvedCalls(idx)

	var auto, gated []domain.ToolCall
	for _, call := range cp.Messages[idx].ToolCalls {
		if resolved[call.ID] {
			continue
		}
		spec, err := e.registry.Lookup(call.Name)
		if err == nil && spec.RequiresApproval {
			gated = append(gated, call)
			continue
		}
		auto = append(auto, call)
	}

	if len(auto) > 0 {
		results := make([]domain.Message, len(auto))
		var wg sync.WaitGroup
		for i, call := range auto {
			wg.Add(1)
			go func(i int, call domain.ToolCall) {
				defer wg.Done()
				results[i] = e.execute(ctx, threadID, call, nil)
			}(i, call)
		}
		wg.Wait()
		cp.Append(results...)
	}

	for _, call := range gated {
		spec, _ := e.registry.Lookup(call.Name)
		args := modelArgs(call.Args)
		prompt, err := spec.ApprovalPrompt(args)
		if err != nil {
			cp.Append(domain.ToolErrorMessage(call.ID, call.Name, err))
			continue
		}

		cp.Status = domain.StatusAwaitingApproval
		cp.Pending = &domain.PendingApproval{
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Args:       args,
			Prompt:     prompt,
			CreatedAt:  time.Now().UTC(),
		}
		if err := e.save(ctx, cp); err != nil {
			return false, err
		}
		e.emit(ctx, Event{Type: EventApprovalRequired, ThreadID: threadID, Name: call.Name, CallID: call.ID,
			Content: prompt, Data: args})
		slog.Info("Thread awaiting approval", "thread_id", threadID, "tool", call.Name, "call_id", call.ID)
		return true, nil
	}

	if err := e.save(ctx, cp); err != nil {
		return false, err
	}
	return false, nil
}

// execute runs one tool call and converts every failure into a tool error
// result. decision is non-nil only when resuming an approval call.
func (e *Engine) execute(ctx context.Context, threadID string, call domain.ToolCall, decision *string) (msg domain.Message) {
	e.emit(ctx, Event{Type: EventToolStart, ThreadID: threadID, Name: call.Name, CallID: call.ID, Data: call.Args})
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			msg = domain.ToolErrorMessage(call.ID, call.Name, fmt.Errorf("tool panicked: %v", r))
			slog.Error("Tool panicked", "thread_id", threadID, "tool", call.Name, "panic", r)
		}
		e.emit(ctx, Event{Type: EventToolEnd, ThreadID: threadID, Name: call.Name, CallID: call.ID, Content: msg.Content,
			Data: map[string]any{"error": msg.Error, "duration_ms": time.Since(start).Milliseconds()}})
	}()

	spec, err := e.registry.Lookup(call.Name)
	if err != nil {
		return domain.ToolErrorMessage(call.ID, call.Name, err)
	}

	args := modelArgs(call.Args)
	if decision != nil {
		args[tool.DecisionArg] = *decision
	}

	callCtx := ctx
	if e.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.ToolTimeout)
		defer cancel()
	}

	out, err := spec.Handler.Call(callCtx, args)
	if err != nil {
		slog.Warn("Tool call failed", "thread_id", threadID, "tool", call.Name, "error", err)
		return domain.ToolErrorMessage(call.ID, call.Name, err)
	}
	return domain.ToolResultMessage(call.ID, call.Name, out)
}

// closeInterrupted answers the calls of the last assistant message that a
// crashed round left without results, so every call stays directly followed
// by its result. The calls are not re-run since they may have had effects.
func closeInterrupted(cp *domain.Checkpoint) {
	idx := cp.LastAssistant()
	if idx < 0 || !cp.Messages[idx].HasToolCalls() {
		return
	}
	resolved := cp.ResolvedCalls(idx)
	for _, call := range cp.Messages[idx].ToolCalls {
		if resolved[call.ID] {
			continue
		}
		cp.Append(domain.ToolErrorMessage(call.ID, call.Name, errInterrupted))
		slog.Warn("Closed interrupted tool call", "thread_id", cp.ThreadID, "tool", call.Name, "call_id", call.ID)
	}
}

// modelArgs copies agent-supplied arguments, dropping any attempt by the
// agent to supply the human decision itself.
func modelArgs(args map[string]any) map[string]any {
	out := domain.CloneArgs(args)
	delete(out, tool.DecisionArg)
	return out
}

// fail ends the round after an error and persists what was appended so far.
func (e *Engine) fail(ctx context.Context, cp *domain.Checkpoint, cause error) error {
	cp.Status = domain.StatusTerminated
	e.emit(ctx, Event{Type: EventError, ThreadID: cp.ThreadID, Content: cause.Error()})
	if err := e.save(ctx, cp); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// save persists the checkpoint even if ctx was cancelled so that an
// interrupted round never loses appended history.
func (e *Engine) save(ctx context.Context, cp *domain.Checkpoint) error {
	if err := e.repo.Save(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("save thread %s: %w", cp.ThreadID, err)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	ev.Time = time.Now().UTC()
	if e.opts.Observer != nil {
		e.opts.Observer.OnEvent(ev)
	}
	if obs := observerFrom(ctx); obs != nil {
		obs.OnEvent(ev)
	}
}
