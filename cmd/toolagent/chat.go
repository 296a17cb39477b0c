package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ashureev/toolagent/internal/app"
	"github.com/ashureev/toolagent/internal/config"
	"github.com/ashureev/toolagent/internal/conversation"
	"github.com/ashureev/toolagent/internal/domain"
)

const newThreadOption = "__new__"

var exitWords = map[string]bool{"exit": true, "quit": true, "bye": true}

var (
	userLabel  = lipgloss.NewStyle().Foreground(lipgloss.Color("#3ccad7")).Bold(true)
	agentLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7c0af")).Bold(true)
	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FE5F86"))
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the agent in the terminal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := cliLogger()
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		a, err := app.New(cmd.Context(), cfg, logger, app.Options{})
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go a.WatchDocs(ctx)

		threadID, _ := cmd.Flags().GetString("thread")
		if threadID == "" {
			threadID, err = pickThread(ctx, a.Engine)
			if err != nil {
				return err
			}
		}

		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			return fmt.Errorf("create markdown renderer: %w", err)
		}

		s := &chatSession{
			engine:   a.Engine,
			threadID: threadID,
			renderer: renderer,
			out:      os.Stdout,
		}
		return s.run(ctx, os.Stdin)
	},
}

func pickThread(ctx context.Context, engine *conversation.Engine) (string, error) {
	ids, err := engine.Threads(ctx)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return conversation.NewThreadID(), nil
	}

	options := []huh.Option[string]{huh.NewOption("Start a new conversation", newThreadOption)}
	for _, id := range ids {
		options = append(options, huh.NewOption(id, id))
	}
	choice := newThreadOption
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title("Choose a conversation").
			Options(options...).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return "", fmt.Errorf("choose conversation: %w", err)
	}
	if choice == newThreadOption {
		return conversation.NewThreadID(), nil
	}
	return choice, nil
}

type chatSession struct {
	engine   *conversation.Engine
	threadID string
	renderer *glamour.TermRenderer
	out      io.Writer
}

func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(s.out, toolStyle.Render("thread "+s.threadID+" (type exit, quit or bye to leave)"))

	if err := s.resumePending(ctx); err != nil {
		return err
	}

	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(s.out, userLabel.Render("you> "))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		text := strings.TrimSpace(line)
		if exitWords[strings.ToLower(text)] || (text == "" && errors.Is(err, io.EOF)) {
			fmt.Fprintln(s.out, "Goodbye.")
			return nil
		}
		if text == "" {
			continue
		}

		out, runErr := s.engine.Submit(s.observe(ctx), s.threadID, text)
		if runErr != nil {
			fmt.Fprintln(s.out, errorStyle.Render("error: "+runErr.Error()))
			continue
		}
		if err := s.settle(ctx, out); err != nil {
			return err
		}
	}
}

// resumePending handles a thread left suspended by an earlier session.
func (s *chatSession) resumePending(ctx context.Context) error {
	cp, err := s.engine.Thread(ctx, s.threadID)
	if err != nil || cp.Status != domain.StatusAwaitingApproval || cp.Pending == nil {
		return nil
	}
	return s.settle(ctx, conversation.Outcome{ThreadID: s.threadID, Status: cp.Status, Pending: cp.Pending})
}

// settle asks for approvals until the round produces an answer.
func (s *chatSession) settle(ctx context.Context, out conversation.Outcome) error {
	for out.NeedsApproval() {
		approved := false
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(out.Pending.Prompt).
				Affirmative("Yes").
				Negative("No").
				Value(&approved),
		))
		if err := form.Run(); err != nil {
			return fmt.Errorf("approval prompt: %w", err)
		}
		decision := "no"
		if approved {
			decision = "yes"
		}

		var err error
		out, err = s.engine.Resume(s.observe(ctx), s.threadID, decision)
		if err != nil {
			fmt.Fprintln(s.out, errorStyle.Render("error: "+err.Error()))
			return nil
		}
	}
	s.printAnswer(out.Answer)
	return nil
}

func (s *chatSession) printAnswer(answer string) {
	rendered, err := s.renderer.Render(answer)
	if err != nil {
		rendered = answer + "\n"
	}
	fmt.Fprint(s.out, agentLabel.Render("agent>")+"\n"+rendered)
}

func (s *chatSession) observe(ctx context.Context) context.Context {
	return conversation.WithObserver(ctx, conversation.ObserverFunc(func(ev conversation.Event) {
		switch ev.Type {
		case conversation.EventToolStart:
			fmt.Fprintln(s.out, toolStyle.Render("  → "+ev.Name))
		case conversation.EventToolEnd:
			fmt.Fprintln(s.out, toolStyle.Render("  ← "+ev.Name+": "+truncate(ev.Content, 120)))
		}
	}))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
