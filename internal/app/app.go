// Package app wires configuration into a running conversation engine: the
// checkpoint store, the agent model, the tool registry and the observers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ashureev/toolagent/internal/config"
	"github.com/ashureev/toolagent/internal/conversation"
	"github.com/ashureev/toolagent/internal/conversationlog"
	"github.com/ashureev/toolagent/internal/model"
	"github.com/ashureev/toolagent/internal/store"
	"github.com/ashureev/toolagent/internal/tool"
	"github.com/ashureev/toolagent/internal/tools/calc"
	"github.com/ashureev/toolagent/internal/tools/docs"
	"github.com/ashureev/toolagent/internal/tools/expense"
	"github.com/ashureev/toolagent/internal/tools/stocks"
	"github.com/ashureev/toolagent/internal/toolserver"
)

// DefaultSystemPrompt is used when SYSTEM_PROMPT is not set.
const DefaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer " +
	"the user. Report tool errors plainly and never invent tool results."

// Options overrides parts of the wiring, mainly for tests.
type Options struct {
	// Model replaces the provider built from configuration.
	Model model.Model
	// Servers replaces the tool servers file.
	Servers []config.ToolServer
}

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config   *config.Config
	Repo     store.Repository
	Registry *tool.Registry
	Engine   *conversation.Engine
	// Docs is nil unless the docs tool set is enabled.
	Docs *docs.Service

	logger  *slog.Logger
	closers []func() error
}

// New builds an App from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Repo, err = OpenRepository(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Repo.Close)
	if err := a.Repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("checkpoint store health check: %w", err)
	}

	m := opts.Model
	if m == nil {
		m, err = model.New(ctx, model.Config{
			Provider:    cfg.LLM.Provider,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey(),
			BaseURL:     cfg.LLM.OpenAIBaseURL,
			Temperature: cfg.LLM.Temperature,
		})
		if err != nil {
			return nil, err
		}
	}

	servers := opts.Servers
	if servers == nil {
		servers, err = config.LoadToolServers(cfg.ToolServersFile)
		if err != nil {
			return nil, err
		}
	}
	specs, err := a.collectTools(ctx, servers)
	if err != nil {
		return nil, err
	}
	a.Registry, err = tool.NewRegistry(specs...)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	var observer conversation.Observer
	if cfg.ConversationLog.Enabled {
		globalFile := ""
		if cfg.ConversationLog.GlobalEnabled {
			globalFile = cfg.ConversationLog.GlobalPath
		}
		convLog, err := conversationlog.New(conversationlog.Config{
			Enabled:    true,
			Dir:        cfg.ConversationLog.Dir,
			GlobalFile: globalFile,
			QueueSize:  cfg.ConversationLog.QueueSize,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize conversation logger: %w", err)
		}
		a.closers = append(a.closers, convLog.Close)
		observer = convLog
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	a.Engine = conversation.NewEngine(a.Repo, m, a.Registry, conversation.Options{
		SystemPrompt:  systemPrompt,
		MaxIterations: cfg.MaxIterations,
		ToolTimeout:   cfg.ToolTimeout,
		Observer:      observer,
	})

	logger.Info("Conversation engine ready",
		"model", m.Name(),
		"checkpoints", cfg.CheckpointBackend,
		"tools", a.Registry.Names(),
	)
	return a, nil
}

// NewToolHost returns an App that only provides builtin tool sets, for
// serving them over gRPC.
func NewToolHost(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{Config: cfg, logger: logger}
}

// OpenRepository opens the configured checkpoint backend.
func OpenRepository(cfg *config.Config) (store.Repository, error) {
	switch cfg.CheckpointBackend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendSQLite, "":
		repo, err := store.NewSQLite(cfg.CheckpointDBPath)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

func (a *App) collectTools(ctx context.Context, servers []config.ToolServer) ([]tool.Spec, error) {
	var specs []tool.Spec
	var remote []config.ToolServer
	for _, s := range servers {
		if s.Remote() {
			remote = append(remote, s)
			continue
		}
		builtin, err := a.Builtin(s.Builtin)
		if err != nil {
			return nil, err
		}
		specs = append(specs, filterTools(builtin, s.Tools)...)
	}
	if len(remote) == 0 {
		return specs, nil
	}

	cfgs := make([]toolserver.ClientConfig, 0, len(remote))
	for _, s := range remote {
		cfgs = append(cfgs, toolserver.ClientConfig{
			Name:           s.Name,
			Address:        s.Address,
			RequestTimeout: s.Timeout,
			Tools:          s.Tools,
		})
	}
	clients, err := toolserver.DialAll(ctx, cfgs, a.logger)
	if err != nil {
		return nil, err
	}
	for _, c := range clients {
		a.closers = append(a.closers, c.Close)
	}
	for _, c := range clients {
		remoteSpecs, err := c.Tools(ctx)
		if err != nil {
			return nil, err
		}
		specs = append(specs, remoteSpecs...)
	}
	return specs, nil
}

// Builtin returns the specs of an in-process tool set, opening whatever
// resources it needs.
func (a *App) Builtin(name string) ([]tool.Spec, error) {
	cfg := a.Config
	switch name {
	case config.BuiltinCalc:
		return calc.Tools(), nil
	case config.BuiltinExpense:
		s, err := expense.Open(cfg.ExpenseDBPath)
		if err != nil {
			return nil, fmt.Errorf("open expense store: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		return expense.Tools(s), nil
	case config.BuiltinStocks:
		client := stocks.NewClient(cfg.Stocks.BaseURL, cfg.Stocks.APIKey, cfg.Stocks.Timeout)
		return stocks.Tools(client), nil
	case config.BuiltinDocs:
		if a.Docs == nil {
			if err := os.MkdirAll(filepath.Clean(cfg.DocsDir), 0o755); err != nil {
				return nil, fmt.Errorf("create documents dir: %w", err)
			}
			svc := docs.NewService(docs.Config{Dir: cfg.DocsDir})
			if err := svc.Reload(context.Background()); err != nil {
				// search_documents reports the missing index to the agent.
				a.logger.Warn("Initial document index failed", "dir", cfg.DocsDir, "error", err)
			}
			a.Docs = svc
		}
		return a.Docs.Tools(), nil
	default:
		return nil, fmt.Errorf("unknown builtin tool set %q", name)
	}
}

func filterTools(specs []tool.Spec, names []string) []tool.Spec {
	if len(names) == 0 {
		return specs
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	var out []tool.Spec
	for _, s := range specs {
		if allowed[s.Name] {
			out = append(out, s)
		}
	}
	return out
}

// WatchDocs rebuilds the document index on file changes until ctx is done.
// It returns immediately when the docs tool set is disabled.
func (a *App) WatchDocs(ctx context.Context) {
	if a.Docs == nil {
		return
	}
	if err := a.Docs.Watch(ctx); err != nil {
		a.logger.Warn("Documents watcher stopped", "error", err)
	}
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
