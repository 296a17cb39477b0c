// toolagent - tool-using conversational agent with durable approval checkpoints
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/toolagent/internal/api"
	"github.com/ashureev/toolagent/internal/app"
	"github.com/ashureev/toolagent/internal/config"
	"github.com/ashureev/toolagent/internal/identity"
	"github.com/ashureev/toolagent/internal/middleware"
	"github.com/ashureev/toolagent/internal/tool"
	"github.com/ashureev/toolagent/internal/toolserver"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "toolagent",
	Short:         "Conversational agent with tools and human approval",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		if err := godotenv.Load(); err != nil {
			slog.Debug("No .env file found, using environment variables")
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)
		return runServe(cmd.Context(), logger)
	},
}

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List stored conversation threads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		repo, err := app.OpenRepository(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = repo.Close() }()

		ids, err := repo.ListThreadIDs(cmd.Context())
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No threads yet.")
			return nil
		}
		for _, id := range ids {
			cp, err := repo.Load(cmd.Context(), id)
			if err != nil {
				fmt.Printf("%s\t(unreadable: %v)\n", id, err)
				continue
			}
			fmt.Printf("%s\t%s\t%d messages\t%s\n", id, cp.Status, len(cp.Messages), cp.UpdatedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

var toolserverCmd = &cobra.Command{
	Use:       "toolserver <builtin>",
	Short:     "Serve a builtin tool set over gRPC",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{config.BuiltinCalc, config.BuiltinExpense, config.BuiltinStocks, config.BuiltinDocs},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		logger := cliLogger()

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		host := app.NewToolHost(cfg, logger)
		defer func() { _ = host.Close() }()

		specs, err := host.Builtin(args[0])
		if err != nil {
			return err
		}
		reg, err := tool.NewRegistry(specs...)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go host.WatchDocs(ctx)
		return toolserver.NewServer(reg, logger).Serve(ctx, addr)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue an API bearer token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET is not set")
		}
		token, err := identity.IssueToken(cfg.JWTSecret, args[0], ttl)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	toolserverCmd.Flags().String("addr", ":7070", "Listen address")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	chatCmd.Flags().String("thread", "", "Continue this thread instead of choosing one")

	rootCmd.AddCommand(serveCmd, chatCmd, threadsCmd, toolserverCmd, tokenCmd)
}

// cliLogger routes slog through charmbracelet/log on stderr for interactive use.
func cliLogger() *slog.Logger {
	level := charmlog.WarnLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
		Level:           level,
		Prefix:          "toolagent",
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func runServe(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("Failed to close resources", "error", closeErr)
		}
	}()
	go a.WatchDocs(ctx)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	defer limiter.Stop()

	allowedOrigins := []string{"*"}
	if !cfg.IsDevelopment() {
		allowedOrigins = strings.Split(cfg.FrontendURL, ",")
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins))

	api.NewHandler(a.Engine, a.Repo).RegisterRoutes(r, identity.Middleware(cfg.JWTSecret), limiter)

	// Agent rounds and websockets are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr, "auth", cfg.JWTSecret != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
