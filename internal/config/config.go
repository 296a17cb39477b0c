// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Checkpoint backends.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Builtin tool set names.
const (
	BuiltinCalc    = "calc"
	BuiltinExpense = "expense"
	BuiltinStocks  = "stocks"
	BuiltinDocs    = "docs"
)

var builtinSets = map[string]bool{
	BuiltinCalc:    true,
	BuiltinExpense: true,
	BuiltinStocks:  true,
	BuiltinDocs:    true,
}

// Config holds all application configuration.
type Config struct {
	Port              string
	FrontendURL       string
	CheckpointBackend string
	CheckpointDBPath  string
	ExpenseDBPath     string
	DocsDir           string
	SystemPrompt      string
	MaxIterations     int
	ToolTimeout       time.Duration
	ToolServersFile   string
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	LLM               LLMConfig
	Stocks            StocksConfig
	ConversationLog   ConversationLogConfig
}

// LLMConfig selects the agent provider.
type LLMConfig struct {
	Provider        string
	Model           string
	Temperature     float64
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	GroqAPIKey      string
	GoogleAPIKey    string
	AnthropicAPIKey string
}

// APIKey returns the key for the configured provider.
func (c LLMConfig) APIKey() string {
	switch c.Provider {
	case "groq":
		return c.GroqAPIKey
	case "gemini":
		return c.GoogleAPIKey
	case "anthropic":
		return c.AnthropicAPIKey
	default:
		return c.OpenAIAPIKey
	}
}

// StocksConfig configures the quote API.
type StocksConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		CheckpointBackend: strings.ToLower(getEnv("CHECKPOINT_BACKEND", BackendSQLite)),
		CheckpointDBPath:  getEnv("CHECKPOINT_DB_PATH", "./data/checkpoints.db"),
		ExpenseDBPath:     getEnv("EXPENSE_DB_PATH", "./data/expenses.db"),
		DocsDir:           getEnv("DOCS_DIR", "./data/docs"),
		SystemPrompt:      getEnv("SYSTEM_PROMPT", ""),
		MaxIterations:     getEnvInt("MAX_ITERATIONS", 25),
		ToolTimeout:       getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
		ToolServersFile:   getEnv("TOOL_SERVERS_FILE", ""),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		LLM: LLMConfig{
			Provider:        strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			Model:           getEnv("LLM_MODEL", ""),
			Temperature:     getEnvFloat("LLM_TEMPERATURE", 0),
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
			GroqAPIKey:      getEnv("GROQ_API_KEY", ""),
			GoogleAPIKey:    getEnv("GOOGLE_API_KEY", ""),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		},
		Stocks: StocksConfig{
			APIKey:  getEnv("ALPHAVANTAGE_API_KEY", "demo"),
			BaseURL: getEnv("ALPHAVANTAGE_BASE_URL", "https://www.alphavantage.co/query"),
			Timeout: getEnvDuration("ALPHAVANTAGE_TIMEOUT", 10*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	switch c.CheckpointBackend {
	case BackendSQLite:
		if c.CheckpointDBPath == "" {
			return fmt.Errorf("CHECKPOINT_DB_PATH cannot be empty")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("CHECKPOINT_BACKEND must be %q or %q, got %q", BackendSQLite, BackendMemory, c.CheckpointBackend)
	}
	switch c.LLM.Provider {
	case "openai", "groq", "gemini", "anthropic":
	default:
		return fmt.Errorf("LLM_PROVIDER %q is not supported", c.LLM.Provider)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("MAX_ITERATIONS must be > 0")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("TOOL_TIMEOUT must be > 0")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ToolServer is one entry of the tool servers file. Exactly one of Builtin
// and Address is set.
type ToolServer struct {
	Name    string        `yaml:"name"`
	Builtin string        `yaml:"builtin,omitempty"`
	Address string        `yaml:"address,omitempty"`
	Tools   []string      `yaml:"tools,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Remote reports whether the entry names a gRPC server.
func (t ToolServer) Remote() bool {
	return t.Address != ""
}

type toolServersFile struct {
	Servers []ToolServer `yaml:"servers"`
}

// DefaultToolServers enables every builtin tool set in process.
func DefaultToolServers() []ToolServer {
	return []ToolServer{
		{Name: BuiltinCalc, Builtin: BuiltinCalc},
		{Name: BuiltinExpense, Builtin: BuiltinExpense},
		{Name: BuiltinStocks, Builtin: BuiltinStocks},
		{Name: BuiltinDocs, Builtin: BuiltinDocs},
	}
}

// LoadToolServers reads the tool servers file. An empty path yields the
// builtin defaults.
func LoadToolServers(path string) ([]ToolServer, error) {
	if path == "" {
		return DefaultToolServers(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool servers file: %w", err)
	}
	return ParseToolServers(data)
}

// ParseToolServers decodes and validates a tool servers document.
func ParseToolServers(data []byte) ([]ToolServer, error) {
	var file toolServersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool servers file: %w", err)
	}
	if len(file.Servers) == 0 {
		return nil, errors.New("tool servers file lists no servers")
	}

	seen := make(map[string]bool, len(file.Servers))
	for i := range file.Servers {
		s := &file.Servers[i]
		if s.Name == "" {
			s.Name = s.Builtin
		}
		if s.Name == "" {
			return nil, fmt.Errorf("tool server %d: name is required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("tool server %s: duplicate name", s.Name)
		}
		seen[s.Name] = true

		switch {
		case s.Builtin != "" && s.Address != "":
			return nil, fmt.Errorf("tool server %s: builtin and address are exclusive", s.Name)
		case s.Builtin != "":
			if !builtinSets[s.Builtin] {
				return nil, fmt.Errorf("tool server %s: unknown builtin %q", s.Name, s.Builtin)
			}
		case s.Address == "":
			return nil, fmt.Errorf("tool server %s: builtin or address is required", s.Name)
		}
	}
	return file.Servers, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
