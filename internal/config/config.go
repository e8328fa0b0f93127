// Package config loads and validates the Relay service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Relay.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Timeouts      TimeoutsConfig      `yaml:"timeouts"`
	Context       ContextConfig       `yaml:"context"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Hygiene       HygieneConfig       `yaml:"hygiene"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	// AgentSoulPath is where the editable agent soul markdown lives.
	AgentSoulPath string `yaml:"agent_soul_path"`
}

type PersistenceConfig struct {
	// URL selects the store: postgres:// selects Postgres, a bare file path
	// selects SQLite, empty selects the in-memory store.
	URL string `yaml:"url"`
}

type ProvidersConfig struct {
	OpenAI     OpenAIConfig     `yaml:"openai"`
	OpenRouter OpenRouterConfig `yaml:"openrouter"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Local      LocalConfig      `yaml:"local"`
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	Enabled      bool   `yaml:"enabled"`
	DefaultModel string `yaml:"default_model"`
}

type OpenRouterConfig struct {
	APIKey       string `yaml:"api_key"`
	Enabled      bool   `yaml:"enabled"`
	DefaultModel string `yaml:"default_model"`
	AppName      string `yaml:"app_name"`
	SiteURL      string `yaml:"site_url"`
}

type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	Enabled      bool   `yaml:"enabled"`
	DefaultModel string `yaml:"default_model"`
}

// LocalConfig configures the self-hosted OpenClaw agent runtime as a chat
// provider. Restricted-sensitivity requests may only route here.
type LocalConfig struct {
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	Enabled      bool   `yaml:"enabled"`
	DefaultModel string `yaml:"default_model"`
}

type BridgeConfig struct {
	// APIKey is the shared key external agent runtimes must present.
	APIKey string `yaml:"api_key"`
}

type TimeoutsConfig struct {
	Chat   time.Duration `yaml:"chat"`
	Tool   time.Duration `yaml:"tool"`
	Health time.Duration `yaml:"health"`
}

type ContextConfig struct {
	MaxBlocks int            `yaml:"max_blocks"`
	Horizons  HorizonsConfig `yaml:"horizons"`
}

type HorizonsConfig struct {
	Short  bool `yaml:"short"`
	Medium bool `yaml:"medium"`
	Long   bool `yaml:"long"`
}

type OrchestratorConfig struct {
	// MessageWindow bounds how many prior persisted messages are replayed
	// into the upstream prompt.
	MessageWindow int `yaml:"message_window"`
}

type HygieneConfig struct {
	PruneEmptyAfter  time.Duration `yaml:"prune_empty_after"`
	PruneShortAfter  time.Duration `yaml:"prune_short_after"`
	DedupeWindow     time.Duration `yaml:"dedupe_window"`
	RetitleBatchSize int           `yaml:"retitle_batch_size"`
	// GenericTitles extends the built-in generic title set.
	GenericTitles []string `yaml:"generic_titles"`
	// Schedule is a cron expression; empty disables the background schedule.
	Schedule string `yaml:"schedule"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file, expanding environment
// variables, then applies defaults and environment mirrors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a configuration with defaults and environment mirrors
// applied but no file loaded.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg
}

// applyEnv mirrors well-known environment variables into empty fields.
func applyEnv(cfg *Config) {
	setIfEmpty := func(dst *string, env string) {
		if *dst == "" {
			*dst = os.Getenv(env)
		}
	}
	setIfEmpty(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setIfEmpty(&cfg.Providers.OpenRouter.APIKey, "OPENROUTER_API_KEY")
	setIfEmpty(&cfg.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setIfEmpty(&cfg.Providers.Local.APIKey, "OPENCLAW_API_KEY")
	setIfEmpty(&cfg.Providers.Local.BaseURL, "OPENCLAW_BASE_URL")
	setIfEmpty(&cfg.Bridge.APIKey, "RELAY_BRIDGE_API_KEY")
	setIfEmpty(&cfg.Persistence.URL, "RELAY_DATABASE_URL")
	setIfEmpty(&cfg.Auth.JWTSecret, "RELAY_JWT_SECRET")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}
	if cfg.Server.AgentSoulPath == "" {
		cfg.Server.AgentSoulPath = "agent-soul.md"
	}
	if cfg.Timeouts.Chat == 0 {
		cfg.Timeouts.Chat = 60 * time.Second
	}
	if cfg.Timeouts.Tool == 0 {
		cfg.Timeouts.Tool = 20 * time.Second
	}
	if cfg.Timeouts.Health == 0 {
		cfg.Timeouts.Health = 10 * time.Second
	}
	if cfg.Context.MaxBlocks == 0 {
		cfg.Context.MaxBlocks = 10
		cfg.Context.Horizons = HorizonsConfig{Short: true, Medium: true, Long: true}
	}
	if cfg.Orchestrator.MessageWindow == 0 {
		cfg.Orchestrator.MessageWindow = 40
	}
	if cfg.Hygiene.PruneEmptyAfter == 0 {
		cfg.Hygiene.PruneEmptyAfter = time.Hour
	}
	if cfg.Hygiene.PruneShortAfter == 0 {
		cfg.Hygiene.PruneShortAfter = 24 * time.Hour
	}
	if cfg.Hygiene.DedupeWindow == 0 {
		cfg.Hygiene.DedupeWindow = 7 * 24 * time.Hour
	}
	if cfg.Hygiene.RetitleBatchSize == 0 {
		cfg.Hygiene.RetitleBatchSize = 5
	}
	if cfg.Providers.OpenAI.DefaultModel == "" {
		cfg.Providers.OpenAI.DefaultModel = "gpt-4o"
	}
	if cfg.Providers.OpenRouter.DefaultModel == "" {
		cfg.Providers.OpenRouter.DefaultModel = "openai/gpt-4o-mini"
	}
	if cfg.Providers.Anthropic.DefaultModel == "" {
		cfg.Providers.Anthropic.DefaultModel = "claude-sonnet-4-20250514"
	}
	if cfg.Providers.Local.DefaultModel == "" {
		cfg.Providers.Local.DefaultModel = "openclaw-agent"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate enforces fail-fast startup rules: at least one provider must be
// enabled, and enabled providers must carry their required credentials.
func (c *Config) Validate() error {
	enabled := 0
	if c.Providers.OpenAI.Enabled {
		enabled++
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai enabled but api_key is empty")
		}
	}
	if c.Providers.OpenRouter.Enabled {
		enabled++
		if c.Providers.OpenRouter.APIKey == "" {
			return fmt.Errorf("providers.openrouter enabled but api_key is empty")
		}
	}
	if c.Providers.Anthropic.Enabled {
		enabled++
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic enabled but api_key is empty")
		}
	}
	if c.Providers.Local.Enabled {
		enabled++
		if c.Providers.Local.BaseURL == "" {
			return fmt.Errorf("providers.local enabled but base_url is empty")
		}
	}
	if enabled == 0 {
		return fmt.Errorf("no providers enabled")
	}
	if c.Bridge.APIKey == "" {
		return fmt.Errorf("bridge.api_key is required")
	}
	return nil
}
