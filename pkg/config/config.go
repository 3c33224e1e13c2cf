package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	envConfigPath        = "AGENTFLOW_CONFIG"
	envStorePath         = "AGENTFLOW_STORE_PATH"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
)

// ErrNotFound is returned when no config file could be located.
var ErrNotFound = errors.New("config file not found")

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Logging   LoggingConfig     `json:"logging,omitempty"`
	Runtime   RuntimeConfig     `json:"runtime"`
	Routes    map[string]string `json:"routes,omitempty"`
	Agents    AgentsConfig      `json:"agents"`
	Providers ProvidersConfig   `json:"providers"`
	Channels  ChannelsConfig    `json:"channels"`
	Gateway   GatewayConfig     `json:"gateway"`
	Store     StoreConfig       `json:"store"`
	Tracing   TracingConfig     `json:"tracing"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// RuntimeConfig sizes the bus, the stream collectors and the workflow clock.
type RuntimeConfig struct {
	QueueSize              int     `json:"queue_size"`
	StreamSoftCap          int     `json:"stream_soft_cap"`
	StreamHardCap          int     `json:"stream_hard_cap"`
	WorkflowTimeoutSeconds int     `json:"workflow_timeout_seconds"`
	CancelGraceSeconds     int     `json:"cancel_grace_seconds"`
	DrainTimeoutSeconds    int     `json:"drain_timeout_seconds"`
	AdmissionRate          float64 `json:"admission_rate"`
	AdmissionBurst         int     `json:"admission_burst"`
}

func (c RuntimeConfig) WorkflowTimeout() time.Duration {
	return time.Duration(c.WorkflowTimeoutSeconds) * time.Second
}

func (c RuntimeConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

func (c RuntimeConfig) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// AgentsConfig points at per-topic agent defaults and selects the model
// backing the requirement analyzer.
type AgentsConfig struct {
	DefaultsFile string         `json:"defaults_file,omitempty"`
	Analyzer     AnalyzerConfig `json:"analyzer"`
}

// AnalyzerConfig describes the LLM used to refine extracted requirements.
// An empty provider keeps the analyzer rule-based.
type AnalyzerConfig struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// ProvidersConfig stores per-provider connection settings.
type ProvidersConfig struct {
	OpenCode OpenCodeProviderConfig `json:"opencode"`
	OpenAI   OpenAIProviderConfig   `json:"openai"`
}

// OpenCodeProviderConfig configures the OpenCode provider client.
type OpenCodeProviderConfig struct {
	BaseURL               string `json:"base_url"`
	Username              string `json:"username"`
	PasswordEnv           string `json:"password_env"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// OpenAIProviderConfig configures the OpenAI provider client.
type OpenAIProviderConfig struct {
	APIKeyEnv             string `json:"api_key_env"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig controls workflow history and the optional SQLite archive.
type StoreConfig struct {
	Path           string `json:"path,omitempty"`
	HistoryLimit   int    `json:"history_limit"`
	RetentionHours int    `json:"retention_hours"`
	PruneSchedule  string `json:"prune_schedule"`
}

func (c StoreConfig) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig resolves config.json, unmarshals it, fills defaults and applies
// environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Agents.DefaultsFile != "" && !filepath.IsAbs(cfg.Agents.DefaultsFile) {
		cfg.Agents.DefaultsFile = filepath.Join(filepath.Dir(configPath), cfg.Agents.DefaultsFile)
	}

	return &cfg, nil
}

// Validate rejects settings the runtime cannot honour.
func (c *Config) Validate() error {
	if c.Runtime.StreamHardCap > 0 && c.Runtime.StreamHardCap < c.Runtime.StreamSoftCap {
		return fmt.Errorf("runtime.stream_hard_cap (%d) is below stream_soft_cap (%d)", c.Runtime.StreamHardCap, c.Runtime.StreamSoftCap)
	}
	if c.Runtime.AdmissionRate < 0 {
		return errors.New("runtime.admission_rate must not be negative")
	}
	switch c.Agents.Analyzer.Provider {
	case "", "openai", "opencode":
	default:
		return fmt.Errorf("agents.analyzer.provider %q is not supported", c.Agents.Analyzer.Provider)
	}
	for kind, topic := range c.Routes {
		if strings.TrimSpace(kind) == "" || strings.TrimSpace(topic) == "" {
			return fmt.Errorf("routes: empty kind or topic in %q -> %q", kind, topic)
		}
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Runtime.QueueSize <= 0 {
		cfg.Runtime.QueueSize = 4096
	}
	if cfg.Runtime.StreamSoftCap <= 0 {
		cfg.Runtime.StreamSoftCap = 1000
	}
	if cfg.Runtime.StreamHardCap <= 0 {
		cfg.Runtime.StreamHardCap = 4 * cfg.Runtime.StreamSoftCap
	}
	if cfg.Runtime.WorkflowTimeoutSeconds <= 0 {
		cfg.Runtime.WorkflowTimeoutSeconds = 600
	}
	if cfg.Runtime.CancelGraceSeconds <= 0 {
		cfg.Runtime.CancelGraceSeconds = 5
	}
	if cfg.Runtime.DrainTimeoutSeconds <= 0 {
		cfg.Runtime.DrainTimeoutSeconds = 60
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18790
	}
	if cfg.Store.HistoryLimit <= 0 {
		cfg.Store.HistoryLimit = 1000
	}
	if cfg.Store.RetentionHours <= 0 {
		cfg.Store.RetentionHours = 24 * 7
	}
	if cfg.Store.PruneSchedule == "" {
		cfg.Store.PruneSchedule = "@hourly"
	}
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}

	if path := strings.TrimSpace(os.Getenv(envStorePath)); path != "" {
		cfg.Store.Path = path
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is AGENTFLOW_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "agentflow.json"),
		filepath.Join(cwd, "config", "agentflow.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s and %s)", ErrNotFound, candidates[0], candidates[1])
}
