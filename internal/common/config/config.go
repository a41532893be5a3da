// Package config provides configuration management for runhub.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for runhub.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Registry RegistryConfig `mapstructure:"registry"`
	Commands CommandsConfig `mapstructure:"commands"`
	Redact   RedactConfig   `mapstructure:"redact"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds gateway HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the sqlite store configuration.
type DatabaseConfig struct {
	Path         string `mapstructure:"path"`
	ArtifactsDir string `mapstructure:"artifactsDir"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds the signed-request codec configuration.
type AuthConfig struct {
	HMACSecret         string `mapstructure:"hmacSecret"`
	ClockSkewSeconds   int    `mapstructure:"clockSkewSeconds"`
	NonceExpirySeconds int    `mapstructure:"nonceExpirySeconds"`
}

// RegistryConfig holds agent liveness thresholds.
type RegistryConfig struct {
	DegradedThresholdSeconds int `mapstructure:"degradedThresholdSeconds"`
	OfflineThresholdSeconds  int `mapstructure:"offlineThresholdSeconds"`
}

// CommandsConfig holds the operator command allowlist. Entries match exactly
// or as a single-word prefix of the submitted command.
type CommandsConfig struct {
	Allowlist []string `mapstructure:"allowlist"`
}

// RedactConfig holds the secret redaction patterns applied to all outbound
// text.
type RedactConfig struct {
	Patterns []string `mapstructure:"patterns"`
}

// AgentConfig holds the agent host configuration.
type AgentConfig struct {
	GatewayURL              string `mapstructure:"gatewayUrl"`
	AgentID                 string `mapstructure:"agentId"`
	Label                   string `mapstructure:"label"`
	MaxConcurrent           int    `mapstructure:"maxConcurrent"`
	CommandPollIntervalMS   int    `mapstructure:"commandPollIntervalMs"`
	ClaimPollIntervalMS     int    `mapstructure:"claimPollIntervalMs"`
	HeartbeatIntervalMS     int    `mapstructure:"heartbeatIntervalMs"`
	WorkDir                 string `mapstructure:"workDir"`
	RunsDir                 string `mapstructure:"runsDir"`
	IngestTimeoutSeconds    int    `mapstructure:"ingestTimeoutSeconds"`
	IngestRetries           int    `mapstructure:"ingestRetries"`
	ProcessedCommandTTLMS   int    `mapstructure:"processedCommandTtlMs"`
	StopGraceSeconds        int    `mapstructure:"stopGraceSeconds"`
}

// WorkerConfig describes how to spawn one worker type.
type WorkerConfig struct {
	Binary       string   `mapstructure:"binary"`
	Subcommand   string   `mapstructure:"subcommand"`
	DefaultModel string   `mapstructure:"defaultModel"`
	Args         []string `mapstructure:"args"`
	PromptFlag   string   `mapstructure:"promptFlag"`
	ModelFlag    string   `mapstructure:"modelFlag"`
	// Shell opts this worker type into shell execution. Off by default:
	// shell=true corrupts prompt arguments with spaces or quotes on some
	// platforms.
	Shell bool `mapstructure:"shell"`
}

// WorkersConfig maps worker type names to their spawn recipes.
type WorkersConfig map[string]WorkerConfig

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ClockSkew returns the allowed timestamp skew as a duration.
func (a *AuthConfig) ClockSkew() time.Duration {
	return time.Duration(a.ClockSkewSeconds) * time.Second
}

// NonceExpiry returns the replay window as a duration.
func (a *AuthConfig) NonceExpiry() time.Duration {
	return time.Duration(a.NonceExpirySeconds) * time.Second
}

// CommandPollInterval returns the command poll cadence as a duration.
func (a *AgentConfig) CommandPollInterval() time.Duration {
	return time.Duration(a.CommandPollIntervalMS) * time.Millisecond
}

// ClaimPollInterval returns the claim poll cadence as a duration.
func (a *AgentConfig) ClaimPollInterval() time.Duration {
	return time.Duration(a.ClaimPollIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (a *AgentConfig) HeartbeatInterval() time.Duration {
	return time.Duration(a.HeartbeatIntervalMS) * time.Millisecond
}

// ProcessedCommandTTL returns the dedupe window for processed command ids.
func (a *AgentConfig) ProcessedCommandTTL() time.Duration {
	return time.Duration(a.ProcessedCommandTTLMS) * time.Millisecond
}

// StopGrace returns how long a stop waits before force-killing.
func (a *AgentConfig) StopGrace() time.Duration {
	return time.Duration(a.StopGraceSeconds) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 60)

	v.SetDefault("database.path", "runhub.db")
	v.SetDefault("database.artifactsDir", "artifacts")

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "runhub-gateway")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("auth.hmacSecret", "")
	v.SetDefault("auth.clockSkewSeconds", 300)
	v.SetDefault("auth.nonceExpirySeconds", 600)

	v.SetDefault("registry.degradedThresholdSeconds", 30)
	v.SetDefault("registry.offlineThresholdSeconds", 120)

	v.SetDefault("commands.allowlist", []string{
		"git status", "git diff", "git log", "ls", "pwd", "cat",
	})

	v.SetDefault("redact.patterns", []string{
		`sk-[A-Za-z0-9\-_]{20,}`,
		`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`,
		`ghp_[A-Za-z0-9]{36}`,
		`AKIA[0-9A-Z]{16}`,
	})

	v.SetDefault("agent.gatewayUrl", "http://localhost:8080")
	v.SetDefault("agent.agentId", "")
	v.SetDefault("agent.label", "")
	v.SetDefault("agent.maxConcurrent", 4)
	v.SetDefault("agent.commandPollIntervalMs", 1000)
	v.SetDefault("agent.claimPollIntervalMs", 2000)
	v.SetDefault("agent.heartbeatIntervalMs", 10000)
	v.SetDefault("agent.workDir", "")
	v.SetDefault("agent.runsDir", defaultRunsDir())
	v.SetDefault("agent.ingestTimeoutSeconds", 30)
	v.SetDefault("agent.ingestRetries", 3)
	v.SetDefault("agent.processedCommandTtlMs", 10000)
	v.SetDefault("agent.stopGraceSeconds", 10)

	v.SetDefault("workers", map[string]any{
		"claude": map[string]any{
			"binary":     "claude",
			"args":       []string{"--print", "--verbose"},
			"modelFlag":  "--model",
		},
		"codex": map[string]any{
			"binary":     "codex",
			"subcommand": "exec",
			"modelFlag":  "--model",
		},
		"gemini": map[string]any{
			"binary":     "gemini",
			"args":       []string{"--output-format", "text", "--approval-mode", "auto_edit"},
			"promptFlag": "--prompt",
			"modelFlag":  "--model",
		},
		"ollama-launch": map[string]any{
			"binary":       "ollama",
			"subcommand":   "run",
			"defaultModel": "qwen2.5-coder",
		},
		"rev": map[string]any{
			"binary": "rev-agent",
			"args":   []string{"--llm-provider", "openai", "--trust-workspace"},
		},
		"vnc": map[string]any{
			"binary": "bash",
			"shell":  true,
		},
		"hands-on": map[string]any{
			"binary": "bash",
			"shell":  true,
		},
	})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultRunsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runhub/runs"
	}
	return home + "/.runhub/runs"
}

// detectDefaultLogFormat returns "json" in production environments and "text"
// for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("RUNHUB_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix RUNHUB_ with snake_case
// naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RUNHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not convert camelCase keys, so bind the ones whose
	// env names differ from their config keys.
	_ = v.BindEnv("auth.hmacSecret", "RUNHUB_AUTH_HMAC_SECRET")
	_ = v.BindEnv("auth.clockSkewSeconds", "RUNHUB_AUTH_CLOCK_SKEW_SECONDS")
	_ = v.BindEnv("auth.nonceExpirySeconds", "RUNHUB_AUTH_NONCE_EXPIRY_SECONDS")
	_ = v.BindEnv("agent.gatewayUrl", "RUNHUB_GATEWAY_URL")
	_ = v.BindEnv("agent.agentId", "RUNHUB_AGENT_ID")
	_ = v.BindEnv("database.path", "RUNHUB_DATABASE_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/runhub/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set and that
// every redaction pattern compiles.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Auth.HMACSecret == "" {
		errs = append(errs, "auth.hmacSecret is required")
	}
	if cfg.Auth.ClockSkewSeconds <= 0 {
		errs = append(errs, "auth.clockSkewSeconds must be positive")
	}
	if cfg.Auth.NonceExpirySeconds <= 0 {
		errs = append(errs, "auth.nonceExpirySeconds must be positive")
	}

	if cfg.Agent.MaxConcurrent <= 0 {
		errs = append(errs, "agent.maxConcurrent must be positive")
	}

	for _, p := range cfg.Redact.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Sprintf("redact pattern %q does not compile: %v", p, err))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
