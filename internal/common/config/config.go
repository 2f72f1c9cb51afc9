// Package config provides configuration management for Lugh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Lugh.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Workspace    WorkspaceConfig    `mapstructure:"workspace"`
	Pool         PoolConfig         `mapstructure:"pool"`
	Worktree     WorktreeConfig     `mapstructure:"worktree"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Assistant    AssistantConfig    `mapstructure:"assistant"`
	MCP          MCPConfig          `mapstructure:"mcp"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite3" (default, Path-based) or "pgx"
// (PostgreSQL, host/port-based). PostgreSQL additionally enables the
// LISTEN/NOTIFY pub/sub transport.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // SQLite database file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorkspaceConfig holds the base directory where codebases and worktrees live.
type WorkspaceConfig struct {
	// Path is the workspace base directory. Supports ~ expansion.
	// Default: ~/.lugh/workspaces (env: WORKSPACE_PATH)
	Path string `mapstructure:"path"`
}

// PoolConfig holds agent pool configuration.
type PoolConfig struct {
	// Size is the number of in-process workers started by the server.
	// Default: 4 (env: AGENT_POOL_SIZE)
	Size int `mapstructure:"size"`

	// HeartbeatIntervalMs drives the coordinator maintenance tick
	// (stale-agent pruning and stuck-task reassignment).
	// Default: 30000 (env: AGENT_HEARTBEAT_INTERVAL_MS)
	HeartbeatIntervalMs int `mapstructure:"heartbeatIntervalMs"`

	// WorkerHeartbeatIntervalMs is the per-worker pulse period.
	// Default: 5000
	WorkerHeartbeatIntervalMs int `mapstructure:"workerHeartbeatIntervalMs"`

	// StaleThreshold is the age in seconds after which a silent agent is
	// marked offline. Default: 120 (env: AGENT_STALE_THRESHOLD)
	StaleThreshold int `mapstructure:"staleThreshold"`

	// TaskTimeout is the runtime in seconds after which an assigned/running
	// task is returned to the queue. Default: 300 (env: AGENT_TASK_TIMEOUT)
	TaskTimeout int `mapstructure:"taskTimeout"`

	// WaitTimeoutMs is the default timeout for waiting on a task result.
	// Default: 300000
	WaitTimeoutMs int `mapstructure:"waitTimeoutMs"`
}

// WorktreeConfig holds isolation worktree configuration.
type WorktreeConfig struct {
	// MaxPerCodebase caps active isolation envs per codebase.
	// Default: 10 (env: MAX_WORKTREES_PER_CODEBASE)
	MaxPerCodebase int `mapstructure:"maxPerCodebase"`

	// StaleThresholdDays marks envs with no commits in this many days as
	// stale-cleanup candidates. Default: 14 (env: STALE_THRESHOLD_DAYS)
	StaleThresholdDays int `mapstructure:"staleThresholdDays"`

	// DefaultBranch is the fallback base branch when detection fails.
	DefaultBranch string `mapstructure:"defaultBranch"`
}

// OrchestratorConfig holds conversation pipeline configuration.
type OrchestratorConfig struct {
	// LongResponseThreshold is the character count above which a batch-mode
	// response is written to a file. Default: 2000 (env: LONG_RESPONSE_THRESHOLD)
	LongResponseThreshold int `mapstructure:"longResponseThreshold"`

	// NotifyOnRiskTools sends a notification line for high-risk tool calls.
	// Default: true (env: NOTIFY_ON_RISK_TOOLS)
	NotifyOnRiskTools bool `mapstructure:"notifyOnRiskTools"`

	// BlockingApprovals makes high-risk tools wait for operator approval.
	// Default: false (env: BLOCKING_APPROVALS)
	BlockingApprovals bool `mapstructure:"blockingApprovals"`
}

// AssistantConfig holds assistant session backend configuration.
type AssistantConfig struct {
	// Command is the CLI binary launched for assistant sessions.
	Command string `mapstructure:"command"`

	// Model is passed through to the CLI when set.
	Model string `mapstructure:"model"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatInterval returns the coordinator maintenance tick as a duration.
func (p *PoolConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalMs) * time.Millisecond
}

// WorkerHeartbeatInterval returns the worker pulse period as a duration.
func (p *PoolConfig) WorkerHeartbeatInterval() time.Duration {
	return time.Duration(p.WorkerHeartbeatIntervalMs) * time.Millisecond
}

// StaleThresholdDuration returns the agent stale threshold as a duration.
func (p *PoolConfig) StaleThresholdDuration() time.Duration {
	return time.Duration(p.StaleThreshold) * time.Second
}

// TaskTimeoutDuration returns the stuck-task threshold as a duration.
func (p *PoolConfig) TaskTimeoutDuration() time.Duration {
	return time.Duration(p.TaskTimeout) * time.Second
}

// WaitTimeout returns the result-wait timeout as a duration.
func (p *PoolConfig) WaitTimeout() time.Duration {
	return time.Duration(p.WaitTimeoutMs) * time.Millisecond
}

// ExpandedPath returns the workspace base with ~ expanded to the user's home directory.
func (w *WorkspaceConfig) ExpandedPath() (string, error) {
	path := w.Path
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("LUGH_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - SQLite file unless a Postgres host is configured
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "lugh.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "lugh")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "lugh")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "lugh-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Workspace defaults
	v.SetDefault("workspace.path", "~/.lugh/workspaces")

	// Pool defaults
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.heartbeatIntervalMs", 30000)
	v.SetDefault("pool.workerHeartbeatIntervalMs", 5000)
	v.SetDefault("pool.staleThreshold", 120)
	v.SetDefault("pool.taskTimeout", 300)
	v.SetDefault("pool.waitTimeoutMs", 300000)

	// Worktree defaults
	v.SetDefault("worktree.maxPerCodebase", 10)
	v.SetDefault("worktree.staleThresholdDays", 14)
	v.SetDefault("worktree.defaultBranch", "main")

	// Orchestrator defaults
	v.SetDefault("orchestrator.longResponseThreshold", 2000)
	v.SetDefault("orchestrator.notifyOnRiskTools", true)
	v.SetDefault("orchestrator.blockingApprovals", false)

	// Assistant defaults
	v.SetDefault("assistant.command", "claude")
	v.SetDefault("assistant.model", "")

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LUGH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/lugh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("LUGH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the platform's documented env vars. AutomaticEnv
	// does not handle camelCase keys or unprefixed names, so each documented
	// variable is bound alongside its LUGH_-prefixed form.
	_ = v.BindEnv("workspace.path", "WORKSPACE_PATH", "LUGH_WORKSPACE_PATH")
	_ = v.BindEnv("pool.size", "AGENT_POOL_SIZE", "LUGH_POOL_SIZE")
	_ = v.BindEnv("pool.heartbeatIntervalMs", "AGENT_HEARTBEAT_INTERVAL_MS", "LUGH_POOL_HEARTBEAT_INTERVAL_MS")
	_ = v.BindEnv("pool.staleThreshold", "AGENT_STALE_THRESHOLD", "LUGH_POOL_STALE_THRESHOLD")
	_ = v.BindEnv("pool.taskTimeout", "AGENT_TASK_TIMEOUT", "LUGH_POOL_TASK_TIMEOUT")
	_ = v.BindEnv("worktree.maxPerCodebase", "MAX_WORKTREES_PER_CODEBASE", "LUGH_WORKTREE_MAX_PER_CODEBASE")
	_ = v.BindEnv("worktree.staleThresholdDays", "STALE_THRESHOLD_DAYS", "LUGH_WORKTREE_STALE_THRESHOLD_DAYS")
	_ = v.BindEnv("orchestrator.longResponseThreshold", "LONG_RESPONSE_THRESHOLD", "LUGH_ORCHESTRATOR_LONG_RESPONSE_THRESHOLD")
	_ = v.BindEnv("orchestrator.notifyOnRiskTools", "NOTIFY_ON_RISK_TOOLS", "LUGH_ORCHESTRATOR_NOTIFY_ON_RISK_TOOLS")
	_ = v.BindEnv("orchestrator.blockingApprovals", "BLOCKING_APPROVALS", "LUGH_ORCHESTRATOR_BLOCKING_APPROVALS")
	_ = v.BindEnv("database.path", "LUGH_DB_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/lugh/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - Postgres fields only matter when a host is set
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	if cfg.Workspace.Path == "" {
		errs = append(errs, "workspace.path must not be empty")
	}

	if cfg.Pool.Size <= 0 {
		errs = append(errs, "pool.size must be positive")
	}
	if cfg.Pool.HeartbeatIntervalMs <= 0 {
		errs = append(errs, "pool.heartbeatIntervalMs must be positive")
	}
	if cfg.Pool.WorkerHeartbeatIntervalMs <= 0 {
		errs = append(errs, "pool.workerHeartbeatIntervalMs must be positive")
	}
	if cfg.Pool.StaleThreshold <= 0 {
		errs = append(errs, "pool.staleThreshold must be positive")
	}
	if cfg.Pool.TaskTimeout <= 0 {
		errs = append(errs, "pool.taskTimeout must be positive")
	}

	if cfg.Worktree.MaxPerCodebase < 1 {
		errs = append(errs, "worktree.maxPerCodebase must be at least 1")
	}
	if cfg.Worktree.StaleThresholdDays < 1 {
		errs = append(errs, "worktree.staleThresholdDays must be at least 1")
	}

	if cfg.Orchestrator.LongResponseThreshold <= 0 {
		errs = append(errs, "orchestrator.longResponseThreshold must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// UsePostgres reports whether the Postgres backend is configured.
func (d *DatabaseConfig) UsePostgres() bool {
	return d.Driver == "pgx" || d.Host != ""
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
