// Package config loads server configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full glass-server configuration
type Config struct {
	// Listen is the HTTP listen address
	// Default: ":7420"
	Listen string `yaml:"listen"`

	// DatabasePath is the SQLite database file location
	// Default: ".glass/glass.db"
	DatabasePath string `yaml:"database_path"`

	// RepoPath is the repository the agent analyzes and fixes
	// Default: current directory
	RepoPath string `yaml:"repo_path"`

	// WorktreeRoot is where fix-session worktrees are created
	// Default: "<repo_path>-worktrees"
	WorktreeRoot string `yaml:"worktree_root"`

	// EventGraceSeconds is how long a finished session's event buffer stays
	// available for late subscribers
	// Default: 30
	EventGraceSeconds int `yaml:"event_grace_seconds"`

	Sentry SentryConfig `yaml:"sentry"`
	Agent  AgentConfig  `yaml:"agent"`
}

// SentryConfig holds the Sentry API connection settings
type SentryConfig struct {
	// BaseURL is the Sentry API root (default: hosted sentry.io)
	BaseURL string `yaml:"base_url"`
	// Org is the organization slug (required)
	Org string `yaml:"org"`
	// Project is the project slug (required)
	Project string `yaml:"project"`
	// AuthToken is the API token; prefer the SENTRY_AUTH_TOKEN env var
	// over putting it in the config file
	AuthToken string `yaml:"auth_token"`
	// Query filters which issues are imported (default: "is:unresolved")
	Query string `yaml:"query"`
}

// AgentConfig holds the Claude agent settings
type AgentConfig struct {
	// Model overrides the default model
	Model string `yaml:"model"`
	// MaxTokens is the per-response token cap
	MaxTokens int `yaml:"max_tokens"`
	// MaxConcurrent limits concurrent API calls across sessions
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Listen:            ":7420",
		DatabasePath:      ".glass/glass.db",
		RepoPath:          ".",
		EventGraceSeconds: 30,
	}
}

// EventGrace returns the event buffer grace window as a time.Duration
func (c Config) EventGrace() time.Duration {
	return time.Duration(c.EventGraceSeconds) * time.Second
}

// Load reads the configuration file at path, falling back to defaults if
// path is empty or the file does not exist, then applies environment
// variable overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides file settings with GLASS_* environment variables.
// Secrets (SENTRY_AUTH_TOKEN, ANTHROPIC_API_KEY) are read where they are
// consumed, not here.
func (c *Config) applyEnv() {
	if v := os.Getenv("GLASS_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("GLASS_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("GLASS_REPO_PATH"); v != "" {
		c.RepoPath = v
	}
	if v := os.Getenv("GLASS_WORKTREE_ROOT"); v != "" {
		c.WorktreeRoot = v
	}
	if v := os.Getenv("GLASS_EVENT_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.EventGraceSeconds = n
		}
	}
	if v := os.Getenv("SENTRY_BASE_URL"); v != "" {
		c.Sentry.BaseURL = v
	}
	if v := os.Getenv("SENTRY_ORG"); v != "" {
		c.Sentry.Org = v
	}
	if v := os.Getenv("SENTRY_PROJECT"); v != "" {
		c.Sentry.Project = v
	}
	if v := os.Getenv("SENTRY_QUERY"); v != "" {
		c.Sentry.Query = v
	}
	if v := os.Getenv("GLASS_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := os.Getenv("GLASS_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.MaxTokens = n
		}
	}
	if v := os.Getenv("GLASS_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Agent.MaxConcurrent = n
		}
	}
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.RepoPath == "" {
		return fmt.Errorf("repo_path is required")
	}
	if c.EventGraceSeconds <= 0 {
		return fmt.Errorf("event_grace_seconds must be positive (got %d)", c.EventGraceSeconds)
	}
	if c.Agent.MaxTokens < 0 {
		return fmt.Errorf("agent.max_tokens cannot be negative (got %d)", c.Agent.MaxTokens)
	}
	if c.Agent.MaxConcurrent < 0 {
		return fmt.Errorf("agent.max_concurrent cannot be negative (got %d)", c.Agent.MaxConcurrent)
	}
	return nil
}
