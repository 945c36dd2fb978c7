// Package config loads and validates the core's recognized options (§6).
// It generalizes the teacher's configuration.go (Mattermost-panel-sourced
// struct with Clone/IsValid/boolFromStr helpers) into a koanf-sourced
// struct: the same shape, a different provider.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// CLIProvider selects which AI-CLI command-builder variant the CLI Driver
// uses (Design Notes §9: a tagged variant, selected at startup).
type CLIProvider string

const (
	CLIProviderClaude CLIProvider = "claude"
	CLIProviderCursor CLIProvider = "cursor"
)

// Config captures every recognized option in §6. Public fields are
// deserialized from environment variables (prefix TASKFLOW_) and/or an
// optional YAML file; env always wins on conflict, matching koanf's
// provider-merge order below.
type Config struct {
	LogRoot                string            `koanf:"log_root"`
	LeaseSeconds           int               `koanf:"lease_seconds"`
	MaxAttempts            int               `koanf:"max_attempts"`
	TaskDeadlineSeconds    int               `koanf:"task_deadline_seconds"`
	CLIProvider            CLIProvider       `koanf:"cli_provider"`
	MaxConcurrentPerWorker int               `koanf:"max_concurrent_per_worker"`
	ServiceBaseURLs        map[string]string `koanf:"service_base_urls"`
	WebhookSecrets         map[string]string `koanf:"webhook_secrets"`
	WorkspaceRoot          string            `koanf:"workspace_root"`
	PostgresDSN            string            `koanf:"postgres_dsn"`
	RedisAddr              string            `koanf:"redis_addr"`
	ListenAddr             string            `koanf:"listen_addr"`
	AgentHandle            string            `koanf:"agent_handle"`
	TriggerLabel           string            `koanf:"trigger_label"`
	TriggerKeyword         string            `koanf:"trigger_keyword"`
	EnableDebugLogging     bool              `koanf:"enable_debug_logging"`

	// InstallationAccessTokens looks up the per-installation credential
	// read by installation id (§3 Installation.access token) that the
	// Repo Workspace Manager presents to git over askpass; acquiring and
	// refreshing these tokens is an out-of-scope auth flow (§1
	// Non-goals) this map only represents the core's read side of.
	InstallationAccessTokens map[string]string `koanf:"installation_access_tokens"`
	CodeForgeCloneHost       string            `koanf:"code_forge_clone_host"`
}

// defaults supplies the value of every tunable in §6 left unset; a value
// that is set but below its floor is rejected by IsValid, not replaced.
func defaults() *Config {
	return &Config{
		LogRoot:                "/data/logs/tasks",
		LeaseSeconds:           900,
		MaxAttempts:            3,
		TaskDeadlineSeconds:    1800,
		CLIProvider:            CLIProviderClaude,
		MaxConcurrentPerWorker: 1,
		WorkspaceRoot:          "/data/workspaces",
		CodeForgeCloneHost:     "github.com",
		ListenAddr:             ":8080",
		AgentHandle:            "agent",
		TriggerLabel:           "ai-agent",
		TriggerKeyword:         "/agent",
	}
}

// Load reads defaults, then an optional YAML file at path (if non-empty
// and present), then environment variables prefixed TASKFLOW_, in that
// precedence order (later providers win), and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()
	if err := k.Load(structProvider(cfg), nil); err != nil {
		return nil, errors.Wrap(err, "failed to seed default configuration")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration file %q", path)
		}
	}

	if err := k.Load(env.Provider("TASKFLOW_", ".", envTransform), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load environment configuration")
	}

	out := defaults()
	if err := k.Unmarshal("", out); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}

	if err := out.IsValid(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsValid checks that required configuration is present and well-formed,
// generalizing the teacher's configuration.IsValid().
func (c *Config) IsValid() error {
	if c.LeaseSeconds < 1 {
		return fmt.Errorf("lease_seconds must be positive, got %d", c.LeaseSeconds)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.TaskDeadlineSeconds < 1 {
		return fmt.Errorf("task_deadline_seconds must be positive, got %d", c.TaskDeadlineSeconds)
	}
	if c.CLIProvider != CLIProviderClaude && c.CLIProvider != CLIProviderCursor {
		return fmt.Errorf("cli_provider must be 'claude' or 'cursor', got %q", c.CLIProvider)
	}
	if c.MaxConcurrentPerWorker < 1 {
		return fmt.Errorf("max_concurrent_per_worker must be at least 1, got %d", c.MaxConcurrentPerWorker)
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres_dsn is required")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required")
	}
	return nil
}

// Lease returns LeaseSeconds as a time.Duration, the unit every consumer
// actually wants.
func (c *Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// TaskDeadline returns TaskDeadlineSeconds as a time.Duration.
func (c *Config) TaskDeadline() time.Duration {
	return time.Duration(c.TaskDeadlineSeconds) * time.Second
}

// Clone shallow-copies the configuration, matching the teacher's Clone().
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
