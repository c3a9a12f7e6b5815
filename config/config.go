// Package config loads runner defaults from the user's config file.
// Settings live in config.yaml under the resolved config directory and
// every field is optional.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tacogips/claude-agent-sdk-go/agent"
	"github.com/tacogips/claude-agent-sdk-go/paths"
)

// permissionModes are the modes the CLI accepts for --permission-mode.
var permissionModes = map[string]bool{
	"default":           true,
	"acceptEdits":       true,
	"bypassPermissions": true,
	"plan":              true,
}

// Config holds user-level defaults applied to every new session. CLI
// flags and per-session options take precedence over these.
type Config struct {
	CLIPath        string `yaml:"cli_path,omitempty"`
	Model          string `yaml:"model,omitempty"`
	PermissionMode string `yaml:"permission_mode,omitempty"`
	SystemPrompt   string `yaml:"system_prompt,omitempty"`

	AllowedTools    []string `yaml:"allowed_tools,omitempty"`
	DisallowedTools []string `yaml:"disallowed_tools,omitempty"`

	MaxTurns     int     `yaml:"max_turns,omitempty"`
	MaxBudgetUSD float64 `yaml:"max_budget_usd,omitempty"`

	RequestTimeout   *Duration `yaml:"request_timeout,omitempty"`
	InterruptTimeout *Duration `yaml:"interrupt_timeout,omitempty"`

	IncludePartialMessages bool `yaml:"include_partial_messages,omitempty"`
}

// Duration wraps time.Duration with YAML unmarshaling from human-readable
// strings like "30s", "2m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Load reads the user's config file. A missing file yields the zero
// config, not an error.
func Load() (*Config, error) {
	fp, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(fp)
}

// LoadFrom reads and validates a config file at an explicit path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field ranges and enumerations.
func (c *Config) Validate() error {
	if c.PermissionMode != "" && !permissionModes[c.PermissionMode] {
		return fmt.Errorf("unknown permission_mode %q", c.PermissionMode)
	}
	if c.MaxTurns < 0 {
		return fmt.Errorf("max_turns must not be negative, got %d", c.MaxTurns)
	}
	if c.MaxBudgetUSD < 0 {
		return fmt.Errorf("max_budget_usd must not be negative, got %g", c.MaxBudgetUSD)
	}
	if c.RequestTimeout != nil && c.RequestTimeout.Duration <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.InterruptTimeout != nil && c.InterruptTimeout.Duration <= 0 {
		return fmt.Errorf("interrupt_timeout must be positive, got %s", c.InterruptTimeout)
	}
	return nil
}

// Options maps the config onto runner options for a new session.
func (c *Config) Options() agent.Options {
	opts := agent.Options{
		CLIPath:                c.CLIPath,
		Model:                  c.Model,
		PermissionMode:         c.PermissionMode,
		SystemPrompt:           c.SystemPrompt,
		AllowedTools:           c.AllowedTools,
		DisallowedTools:        c.DisallowedTools,
		MaxTurns:               c.MaxTurns,
		MaxBudgetUSD:           c.MaxBudgetUSD,
		IncludePartialMessages: c.IncludePartialMessages,
	}
	if c.RequestTimeout != nil {
		opts.RequestTimeout = c.RequestTimeout.Duration
	}
	if c.InterruptTimeout != nil {
		opts.InterruptTimeout = c.InterruptTimeout.Duration
	}
	return opts
}
