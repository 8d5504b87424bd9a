// Package config loads the runtime configuration: a JSON config file plus
// environment overrides for the knobs operators toggle per deployment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
)

// Config is the root configuration.
type Config struct {
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Sessions  SessionsConfig  `json:"sessions"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

// TelegramConfig configures the Telegram channel.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	BotToken  string   `json:"-"` // env AGENTRELAY_TELEGRAM_TOKEN only
	AllowList []string `json:"allow_list,omitempty"`
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	Enabled        bool     `json:"enabled"`
	Skeleton       bool     `json:"skeleton,omitempty"`
	BotToken       string   `json:"-"` // env AGENTRELAY_SLACK_TOKEN only
	AllowedTenants []string `json:"allowed_tenants,omitempty"`
}

// ChannelsConfig groups the channel boundaries.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
}

// ProvidersConfig groups the provider adapters.
type ProvidersConfig struct {
	Primary  string `json:"primary"`  // default "anthropic"
	Fallback string `json:"fallback"` // default "codex", "" disables fallback

	Anthropic AnthropicConfig `json:"anthropic"`
	Echo      EchoConfig      `json:"echo"`
}

// AnthropicConfig configures the primary adapter.
type AnthropicConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"-"` // env AGENTRELAY_ANTHROPIC_API_KEY only
	Model   string `json:"model,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// EchoConfig configures the fallback adapter.
type EchoConfig struct {
	Enabled bool `json:"enabled"`
}

// SessionsConfig configures persistence directories.
type SessionsConfig struct {
	Dir         string `json:"dir"`
	WorkdirsDir string `json:"workdirs_dir"`
	BaseWorkdir string `json:"base_workdir"`
	ChatlogDir  string `json:"chatlog_dir"`
}

// SchedulerConfig configures the cron queue.
type SchedulerConfig struct {
	DrainIntervalSeconds int           `json:"drain_interval_seconds,omitempty"`
	Jobs                 []CronJobSpec `json:"jobs,omitempty"`
}

// CronJobSpec declares one scheduled job.
type CronJobSpec struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Prompt   string `json:"prompt"`
}

// Env holds the environment-recognized knobs.
type Env struct {
	SlackSkeletonEnabled bool     `envconfig:"SLACK_SKELETON_ENABLED"`
	SlackAllowedTenants  []string `envconfig:"SLACK_ALLOWED_TENANTS"`
	SlackToken           string   `envconfig:"AGENTRELAY_SLACK_TOKEN"`
	TelegramToken        string   `envconfig:"AGENTRELAY_TELEGRAM_TOKEN"`
	AnthropicAPIKey      string   `envconfig:"AGENTRELAY_ANTHROPIC_API_KEY"`
	AnthropicEnabled     *bool    `envconfig:"AGENTRELAY_ANTHROPIC_ENABLED"`
	EchoEnabled          *bool    `envconfig:"AGENTRELAY_ECHO_ENABLED"`
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		Providers: ProvidersConfig{
			Primary:   "anthropic",
			Fallback:  "codex",
			Anthropic: AnthropicConfig{Enabled: true},
			Echo:      EchoConfig{Enabled: true},
		},
		Sessions: SessionsConfig{
			Dir:         filepath.Join(dataDir, "sessions"),
			WorkdirsDir: filepath.Join(dataDir, "workdirs"),
			BaseWorkdir: filepath.Join(dataDir, "workspace"),
			ChatlogDir:  dataDir,
		},
		Scheduler: SchedulerConfig{DrainIntervalSeconds: 15},
	}
}

// Load reads the config file (missing file = defaults) and applies env
// overrides.
func Load(path, dataDir string) (*Config, error) {
	cfg := Default(dataDir)

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment knobs onto the config.
func (c *Config) ApplyEnv() error {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}

	if env.SlackSkeletonEnabled {
		c.Channels.Slack.Enabled = true
		c.Channels.Slack.Skeleton = true
	}
	if len(env.SlackAllowedTenants) > 0 {
		c.Channels.Slack.AllowedTenants = env.SlackAllowedTenants
	}
	if env.SlackToken != "" {
		c.Channels.Slack.BotToken = env.SlackToken
	}
	if env.TelegramToken != "" {
		c.Channels.Telegram.BotToken = env.TelegramToken
		c.Channels.Telegram.Enabled = true
	}
	if env.AnthropicAPIKey != "" {
		c.Providers.Anthropic.APIKey = env.AnthropicAPIKey
	}
	if env.AnthropicEnabled != nil {
		c.Providers.Anthropic.Enabled = *env.AnthropicEnabled
	}
	if env.EchoEnabled != nil {
		c.Providers.Echo.Enabled = *env.EchoEnabled
	}
	return nil
}
