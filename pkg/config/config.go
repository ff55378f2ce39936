// Package config loads the bridge configuration from a YAML file and applies
// environment variable overrides. All options are static at process start.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultMaxMessageChars is the Slack message size budget the outbox
// renders against. Slack caps text around 4000 characters; a margin is
// kept for markup expansion.
const DefaultMaxMessageChars = 3900

// FileTransferConfig covers the file-transfer sub-options. Only the
// configuration surface is recognized here; transfer handling itself is a
// separate concern.
type FileTransferConfig struct {
	Enabled    bool   `yaml:"enabled" env:"TAKOPI_SLACK_FILES_ENABLED"`
	AutoAccept bool   `yaml:"auto_accept" env:"TAKOPI_SLACK_FILES_AUTO_ACCEPT"`
	UploadsDir string `yaml:"uploads_dir" env:"TAKOPI_SLACK_FILES_UPLOADS_DIR"`
}

// ReminderConfig controls the idle-worktree reminder sweep.
type ReminderConfig struct {
	Enabled       bool          `yaml:"enabled" env:"TAKOPI_SLACK_REMINDER_ENABLED"`
	Threshold     time.Duration `yaml:"threshold" env:"TAKOPI_SLACK_REMINDER_THRESHOLD"`
	CheckInterval time.Duration `yaml:"check_interval" env:"TAKOPI_SLACK_REMINDER_CHECK_INTERVAL"`
	// Cron optionally replaces the fixed interval with a cron expression.
	Cron string `yaml:"cron,omitempty" env:"TAKOPI_SLACK_REMINDER_CRON"`
}

// EngineConfig points the bridge at the external execution engine.
type EngineConfig struct {
	Command string `yaml:"command" env:"TAKOPI_SLACK_ENGINE_COMMAND"`
	Default string `yaml:"default" env:"TAKOPI_SLACK_ENGINE_DEFAULT"`
}

// LogConfig controls the logger sinks.
type LogConfig struct {
	Level string `yaml:"level" env:"TAKOPI_SLACK_LOG_LEVEL"`
	File  string `yaml:"file,omitempty" env:"TAKOPI_SLACK_LOG_FILE"`
}

// Config is the full configuration surface of the bridge process.
type Config struct {
	// BotToken is the bot credential (xoxb-) used for Web API calls.
	BotToken string `yaml:"bot_token" env:"TAKOPI_SLACK_BOT_TOKEN"`
	// AppToken is the app-level credential (xapp-) used to open the socket.
	AppToken string `yaml:"app_token" env:"TAKOPI_SLACK_APP_TOKEN"`
	// ChannelID is the single channel or DM this process is bound to.
	ChannelID string `yaml:"channel_id" env:"TAKOPI_SLACK_CHANNEL_ID"`

	// MessageOverflow is "split" or "trim".
	MessageOverflow string `yaml:"message_overflow" env:"TAKOPI_SLACK_MESSAGE_OVERFLOW"`
	MaxMessageChars int    `yaml:"max_message_chars" env:"TAKOPI_SLACK_MAX_MESSAGE_CHARS"`

	// StorePath locates the durable thread-session database.
	StorePath string `yaml:"store_path" env:"TAKOPI_SLACK_STORE_PATH"`
	// WorktreesDir is scanned by the idle-reminder sweep.
	WorktreesDir string `yaml:"worktrees_dir" env:"TAKOPI_SLACK_WORKTREES_DIR"`

	Files    FileTransferConfig `yaml:"files"`
	Reminder ReminderConfig     `yaml:"reminder"`
	Engine   EngineConfig       `yaml:"engine"`
	Log      LogConfig          `yaml:"log"`
}

// DefaultConfig returns a config with every optional knob at its default.
func DefaultConfig() *Config {
	return &Config{
		MessageOverflow: "split",
		MaxMessageChars: DefaultMaxMessageChars,
		StorePath:       defaultStorePath(),
		Files: FileTransferConfig{
			AutoAccept: true,
			UploadsDir: "incoming",
		},
		Reminder: ReminderConfig{
			Threshold:     24 * time.Hour,
			CheckInterval: 15 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "takopi-slack.db"
	}
	return filepath.Join(home, ".takopi", "slack-sessions.db")
}

// Load reads the YAML file at path (missing file is not an error — defaults
// apply), then overlays environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Env-only configuration is allowed.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and enum values.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("config: bot_token is required")
	}
	if c.AppToken == "" {
		return fmt.Errorf("config: app_token is required")
	}
	if c.ChannelID == "" {
		return fmt.Errorf("config: channel_id is required")
	}
	switch c.MessageOverflow {
	case "split", "trim":
	default:
		return fmt.Errorf("config: message_overflow must be \"split\" or \"trim\", got %q", c.MessageOverflow)
	}
	if c.MaxMessageChars <= 0 {
		c.MaxMessageChars = DefaultMaxMessageChars
	}
	if c.Reminder.Enabled {
		if c.Reminder.Threshold <= 0 {
			return fmt.Errorf("config: reminder.threshold must be positive")
		}
		if c.Reminder.CheckInterval <= 0 && c.Reminder.Cron == "" {
			return fmt.Errorf("config: reminder.check_interval or reminder.cron is required")
		}
	}
	return nil
}
