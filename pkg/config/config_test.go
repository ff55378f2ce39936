package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
bot_token: xoxb-test
app_token: xapp-test
channel_id: C123
message_overflow: trim
worktrees_dir: /var/worktrees
reminder:
  enabled: true
  threshold: 48h
  check_interval: 30m
engine:
  command: takopi-engine
  default: codex
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "xoxb-test", cfg.BotToken)
	assert.Equal(t, "C123", cfg.ChannelID)
	assert.Equal(t, "trim", cfg.MessageOverflow)
	assert.Equal(t, DefaultMaxMessageChars, cfg.MaxMessageChars)
	assert.Equal(t, 48*time.Hour, cfg.Reminder.Threshold)
	assert.Equal(t, "codex", cfg.Engine.Default)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
bot_token: xoxb-file
app_token: xapp-file
channel_id: C123
`)
	t.Setenv("TAKOPI_SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("TAKOPI_SLACK_MESSAGE_OVERFLOW", "trim")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "xoxb-env", cfg.BotToken)
	assert.Equal(t, "xapp-file", cfg.AppToken)
	assert.Equal(t, "trim", cfg.MessageOverflow)
}

func TestMissingFileAllowsEnvOnly(t *testing.T) {
	t.Setenv("TAKOPI_SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv("TAKOPI_SLACK_APP_TOKEN", "xapp-env")
	t.Setenv("TAKOPI_SLACK_CHANNEL_ID", "C9")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "C9", cfg.ChannelID)
	assert.Equal(t, "split", cfg.MessageOverflow)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.BotToken = "xoxb"
		cfg.AppToken = "xapp"
		cfg.ChannelID = "C1"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing bot token", func(c *Config) { c.BotToken = "" }, "bot_token"},
		{"missing app token", func(c *Config) { c.AppToken = "" }, "app_token"},
		{"missing channel", func(c *Config) { c.ChannelID = "" }, "channel_id"},
		{"bad overflow", func(c *Config) { c.MessageOverflow = "wrap" }, "message_overflow"},
		{"reminder without threshold", func(c *Config) {
			c.Reminder.Enabled = true
			c.Reminder.Threshold = 0
		}, "reminder.threshold"},
		{"reminder cron instead of interval", func(c *Config) {
			c.Reminder.Enabled = true
			c.Reminder.CheckInterval = 0
			c.Reminder.Cron = "0 9 * * *"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestMalformedYAML(t *testing.T) {
	path := writeConfig(t, "bot_token: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}
