package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notexe/nagbot/internal/reminder"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	t.Setenv("DEEPSEEK_API_KEY", "")
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Telegram.BotToken = "123:abc"
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("NAGBOT_DB_PATH", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 3, cfg.Engine.MaxDispatchRetries)
	assert.Equal(t, 2*time.Minute, cfg.Engine.DispatchLease)
	assert.Equal(t, []int{0, 5, 10, 15, 20}, cfg.Tiers["critical"])
	assert.Equal(t, []int{0}, cfg.Tiers["optional"])
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 30*24*time.Hour, cfg.Store.Retention)
	assert.Contains(t, cfg.Store.SQLitePath, "nagbot.db")
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  tick_interval: 10s
  expire_grace: 5m
tiers:
  critical: [0, 1, 2]
  someday: [0, 1440]
store:
  driver: memory
log:
  level: debug
`), 0o600))

	t.Setenv("NAGBOT_ENGINE__SWEEP_CONCURRENCY", "4")
	t.Setenv("NAGBOT_HTTP__ADDR", ":9090")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("DEEPSEEK_API_KEY", "sk-test")
	t.Setenv("NAGBOT_DB_PATH", "/tmp/nag.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 5*time.Minute, cfg.Engine.ExpireGrace)
	assert.Equal(t, 4, cfg.Engine.SweepConcurrency)
	assert.Equal(t, []int{0, 1, 2}, cfg.Tiers["critical"])
	assert.Equal(t, []int{0, 1440}, cfg.Tiers["someday"])
	assert.Equal(t, []int{0, 60}, cfg.Tiers["normal"], "untouched tiers keep defaults")
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "/tmp/nag.db", cfg.Store.SQLitePath)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, "sk-test", cfg.Intent.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
	require.NoError(t, cfg.Validate())

	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.True(t, p.Known(reminder.Tier("someday")))
}

func TestLoad_MissingFileIsIgnored(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"zero tick", func(c *Config) { c.Engine.TickInterval = 0 }, "tick_interval"},
		{"empty tier", func(c *Config) { c.Tiers["normal"] = nil }, "tiers"},
		{"negative offset", func(c *Config) { c.Tiers["normal"] = []int{-1} }, "tiers"},
		{"zero lease", func(c *Config) { c.Engine.DispatchLease = 0 }, "engine"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }, "unknown store driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "postgres_dsn"},
		{"bad purge schedule", func(c *Config) { c.Store.PurgeSchedule = "sometimes" }, "purge_schedule"},
		{"purge without retention", func(c *Config) { c.Store.Retention = 0 }, "retention"},
		{"purge disabled", func(c *Config) { c.Store.PurgeSchedule = ""; c.Store.Retention = 0 }, ""},
		{"telegram without token", func(c *Config) { c.Telegram.BotToken = "" }, "TELEGRAM_BOT_TOKEN"},
		{"deepseek without key", func(c *Config) { c.Intent.DeepSeek = true }, "DEEPSEEK_API_KEY"},
		{"events without subject", func(c *Config) { c.Events.Enabled = true; c.Events.Subject = "" }, "events.subject"},
		{"no sinks", func(c *Config) { c.Telegram.Enabled = false }, "no notification sink"},
		{"dbus only", func(c *Config) { c.Telegram.Enabled = false; c.Notify.DBus = true }, ""},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := validConfig(t)
	ec := cfg.EngineConfig()
	assert.Equal(t, reminder.DefaultConfig(), ec)
}
