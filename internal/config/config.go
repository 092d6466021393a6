package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"

	"github.com/notexe/nagbot/internal/reminder"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNATS     = "nats"
)

const envPrefix = "NAGBOT_"

type Config struct {
	Engine   EngineConfig     `koanf:"engine"`
	Tiers    map[string][]int `koanf:"tiers"`
	Store    StoreConfig      `koanf:"store"`
	NATS     NATSConfig       `koanf:"nats"`
	Telegram TelegramConfig   `koanf:"telegram"`
	Notify   NotifyConfig     `koanf:"notify"`
	Intent   IntentConfig     `koanf:"intent"`
	HTTP     HTTPConfig       `koanf:"http"`
	Events   EventsConfig     `koanf:"events"`
	Log      LogConfig        `koanf:"log"`
}

type EngineConfig struct {
	TickInterval       time.Duration `koanf:"tick_interval"`
	MaxDispatchRetries int           `koanf:"max_dispatch_retries"`
	RetryBackoff       time.Duration `koanf:"retry_backoff"`
	MaxRetryBackoff    time.Duration `koanf:"max_retry_backoff"`
	ConflictRetries    int           `koanf:"conflict_retries"`
	DispatchLease      time.Duration `koanf:"dispatch_lease"`
	SweepConcurrency   int           `koanf:"sweep_concurrency"`
	ExpireGrace        time.Duration `koanf:"expire_grace"`
}

type StoreConfig struct {
	Driver        string        `koanf:"driver"`
	SQLitePath    string        `koanf:"sqlite_path"`
	PostgresDSN   string        `koanf:"postgres_dsn"`
	NATSBucket    string        `koanf:"nats_bucket"`
	PurgeSchedule string        `koanf:"purge_schedule"` // cron spec; empty disables purging
	Retention     time.Duration `koanf:"retention"`
}

type NATSConfig struct {
	URL string `koanf:"url"`
}

type TelegramConfig struct {
	Enabled     bool   `koanf:"enabled"`
	BotToken    string `koanf:"bot_token"`
	PollTimeout int    `koanf:"poll_timeout"` // seconds
}

type NotifyConfig struct {
	Log           bool   `koanf:"log"`
	DBus          bool   `koanf:"dbus"`
	DBusAppName   string `koanf:"dbus_app_name"`
	DBusTimeoutMs int    `koanf:"dbus_timeout_ms"`
}

type IntentConfig struct {
	DeepSeek bool   `koanf:"deepseek"`
	APIKey   string `koanf:"api_key"`
	Model    string `koanf:"model"`
}

type HTTPConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Subject string `koanf:"subject"`
}

type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Load layers defaults, the YAML file at configPath (if it exists) and
// the environment.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(NewDefaultProvider(), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		configPath = expandPath(configPath)

		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file: %w", err)
			}
		}
	}

	// NAGBOT_ENGINE__TICK_INTERVAL -> engine.tick_interval
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		k.Set("telegram.bot_token", token)
	}
	if apiKey := os.Getenv("DEEPSEEK_API_KEY"); apiKey != "" {
		k.Set("intent.api_key", apiKey)
	}
	if path := os.Getenv("NAGBOT_DB_PATH"); path != "" {
		k.Set("store.sqlite_path", path)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Store.SQLitePath = expandPath(cfg.Store.SQLitePath)

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive")
	}
	if _, err := c.Policy(); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	if err := c.EngineConfig().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres driver")
		}
	case DriverNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for the nats driver")
		}
	default:
		return fmt.Errorf("unknown store driver: %s (supported: %s, %s, %s, %s)",
			c.Store.Driver, DriverMemory, DriverSQLite, DriverPostgres, DriverNATS)
	}
	if c.Store.PurgeSchedule != "" {
		if _, err := cron.ParseStandard(c.Store.PurgeSchedule); err != nil {
			return fmt.Errorf("store.purge_schedule: %w", err)
		}
		if c.Store.Retention <= 0 {
			return fmt.Errorf("store.retention must be positive when purging is enabled")
		}
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("Telegram bot token is required (set TELEGRAM_BOT_TOKEN or add to config file)")
		}
		if c.Telegram.PollTimeout <= 0 {
			return fmt.Errorf("telegram.poll_timeout must be positive")
		}
	}
	if c.Intent.DeepSeek && c.Intent.APIKey == "" {
		return fmt.Errorf("DeepSeek API key is required (set DEEPSEEK_API_KEY or add to config file)")
	}
	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Events.Enabled {
		if c.Events.Subject == "" {
			return fmt.Errorf("events.subject is required")
		}
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required for events")
		}
	}
	if !c.Telegram.Enabled && !c.Notify.DBus && !c.Notify.Log {
		return fmt.Errorf("no notification sink enabled (telegram, notify.dbus or notify.log)")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Log.Level)
	}

	return nil
}

// Policy builds the escalation policy from the tiers table.
func (c *Config) Policy() (*reminder.Policy, error) {
	return reminder.PolicyFromMinutes(c.Tiers, c.Engine.ExpireGrace)
}

// EngineConfig returns the engine tunables.
func (c *Config) EngineConfig() reminder.Config {
	return reminder.Config{
		MaxDispatchRetries: c.Engine.MaxDispatchRetries,
		RetryBackoff:       c.Engine.RetryBackoff,
		MaxRetryBackoff:    c.Engine.MaxRetryBackoff,
		ConflictRetries:    c.Engine.ConflictRetries,
		DispatchLease:      c.Engine.DispatchLease,
		SweepConcurrency:   c.Engine.SweepConcurrency,
	}
}

func expandPath(path string) string {
	if path == "" {
		return path
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}

	return path
}
