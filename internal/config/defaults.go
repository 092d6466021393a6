package config

import (
	"time"

	"github.com/knadh/koanf/providers/confmap"
)

func DefaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"engine": map[string]interface{}{
			"tick_interval":        "30s",
			"max_dispatch_retries": 3,
			"retry_backoff":        "30s",
			"max_retry_backoff":    "5m",
			"conflict_retries":     5,
			"dispatch_lease":       "2m",
			"sweep_concurrency":    16,
			"expire_grace":         "0s",
		},
		// Minutes after the due time at which each notification goes out.
		"tiers": map[string]interface{}{
			"critical":  []int{0, 5, 10, 15, 20},
			"important": []int{0, 15, 30},
			"normal":    []int{0, 60},
			"optional":  []int{0},
		},
		"store": map[string]interface{}{
			"driver":         DriverSQLite,
			"sqlite_path":    "~/.nagbot/nagbot.db",
			"postgres_dsn":   "",
			"nats_bucket":    "NAGBOT_REMINDERS",
			"purge_schedule": "@daily",
			"retention":      (30 * 24 * time.Hour).String(),
		},
		"nats": map[string]interface{}{
			"url": "nats://127.0.0.1:4222",
		},
		"telegram": map[string]interface{}{
			"enabled":      true,
			"bot_token":    "",
			"poll_timeout": 60,
		},
		"notify": map[string]interface{}{
			"log":             false,
			"dbus":            false,
			"dbus_app_name":   "nagbot",
			"dbus_timeout_ms": 10000,
		},
		"intent": map[string]interface{}{
			"deepseek": false,
			"api_key":  "",
			"model":    "deepseek-chat",
		},
		"http": map[string]interface{}{
			"enabled": true,
			"addr":    "127.0.0.1:8080",
		},
		"events": map[string]interface{}{
			"enabled": false,
			"subject": "nagbot.reminder.expired",
		},
		"log": map[string]interface{}{
			"level":       "info",
			"development": false,
		},
	}
}

func NewDefaultProvider() *confmap.Confmap {
	return confmap.Provider(DefaultConfig(), ".")
}

func GetDefaultConfigPath() string {
	return "~/.nagbot/config.yaml"
}
