/*
Package config loads service configuration from the environment.

PURPOSE:
  One struct for every tunable, mapped from environment variables with
  envconfig. A local .env file is loaded first when present, so dev
  machines don't need to export anything.

BACKENDS:
  STORE_BACKEND selects the primary store:
    memory   - in-process, volatile (dev/tests)
    sqlite   - embedded file database (default)
    postgres - production (requires DATABASE_URL)

  REDIS_ADDR, when set, moves the counter path (caps, progress, dedup)
  to Redis; otherwise counters live in the primary store.
*/
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// Config contains all service settings.
type Config struct {
	// --- HTTP ---
	Port int `envconfig:"PORT" default:"8080"`

	// --- Store ---
	StoreBackend string `envconfig:"STORE_BACKEND" default:"sqlite"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"coins.db"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`

	// --- Redis (optional counter backend) ---
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	// --- Logging ---
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// --- Rewards ---
	DailyEventCap    int64         `envconfig:"DAILY_EVENT_CAP" default:"50"`
	StreakCap        int           `envconfig:"STREAK_CAP" default:"30"`
	CounterRetention time.Duration `envconfig:"COUNTER_RETENTION" default:"48h"`

	// --- Jobs ---
	// Cron spec for the expired-counter sweep.
	JanitorSpec string `envconfig:"JANITOR_SPEC" default:"17 * * * *"`
}

// Validate rejects combinations that cannot start.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (memory, sqlite, postgres)", c.StoreBackend)
	}
	if c.StoreBackend == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
	}
	if c.DailyEventCap < 0 || c.StreakCap < 0 {
		return fmt.Errorf("caps must be non-negative")
	}
	return nil
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded .env")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
