package config

import "errors"

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	// URL is the Postgres connection string. Required.
	URL string `env:"DATABASE_URL"`

	// MaxOpenConns bounds the pool; workers share it across claim,
	// heartbeat, and terminal-write paths.
	MaxOpenConns int `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"10"`
	MaxIdleConns int `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`

	// RunMigrationsOnStart applies embedded migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// Validate checks required connection settings.
func (c *DatabaseConfig) Validate() error {
	if c.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

// EventStreamConfig holds the Redis Streams connection used by event
// ingress. Optional: processes that do not run ingress never connect.
type EventStreamConfig struct {
	// URL is a redis:// connection string.
	URL string `env:"EVENT_STREAM_URL"`

	// Stream is the Redis stream key events are published to.
	Stream string `env:"EVENT_STREAM_KEY" envDefault:"ordinaut:events"`

	// Group is the ingress consumer group name.
	Group string `env:"EVENT_STREAM_GROUP" envDefault:"ordinaut-ingress"`
}
