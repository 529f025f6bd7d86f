// Package config loads process configuration from environment variables
// using github.com/caarlos0/env. Each service reads its own section; see
// services.go for the per-service knobs and database.go for connections.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// AppConfig is the full process configuration.
type AppConfig struct {
	// Services selects which services this process runs, comma-delimited
	// (scheduler, worker, coordinator, ingress). A subcommand on the CLI
	// overrides it.
	Services string `env:"SERVICES" envDefault:"scheduler,worker,coordinator"`

	// Timezone is the process-default IANA zone used when a task omits one.
	Timezone string `env:"TZ" envDefault:"UTC"`

	Database    DatabaseConfig
	EventStream EventStreamConfig

	Scheduler   SchedulerConfig
	Worker      WorkerConfig
	Coordinator CoordinatorConfig
	Ingress     IngressConfig

	Observability ObservabilityConfig
}

// Load parses the environment into an AppConfig and applies guardrails.
func Load() (*AppConfig, error) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize applies guardrails to values loaded from the environment.
func (c *AppConfig) Sanitize() {
	c.Scheduler.Sanitize()
	c.Worker.Sanitize()
	c.Coordinator.Sanitize()
	c.Ingress.Sanitize()
	c.Observability.Sanitize()
}

// Validate checks for configuration errors that must stop startup.
func (c *AppConfig) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if _, err := ParseServices(c.Services); err != nil {
		return err
	}
	enabled, _ := ParseServices(c.Services)
	if enabled[ServiceModeIngress] && c.EventStream.URL == "" {
		return fmt.Errorf("EVENT_STREAM_URL is required to run the ingress service")
	}
	return nil
}

// GetEnabledServices parses the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}
