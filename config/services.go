package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeScheduler runs the scheduler daemon.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeWorker runs one worker.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeCoordinator runs the lease reclamation loop.
	ServiceModeCoordinator ServiceMode = "coordinator"
	// ServiceModeIngress runs the event ingress consumer.
	ServiceModeIngress ServiceMode = "ingress"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeScheduler,
		ServiceModeWorker,
		ServiceModeCoordinator,
		ServiceModeIngress,
	}
}

// ParseServices parses a comma-delimited list of service names into the
// enabled set, rejecting unknown names.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	for _, part := range strings.Split(servicesStr, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		mode := ServiceMode(name)
		switch mode {
		case ServiceModeScheduler, ServiceModeWorker, ServiceModeCoordinator, ServiceModeIngress:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: scheduler, worker, coordinator, ingress)", name)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one service must be specified")
	}
	return services, nil
}

// SchedulerConfig tunes the scheduler daemon.
type SchedulerConfig struct {
	// TickInterval is how often the daemon scans for unscheduled tasks.
	TickInterval time.Duration `env:"SCHEDULER_TICK_INTERVAL" envDefault:"5s"`

	// MisfireGraceSeconds coalesces occurrences missed during an outage:
	// anything older than the grace window is skipped, so backlogs stay
	// bounded.
	MisfireGraceSeconds int `env:"SCHEDULER_MISFIRE_GRACE_SECONDS" envDefault:"30"`

	// BatchSize caps how many tasks one tick materializes.
	BatchSize int `env:"SCHEDULER_BATCH_SIZE" envDefault:"500"`
}

// Sanitize applies guardrails for scheduler settings.
func (c *SchedulerConfig) Sanitize() {
	if c.TickInterval < time.Second {
		c.TickInterval = time.Second
	}
	if c.MisfireGraceSeconds < 0 {
		c.MisfireGraceSeconds = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

// MisfireGrace returns the grace window as a duration.
func (c *SchedulerConfig) MisfireGrace() time.Duration {
	return time.Duration(c.MisfireGraceSeconds) * time.Second
}

// WorkerConfig tunes a worker process.
type WorkerConfig struct {
	// ID identifies this worker in leases and heartbeats. Empty means a
	// random UUID is assigned at startup.
	ID string `env:"WORKER_ID"`

	// Concurrency is the number of in-process executors.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"1"`

	LeaseSeconds     int `env:"WORKER_LEASE_SECONDS" envDefault:"60"`
	PollIntervalMS   int `env:"WORKER_POLL_INTERVAL_MS" envDefault:"500"`
	HeartbeatSeconds int `env:"WORKER_HEARTBEAT_SECONDS" envDefault:"30"`
}

// Sanitize applies guardrails for worker settings.
func (c *WorkerConfig) Sanitize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 60
	}
	if c.PollIntervalMS <= 0 {
		c.PollIntervalMS = 500
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 30
	}
}

// Lease returns the lease duration.
func (c *WorkerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// PollInterval returns the idle poll sleep.
func (c *WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat period.
func (c *WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// CoordinatorConfig tunes the coordinator loop.
type CoordinatorConfig struct {
	IntervalSeconds        int `env:"COORDINATOR_INTERVAL_SECONDS" envDefault:"60"`
	StaleLeaseGraceSeconds int `env:"COORDINATOR_STALE_LEASE_GRACE_SECONDS" envDefault:"60"`
	DeadHeartbeatSeconds   int `env:"COORDINATOR_DEAD_HEARTBEAT_SECONDS" envDefault:"600"`

	// DedupeRetentionHours bounds the event idempotency ledger.
	DedupeRetentionHours int `env:"COORDINATOR_DEDUPE_RETENTION_HOURS" envDefault:"24"`
}

// Sanitize applies guardrails for coordinator settings.
func (c *CoordinatorConfig) Sanitize() {
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 60
	}
	if c.StaleLeaseGraceSeconds < 0 {
		c.StaleLeaseGraceSeconds = 60
	}
	if c.DeadHeartbeatSeconds <= 0 {
		c.DeadHeartbeatSeconds = 600
	}
	if c.DedupeRetentionHours <= 0 {
		c.DedupeRetentionHours = 24
	}
}

// Interval returns the loop period.
func (c *CoordinatorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// StaleLeaseGrace returns the extra slack beyond lease expiry before a
// lease is eligible for reclamation.
func (c *CoordinatorConfig) StaleLeaseGrace() time.Duration {
	return time.Duration(c.StaleLeaseGraceSeconds) * time.Second
}

// DeadHeartbeatWindow returns how long a silent worker is considered dead.
func (c *CoordinatorConfig) DeadHeartbeatWindow() time.Duration {
	return time.Duration(c.DeadHeartbeatSeconds) * time.Second
}

// DedupeRetention returns the idempotency ledger retention.
func (c *CoordinatorConfig) DedupeRetention() time.Duration {
	return time.Duration(c.DedupeRetentionHours) * time.Hour
}

// IngressConfig tunes the event ingress consumer.
type IngressConfig struct {
	// Consumer names this process inside the consumer group. Empty means
	// derived from the hostname and pid at startup.
	Consumer string `env:"INGRESS_CONSUMER"`

	// BlockTimeout is how long one XREADGROUP call blocks for new entries.
	BlockTimeout time.Duration `env:"INGRESS_BLOCK_TIMEOUT" envDefault:"5s"`

	// BatchSize caps entries fetched per read.
	BatchSize int `env:"INGRESS_BATCH_SIZE" envDefault:"64"`
}

// Sanitize applies guardrails for ingress settings.
func (c *IngressConfig) Sanitize() {
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
}

// ObservabilityConfig tunes logging and metrics.
type ObservabilityConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// LogFormat is json or text.
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// StatsdAddr enables the StatsD sink when set (host:port).
	StatsdAddr string `env:"STATSD_ADDR"`

	// StatsdPrefix namespaces emitted metrics.
	StatsdPrefix string `env:"STATSD_PREFIX" envDefault:"ordinaut"`
}

// Sanitize applies guardrails for observability settings.
func (c *ObservabilityConfig) Sanitize() {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = "info"
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		c.LogFormat = "json"
	}
}
