package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ordinaut/ordinaut/config"
	"github.com/ordinaut/ordinaut/internal/data"
	"github.com/ordinaut/ordinaut/internal/domain/pipeline"
	"github.com/ordinaut/ordinaut/internal/domain/trigger"
	"github.com/ordinaut/ordinaut/internal/observability/statsd"
	"github.com/ordinaut/ordinaut/internal/service"
)

// shutdownWaitTimeout is the maximum time to wait for services to stop
// gracefully.
const shutdownWaitTimeout = 15 * time.Second

// Repositories groups the data adapters behind the services.
type Repositories struct {
	Agents     *data.AgentRepo
	Tasks      *data.TaskRepo
	Work       *data.DueWorkRepo
	Runs       *data.TaskRunRepo
	Heartbeats *data.HeartbeatRepo
	Audit      *data.AuditRepo
	Dedupe     *data.EventDedupeRepo
}

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Repos       *Repositories
	Trigger     *trigger.Engine
	Admin       *service.AdminService
	Scheduler   *service.SchedulerService
	Worker      *service.WorkerService
	Coordinator *service.CoordinatorService
	Ingress     *service.IngressService
	MetricsSink *statsd.Client
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
	// Invoker executes pipeline tool calls. Defaults to the simulating
	// invoker when nil.
	Invoker pipeline.Invoker
}

// NewRepositories builds the data adapters; no business rules here.
func NewRepositories(db *sql.DB) *Repositories {
	tp := &data.RealTimeProvider{}
	return &Repositories{
		Agents:     data.NewAgentRepo(db),
		Tasks:      data.NewTaskRepo(db, tp),
		Work:       data.NewDueWorkRepo(db, tp),
		Runs:       data.NewTaskRunRepo(db),
		Heartbeats: data.NewHeartbeatRepo(db, tp),
		Audit:      data.NewAuditRepo(db),
		Dedupe:     data.NewEventDedupeRepo(db),
	}
}

// NewServices wires repositories and configuration into the service
// container. Only construction; nothing is started.
func NewServices(deps *ServiceDeps) (*ServiceContainer, error) {
	if deps == nil || deps.Config == nil || deps.DB == nil {
		return nil, errors.New("config and database are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	repos := NewRepositories(deps.DB)
	triggerEngine := trigger.NewEngine()

	metricsSink, err := statsd.NewClient(statsd.Config{
		Address: deps.Config.Observability.StatsdAddr,
		Prefix:  deps.Config.Observability.StatsdPrefix,
		Logger:  logger,
	})
	if err != nil {
		// Metrics are never worth failing startup over.
		logger.Error("statsd client init failed", "error", err)
		metricsSink = nil
	}

	admin, err := service.NewAdminService(service.AdminServiceOptions{
		Tasks:   repos.Tasks,
		Agents:  repos.Agents,
		Work:    repos.Work,
		Runs:    repos.Runs,
		Audit:   repos.Audit,
		Trigger: triggerEngine,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build admin service: %w", err)
	}

	scheduler, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Tasks:   repos.Tasks,
		Queue:   repos.Work,
		Trigger: triggerEngine,
		Config:  deps.Config.Scheduler,
		Logger:  logger,
		Metrics: metricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("build scheduler service: %w", err)
	}

	executor := pipeline.NewExecutor(pipeline.ExecutorOptions{
		Invoker: deps.Invoker,
		Logger:  logger,
	})
	worker, err := service.NewWorkerService(service.WorkerServiceOptions{
		DB:         deps.DB,
		Work:       repos.Work,
		Tasks:      repos.Tasks,
		Runs:       repos.Runs,
		Heartbeats: repos.Heartbeats,
		Executor:   executor,
		Config:     deps.Config.Worker,
		Logger:     logger,
		Metrics:    metricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("build worker service: %w", err)
	}

	coordinator, err := service.NewCoordinatorService(service.CoordinatorServiceOptions{
		Work:       repos.Work,
		Heartbeats: repos.Heartbeats,
		Dedupe:     repos.Dedupe,
		Config:     deps.Config.Coordinator,
		Logger:     logger,
		Metrics:    metricsSink,
	})
	if err != nil {
		return nil, fmt.Errorf("build coordinator service: %w", err)
	}

	container := &ServiceContainer{
		Repos:       repos,
		Trigger:     triggerEngine,
		Admin:       admin,
		Scheduler:   scheduler,
		Worker:      worker,
		Coordinator: coordinator,
		MetricsSink: metricsSink,
	}

	if deps.RedisClient != nil {
		ingress, err := service.NewIngressService(service.IngressServiceOptions{
			Client:  deps.RedisClient,
			Tasks:   repos.Tasks,
			Queue:   repos.Work,
			Stream:  deps.Config.EventStream,
			Config:  deps.Config.Ingress,
			Logger:  logger,
			Metrics: metricsSink,
		})
		if err != nil {
			return nil, fmt.Errorf("build ingress service: %w", err)
		}
		container.Ingress = ingress
	}

	return container, nil
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	name string
	done <-chan struct{}
}

// RunServicesWithShutdown starts all enabled services and blocks until a
// termination signal or the first service failure.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	if enabled[config.ServiceModeIngress] && cfg.Services.Ingress == nil {
		return errors.New("ingress service enabled but event stream is not connected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, len(enabled))
	var handles []backgroundServiceHandle

	for _, svc := range buildBackgroundServices(cfg.Services) {
		if !enabled[svc.mode] {
			continue
		}
		handles = append(handles, launchBackground(ctx, logger, errCh, svc))
	}

	return waitForShutdown(ctx, cancel, logger, errCh, handles)
}

func buildBackgroundServices(services *ServiceContainer) []backgroundService {
	descriptors := []backgroundService{
		{mode: config.ServiceModeScheduler, name: "scheduler", start: services.Scheduler.Run},
		{mode: config.ServiceModeWorker, name: "worker", start: services.Worker.Run},
		{mode: config.ServiceModeCoordinator, name: "coordinator", start: services.Coordinator.Run},
	}
	if services.Ingress != nil {
		descriptors = append(descriptors, backgroundService{
			mode: config.ServiceModeIngress, name: "event ingress", start: services.Ingress.Run,
		})
	}
	return descriptors
}

func launchBackground(
	ctx context.Context,
	logger *slog.Logger,
	errCh chan<- error,
	descriptor backgroundService,
) backgroundServiceHandle {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			select {
			case errCh <- fmt.Errorf("%s failed: %w", descriptor.name, err):
			case <-ctx.Done():
			}
		}
	}()

	logger.InfoContext(ctx, "background service started", "service", descriptor.name)
	return backgroundServiceHandle{name: descriptor.name, done: done}
}

func waitForShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	logger *slog.Logger,
	errCh <-chan error,
	handles []backgroundServiceHandle,
) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("shutting down services", "signal", sig.String())
		cancel()
		waitForServices(handles, logger)
		return nil
	case err := <-errCh:
		logger.Error("service error", "error", err)
		cancel()
		waitForServices(handles, logger)
		return err
	}
}

func waitForServices(handles []backgroundServiceHandle, logger *slog.Logger) {
	for _, h := range handles {
		select {
		case <-h.done:
			logger.Info(h.name + " stopped")
		case <-time.After(shutdownWaitTimeout):
			logger.Warn("timeout waiting for " + h.name + " to stop")
		}
	}
}
