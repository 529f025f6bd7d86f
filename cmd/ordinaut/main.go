// Command ordinaut runs the task system services: scheduler, worker,
// coordinator, and event ingress. SERVICES selects which to run, or a
// single service name can be passed as the first argument.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/ordinaut/ordinaut/config"
	"github.com/ordinaut/ordinaut/internal/bootstrap"
)

// Exit codes distinguish operator-fixable failures for process managers.
const (
	exitFatal       = 1
	exitConfig      = 2
	exitUnreachable = 3
)

// exitError carries the process exit code alongside the cause.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger()
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		code := exitFatal
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	// A service name on the command line overrides SERVICES.
	if len(os.Args) > 1 {
		cfg.Services = os.Args[1]
	}

	logger = bootstrap.ConfigureLogger(cfg.Observability)

	if err = bootstrap.ValidateServiceConfig(cfg); err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	logStartupInfo(ctx, logger, cfg)

	db, redisClient, err := initInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close database failed", "error", cerr)
		}
	}()
	if redisClient != nil {
		defer func() {
			if cerr := redisClient.Close(); cerr != nil {
				logger.ErrorContext(ctx, "close redis failed", "error", cerr)
			}
		}()
	}

	if cfg.Database.RunMigrationsOnStart {
		if err = bootstrap.RunMigrations(ctx, db, logger); err != nil {
			return err
		}
	} else {
		logger.InfoContext(ctx, "skipping database migrations on startup", "reason", "disabled via config")
	}

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      cfg,
		DB:          db,
		RedisClient: redisClient,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	if services.MetricsSink != nil {
		defer func() {
			if cerr := services.MetricsSink.Close(); cerr != nil {
				logger.ErrorContext(ctx, "close metrics sink failed", "error", cerr)
			}
		}()
	}

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:   cfg,
		Services: services,
		Logger:   logger,
	})
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	enabled, _ := cfg.GetEnabledServices()
	names := make([]string, 0, len(enabled))
	for mode := range enabled {
		names = append(names, string(mode))
	}
	logger.InfoContext(ctx, "starting ordinaut",
		"enabled_services", names,
		"timezone", cfg.Timezone)
}

//nolint:ireturn // returning redis.UniversalClient keeps client selection flexible.
func initInfrastructure(
	ctx context.Context,
	cfg *config.AppConfig,
	logger *slog.Logger,
) (*sql.DB, redis.UniversalClient, error) {
	db, err := bootstrap.ConnectDB(cfg.Database, logger)
	if err != nil {
		return nil, nil, &exitError{code: exitUnreachable, err: fmt.Errorf("connect db: %w", err)}
	}

	redisClient, err := bootstrap.ConnectRedis(cfg.EventStream, logger)
	if err != nil {
		if cerr := db.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close database after redis connect failure", "error", cerr)
			err = errors.Join(err, fmt.Errorf("close database: %w", cerr))
		}
		return nil, nil, &exitError{code: exitUnreachable, err: fmt.Errorf("connect redis: %w", err)}
	}

	return db, redisClient, nil
}
