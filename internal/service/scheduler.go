// Package service provides the business logic services of the ordinaut
// task system: scheduling, work execution, lease coordination, event
// ingress, and task administration.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ordinaut/ordinaut/config"
	"github.com/ordinaut/ordinaut/internal/data"
	"github.com/ordinaut/ordinaut/internal/domain/trigger"
	"github.com/ordinaut/ordinaut/internal/observability/metrics"
	"github.com/ordinaut/ordinaut/internal/observability/statsd"
)

// TaskScheduleStore lists active temporal tasks missing a pending due_work
// row, each paired with the occurrence its run history last recorded.
type TaskScheduleStore interface {
	FindUnscheduled(ctx context.Context, limit int) ([]*data.UnscheduledTask, error)
}

// WorkEnqueuer materializes occurrences into the durable queue.
type WorkEnqueuer interface {
	Enqueue(ctx context.Context, taskID string, runAt time.Time) (bool, error)
}

// OccurrenceEngine computes the next occurrence for a schedule.
type OccurrenceEngine interface {
	NextOccurrence(req trigger.Request) (time.Time, bool, error)
}

// SchedulerServiceOptions groups dependencies for SchedulerService.
type SchedulerServiceOptions struct {
	Tasks        TaskScheduleStore      // Required
	Queue        WorkEnqueuer           // Required
	Trigger      OccurrenceEngine       // Required
	Config       config.SchedulerConfig // Required
	TimeProvider data.TimeProvider      // Optional: defaults to real time
	Logger       *slog.Logger           // Optional
	Metrics      statsd.Sink            // Optional
}

// SchedulerService materializes upcoming occurrences of active temporal
// tasks into due_work rows. It is safe to run in multiple replicas: the
// UNIQUE(task_id, run_at) constraint makes materialization idempotent,
// so concurrent ticks at worst race to an ON CONFLICT no-op.
type SchedulerService struct {
	tasks        TaskScheduleStore
	queue        WorkEnqueuer
	trigger      OccurrenceEngine
	cfg          config.SchedulerConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	metrics      statsd.Sink
}

// NewSchedulerService constructs a SchedulerService.
func NewSchedulerService(opts SchedulerServiceOptions) (*SchedulerService, error) {
	if opts.Tasks == nil {
		return nil, errors.New("task store is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("work enqueuer is required")
	}
	if opts.Trigger == nil {
		return nil, errors.New("occurrence engine is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Config.Sanitize()

	return &SchedulerService{
		tasks:        opts.Tasks,
		queue:        opts.Queue,
		trigger:      opts.Trigger,
		cfg:          opts.Config,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "scheduler"),
		metrics:      opts.Metrics,
	}, nil
}

// Run ticks at the configured interval until the context is cancelled.
// Returns nil on graceful shutdown.
func (s *SchedulerService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting scheduler",
		"tick_interval", s.cfg.TickInterval,
		"misfire_grace", s.cfg.MisfireGrace())

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.ErrorContext(ctx, "scheduler tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick materializes the next occurrence for every unscheduled task and
// returns the number of due_work rows created.
//
// Misfire handling: the occurrence search starts at now minus the grace
// window. An occurrence missed during a short outage is still found and
// enqueued with its original run_at, so it executes immediately; anything
// older than the grace window is skipped, which coalesces a long outage
// into at most one catch-up run per task.
func (s *SchedulerService) Tick(ctx context.Context) (int, error) {
	now := s.timeProvider.Now()

	tasks, err := s.tasks.FindUnscheduled(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("find unscheduled tasks: %w", err)
	}

	created := 0
	for _, item := range tasks {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		ok, err := s.materialize(ctx, item, now)
		if err != nil {
			// One bad task must not starve the rest of the batch.
			s.logger.ErrorContext(ctx, "materialize failed",
				"task_id", item.Task.ID,
				"schedule_kind", item.Task.ScheduleKind,
				"error", err)
			continue
		}
		if ok {
			created++
		}
	}

	if created > 0 {
		s.logger.DebugContext(ctx, "scheduler tick", "created", created, "examined", len(tasks))
	}
	return created, nil
}

func (s *SchedulerService) materialize(ctx context.Context, item *data.UnscheduledTask, now time.Time) (bool, error) {
	task := item.Task
	after := now.Add(-s.cfg.MisfireGrace())

	// The grace lookback only rescues occurrences that were never
	// materialized. An occurrence that already executed sits in the run
	// history; searching strictly past it keeps a freshly completed run
	// from being enqueued again while it is still inside the window.
	if item.LastRunAt != nil && !item.LastRunAt.Before(after) {
		after = item.LastRunAt.Add(time.Microsecond)
	}

	next, ok, err := s.trigger.NextOccurrence(trigger.Request{
		Kind:     task.ScheduleKind,
		Expr:     task.ScheduleExpr,
		Timezone: task.Timezone,
		After:    after,
		DTStart:  task.CreatedAt,
	})
	if err != nil {
		return false, fmt.Errorf("next occurrence: %w", err)
	}
	if !ok {
		// Exhausted schedule (a once already fired, an rrule past its
		// UNTIL). Nothing to enqueue, and FindUnscheduled stops
		// returning it once its history reflects that.
		return false, nil
	}

	created, err := s.queue.Enqueue(ctx, task.ID, next)
	if err != nil {
		return false, fmt.Errorf("enqueue run at %s: %w", next.Format(time.RFC3339), err)
	}
	if created {
		metrics.EmitEnqueue(s.metrics, string(task.ScheduleKind))
	}
	return created, nil
}
