package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ordinaut/ordinaut/config"
	"github.com/ordinaut/ordinaut/internal/data"
	"github.com/ordinaut/ordinaut/internal/domain/model"
	"github.com/ordinaut/ordinaut/internal/observability/metrics"
	"github.com/ordinaut/ordinaut/internal/observability/statsd"
)

// LeaseReclaimer is the due_work surface the coordinator needs.
type LeaseReclaimer interface {
	ReclaimExpired(ctx context.Context, graceCutoff, heartbeatCutoff time.Time) (int64, error)
	ClearLeasesHeldBy(ctx context.Context, workerID string) (int64, error)
	Stats(ctx context.Context) (*model.QueueStats, error)
}

// HeartbeatJanitor removes heartbeat rows of long-silent workers.
type HeartbeatJanitor interface {
	PruneDead(ctx context.Context, cutoff time.Time) ([]string, error)
}

// DedupeJanitor bounds the event idempotency ledger.
type DedupeJanitor interface {
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CoordinatorServiceOptions groups dependencies for CoordinatorService.
type CoordinatorServiceOptions struct {
	Work         LeaseReclaimer           // Required
	Heartbeats   HeartbeatJanitor         // Required
	Dedupe       DedupeJanitor            // Optional: skipped when nil
	Config       config.CoordinatorConfig // Required
	TimeProvider data.TimeProvider        // Optional
	Logger       *slog.Logger             // Optional
	Metrics      statsd.Sink              // Optional
}

// CoordinatorService recovers work stranded by crashed workers and keeps
// queue bookkeeping bounded. A lease is only reclaimed when it has been
// expired past the grace window AND its holder has stopped heartbeating,
// so a live worker that is merely slow never loses work it still holds.
type CoordinatorService struct {
	work         LeaseReclaimer
	heartbeats   HeartbeatJanitor
	dedupe       DedupeJanitor
	cfg          config.CoordinatorConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	metrics      statsd.Sink
}

// NewCoordinatorService constructs a CoordinatorService.
func NewCoordinatorService(opts CoordinatorServiceOptions) (*CoordinatorService, error) {
	if opts.Work == nil {
		return nil, errors.New("work store is required")
	}
	if opts.Heartbeats == nil {
		return nil, errors.New("heartbeat store is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Config.Sanitize()

	return &CoordinatorService{
		work:         opts.Work,
		heartbeats:   opts.Heartbeats,
		dedupe:       opts.Dedupe,
		cfg:          opts.Config,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "coordinator"),
		metrics:      opts.Metrics,
	}, nil
}

// Run sweeps at the configured interval until the context is cancelled.
func (s *CoordinatorService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting coordinator",
		"interval", s.cfg.Interval(),
		"stale_lease_grace", s.cfg.StaleLeaseGrace(),
		"dead_heartbeat_window", s.cfg.DeadHeartbeatWindow())

	// Jitter the first sweep so replicas started together do not pile up.
	s.waitWithJitter(ctx)
	if ctx.Err() != nil {
		return nil
	}

	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()

	for {
		if err := s.Sweep(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			s.logger.ErrorContext(ctx, "coordinator sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "coordinator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// waitWithJitter sleeps a random delay up to 10% of the sweep interval.
func (s *CoordinatorService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.cfg.Interval() / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup.
		s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)))

	timer := time.NewTimer(jitter)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// SweepReport summarizes one coordinator pass.
type SweepReport struct {
	DeadWorkers     []string
	LeasesCleared   int64
	LeasesReclaimed int64
	DedupePruned    int64
	Stats           *model.QueueStats
}

// Sweep performs one reclamation pass.
func (s *CoordinatorService) Sweep(ctx context.Context) error {
	report, err := s.sweep(ctx)
	if err != nil {
		return err
	}

	if len(report.DeadWorkers) > 0 || report.LeasesReclaimed > 0 {
		s.logger.WarnContext(ctx, "recovered stranded work",
			"dead_workers", report.DeadWorkers,
			"leases_cleared", report.LeasesCleared,
			"leases_reclaimed", report.LeasesReclaimed)
	}
	metrics.EmitReclaim(s.metrics, report.LeasesReclaimed+report.LeasesCleared)

	if report.Stats != nil {
		s.logger.InfoContext(ctx, "queue stats",
			"pending", report.Stats.Pending,
			"ready", report.Stats.Ready,
			"leased", report.Stats.Leased,
			"oldest_ready_age", report.Stats.OldestReadyAge,
			"completed_last_hour", report.Stats.CompletedLastHour)
		metrics.EmitQueueDepth(s.metrics, report.Stats.Pending+report.Stats.Ready, report.Stats.Leased)
	}
	return nil
}

func (s *CoordinatorService) sweep(ctx context.Context) (*SweepReport, error) {
	now := s.timeProvider.Now()
	heartbeatCutoff := now.Add(-s.cfg.DeadHeartbeatWindow())
	report := &SweepReport{}

	dead, err := s.heartbeats.PruneDead(ctx, heartbeatCutoff)
	if err != nil {
		return nil, fmt.Errorf("prune dead heartbeats: %w", err)
	}
	report.DeadWorkers = dead
	for _, workerID := range dead {
		cleared, err := s.work.ClearLeasesHeldBy(ctx, workerID)
		if err != nil {
			return report, fmt.Errorf("clear leases of dead worker %s: %w", workerID, err)
		}
		report.LeasesCleared += cleared
	}

	reclaimed, err := s.work.ReclaimExpired(ctx, now.Add(-s.cfg.StaleLeaseGrace()), heartbeatCutoff)
	if err != nil {
		return report, fmt.Errorf("reclaim expired leases: %w", err)
	}
	report.LeasesReclaimed = reclaimed

	if s.dedupe != nil {
		pruned, err := s.dedupe.PruneOlderThan(ctx, now.Add(-s.cfg.DedupeRetention()))
		if err != nil {
			return report, fmt.Errorf("prune event dedupe ledger: %w", err)
		}
		report.DedupePruned = pruned
	}

	stats, err := s.work.Stats(ctx)
	if err != nil {
		return report, fmt.Errorf("queue stats: %w", err)
	}
	report.Stats = stats

	return report, nil
}
