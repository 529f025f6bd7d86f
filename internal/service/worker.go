package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ordinaut/ordinaut/config"
	"github.com/ordinaut/ordinaut/internal/data"
	"github.com/ordinaut/ordinaut/internal/data/pgxutil"
	"github.com/ordinaut/ordinaut/internal/domain/model"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
	"github.com/ordinaut/ordinaut/internal/observability/metrics"
	"github.com/ordinaut/ordinaut/internal/observability/statsd"
)

// WorkClaimStore is the due_work surface a worker needs.
type WorkClaimStore interface {
	Claim(ctx context.Context, workerID string, lease time.Duration) (*model.DueWork, error)
	ExtendLease(ctx context.Context, id int64, workerID string, lease time.Duration) error
	DeleteLeasedInTx(ctx context.Context, tx *sql.Tx, id int64, workerID string) error
	RescheduleRetryInTx(ctx context.Context, tx *sql.Tx, id int64, workerID string, runAt time.Time) error
	ReturnToPoolInTx(ctx context.Context, tx *sql.Tx, id int64, workerID string) error
	ReleaseLease(ctx context.Context, id int64, workerID string) error
	ClearLeasesHeldBy(ctx context.Context, workerID string) (int64, error)
}

// TaskReader loads task definitions for claimed work.
type TaskReader interface {
	GetByID(ctx context.Context, id string) (*model.Task, error)
}

// RunRecorder records execution history.
type RunRecorder interface {
	Start(ctx context.Context, taskID, leaseOwner string, attempt int, runAt, startedAt time.Time) (*model.TaskRun, error)
	FinishInTx(ctx context.Context, tx *sql.Tx, id string, success bool, output json.RawMessage, runErr *string, finishedAt time.Time) error
}

// HeartbeatStore records worker liveness.
type HeartbeatStore interface {
	Beat(ctx context.Context, hb model.WorkerHeartbeat) error
}

// PipelineRunner executes a task payload and returns the run context.
type PipelineRunner interface {
	Run(ctx context.Context, payload *model.TaskPayload, event json.RawMessage) (map[string]any, error)
}

// WorkerServiceOptions groups dependencies for WorkerService.
type WorkerServiceOptions struct {
	DB           *sql.DB        // Required: terminal writes run in one transaction
	Work         WorkClaimStore // Required
	Tasks        TaskReader     // Required
	Runs         RunRecorder    // Required
	Heartbeats   HeartbeatStore // Required
	Executor     PipelineRunner // Required
	Config       config.WorkerConfig
	TimeProvider data.TimeProvider // Optional
	Logger       *slog.Logger      // Optional
	Metrics      statsd.Sink       // Optional
	Rand01       func() float64    // Optional: backoff jitter source
}

// WorkerService claims due_work rows under lease and executes their
// pipelines. Several executor goroutines share one worker identity; the
// database-side claim guarantees each row is held by at most one of them.
type WorkerService struct {
	workerID     string
	db           *sql.DB
	work         WorkClaimStore
	tasks        TaskReader
	runs         RunRecorder
	heartbeats   HeartbeatStore
	executor     PipelineRunner
	cfg          config.WorkerConfig
	timeProvider data.TimeProvider
	logger       *slog.Logger
	metrics      statsd.Sink
	rand01       func() float64

	processed atomic.Int64

	// txRunner is a seam for tests; production uses pgxutil.WithTx.
	txRunner func(ctx context.Context, fn func(*sql.Tx) error) error
}

// NewWorkerService constructs a WorkerService. A missing worker ID gets a
// generated one so restarted processes never inherit stale leases.
func NewWorkerService(opts WorkerServiceOptions) (*WorkerService, error) {
	if opts.Work == nil || opts.Tasks == nil || opts.Runs == nil {
		return nil, errors.New("work, task, and run stores are required")
	}
	if opts.Heartbeats == nil {
		return nil, errors.New("heartbeat store is required")
	}
	if opts.Executor == nil {
		return nil, errors.New("pipeline executor is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Rand01 == nil {
		opts.Rand01 = rand.Float64
	}
	opts.Config.Sanitize()

	workerID := opts.Config.ID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()
	}

	s := &WorkerService{
		workerID:     workerID,
		db:           opts.DB,
		work:         opts.Work,
		tasks:        opts.Tasks,
		runs:         opts.Runs,
		heartbeats:   opts.Heartbeats,
		executor:     opts.Executor,
		cfg:          opts.Config,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "worker", "worker_id", workerID),
		metrics:      opts.Metrics,
		rand01:       opts.Rand01,
	}
	s.txRunner = func(ctx context.Context, fn func(*sql.Tx) error) error {
		return pgxutil.WithTx(ctx, s.db, nil, fn)
	}
	return s, nil
}

// WorkerID returns the identity used for leases and heartbeats.
func (s *WorkerService) WorkerID() string {
	return s.workerID
}

// Run starts the claim loops and the heartbeat ticker and blocks until the
// context is cancelled. Returns nil on graceful shutdown.
func (s *WorkerService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "starting worker",
		"concurrency", s.cfg.Concurrency,
		"lease", s.cfg.Lease(),
		"poll_interval", s.cfg.PollInterval())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.heartbeatLoop(gctx) })
	for i := 0; i < s.cfg.Concurrency; i++ {
		g.Go(func() error { return s.claimLoop(gctx) })
	}
	err := g.Wait()

	s.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// shutdown releases anything the worker still holds and records that the
// process is stopping, using a fresh context since the run context is gone.
func (s *WorkerService) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if released, err := s.work.ClearLeasesHeldBy(ctx, s.workerID); err != nil {
		s.logger.ErrorContext(ctx, "release leases on shutdown failed", "error", err)
	} else if released > 0 {
		s.logger.InfoContext(ctx, "released leases on shutdown", "count", released)
	}

	if err := s.beat(ctx, true); err != nil {
		s.logger.ErrorContext(ctx, "final heartbeat failed", "error", err)
	}
	s.logger.InfoContext(ctx, "worker stopped", "processed", s.processed.Load())
}

func (s *WorkerService) heartbeatLoop(ctx context.Context) error {
	if err := s.beat(ctx, false); err != nil {
		s.logger.WarnContext(ctx, "heartbeat failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.beat(ctx, false); err != nil {
				s.logger.WarnContext(ctx, "heartbeat failed", "error", err)
			}
		}
	}
}

func (s *WorkerService) beat(ctx context.Context, stopping bool) error {
	hostname, _ := os.Hostname()
	return s.heartbeats.Beat(ctx, model.WorkerHeartbeat{
		WorkerID:       s.workerID,
		LastSeen:       s.timeProvider.Now().UTC(),
		ProcessedCount: s.processed.Load(),
		PID:            os.Getpid(),
		Hostname:       hostname,
		Stopping:       stopping,
	})
}

// maxConsecutiveClaimFailures bounds how long a claim loop tolerates a
// broken store before the process exits non-zero for its supervisor to
// restart. Held leases then expire naturally.
const maxConsecutiveClaimFailures = 10

func (s *WorkerService) claimLoop(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		work, err := s.work.Claim(ctx, s.workerID, s.cfg.Lease())
		switch {
		case errors.Is(err, model.ErrNoWorkAvailable):
			failures = 0
			s.sleep(ctx, s.cfg.PollInterval())
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			failures++
			if failures >= maxConsecutiveClaimFailures {
				return fmt.Errorf("claim failed %d times in a row: %w", failures, err)
			}
			s.logger.ErrorContext(ctx, "claim failed", "error", err, "consecutive_failures", failures)
			s.sleep(ctx, s.cfg.PollInterval()*time.Duration(failures))
			continue
		}

		failures = 0
		s.execute(ctx, work)
		s.processed.Add(1)
	}
}

func (s *WorkerService) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// execute runs one claimed row end to end. Every outcome leaves the row in
// a well-defined state: deleted on a terminal result, rescheduled on a
// retryable failure, or abandoned to lease expiry when even the terminal
// write fails.
func (s *WorkerService) execute(ctx context.Context, work *model.DueWork) {
	now := s.timeProvider.Now()
	metrics.EmitLag(s.metrics, now.Sub(work.RunAt))

	logger := s.logger.With("task_id", work.TaskID, "due_work_id", work.ID, "attempt", work.Attempt)

	task, err := s.tasks.GetByID(ctx, work.TaskID)
	if err != nil {
		logger.ErrorContext(ctx, "load task for claimed work failed", "error", err)
		if rerr := s.work.ReleaseLease(ctx, work.ID, s.workerID); rerr != nil {
			logger.ErrorContext(ctx, "release lease failed", "error", rerr)
		}
		return
	}
	metrics.EmitClaim(s.metrics, string(task.ScheduleKind))

	run, err := s.runs.Start(ctx, task.ID, s.workerID, work.Attempt, work.RunAt, now)
	if err != nil {
		logger.ErrorContext(ctx, "record run start failed", "error", err)
		if rerr := s.work.ReleaseLease(ctx, work.ID, s.workerID); rerr != nil {
			logger.ErrorContext(ctx, "release lease failed", "error", rerr)
		}
		return
	}

	output, runErr := s.runPipeline(ctx, task, work)
	duration := s.timeProvider.Now().Sub(now)

	// Terminal writes must land even when the run context was cancelled
	// by shutdown or lease loss.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	if runErr == nil {
		s.finishSuccess(finishCtx, logger, task, work, run, output, duration)
		return
	}
	s.finishFailure(finishCtx, logger, task, work, run, output, runErr, duration)
}

// runPipeline decodes and executes the task payload while a background
// goroutine renews the lease at half-life. Losing the lease cancels the
// pipeline: another worker may already own the row.
func (s *WorkerService) runPipeline(ctx context.Context, task *model.Task, work *model.DueWork) (map[string]any, error) {
	payload, err := task.DecodePayload()
	if err != nil {
		return nil, apperrors.Validationf("%v", err)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		s.renewLease(runCtx, work.ID, cancel)
	}()

	output, runErr := s.executor.Run(runCtx, payload, work.EventPayload)
	cancel(nil)
	<-renewDone

	if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return output, cause
	}
	return output, runErr
}

func (s *WorkerService) renewLease(ctx context.Context, workID int64, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(s.cfg.Lease() / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.work.ExtendLease(ctx, workID, s.workerID, s.cfg.Lease())
			if err == nil {
				continue
			}
			if apperrors.CodeOf(err) == apperrors.ErrCodeLeaseLost {
				cancel(err)
				return
			}
			s.logger.WarnContext(ctx, "extend lease failed", "due_work_id", workID, "error", err)
		}
	}
}

func (s *WorkerService) finishSuccess(
	ctx context.Context,
	logger *slog.Logger,
	task *model.Task,
	work *model.DueWork,
	run *model.TaskRun,
	output map[string]any,
	duration time.Duration,
) {
	finishedAt := s.timeProvider.Now()
	err := s.txRunner(ctx, func(tx *sql.Tx) error {
		if err := s.runs.FinishInTx(ctx, tx, run.ID, true, marshalOutput(output), nil, finishedAt); err != nil {
			return err
		}
		return s.work.DeleteLeasedInTx(ctx, tx, work.ID, s.workerID)
	})
	if err != nil {
		logger.ErrorContext(ctx, "terminal write failed", "error", err)
		return
	}

	logger.InfoContext(ctx, "run succeeded", "duration", duration)
	metrics.EmitRunLifecycle(s.metrics, metrics.RunMetric{
		ScheduleKind: string(task.ScheduleKind),
		Result:       metrics.ResultSuccess,
		Attempt:      work.Attempt,
		Duration:     duration,
	})
}

func (s *WorkerService) finishFailure(
	ctx context.Context,
	logger *slog.Logger,
	task *model.Task,
	work *model.DueWork,
	run *model.TaskRun,
	output map[string]any,
	runErr error,
	duration time.Duration,
) {
	finishedAt := s.timeProvider.Now()
	errText := runErr.Error()

	if apperrors.CodeOf(runErr) == apperrors.ErrCodeLeaseLost {
		// The row may already belong to another worker; only our run
		// record is still ours to close.
		err := s.txRunner(ctx, func(tx *sql.Tx) error {
			return s.runs.FinishInTx(ctx, tx, run.ID, false, marshalOutput(output), &errText, finishedAt)
		})
		if err != nil {
			logger.ErrorContext(ctx, "close run after lease loss failed", "error", err)
		}
		logger.WarnContext(ctx, "lease lost during run", "error", runErr)
		return
	}

	if errors.Is(runErr, context.Canceled) {
		// Shutdown aborted the pipeline mid-flight. The interruption is
		// not the task's fault: close the run, clear the lease, and hand
		// the attempt back so the next claimant reruns with a full
		// retry budget.
		err := s.txRunner(ctx, func(tx *sql.Tx) error {
			if err := s.runs.FinishInTx(ctx, tx, run.ID, false, marshalOutput(output), &errText, finishedAt); err != nil {
				return err
			}
			return s.work.ReturnToPoolInTx(ctx, tx, work.ID, s.workerID)
		})
		if err != nil {
			logger.ErrorContext(ctx, "return aborted work failed", "error", err)
			return
		}
		logger.InfoContext(ctx, "run aborted by shutdown, work returned to queue", "duration", duration)
		return
	}

	// Attempts are claim counts: max_retries retries on top of the
	// first execution.
	retry := apperrors.Retryable(runErr) && work.Attempt < task.MaxRetries+1
	result := metrics.ResultError

	err := s.txRunner(ctx, func(tx *sql.Tx) error {
		if err := s.runs.FinishInTx(ctx, tx, run.ID, false, marshalOutput(output), &errText, finishedAt); err != nil {
			return err
		}
		if retry {
			delay := task.Backoff.Delay(work.Attempt, s.rand01)
			return s.work.RescheduleRetryInTx(ctx, tx, work.ID, s.workerID, finishedAt.Add(delay))
		}
		return s.work.DeleteLeasedInTx(ctx, tx, work.ID, s.workerID)
	})
	if err != nil {
		logger.ErrorContext(ctx, "terminal write failed", "error", err)
		return
	}

	if retry {
		result = metrics.ResultRetry
		logger.WarnContext(ctx, "run failed, retry scheduled",
			"error", runErr,
			"error_code", apperrors.CodeOf(runErr),
			"duration", duration)
	} else {
		logger.ErrorContext(ctx, "run failed permanently",
			"error", runErr,
			"error_code", apperrors.CodeOf(runErr),
			"duration", duration)
	}

	metrics.EmitRunLifecycle(s.metrics, metrics.RunMetric{
		ScheduleKind: string(task.ScheduleKind),
		Result:       result,
		Attempt:      work.Attempt,
		Duration:     duration,
		Err:          runErr,
	})
}

func marshalOutput(output map[string]any) json.RawMessage {
	if output == nil {
		return nil
	}
	raw, err := json.Marshal(output)
	if err != nil {
		// Step outputs came from JSON decoding, so this only fires for
		// exotic invoker results; the run record just loses its output.
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return raw
}
