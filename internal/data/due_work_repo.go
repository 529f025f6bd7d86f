package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ordinaut/ordinaut/internal/data/pgxutil"
	"github.com/ordinaut/ordinaut/internal/domain/model"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// DueWorkRepo provides database operations for the durable work queue.
type DueWorkRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewDueWorkRepo creates a new DueWorkRepo.
func NewDueWorkRepo(db *sql.DB, tp TimeProvider) *DueWorkRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &DueWorkRepo{DB: db, timeProvider: tp}
}

const dueWorkColumns = `id, task_id, run_at, locked_until, locked_by, attempt, event_id, event_payload, created_at`

// maxEventRunAtNudges bounds the search for a free (task_id, run_at) slot
// when event rows collide on the same microsecond.
const maxEventRunAtNudges = 16

// claimCandidateSQL selects and row-locks the single best claimable row,
// returning its id and the task's concurrency key.
//
// A row is claimable when it is due, unleased (or its lease expired), and
// its task is active. Tasks sharing a concurrency_key are additionally
// serialized: a row is skipped while any other row of the same key holds a
// live lease.
//
// Ordering: earliest run_at first, ties broken by priority descending, then
// by insertion order.
const claimCandidateSQL = `
  SELECT d.id, t.concurrency_key
  FROM due_work d
  JOIN task t ON t.id = d.task_id
  WHERE d.run_at <= $1
    AND (d.locked_until IS NULL OR d.locked_until < $1)
    AND t.status = 'active'
    AND (
      t.concurrency_key IS NULL
      OR NOT EXISTS (
        SELECT 1
        FROM due_work other
        JOIN task ot ON ot.id = other.task_id
        WHERE ot.concurrency_key = t.concurrency_key
          AND other.id <> d.id
          AND other.locked_until IS NOT NULL
          AND other.locked_until >= $1
      )
    )
  ORDER BY d.run_at ASC, t.priority DESC, d.id ASC
  LIMIT 1
  FOR UPDATE OF d SKIP LOCKED`

// claimKeyBusySQL rechecks, under the per-key advisory lock, whether any
// other row of the same key holds a live lease.
const claimKeyBusySQL = `
  SELECT EXISTS (
    SELECT 1
    FROM due_work other
    JOIN task ot ON ot.id = other.task_id
    WHERE ot.concurrency_key = $2
      AND other.id <> $1
      AND other.locked_until IS NOT NULL
      AND other.locked_until >= $3
  )`

const claimLeaseSQL = `
  UPDATE due_work
  SET locked_by = $2,
      locked_until = $3,
      attempt = attempt + 1
  WHERE id = $1
  RETURNING ` + dueWorkColumns

// Claim leases the next claimable row for workerID. It returns
// model.ErrNoWorkAvailable when the queue has nothing due.
//
// The concurrency-key exclusion in the candidate select reads the
// statement's snapshot, which cannot see a lease another transaction has
// written but not yet committed, and SKIP LOCKED only covers the due_work
// row itself. Claims on keyed rows therefore serialize on a
// transaction-scoped advisory lock derived from the key and recheck the
// exclusion once the lock is held; the loser of the race rolls back and
// reports no work.
func (r *DueWorkRepo) Claim(ctx context.Context, workerID string, lease time.Duration) (*model.DueWork, error) {
	now := r.timeProvider.Now().UTC()
	until := now.Add(lease)

	var work *model.DueWork
	err := pgxutil.WithPgxTx(ctx, r.DB, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var (
			id  int64
			key *string
		)
		if err := tx.QueryRow(ctx, claimCandidateSQL, now).Scan(&id, &key); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrNoWorkAvailable
			}
			return err
		}

		if key != nil {
			if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", *key); err != nil {
				return err
			}
			var busy bool
			if err := tx.QueryRow(ctx, claimKeyBusySQL, id, *key, now).Scan(&busy); err != nil {
				return err
			}
			if busy {
				return model.ErrNoWorkAvailable
			}
		}

		rows, err := tx.Query(ctx, claimLeaseSQL, id, workerID, until)
		if err != nil {
			return err
		}
		defer rows.Close()

		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return err
			}
			return model.ErrNoWorkAvailable
		}
		work, err = scanDueWorkPgx(rows)
		if err != nil {
			return err
		}
		rows.Close()
		return rows.Err()
	})
	if errors.Is(err, model.ErrNoWorkAvailable) {
		return nil, model.ErrNoWorkAvailable
	}
	if err != nil {
		return nil, apperrors.FromDB("claim due work", err)
	}
	return work, nil
}

// Enqueue inserts a due_work row idempotently. A row for the same
// (task_id, run_at) already present makes this a no-op; the bool reports
// whether a new row was created.
func (r *DueWorkRepo) Enqueue(ctx context.Context, taskID string, runAt time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO due_work (task_id, run_at)
		VALUES ($1, $2)
		ON CONFLICT (task_id, run_at) DO NOTHING`,
		taskID, runAt.UTC())
	if err != nil {
		return false, apperrors.FromDB("enqueue due work", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.FromDB("enqueue due work", err)
	}
	return affected > 0, nil
}

// EnqueueEvent inserts an event-driven due_work row carrying the event id
// and payload, deduplicating on (task_id, event_id) via the event_dedupe
// ledger. Redelivery of an already-seen event is a no-op.
func (r *DueWorkRepo) EnqueueEvent(ctx context.Context, taskID string, runAt time.Time, event model.Event) (bool, error) {
	var enqueued bool
	err := pgxutil.WithTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO event_dedupe (task_id, event_id)
			VALUES ($1, $2)
			ON CONFLICT (task_id, event_id) DO NOTHING`,
			taskID, event.ID)
		if err != nil {
			return err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if inserted == 0 {
			return nil
		}

		var payload []byte
		if len(event.Payload) > 0 {
			payload = []byte(event.Payload)
		}

		// Two distinct events for the same task can land on the same
		// microsecond and collide on the (task_id, run_at) unique key.
		// Nudge run_at forward until a slot is free; each nudge is far
		// below scheduling precision. Exhausting the nudges rolls the
		// whole transaction back, dedupe row included, so the stream
		// entry is redelivered instead of silently dropped.
		at := runAt.UTC()
		for nudge := 0; nudge < maxEventRunAtNudges; nudge++ {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO due_work (task_id, run_at, event_id, event_payload)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (task_id, run_at) DO NOTHING`,
				taskID, at, event.ID, payload)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected > 0 {
				enqueued = true
				return nil
			}
			at = at.Add(time.Microsecond)
		}
		return fmt.Errorf("no free run_at slot for task %s near %s", taskID, runAt.UTC().Format(time.RFC3339Nano))
	})
	if err != nil {
		return false, apperrors.FromDB("enqueue event work", err)
	}
	return enqueued, nil
}

// ExtendLease pushes locked_until forward for a row the worker still holds.
// A lease-lost error means another claimant owns the row now.
func (r *DueWorkRepo) ExtendLease(ctx context.Context, id int64, workerID string, lease time.Duration) error {
	until := r.timeProvider.Now().UTC().Add(lease)
	res, err := r.DB.ExecContext(ctx, `
		UPDATE due_work
		SET locked_until = $3
		WHERE id = $1 AND locked_by = $2 AND locked_until IS NOT NULL`,
		id, workerID, until)
	if err != nil {
		return apperrors.FromDB("extend lease", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.FromDB("extend lease", err)
	}
	if affected == 0 {
		return apperrors.LeaseLost(workerID)
	}
	return nil
}

// DeleteLeasedInTx removes a row the worker holds, inside the caller's
// transaction. It fails with lease-lost when the row is no longer held.
func (r *DueWorkRepo) DeleteLeasedInTx(ctx context.Context, tx *sql.Tx, id int64, workerID string) error {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM due_work WHERE id = $1 AND locked_by = $2`, id, workerID)
	if err != nil {
		return apperrors.FromDB("delete leased work", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.FromDB("delete leased work", err)
	}
	if affected == 0 {
		return apperrors.LeaseLost(workerID)
	}
	return nil
}

// RescheduleRetry returns a held row to the pool at a later run_at, clearing
// the lease. The attempt counter is preserved; the next claim increments it.
func (r *DueWorkRepo) RescheduleRetry(ctx context.Context, id int64, workerID string, runAt time.Time) error {
	return rescheduleRetry(ctx, r.DB, id, workerID, runAt)
}

// RescheduleRetryInTx is RescheduleRetry inside the caller's transaction,
// so recording the failed attempt and requeueing commit together.
func (r *DueWorkRepo) RescheduleRetryInTx(ctx context.Context, tx *sql.Tx, id int64, workerID string, runAt time.Time) error {
	return rescheduleRetry(ctx, tx, id, workerID, runAt)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func rescheduleRetry(ctx context.Context, db execer, id int64, workerID string, runAt time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE due_work
		SET run_at = $3, locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		id, workerID, runAt.UTC())
	if err != nil {
		return apperrors.FromDB("reschedule retry", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.FromDB("reschedule retry", err)
	}
	if affected == 0 {
		return apperrors.LeaseLost(workerID)
	}
	return nil
}

// ReturnToPoolInTx clears a held row's lease and hands its attempt back,
// inside the caller's transaction. Used when shutdown aborts a run
// mid-flight: the interrupted claim must not count against the task's
// retry budget. It fails with lease-lost when the row is no longer held.
func (r *DueWorkRepo) ReturnToPoolInTx(ctx context.Context, tx *sql.Tx, id int64, workerID string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE due_work
		SET locked_by = NULL, locked_until = NULL, attempt = GREATEST(attempt - 1, 0)
		WHERE id = $1 AND locked_by = $2`,
		id, workerID)
	if err != nil {
		return apperrors.FromDB("return work to pool", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.FromDB("return work to pool", err)
	}
	if affected == 0 {
		return apperrors.LeaseLost(workerID)
	}
	return nil
}

// ReleaseLease clears a lease immediately so the row is claimable again.
// Used on graceful shutdown when a worker aborts its in-flight step.
func (r *DueWorkRepo) ReleaseLease(ctx context.Context, id int64, workerID string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE due_work
		SET locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		id, workerID)
	if err != nil {
		return apperrors.FromDB("release lease", err)
	}
	return nil
}

// CancelPending deletes every unleased row for a task. Called on pause,
// edit, and delete so stale occurrences never fire.
func (r *DueWorkRepo) CancelPending(ctx context.Context, taskID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM due_work
		WHERE task_id = $1 AND (locked_until IS NULL OR locked_until < $2)`,
		taskID, r.timeProvider.Now().UTC())
	if err != nil {
		return 0, apperrors.FromDB("cancel pending work", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.FromDB("cancel pending work", err)
	}
	return affected, nil
}

// ReclaimExpired clears leases that expired before graceCutoff and whose
// holder shows no heartbeat since heartbeatCutoff. Leases of live workers
// are never touched, even when expired, so a renewing worker is not raced.
func (r *DueWorkRepo) ReclaimExpired(ctx context.Context, graceCutoff, heartbeatCutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE due_work d
		SET locked_by = NULL, locked_until = NULL
		WHERE d.locked_until IS NOT NULL
		  AND d.locked_until < $1
		  AND NOT EXISTS (
		    SELECT 1 FROM worker_heartbeat h
		    WHERE h.worker_id = d.locked_by AND h.last_seen >= $2
		  )`,
		graceCutoff.UTC(), heartbeatCutoff.UTC())
	if err != nil {
		return 0, apperrors.FromDB("reclaim expired leases", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.FromDB("reclaim expired leases", err)
	}
	return affected, nil
}

// ClearLeasesHeldBy releases every lease held by the given worker, used
// when its heartbeat is pruned as dead.
func (r *DueWorkRepo) ClearLeasesHeldBy(ctx context.Context, workerID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE due_work
		SET locked_by = NULL, locked_until = NULL
		WHERE locked_by = $1`,
		workerID)
	if err != nil {
		return 0, apperrors.FromDB("clear worker leases", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.FromDB("clear worker leases", err)
	}
	return affected, nil
}

// GetByID fetches one queue row.
func (r *DueWorkRepo) GetByID(ctx context.Context, id int64) (*model.DueWork, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+dueWorkColumns+` FROM due_work WHERE id = $1`, id)
	work, err := scanDueWork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("due work %d not found", id)
	}
	if err != nil {
		return nil, apperrors.FromDB("get due work", err)
	}
	return work, nil
}

// ListForTask returns a task's queue rows ordered by run_at, for admin
// inspection and tests.
func (r *DueWorkRepo) ListForTask(ctx context.Context, taskID string) ([]*model.DueWork, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+dueWorkColumns+` FROM due_work WHERE task_id = $1 ORDER BY run_at, id`, taskID)
	if err != nil {
		return nil, apperrors.FromDB("list due work", err)
	}
	defer func() { _ = rows.Close() }()

	var work []*model.DueWork
	for rows.Next() {
		w, scanErr := scanDueWork(rows)
		if scanErr != nil {
			return nil, apperrors.FromDB("scan due work", scanErr)
		}
		work = append(work, w)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromDB("list due work", err)
	}
	return work, nil
}

// Stats summarizes queue state at the current instant.
func (r *DueWorkRepo) Stats(ctx context.Context) (*model.QueueStats, error) {
	now := r.timeProvider.Now().UTC()

	var stats model.QueueStats
	var oldestReadySeconds sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE run_at > $1) AS pending,
			count(*) FILTER (WHERE run_at <= $1 AND (locked_until IS NULL OR locked_until < $1)) AS ready,
			count(*) FILTER (WHERE locked_until IS NOT NULL AND locked_until >= $1) AS leased,
			EXTRACT(EPOCH FROM ($1 - min(run_at) FILTER (
				WHERE run_at <= $1 AND (locked_until IS NULL OR locked_until < $1)
			))) AS oldest_ready_seconds
		FROM due_work`, now).
		Scan(&stats.Pending, &stats.Ready, &stats.Leased, &oldestReadySeconds)
	if err != nil {
		return nil, apperrors.FromDB("queue stats", err)
	}
	if oldestReadySeconds.Valid && oldestReadySeconds.Float64 > 0 {
		stats.OldestReadyAge = time.Duration(oldestReadySeconds.Float64 * float64(time.Second))
	}

	err = r.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM task_run
		WHERE finished_at IS NOT NULL AND finished_at >= $1`,
		now.Add(-time.Hour)).
		Scan(&stats.CompletedLastHour)
	if err != nil {
		return nil, apperrors.FromDB("queue stats", err)
	}
	return &stats, nil
}

func scanDueWork(scanner rowScanner) (*model.DueWork, error) {
	var work model.DueWork
	var (
		lockedUntil  sql.NullTime
		lockedBy     sql.NullString
		eventID      sql.NullString
		eventPayload []byte
	)
	if err := scanner.Scan(
		&work.ID,
		&work.TaskID,
		&work.RunAt,
		&lockedUntil,
		&lockedBy,
		&work.Attempt,
		&eventID,
		&eventPayload,
		&work.CreatedAt,
	); err != nil {
		return nil, err
	}
	applyDueWorkNullables(&work, lockedUntil, lockedBy, eventID, eventPayload)
	return &work, nil
}

// scanDueWorkPgx scans the claim RETURNING row from native pgx rows.
func scanDueWorkPgx(rows pgx.Rows) (*model.DueWork, error) {
	var work model.DueWork
	var (
		lockedUntil  *time.Time
		lockedBy     *string
		eventID      *string
		eventPayload []byte
	)
	if err := rows.Scan(
		&work.ID,
		&work.TaskID,
		&work.RunAt,
		&lockedUntil,
		&lockedBy,
		&work.Attempt,
		&eventID,
		&eventPayload,
		&work.CreatedAt,
	); err != nil {
		return nil, err
	}
	work.LockedBy = lockedBy
	work.EventID = eventID
	if lockedUntil != nil {
		t := lockedUntil.UTC()
		work.LockedUntil = &t
	}
	if len(eventPayload) > 0 {
		work.EventPayload = append(json.RawMessage(nil), eventPayload...)
	}
	work.RunAt = work.RunAt.UTC()
	work.CreatedAt = work.CreatedAt.UTC()
	return &work, nil
}

func applyDueWorkNullables(work *model.DueWork, lockedUntil sql.NullTime, lockedBy, eventID sql.NullString, eventPayload []byte) {
	work.LockedUntil = nullableTime(lockedUntil)
	work.LockedBy = nullableString(lockedBy)
	work.EventID = nullableString(eventID)
	if len(eventPayload) > 0 {
		work.EventPayload = append(json.RawMessage(nil), eventPayload...)
	}
	work.RunAt = work.RunAt.UTC()
	work.CreatedAt = work.CreatedAt.UTC()
}
