package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ordinaut/ordinaut/internal/data/pgxutil"
	"github.com/ordinaut/ordinaut/internal/domain/model"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// TaskRepo provides database operations for task definitions.
type TaskRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewTaskRepo creates a new TaskRepo.
func NewTaskRepo(db *sql.DB, tp TimeProvider) *TaskRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &TaskRepo{DB: db, timeProvider: tp}
}

const taskColumns = `
  id,
  title,
  description,
  created_by,
  schedule_kind,
  schedule_expr,
  timezone,
  payload,
  status,
  priority,
  max_retries,
  backoff,
  concurrency_key,
  created_at,
  updated_at
`

// Create inserts a new task in active status. Schedule semantics are
// assumed to be validated by the caller (the task service runs the trigger
// engine before persisting).
func (r *TaskRepo) Create(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error) {
	if req == nil {
		return nil, errors.New("create task request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	backoff := model.DefaultBackoff()
	if req.Backoff != nil {
		backoff = *req.Backoff
	}
	backoffJSON, err := json.Marshal(backoff)
	if err != nil {
		return nil, fmt.Errorf("marshal backoff: %w", err)
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO task (
			title, description, created_by, schedule_kind, schedule_expr,
			timezone, payload, status, priority, max_retries, backoff, concurrency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8, $9, $10, $11)
		RETURNING `+taskColumns,
		req.Title, req.Description, req.CreatedBy, req.ScheduleKind, req.ScheduleExpr,
		req.Timezone, []byte(req.Payload), req.Priority, req.MaxRetries, backoffJSON,
		req.ConcurrencyKey)

	task, err := scanTask(row)
	if err != nil {
		return nil, apperrors.FromDB("create task", err)
	}
	return task, nil
}

// GetByID fetches a task by id.
func (r *TaskRepo) GetByID(ctx context.Context, id string) (*model.Task, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("task %s not found", id)
	}
	if err != nil {
		return nil, apperrors.FromDB("get task", err)
	}
	return task, nil
}

// GetByIDInTx fetches a task inside an existing transaction.
func (r *TaskRepo) GetByIDInTx(ctx context.Context, tx *sql.Tx, id string) (*model.Task, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("task %s not found", id)
	}
	if err != nil {
		return nil, apperrors.FromDB("get task", err)
	}
	return task, nil
}

// TaskFilter narrows List results.
type TaskFilter struct {
	Status    *model.TaskStatus
	Kind      *model.ScheduleKind
	CreatedBy *string
	Limit     int
}

// List returns tasks matching the filter, newest first.
func (r *TaskRepo) List(ctx context.Context, filter TaskFilter) ([]*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM task WHERE 1=1`
	var args []any
	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Kind != nil {
		args = append(args, *filter.Kind)
		query += fmt.Sprintf(" AND schedule_kind = $%d", len(args))
	}
	if filter.CreatedBy != nil {
		args = append(args, *filter.CreatedBy)
		query += fmt.Sprintf(" AND created_by = $%d", len(args))
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.FromDB("list tasks", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

// Update replaces the mutable definition fields of a task and bumps
// updated_at. The caller re-validates the schedule before calling.
func (r *TaskRepo) Update(ctx context.Context, id string, req *model.CreateTaskRequest) (*model.Task, error) {
	if req == nil {
		return nil, errors.New("update task request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	backoff := model.DefaultBackoff()
	if req.Backoff != nil {
		backoff = *req.Backoff
	}
	backoffJSON, err := json.Marshal(backoff)
	if err != nil {
		return nil, fmt.Errorf("marshal backoff: %w", err)
	}

	row := r.DB.QueryRowContext(ctx, `
		UPDATE task SET
			title = $2,
			description = $3,
			schedule_kind = $4,
			schedule_expr = $5,
			timezone = $6,
			payload = $7,
			priority = $8,
			max_retries = $9,
			backoff = $10,
			concurrency_key = $11,
			updated_at = $12
		WHERE id = $1
		RETURNING `+taskColumns,
		id, req.Title, req.Description, req.ScheduleKind, req.ScheduleExpr,
		req.Timezone, []byte(req.Payload), req.Priority, req.MaxRetries, backoffJSON,
		req.ConcurrencyKey, r.timeProvider.Now().UTC())

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("task %s not found", id)
	}
	if err != nil {
		return nil, apperrors.FromDB("update task", err)
	}
	return task, nil
}

// SetStatus transitions a task between active and paused.
func (r *TaskRepo) SetStatus(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error) {
	if !status.Valid() {
		return nil, apperrors.Validationf("invalid task status %q", status)
	}

	row := r.DB.QueryRowContext(ctx, `
		UPDATE task SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+taskColumns,
		id, status, r.timeProvider.Now().UTC())

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("task %s not found", id)
	}
	if err != nil {
		return nil, apperrors.FromDB("set task status", err)
	}
	return task, nil
}

// Delete removes a task. Queue rows, run history, and dedupe entries
// cascade away with it.
func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM task WHERE id = $1`, id)
	if err != nil {
		return apperrors.FromDB("delete task", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.FromDB("delete task", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("task %s not found", id)
	}
	return nil
}

// Advisory lock namespace for scheduler ticks.
// Two-arg pg_try_advisory_xact_lock(major, minor) for namespacing; major
// key 2000 is reserved for ordinaut scheduler operations.
const (
	advisoryLockSchedulerMajor = 2000
	advisoryLockSchedulerTick  = 1
)

// UnscheduledTask pairs a task due for materialization with the latest
// occurrence its run history records. The scheduler clamps its occurrence
// search past LastRunAt so a completed run is never re-enqueued while it
// still sits inside the misfire grace window.
type UnscheduledTask struct {
	Task      *model.Task
	LastRunAt *time.Time
}

// FindUnscheduled returns active temporal tasks with no outstanding
// due_work row, each with the run_at of its most recent execution. This is
// the scheduler's advisory re-scan: completed recurring tasks show up here
// again and get their next occurrence enqueued. One-shot tasks that have
// already run are excluded so they are never re-enqueued.
//
// The scan holds a transaction-scoped advisory lock so that concurrent
// scheduler replicas do not materialize the same tick; a replica that loses
// the lock gets an empty batch. The unique (task_id, run_at) constraint on
// due_work absorbs the window between scan and enqueue.
func (r *TaskRepo) FindUnscheduled(ctx context.Context, limit int) ([]*UnscheduledTask, error) {
	if limit <= 0 {
		limit = 500
	}
	var items []*UnscheduledTask
	err := pgxutil.WithTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)",
			advisoryLockSchedulerMajor, advisoryLockSchedulerTick).Scan(&locked); err != nil {
			return apperrors.FromDB("acquire scheduler lock", err)
		}
		if !locked {
			return nil
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT `+taskColumns+`,
			       (SELECT MAX(tr.run_at) FROM task_run tr WHERE tr.task_id = t.id) AS last_run_at
			FROM task t
			WHERE t.status = 'active'
			  AND t.schedule_kind IN ('cron', 'rrule', 'once')
			  AND NOT EXISTS (SELECT 1 FROM due_work d WHERE d.task_id = t.id)
			  AND (t.schedule_kind <> 'once'
			       OR NOT EXISTS (SELECT 1 FROM task_run tr WHERE tr.task_id = t.id))
			ORDER BY t.created_at, t.id
			LIMIT $1`, limit)
		if err != nil {
			return apperrors.FromDB("find unscheduled tasks", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var lastRun sql.NullTime
			task, scanErr := scanTask(rows, &lastRun)
			if scanErr != nil {
				return apperrors.FromDB("scan task", scanErr)
			}
			items = append(items, &UnscheduledTask{Task: task, LastRunAt: nullableTime(lastRun)})
		}
		if err := rows.Err(); err != nil {
			return apperrors.FromDB("iterate tasks", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// FindActiveEventTasks returns every active task driven by event ingress.
func (r *TaskRepo) FindActiveEventTasks(ctx context.Context) ([]*model.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM task
		WHERE status = 'active' AND schedule_kind = 'event'
		ORDER BY created_at, id`)
	if err != nil {
		return nil, apperrors.FromDB("find event tasks", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*model.Task, error) {
	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.FromDB("scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromDB("iterate tasks", err)
	}
	return tasks, nil
}

// scanTask scans one task row; extra destinations receive any columns
// selected after the standard task column list.
func scanTask(scanner rowScanner, extra ...any) (*model.Task, error) {
	var task model.Task
	var (
		description    sql.NullString
		payload        []byte
		backoffJSON    []byte
		concurrencyKey sql.NullString
	)
	dest := []any{
		&task.ID,
		&task.Title,
		&description,
		&task.CreatedBy,
		&task.ScheduleKind,
		&task.ScheduleExpr,
		&task.Timezone,
		&payload,
		&task.Status,
		&task.Priority,
		&task.MaxRetries,
		&backoffJSON,
		&concurrencyKey,
		&task.CreatedAt,
		&task.UpdatedAt,
	}
	dest = append(dest, extra...)
	if err := scanner.Scan(dest...); err != nil {
		return nil, err
	}

	task.Payload = append(json.RawMessage(nil), payload...)
	if err := json.Unmarshal(backoffJSON, &task.Backoff); err != nil {
		return nil, fmt.Errorf("decode task backoff: %w", err)
	}
	task.Description = nullableString(description)
	task.ConcurrencyKey = nullableString(concurrencyKey)
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = task.UpdatedAt.UTC()
	return &task, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
