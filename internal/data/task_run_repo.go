package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ordinaut/ordinaut/internal/domain/model"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// TaskRunRepo provides database operations for the execution history.
type TaskRunRepo struct {
	DB *sql.DB
}

// NewTaskRunRepo creates a new TaskRunRepo.
func NewTaskRunRepo(db *sql.DB) *TaskRunRepo {
	return &TaskRunRepo{DB: db}
}

const taskRunColumns = `id, task_id, run_at, lease_owner, attempt, started_at, finished_at, success, error, output`

// Start inserts the open run record for a freshly claimed row. runAt is the
// occurrence being executed; the scheduler reads it back to avoid
// re-materializing occurrences that already ran.
func (r *TaskRunRepo) Start(ctx context.Context, taskID, leaseOwner string, attempt int, runAt, startedAt time.Time) (*model.TaskRun, error) {
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO task_run (task_id, run_at, lease_owner, attempt, started_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+taskRunColumns,
		taskID, runAt.UTC(), leaseOwner, attempt, startedAt.UTC())
	run, err := scanTaskRun(row)
	if err != nil {
		return nil, apperrors.FromDB("start task run", err)
	}
	return run, nil
}

// FinishInTx writes the terminal fields of a run inside the caller's
// transaction, so the terminal write and the due_work deletion commit
// together.
func (r *TaskRunRepo) FinishInTx(ctx context.Context, tx *sql.Tx, id string, success bool, output json.RawMessage, runErr *string, finishedAt time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE task_run
		SET finished_at = $2, success = $3, output = $4, error = $5
		WHERE id = $1 AND finished_at IS NULL`,
		id, finishedAt.UTC(), success, nullableJSON(output), runErr)
	if err != nil {
		return apperrors.FromDB("finish task run", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.FromDB("finish task run", err)
	}
	if affected == 0 {
		return apperrors.Conflict("task run already finished or missing")
	}
	return nil
}

// GetByID fetches a run by id.
func (r *TaskRunRepo) GetByID(ctx context.Context, id string) (*model.TaskRun, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+taskRunColumns+` FROM task_run WHERE id = $1`, id)
	run, err := scanTaskRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("task run %s not found", id)
	}
	if err != nil {
		return nil, apperrors.FromDB("get task run", err)
	}
	return run, nil
}

// ListByTask returns a task's run history, newest first.
func (r *TaskRunRepo) ListByTask(ctx context.Context, taskID string, limit int) ([]*model.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+taskRunColumns+`
		FROM task_run
		WHERE task_id = $1
		ORDER BY started_at DESC, id
		LIMIT $2`, taskID, limit)
	if err != nil {
		return nil, apperrors.FromDB("list task runs", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*model.TaskRun
	for rows.Next() {
		run, scanErr := scanTaskRun(rows)
		if scanErr != nil {
			return nil, apperrors.FromDB("scan task run", scanErr)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromDB("list task runs", err)
	}
	return runs, nil
}

// LastForTask returns the most recently started run, or not-found.
func (r *TaskRunRepo) LastForTask(ctx context.Context, taskID string) (*model.TaskRun, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+taskRunColumns+`
		FROM task_run
		WHERE task_id = $1
		ORDER BY started_at DESC, id
		LIMIT 1`, taskID)
	run, err := scanTaskRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("no runs for task %s", taskID)
	}
	if err != nil {
		return nil, apperrors.FromDB("last task run", err)
	}
	return run, nil
}

func scanTaskRun(scanner rowScanner) (*model.TaskRun, error) {
	var run model.TaskRun
	var (
		leaseOwner sql.NullString
		finishedAt sql.NullTime
		success    sql.NullBool
		runErr     sql.NullString
		output     []byte
	)
	if err := scanner.Scan(
		&run.ID,
		&run.TaskID,
		&run.RunAt,
		&leaseOwner,
		&run.Attempt,
		&run.StartedAt,
		&finishedAt,
		&success,
		&runErr,
		&output,
	); err != nil {
		return nil, err
	}
	if leaseOwner.Valid {
		run.LeaseOwner = leaseOwner.String
	}
	run.RunAt = run.RunAt.UTC()
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = nullableTime(finishedAt)
	if success.Valid {
		v := success.Bool
		run.Success = &v
	}
	run.Error = nullableString(runErr)
	if len(output) > 0 {
		run.Output = append(json.RawMessage(nil), output...)
	}
	return &run, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
