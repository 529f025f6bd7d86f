package data

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// EventDedupeRepo manages the (task_id, event_id) idempotency ledger used
// by event ingress. The hot path lives in DueWorkRepo.EnqueueEvent; this
// repo covers inspection and pruning.
type EventDedupeRepo struct {
	DB *sql.DB
}

// NewEventDedupeRepo creates a new EventDedupeRepo.
func NewEventDedupeRepo(db *sql.DB) *EventDedupeRepo {
	return &EventDedupeRepo{DB: db}
}

// Seen reports whether the (task, event) pair has already been enqueued.
func (r *EventDedupeRepo) Seen(ctx context.Context, taskID, eventID string) (bool, error) {
	var seen bool
	err := r.DB.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM event_dedupe WHERE task_id = $1 AND event_id = $2
		)`, taskID, eventID).Scan(&seen)
	if err != nil {
		return false, apperrors.FromDB("check event dedupe", err)
	}
	return seen, nil
}

// PruneOlderThan removes ledger entries older than cutoff. The ledger only
// needs to cover the stream's redelivery horizon.
func (r *EventDedupeRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`DELETE FROM event_dedupe WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, apperrors.FromDB("prune event dedupe", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.FromDB("prune event dedupe", err)
	}
	return affected, nil
}
