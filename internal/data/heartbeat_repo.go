package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/ordinaut/ordinaut/internal/domain/model"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// HeartbeatRepo provides database operations for worker liveness records.
type HeartbeatRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewHeartbeatRepo creates a new HeartbeatRepo.
func NewHeartbeatRepo(db *sql.DB, tp TimeProvider) *HeartbeatRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &HeartbeatRepo{DB: db, timeProvider: tp}
}

// Beat upserts the worker's heartbeat row.
func (r *HeartbeatRepo) Beat(ctx context.Context, hb model.WorkerHeartbeat) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO worker_heartbeat (worker_id, last_seen, processed_count, pid, hostname, stopping)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (worker_id) DO UPDATE SET
			last_seen = GREATEST(worker_heartbeat.last_seen, EXCLUDED.last_seen),
			processed_count = EXCLUDED.processed_count,
			pid = EXCLUDED.pid,
			hostname = EXCLUDED.hostname,
			stopping = EXCLUDED.stopping`,
		hb.WorkerID, r.timeProvider.Now().UTC(), hb.ProcessedCount, hb.PID, hb.Hostname, hb.Stopping)
	if err != nil {
		return apperrors.FromDB("worker heartbeat", err)
	}
	return nil
}

// List returns all heartbeat rows, most recent first.
func (r *HeartbeatRepo) List(ctx context.Context) ([]*model.WorkerHeartbeat, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT worker_id, last_seen, processed_count, pid, hostname, stopping
		FROM worker_heartbeat
		ORDER BY last_seen DESC`)
	if err != nil {
		return nil, apperrors.FromDB("list heartbeats", err)
	}
	defer func() { _ = rows.Close() }()

	var beats []*model.WorkerHeartbeat
	for rows.Next() {
		var hb model.WorkerHeartbeat
		var pid sql.NullInt64
		var hostname sql.NullString
		if err := rows.Scan(&hb.WorkerID, &hb.LastSeen, &hb.ProcessedCount, &pid, &hostname, &hb.Stopping); err != nil {
			return nil, apperrors.FromDB("scan heartbeat", err)
		}
		hb.LastSeen = hb.LastSeen.UTC()
		hb.PID = int(pid.Int64)
		hb.Hostname = hostname.String
		beats = append(beats, &hb)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromDB("list heartbeats", err)
	}
	return beats, nil
}

// PruneDead deletes heartbeats not seen since cutoff and returns the ids of
// the pruned workers, so the caller can release their residual leases.
func (r *HeartbeatRepo) PruneDead(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `
		DELETE FROM worker_heartbeat
		WHERE last_seen < $1
		RETURNING worker_id`, cutoff.UTC())
	if err != nil {
		return nil, apperrors.FromDB("prune dead heartbeats", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.FromDB("scan pruned heartbeat", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromDB("prune dead heartbeats", err)
	}
	return ids, nil
}

// Delete removes one worker's heartbeat row on clean shutdown.
func (r *HeartbeatRepo) Delete(ctx context.Context, workerID string) error {
	if _, err := r.DB.ExecContext(ctx,
		`DELETE FROM worker_heartbeat WHERE worker_id = $1`, workerID); err != nil {
		return apperrors.FromDB("delete heartbeat", err)
	}
	return nil
}
