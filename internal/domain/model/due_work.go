package model

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoWorkAvailable is returned by a claim attempt when no row is claimable.
var ErrNoWorkAvailable = errors.New("no claimable work available")

// DueWork is one materialized unit of work in the durable queue.
// A row is claimable when run_at has passed and no live lease exists on it.
// The stored attempt counts claims: it starts at 0 and the claim statement
// increments it, so the first execution runs with attempt 1.
type DueWork struct {
	ID           int64           `json:"id"`
	TaskID       string          `json:"task_id"`
	RunAt        time.Time       `json:"run_at"`
	LockedUntil  *time.Time      `json:"locked_until,omitempty"`
	LockedBy     *string         `json:"locked_by,omitempty"`
	Attempt      int             `json:"attempt"`
	EventID      *string         `json:"event_id,omitempty"`
	EventPayload json.RawMessage `json:"event_payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Claimable reports whether the row could be claimed at the given instant.
func (w *DueWork) Claimable(now time.Time) bool {
	if w.RunAt.After(now) {
		return false
	}
	return w.LockedUntil == nil || w.LockedUntil.Before(now)
}

// QueueStats summarizes the state of the due_work queue.
type QueueStats struct {
	// Pending counts rows whose run_at is still in the future.
	Pending int64 `json:"pending"`
	// Ready counts claimable rows (due, unleased).
	Ready int64 `json:"ready"`
	// Leased counts rows currently held by a worker.
	Leased int64 `json:"leased"`
	// OldestReadyAge is the age of the oldest claimable row.
	OldestReadyAge time.Duration `json:"oldest_ready_age"`
	// CompletedLastHour counts task runs finished in the trailing hour.
	CompletedLastHour int64 `json:"completed_last_hour"`
}
