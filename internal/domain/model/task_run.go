package model

import (
	"encoding/json"
	"time"
)

// TaskRun is one row of the append-only execution history. It is inserted
// when a worker starts executing leased work and receives exactly one
// terminal write; finished_at is set iff success is set.
type TaskRun struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	RunAt      time.Time       `json:"run_at"`
	LeaseOwner string          `json:"lease_owner"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Attempt    int             `json:"attempt"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *string         `json:"error,omitempty"`
}

// Terminal reports whether the run has received its terminal write.
func (r *TaskRun) Terminal() bool {
	return r.FinishedAt != nil && r.Success != nil
}
