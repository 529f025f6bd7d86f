package model

import "time"

// WorkerHeartbeat records liveness for one worker process. It is upserted
// on every beat; last_seen is monotonically non-decreasing per worker.
type WorkerHeartbeat struct {
	WorkerID       string    `json:"worker_id"`
	LastSeen       time.Time `json:"last_seen"`
	ProcessedCount int64     `json:"processed_count"`
	PID            int       `json:"pid"`
	Hostname       string    `json:"hostname"`
	Stopping       bool      `json:"stopping"`
}
