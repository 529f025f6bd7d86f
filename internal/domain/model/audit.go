package model

import (
	"encoding/json"
	"time"
)

// AuditAction names a mutating operation recorded in the audit log.
type AuditAction string

const (
	AuditActionAgentCreate AuditAction = "agent.create"
	AuditActionAgentDelete AuditAction = "agent.delete"
	AuditActionTaskCreate  AuditAction = "task.create"
	AuditActionTaskUpdate  AuditAction = "task.update"
	AuditActionTaskPause   AuditAction = "task.pause"
	AuditActionTaskResume  AuditAction = "task.resume"
	AuditActionTaskDelete  AuditAction = "task.delete"
	AuditActionTaskRunNow  AuditAction = "task.run_now"
)

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	At           time.Time       `json:"at"`
	ActorAgentID *string         `json:"actor_agent_id,omitempty"`
	Action       AuditAction     `json:"action"`
	SubjectID    *string         `json:"subject_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
}
