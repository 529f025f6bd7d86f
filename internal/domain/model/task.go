package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ScheduleKind determines how a task's next execution time is derived.
type ScheduleKind string

const (
	// ScheduleKindCron uses 5-field cron syntax interpreted in the task timezone.
	ScheduleKindCron ScheduleKind = "cron"
	// ScheduleKindRRule uses an RFC-5545 recurrence rule.
	ScheduleKindRRule ScheduleKind = "rrule"
	// ScheduleKindOnce fires at a single ISO-8601 instant.
	ScheduleKindOnce ScheduleKind = "once"
	// ScheduleKindEvent fires when a matching event arrives; it has no temporal schedule.
	ScheduleKindEvent ScheduleKind = "event"
)

// Valid reports whether the schedule kind is one of the supported values.
// Condition-style tasks are not a core kind; external pollers use run-now.
func (k ScheduleKind) Valid() bool {
	switch k {
	case ScheduleKindCron, ScheduleKindRRule, ScheduleKindOnce, ScheduleKindEvent:
		return true
	default:
		return false
	}
}

// Temporal reports whether the kind produces occurrences from the trigger
// engine (as opposed to being driven by event ingress).
func (k ScheduleKind) Temporal() bool {
	return k == ScheduleKindCron || k == ScheduleKindRRule || k == ScheduleKindOnce
}

// TaskStatus is the lifecycle state of a task. Only active tasks are scheduled.
type TaskStatus string

const (
	TaskStatusActive TaskStatus = "active"
	TaskStatusPaused TaskStatus = "paused"
)

// Valid reports whether the status is a known value.
func (s TaskStatus) Valid() bool {
	return s == TaskStatusActive || s == TaskStatusPaused
}

// Backoff describes the retry delay policy applied between task-level attempts.
type Backoff struct {
	BaseSeconds float64 `json:"base_seconds"`
	MaxSeconds  float64 `json:"max_seconds"`
	Jitter      bool    `json:"jitter"`
}

// DefaultBackoff is applied when a task omits an explicit policy.
func DefaultBackoff() Backoff {
	return Backoff{BaseSeconds: 30, MaxSeconds: 600, Jitter: true}
}

// Delay computes the backoff before retrying the given attempt (1-based):
// min(base * 2^(attempt-1), max), optionally scaled by a random factor in
// [0.5, 1.0). rand01 supplies the random source so callers can pin it in tests.
func (b Backoff) Delay(attempt int, rand01 func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.BaseSeconds
	if base <= 0 {
		base = 1
	}
	seconds := base * math.Pow(2, float64(attempt-1))
	if b.MaxSeconds > 0 && seconds > b.MaxSeconds {
		seconds = b.MaxSeconds
	}
	if b.Jitter && rand01 != nil {
		seconds *= 0.5 + 0.5*rand01()
	}
	return time.Duration(seconds * float64(time.Second))
}

// Validate checks the backoff policy for sane bounds.
func (b Backoff) Validate() error {
	if b.BaseSeconds <= 0 {
		return errors.New("backoff base_seconds must be positive")
	}
	if b.MaxSeconds < b.BaseSeconds {
		return errors.New("backoff max_seconds must be >= base_seconds")
	}
	return nil
}

// PipelineStep is one ordered step of a task pipeline.
type PipelineStep struct {
	ID             string         `json:"id"`
	Uses           string         `json:"uses"`
	With           map[string]any `json:"with,omitempty"`
	SaveAs         string         `json:"save_as,omitempty"`
	If             string         `json:"if,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
}

// TaskPayload is the structured payload of a task: declarative parameters
// plus the ordered pipeline executed on each run.
type TaskPayload struct {
	Params   map[string]any `json:"params"`
	Pipeline []PipelineStep `json:"pipeline"`
}

// Validate enforces the structural pipeline invariants: step IDs unique
// within the task and every step naming a tool.
func (p *TaskPayload) Validate() error {
	if len(p.Pipeline) == 0 {
		return errors.New("pipeline must contain at least one step")
	}
	seen := make(map[string]struct{}, len(p.Pipeline))
	for i, step := range p.Pipeline {
		if strings.TrimSpace(step.ID) == "" {
			return fmt.Errorf("pipeline step %d: id is required", i)
		}
		if _, dup := seen[step.ID]; dup {
			return fmt.Errorf("pipeline step %q: duplicate id", step.ID)
		}
		seen[step.ID] = struct{}{}
		if strings.TrimSpace(step.Uses) == "" {
			return fmt.Errorf("pipeline step %q: uses is required", step.ID)
		}
		if step.TimeoutSeconds < 0 {
			return fmt.Errorf("pipeline step %q: timeout_seconds must be >= 0", step.ID)
		}
		if step.MaxRetries < 0 {
			return fmt.Errorf("pipeline step %q: max_retries must be >= 0", step.ID)
		}
	}
	return nil
}

// Task is a durable task definition: a schedule plus a pipeline.
type Task struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    *string         `json:"description,omitempty"`
	CreatedBy      string          `json:"created_by"`
	ScheduleKind   ScheduleKind    `json:"schedule_kind"`
	ScheduleExpr   string          `json:"schedule_expr"`
	Timezone       string          `json:"timezone"`
	Payload        json.RawMessage `json:"payload"`
	Status         TaskStatus      `json:"status"`
	Priority       int             `json:"priority"`
	MaxRetries     int             `json:"max_retries"`
	Backoff        Backoff         `json:"backoff"`
	ConcurrencyKey *string         `json:"concurrency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DecodePayload parses the stored payload into its structured form.
func (t *Task) DecodePayload() (*TaskPayload, error) {
	var p TaskPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}
	return &p, nil
}

// CreateTaskRequest holds the canonical task definition accepted at creation.
type CreateTaskRequest struct {
	Title          string          `json:"title"`
	Description    *string         `json:"description,omitempty"`
	ScheduleKind   ScheduleKind    `json:"schedule_kind"`
	ScheduleExpr   string          `json:"schedule_expr"`
	Timezone       string          `json:"timezone"`
	Priority       int             `json:"priority"`
	MaxRetries     int             `json:"max_retries"`
	Backoff        *Backoff        `json:"backoff,omitempty"`
	ConcurrencyKey *string         `json:"concurrency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedBy      string          `json:"created_by"`
}

// Validate checks everything that can be checked without the trigger engine.
// Schedule expression and timezone semantics are validated by the caller.
func (r *CreateTaskRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("task title is required")
	}
	if !r.ScheduleKind.Valid() {
		return fmt.Errorf("invalid schedule_kind: %q", r.ScheduleKind)
	}
	if strings.TrimSpace(r.ScheduleExpr) == "" {
		return errors.New("schedule_expr is required")
	}
	if strings.TrimSpace(r.Timezone) == "" {
		return errors.New("timezone is required")
	}
	if r.Priority < 0 || r.Priority > 9 {
		return fmt.Errorf("priority %d out of range 0..9", r.Priority)
	}
	if r.MaxRetries < 0 {
		return errors.New("max_retries must be >= 0")
	}
	if r.Backoff != nil {
		if err := r.Backoff.Validate(); err != nil {
			return err
		}
	}
	if r.ConcurrencyKey != nil && strings.TrimSpace(*r.ConcurrencyKey) == "" {
		return errors.New("concurrency_key must not be blank when set")
	}
	if strings.TrimSpace(r.CreatedBy) == "" {
		return errors.New("created_by is required")
	}

	var payload TaskPayload
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	return payload.Validate()
}
