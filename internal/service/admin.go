package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ordinaut/ordinaut/internal/data"
	"github.com/ordinaut/ordinaut/internal/domain/model"
	"github.com/ordinaut/ordinaut/internal/domain/trigger"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// TaskAdminStore is the task surface of the admin service.
type TaskAdminStore interface {
	Create(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error)
	GetByID(ctx context.Context, id string) (*model.Task, error)
	List(ctx context.Context, filter data.TaskFilter) ([]*model.Task, error)
	Update(ctx context.Context, id string, req *model.CreateTaskRequest) (*model.Task, error)
	SetStatus(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error)
	Delete(ctx context.Context, id string) error
}

// AgentStore is the agent registry surface of the admin service.
type AgentStore interface {
	Create(ctx context.Context, req *model.CreateAgentRequest) (*model.Agent, error)
	GetByID(ctx context.Context, id string) (*model.Agent, error)
	List(ctx context.Context) ([]*model.Agent, error)
	Delete(ctx context.Context, id string) error
}

// WorkAdminStore is the queue surface of the admin service.
type WorkAdminStore interface {
	Enqueue(ctx context.Context, taskID string, runAt time.Time) (bool, error)
	CancelPending(ctx context.Context, taskID string) (int64, error)
	Stats(ctx context.Context) (*model.QueueStats, error)
}

// RunHistoryStore reads execution history.
type RunHistoryStore interface {
	ListByTask(ctx context.Context, taskID string, limit int) ([]*model.TaskRun, error)
}

// AuditAppender records mutating admin operations.
type AuditAppender interface {
	Append(ctx context.Context, entry model.AuditEntry) error
}

// ScheduleValidator validates schedule expressions semantically.
type ScheduleValidator interface {
	Validate(kind model.ScheduleKind, expr, tz string) trigger.ValidationReport
}

// AdminServiceOptions groups dependencies for AdminService.
type AdminServiceOptions struct {
	Tasks        TaskAdminStore    // Required
	Agents       AgentStore        // Required
	Work         WorkAdminStore    // Required
	Runs         RunHistoryStore   // Required
	Audit        AuditAppender     // Required
	Trigger      ScheduleValidator // Required
	TimeProvider data.TimeProvider // Optional
	Logger       *slog.Logger      // Optional
}

// AdminService is the control surface of the task system: agent registry
// and the task lifecycle (create, update, pause, resume, delete, run-now).
// Every mutation validates first, then writes, then appends an audit
// record. Pause and edit cancel pending unleased occurrences so stale
// work never fires; in-flight leased runs are left to finish.
type AdminService struct {
	tasks        TaskAdminStore
	agents       AgentStore
	work         WorkAdminStore
	runs         RunHistoryStore
	audit        AuditAppender
	trigger      ScheduleValidator
	timeProvider data.TimeProvider
	logger       *slog.Logger
}

// NewAdminService constructs an AdminService.
func NewAdminService(opts AdminServiceOptions) (*AdminService, error) {
	if opts.Tasks == nil || opts.Agents == nil || opts.Work == nil {
		return nil, errors.New("task, agent, and work stores are required")
	}
	if opts.Runs == nil || opts.Audit == nil {
		return nil, errors.New("run history and audit stores are required")
	}
	if opts.Trigger == nil {
		return nil, errors.New("schedule validator is required")
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = &data.RealTimeProvider{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &AdminService{
		tasks:        opts.Tasks,
		agents:       opts.Agents,
		work:         opts.Work,
		runs:         opts.Runs,
		audit:        opts.Audit,
		trigger:      opts.Trigger,
		timeProvider: opts.TimeProvider,
		logger:       opts.Logger.With("component", "admin"),
	}, nil
}

// CreateAgent registers a new agent.
func (s *AdminService) CreateAgent(ctx context.Context, req *model.CreateAgentRequest) (*model.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validationf("%v", err)
	}
	agent, err := s.agents.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, model.AuditActionAgentCreate, &agent.ID, nil, map[string]any{"name": agent.Name})
	return agent, nil
}

// GetAgent returns one agent by ID.
func (s *AdminService) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return s.agents.GetByID(ctx, id)
}

// ListAgents returns all registered agents.
func (s *AdminService) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	return s.agents.List(ctx)
}

// DeleteAgent removes an agent. Fails with conflict while the agent still
// owns tasks.
func (s *AdminService) DeleteAgent(ctx context.Context, id string) error {
	if err := s.agents.Delete(ctx, id); err != nil {
		return err
	}
	s.appendAudit(ctx, model.AuditActionAgentDelete, &id, nil, nil)
	return nil
}

// CreateTask validates and persists a new task. The creating agent must
// exist and the schedule expression must be semantically valid for its
// kind before anything is written.
func (s *AdminService) CreateTask(ctx context.Context, req *model.CreateTaskRequest) (*model.Task, error) {
	if err := s.validateTaskRequest(ctx, req); err != nil {
		return nil, err
	}

	task, err := s.tasks.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	s.appendAudit(ctx, model.AuditActionTaskCreate, &task.ID, &req.CreatedBy, map[string]any{
		"title":         task.Title,
		"schedule_kind": task.ScheduleKind,
	})
	s.logger.InfoContext(ctx, "task created",
		"task_id", task.ID, "schedule_kind", task.ScheduleKind, "created_by", task.CreatedBy)
	return task, nil
}

// GetTask returns one task by ID.
func (s *AdminService) GetTask(ctx context.Context, id string) (*model.Task, error) {
	return s.tasks.GetByID(ctx, id)
}

// ListTasks returns tasks matching the filter.
func (s *AdminService) ListTasks(ctx context.Context, filter data.TaskFilter) ([]*model.Task, error) {
	return s.tasks.List(ctx, filter)
}

// UpdateTask replaces a task's definition. Pending unleased occurrences
// are cancelled so the scheduler re-materializes from the new schedule.
func (s *AdminService) UpdateTask(ctx context.Context, id string, req *model.CreateTaskRequest) (*model.Task, error) {
	if err := s.validateTaskRequest(ctx, req); err != nil {
		return nil, err
	}

	task, err := s.tasks.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if _, err := s.work.CancelPending(ctx, id); err != nil {
		return nil, fmt.Errorf("cancel pending work after update: %w", err)
	}

	s.appendAudit(ctx, model.AuditActionTaskUpdate, &id, &req.CreatedBy, nil)
	return task, nil
}

// PauseTask stops future scheduling and cancels pending occurrences.
func (s *AdminService) PauseTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.tasks.SetStatus(ctx, id, model.TaskStatusPaused)
	if err != nil {
		return nil, err
	}
	cancelled, err := s.work.CancelPending(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancel pending work on pause: %w", err)
	}

	s.appendAudit(ctx, model.AuditActionTaskPause, &id, nil, map[string]any{"cancelled": cancelled})
	s.logger.InfoContext(ctx, "task paused", "task_id", id, "cancelled", cancelled)
	return task, nil
}

// ResumeTask reactivates a paused task. The scheduler picks it up on the
// next tick; occurrences that would have fired while paused are governed
// by the misfire grace, not replayed.
func (s *AdminService) ResumeTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.tasks.SetStatus(ctx, id, model.TaskStatusActive)
	if err != nil {
		return nil, err
	}
	s.appendAudit(ctx, model.AuditActionTaskResume, &id, nil, nil)
	return task, nil
}

// DeleteTask removes a task, its history, and any queued occurrences.
func (s *AdminService) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.work.CancelPending(ctx, id); err != nil {
		return fmt.Errorf("cancel pending work on delete: %w", err)
	}
	if err := s.tasks.Delete(ctx, id); err != nil {
		return err
	}
	s.appendAudit(ctx, model.AuditActionTaskDelete, &id, nil, nil)
	return nil
}

// RunNow enqueues an immediate ad-hoc occurrence regardless of schedule.
// The task must exist; paused tasks may be run explicitly.
func (s *AdminService) RunNow(ctx context.Context, id string) (bool, error) {
	if _, err := s.tasks.GetByID(ctx, id); err != nil {
		return false, err
	}
	created, err := s.work.Enqueue(ctx, id, s.timeProvider.Now())
	if err != nil {
		return false, err
	}
	s.appendAudit(ctx, model.AuditActionTaskRunNow, &id, nil, nil)
	return created, nil
}

// ListRuns returns the newest-first run history of a task.
func (s *AdminService) ListRuns(ctx context.Context, taskID string, limit int) ([]*model.TaskRun, error) {
	return s.runs.ListByTask(ctx, taskID, limit)
}

// QueueStats returns a snapshot of queue health.
func (s *AdminService) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	return s.work.Stats(ctx)
}

// ValidateSchedule runs the trigger engine's validation for an expression
// without touching any task.
func (s *AdminService) ValidateSchedule(kind model.ScheduleKind, expr, tz string) trigger.ValidationReport {
	return s.trigger.Validate(kind, expr, tz)
}

func (s *AdminService) validateTaskRequest(ctx context.Context, req *model.CreateTaskRequest) error {
	if err := req.Validate(); err != nil {
		return apperrors.Validationf("%v", err)
	}

	if _, err := s.agents.GetByID(ctx, req.CreatedBy); err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeNotFound {
			return apperrors.Validationf("created_by agent %s does not exist", req.CreatedBy)
		}
		return err
	}

	report := s.trigger.Validate(req.ScheduleKind, req.ScheduleExpr, req.Timezone)
	if !report.OK {
		return apperrors.Validationf("invalid schedule: %s", strings.Join(report.Problems, "; "))
	}

	var payload model.TaskPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return apperrors.Validationf("invalid payload: %v", err)
	}
	if err := payload.Validate(); err != nil {
		return apperrors.Validationf("%v", err)
	}
	return nil
}

// appendAudit records a mutation. Audit writes are best-effort: a failed
// append is logged, never allowed to fail the operation it describes.
func (s *AdminService) appendAudit(ctx context.Context, action model.AuditAction, subjectID, actorID *string, details map[string]any) {
	var raw json.RawMessage
	if details != nil {
		raw, _ = json.Marshal(details)
	}
	entry := model.AuditEntry{
		At:           s.timeProvider.Now(),
		ActorAgentID: actorID,
		Action:       action,
		SubjectID:    subjectID,
		Details:      raw,
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "audit append failed", "action", action, "error", err)
	}
}
