package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordinaut/ordinaut/internal/data"
	"github.com/ordinaut/ordinaut/internal/domain/model"
	"github.com/ordinaut/ordinaut/internal/domain/trigger"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

type mockTaskAdminStore struct {
	task      *model.Task
	created   []*model.CreateTaskRequest
	updated   []*model.CreateTaskRequest
	statuses  []model.TaskStatus
	deleted   []string
	getErr    error
	createErr error
}

func (m *mockTaskAdminStore) Create(_ context.Context, req *model.CreateTaskRequest) (*model.Task, error) {
	m.created = append(m.created, req)
	if m.createErr != nil {
		return nil, m.createErr
	}
	return m.taskOr(req), nil
}

func (m *mockTaskAdminStore) taskOr(req *model.CreateTaskRequest) *model.Task {
	if m.task != nil {
		return m.task
	}
	return &model.Task{
		ID:           "task-1",
		Title:        req.Title,
		CreatedBy:    req.CreatedBy,
		ScheduleKind: req.ScheduleKind,
		ScheduleExpr: req.ScheduleExpr,
		Status:       model.TaskStatusActive,
	}
}

func (m *mockTaskAdminStore) GetByID(_ context.Context, id string) (*model.Task, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.task != nil {
		return m.task, nil
	}
	return &model.Task{ID: id, Status: model.TaskStatusActive}, nil
}

func (m *mockTaskAdminStore) List(_ context.Context, _ data.TaskFilter) ([]*model.Task, error) {
	return nil, nil
}

func (m *mockTaskAdminStore) Update(_ context.Context, _ string, req *model.CreateTaskRequest) (*model.Task, error) {
	m.updated = append(m.updated, req)
	return m.taskOr(req), nil
}

func (m *mockTaskAdminStore) SetStatus(_ context.Context, id string, status model.TaskStatus) (*model.Task, error) {
	m.statuses = append(m.statuses, status)
	return &model.Task{ID: id, Status: status}, nil
}

func (m *mockTaskAdminStore) Delete(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

type mockAgentStore struct {
	agent     *model.Agent
	getErr    error
	created   []*model.CreateAgentRequest
	deleted   []string
	deleteErr error
}

func (m *mockAgentStore) Create(_ context.Context, req *model.CreateAgentRequest) (*model.Agent, error) {
	m.created = append(m.created, req)
	return &model.Agent{ID: "agent-1", Name: req.Name, Scopes: req.Scopes}, nil
}

func (m *mockAgentStore) GetByID(_ context.Context, id string) (*model.Agent, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.agent != nil {
		return m.agent, nil
	}
	return &model.Agent{ID: id, Name: "agent"}, nil
}

func (m *mockAgentStore) List(_ context.Context) ([]*model.Agent, error) { return nil, nil }

func (m *mockAgentStore) Delete(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return m.deleteErr
}

type mockWorkAdminStore struct {
	enqueued  []enqueueCall
	cancelled []string
}

func (m *mockWorkAdminStore) Enqueue(_ context.Context, taskID string, runAt time.Time) (bool, error) {
	m.enqueued = append(m.enqueued, enqueueCall{taskID: taskID, runAt: runAt})
	return true, nil
}

func (m *mockWorkAdminStore) CancelPending(_ context.Context, taskID string) (int64, error) {
	m.cancelled = append(m.cancelled, taskID)
	return 1, nil
}

func (m *mockWorkAdminStore) Stats(_ context.Context) (*model.QueueStats, error) {
	return &model.QueueStats{Pending: 3}, nil
}

type mockRunHistoryStore struct{}

func (m *mockRunHistoryStore) ListByTask(_ context.Context, _ string, _ int) ([]*model.TaskRun, error) {
	return nil, nil
}

type mockAuditAppender struct {
	entries []model.AuditEntry
}

func (m *mockAuditAppender) Append(_ context.Context, entry model.AuditEntry) error {
	m.entries = append(m.entries, entry)
	return nil
}

type adminFixture struct {
	svc    *AdminService
	tasks  *mockTaskAdminStore
	agents *mockAgentStore
	work   *mockWorkAdminStore
	audit  *mockAuditAppender
	now    time.Time
}

func newAdminFixture(t *testing.T) *adminFixture {
	t.Helper()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	f := &adminFixture{
		tasks:  &mockTaskAdminStore{},
		agents: &mockAgentStore{},
		work:   &mockWorkAdminStore{},
		audit:  &mockAuditAppender{},
		now:    now,
	}
	svc, err := NewAdminService(AdminServiceOptions{
		Tasks:        f.tasks,
		Agents:       f.agents,
		Work:         f.work,
		Runs:         &mockRunHistoryStore{},
		Audit:        f.audit,
		Trigger:      trigger.NewEngine(),
		TimeProvider: data.NewFixedTimeProvider(now),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func validCreateTaskRequest(t *testing.T) *model.CreateTaskRequest {
	t.Helper()
	payload, err := json.Marshal(model.TaskPayload{
		Pipeline: []model.PipelineStep{{ID: "notify", Uses: "telegram.send_message"}},
	})
	require.NoError(t, err)
	return &model.CreateTaskRequest{
		Title:        "Morning briefing",
		ScheduleKind: model.ScheduleKindCron,
		ScheduleExpr: "30 8 * * 1-5",
		Timezone:     "Europe/Chisinau",
		Payload:      payload,
		CreatedBy:    "agent-1",
	}
}

func TestAdminCreateTask(t *testing.T) {
	f := newAdminFixture(t)

	task, err := f.svc.CreateTask(context.Background(), validCreateTaskRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "Morning briefing", task.Title)

	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, model.AuditActionTaskCreate, f.audit.entries[0].Action)
	assert.Equal(t, f.now, f.audit.entries[0].At)
}

func TestAdminCreateTaskRejectsBadSchedule(t *testing.T) {
	f := newAdminFixture(t)
	req := validCreateTaskRequest(t)
	req.ScheduleExpr = "99 99 * * *"

	_, err := f.svc.CreateTask(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
	assert.Empty(t, f.tasks.created)
	assert.Empty(t, f.audit.entries)
}

func TestAdminCreateTaskRejectsUnknownAgent(t *testing.T) {
	f := newAdminFixture(t)
	f.agents.getErr = apperrors.NotFound("agent not found")

	_, err := f.svc.CreateTask(context.Background(), validCreateTaskRequest(t))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestAdminCreateTaskRejectsBadPayload(t *testing.T) {
	f := newAdminFixture(t)
	req := validCreateTaskRequest(t)
	req.Payload = json.RawMessage(`{"pipeline": []}`)

	_, err := f.svc.CreateTask(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func TestAdminUpdateTaskCancelsPendingWork(t *testing.T) {
	f := newAdminFixture(t)

	_, err := f.svc.UpdateTask(context.Background(), "task-1", validCreateTaskRequest(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"task-1"}, f.work.cancelled)
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, model.AuditActionTaskUpdate, f.audit.entries[0].Action)
}

func TestAdminPauseCancelsPendingWork(t *testing.T) {
	f := newAdminFixture(t)

	task, err := f.svc.PauseTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPaused, task.Status)
	assert.Equal(t, []string{"task-1"}, f.work.cancelled)
}

func TestAdminResumeDoesNotTouchQueue(t *testing.T) {
	f := newAdminFixture(t)

	task, err := f.svc.ResumeTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusActive, task.Status)
	assert.Empty(t, f.work.cancelled)
}

func TestAdminDeleteTaskCancelsThenDeletes(t *testing.T) {
	f := newAdminFixture(t)

	require.NoError(t, f.svc.DeleteTask(context.Background(), "task-1"))
	assert.Equal(t, []string{"task-1"}, f.work.cancelled)
	assert.Equal(t, []string{"task-1"}, f.tasks.deleted)
}

func TestAdminRunNowEnqueuesImmediately(t *testing.T) {
	f := newAdminFixture(t)

	created, err := f.svc.RunNow(context.Background(), "task-1")
	require.NoError(t, err)
	assert.True(t, created)

	require.Len(t, f.work.enqueued, 1)
	assert.Equal(t, "task-1", f.work.enqueued[0].taskID)
	assert.Equal(t, f.now, f.work.enqueued[0].runAt)
}

func TestAdminRunNowUnknownTask(t *testing.T) {
	f := newAdminFixture(t)
	f.tasks.getErr = apperrors.NotFound("no such task")

	_, err := f.svc.RunNow(context.Background(), "missing")
	require.Error(t, err)
	assert.Empty(t, f.work.enqueued)
}

func TestAdminCreateAgent(t *testing.T) {
	f := newAdminFixture(t)

	agent, err := f.svc.CreateAgent(context.Background(), &model.CreateAgentRequest{
		Name:   "telegram-bot",
		Scopes: []string{"notify"},
	})
	require.NoError(t, err)
	assert.Equal(t, "telegram-bot", agent.Name)
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, model.AuditActionAgentCreate, f.audit.entries[0].Action)
}

func TestAdminCreateAgentRejectsEmptyScopes(t *testing.T) {
	f := newAdminFixture(t)

	_, err := f.svc.CreateAgent(context.Background(), &model.CreateAgentRequest{Name: "x"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.CodeOf(err))
}

func TestAdminValidateSchedule(t *testing.T) {
	f := newAdminFixture(t)

	report := f.svc.ValidateSchedule(model.ScheduleKindCron, "0 9 * * *", "UTC")
	assert.True(t, report.OK)

	report = f.svc.ValidateSchedule(model.ScheduleKindCron, "nonsense", "UTC")
	assert.False(t, report.OK)
	assert.NotEmpty(t, report.Problems)
}
