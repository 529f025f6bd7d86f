package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordinaut/ordinaut/config"
	"github.com/ordinaut/ordinaut/internal/data"
	"github.com/ordinaut/ordinaut/internal/domain/model"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

type mockWorkClaimStore struct {
	claimed  *model.DueWork
	claimErr error

	extendErr error

	deletedIDs     []int64
	rescheduled    []time.Time
	returnedIDs    []int64
	releasedIDs    []int64
	clearedWorkers []string
}

func (m *mockWorkClaimStore) Claim(_ context.Context, _ string, _ time.Duration) (*model.DueWork, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	return m.claimed, nil
}

func (m *mockWorkClaimStore) ExtendLease(_ context.Context, _ int64, _ string, _ time.Duration) error {
	return m.extendErr
}

func (m *mockWorkClaimStore) DeleteLeasedInTx(_ context.Context, _ *sql.Tx, id int64, _ string) error {
	m.deletedIDs = append(m.deletedIDs, id)
	return nil
}

func (m *mockWorkClaimStore) RescheduleRetryInTx(_ context.Context, _ *sql.Tx, _ int64, _ string, runAt time.Time) error {
	m.rescheduled = append(m.rescheduled, runAt)
	return nil
}

func (m *mockWorkClaimStore) ReturnToPoolInTx(_ context.Context, _ *sql.Tx, id int64, _ string) error {
	m.returnedIDs = append(m.returnedIDs, id)
	return nil
}

func (m *mockWorkClaimStore) ReleaseLease(_ context.Context, id int64, _ string) error {
	m.releasedIDs = append(m.releasedIDs, id)
	return nil
}

func (m *mockWorkClaimStore) ClearLeasesHeldBy(_ context.Context, workerID string) (int64, error) {
	m.clearedWorkers = append(m.clearedWorkers, workerID)
	return 0, nil
}

type mockTaskReader struct {
	task *model.Task
	err  error
}

func (m *mockTaskReader) GetByID(_ context.Context, _ string) (*model.Task, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.task, nil
}

type finishedRun struct {
	id      string
	success bool
	err     *string
}

type mockRunRecorder struct {
	startErr error
	finished []finishedRun
}

func (m *mockRunRecorder) Start(_ context.Context, taskID, leaseOwner string, attempt int, runAt, startedAt time.Time) (*model.TaskRun, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	return &model.TaskRun{ID: "run-1", TaskID: taskID, RunAt: runAt, LeaseOwner: leaseOwner, Attempt: attempt, StartedAt: startedAt}, nil
}

func (m *mockRunRecorder) FinishInTx(_ context.Context, _ *sql.Tx, id string, success bool, _ json.RawMessage, runErr *string, _ time.Time) error {
	m.finished = append(m.finished, finishedRun{id: id, success: success, err: runErr})
	return nil
}

type mockHeartbeatStore struct {
	beats []model.WorkerHeartbeat
}

func (m *mockHeartbeatStore) Beat(_ context.Context, hb model.WorkerHeartbeat) error {
	m.beats = append(m.beats, hb)
	return nil
}

type stubRunner struct {
	output map[string]any
	err    error
}

func (s *stubRunner) Run(_ context.Context, _ *model.TaskPayload, _ json.RawMessage) (map[string]any, error) {
	return s.output, s.err
}

type workerFixture struct {
	svc   *WorkerService
	work  *mockWorkClaimStore
	tasks *mockTaskReader
	runs  *mockRunRecorder
	now   time.Time
}

func validPayload(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(model.TaskPayload{
		Pipeline: []model.PipelineStep{{ID: "step1", Uses: "noop.tool"}},
	})
	require.NoError(t, err)
	return raw
}

func newWorkerFixture(t *testing.T, runner PipelineRunner) *workerFixture {
	t.Helper()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	work := &mockWorkClaimStore{}
	tasks := &mockTaskReader{task: &model.Task{
		ID:           "task-1",
		ScheduleKind: model.ScheduleKindCron,
		Payload:      validPayload(t),
		MaxRetries:   2,
		Backoff:      model.Backoff{BaseSeconds: 30, MaxSeconds: 600},
	}}
	runs := &mockRunRecorder{}

	svc, err := NewWorkerService(WorkerServiceOptions{
		Work:         work,
		Tasks:        tasks,
		Runs:         runs,
		Heartbeats:   &mockHeartbeatStore{},
		Executor:     runner,
		Config:       config.WorkerConfig{ID: "w-1", LeaseSeconds: 60},
		TimeProvider: data.NewFixedTimeProvider(now),
		Rand01:       func() float64 { return 1.0 },
	})
	require.NoError(t, err)

	// Terminal writes run without a real database in unit tests.
	svc.txRunner = func(ctx context.Context, fn func(*sql.Tx) error) error {
		return fn(nil)
	}

	return &workerFixture{svc: svc, work: work, tasks: tasks, runs: runs, now: now}
}

func dueWork(attempt int) *model.DueWork {
	return &model.DueWork{ID: 7, TaskID: "task-1", RunAt: time.Date(2025, 6, 2, 8, 59, 0, 0, time.UTC), Attempt: attempt}
}

func TestWorkerExecuteSuccess(t *testing.T) {
	f := newWorkerFixture(t, &stubRunner{output: map[string]any{"steps": map[string]any{}}})

	f.svc.execute(context.Background(), dueWork(1))

	require.Len(t, f.runs.finished, 1)
	assert.True(t, f.runs.finished[0].success)
	assert.Nil(t, f.runs.finished[0].err)
	assert.Equal(t, []int64{7}, f.work.deletedIDs)
	assert.Empty(t, f.work.rescheduled)
}

func TestWorkerExecuteRetryableFailureSchedulesRetry(t *testing.T) {
	f := newWorkerFixture(t, &stubRunner{err: apperrors.ToolTransient("step1", assertableErr("boom"))})

	f.svc.execute(context.Background(), dueWork(1))

	require.Len(t, f.runs.finished, 1)
	assert.False(t, f.runs.finished[0].success)
	require.NotNil(t, f.runs.finished[0].err)

	require.Len(t, f.work.rescheduled, 1)
	// attempt 1 with base 30s and jitter factor pinned to 1.0
	assert.Equal(t, f.now.Add(30*time.Second), f.work.rescheduled[0])
	assert.Empty(t, f.work.deletedIDs)
}

func TestWorkerExecuteBackoffGrowsWithAttempts(t *testing.T) {
	f := newWorkerFixture(t, &stubRunner{err: apperrors.ToolTransient("step1", assertableErr("boom"))})

	f.svc.execute(context.Background(), dueWork(2))

	require.Len(t, f.work.rescheduled, 1)
	// attempt 2 doubles the base delay
	assert.Equal(t, f.now.Add(60*time.Second), f.work.rescheduled[0])
}

func TestWorkerExecuteExhaustedAttemptsIsTerminal(t *testing.T) {
	f := newWorkerFixture(t, &stubRunner{err: apperrors.ToolTransient("step1", assertableErr("boom"))})

	// MaxRetries is 2, so attempt 3 is the last allowed execution.
	f.svc.execute(context.Background(), dueWork(3))

	require.Len(t, f.runs.finished, 1)
	assert.False(t, f.runs.finished[0].success)
	assert.Equal(t, []int64{7}, f.work.deletedIDs)
	assert.Empty(t, f.work.rescheduled)
}

func TestWorkerExecutePermanentFailureNeverRetries(t *testing.T) {
	f := newWorkerFixture(t, &stubRunner{err: apperrors.ToolPermanent("step1", assertableErr("bad request"))})

	f.svc.execute(context.Background(), dueWork(1))

	assert.Equal(t, []int64{7}, f.work.deletedIDs)
	assert.Empty(t, f.work.rescheduled)
}

func TestWorkerExecuteInvalidPayloadIsTerminal(t *testing.T) {
	f := newWorkerFixture(t, &stubRunner{})
	f.tasks.task.Payload = json.RawMessage(`{"pipeline": "not an array"}`)

	f.svc.execute(context.Background(), dueWork(1))

	require.Len(t, f.runs.finished, 1)
	assert.False(t, f.runs.finished[0].success)
	assert.Equal(t, []int64{7}, f.work.deletedIDs)
	assert.Empty(t, f.work.rescheduled)
}

func TestWorkerExecuteLeaseLostLeavesRowAlone(t *testing.T) {
	f := newWorkerFixture(t, &stubRunner{err: apperrors.LeaseLost("w-1")})

	f.svc.execute(context.Background(), dueWork(1))

	require.Len(t, f.runs.finished, 1)
	assert.False(t, f.runs.finished[0].success)
	assert.Empty(t, f.work.deletedIDs)
	assert.Empty(t, f.work.rescheduled)
}

func TestWorkerExecuteShutdownAbortReturnsWorkWithoutBurningAttempt(t *testing.T) {
	// A SIGTERM mid-pipeline surfaces as a transient tool error wrapping
	// context.Canceled. The run closes, but the row goes straight back to
	// the pool with its attempt handed back instead of burning a retry.
	f := newWorkerFixture(t, &stubRunner{err: apperrors.ToolTransient("step1", context.Canceled)})

	f.svc.execute(context.Background(), dueWork(1))

	require.Len(t, f.runs.finished, 1)
	assert.False(t, f.runs.finished[0].success)
	assert.Equal(t, []int64{7}, f.work.returnedIDs)
	assert.Empty(t, f.work.rescheduled, "no backoff delay on shutdown aborts")
	assert.Empty(t, f.work.deletedIDs)
}

func TestWorkerExecuteTaskLoadFailureReleasesLease(t *testing.T) {
	f := newWorkerFixture(t, &stubRunner{})
	f.tasks.err = assertableErr("db down")

	f.svc.execute(context.Background(), dueWork(1))

	assert.Equal(t, []int64{7}, f.work.releasedIDs)
	assert.Empty(t, f.runs.finished)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t, &stubRunner{})
	f.work.claimErr = model.ErrNoWorkAvailable

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	// Shutdown releases whatever the worker still held.
	assert.Equal(t, []string{"w-1"}, f.work.clearedWorkers)
}

func TestWorkerRunExitsOnPersistentStoreFailure(t *testing.T) {
	work := &mockWorkClaimStore{claimErr: apperrors.Store("claim due work", assertableErr("connection refused"))}
	svc, err := NewWorkerService(WorkerServiceOptions{
		Work:       work,
		Tasks:      &mockTaskReader{},
		Runs:       &mockRunRecorder{},
		Heartbeats: &mockHeartbeatStore{},
		Executor:   &stubRunner{},
		Config:     config.WorkerConfig{ID: "w-1", PollIntervalMS: 1},
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	select {
	case runErr := <-done:
		require.Error(t, runErr)
		assert.Contains(t, runErr.Error(), "claim failed")
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit on persistent store failure")
	}
}

func TestNewWorkerServiceGeneratesID(t *testing.T) {
	f := newWorkerFixture(t, &stubRunner{})
	assert.Equal(t, "w-1", f.svc.WorkerID())

	svc, err := NewWorkerService(WorkerServiceOptions{
		Work:       &mockWorkClaimStore{},
		Tasks:      &mockTaskReader{},
		Runs:       &mockRunRecorder{},
		Heartbeats: &mockHeartbeatStore{},
		Executor:   &stubRunner{},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, svc.WorkerID())
	assert.NotEqual(t, "w-1", svc.WorkerID())
}

// assertableErr is a trivial error for mock returns.
type assertableErr string

func (e assertableErr) Error() string { return string(e) }
