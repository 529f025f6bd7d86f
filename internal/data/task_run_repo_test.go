package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordinaut/ordinaut/internal/domain/model"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
	"github.com/ordinaut/ordinaut/internal/testutil"
)

func TestTaskRunStartAndFinish(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		agent := createTestAgent(t, db, "run-agent")
		task := createTestTask(t, db, agent.ID, taskOverrides{})
		repo := NewTaskRunRepo(db)

		run, err := repo.Start(ctx, task.ID, "w1", 1, time.Now(), time.Now())
		require.NoError(t, err)
		assert.False(t, run.Terminal())
		assert.Equal(t, "w1", run.LeaseOwner)
		assert.Equal(t, 1, run.Attempt)

		output := json.RawMessage(`{"steps":{"w":{"ok":true}}}`)
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		require.NoError(t, repo.FinishInTx(ctx, tx, run.ID, true, output, nil, time.Now()))
		require.NoError(t, tx.Commit())

		got, err := repo.GetByID(ctx, run.ID)
		require.NoError(t, err)
		assert.True(t, got.Terminal())
		require.NotNil(t, got.Success)
		assert.True(t, *got.Success)
		assert.JSONEq(t, string(output), string(got.Output))

		// The terminal write is one-shot.
		tx, err = db.BeginTx(ctx, nil)
		require.NoError(t, err)
		err = repo.FinishInTx(ctx, tx, run.ID, false, nil, testutil.StringPtr("late"), time.Now())
		assert.Equal(t, apperrors.ErrCodeConflict, apperrors.CodeOf(err))
		_ = tx.Rollback()
	})
}

func TestTaskRunListAndLast(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		agent := createTestAgent(t, db, "history-agent")
		task := createTestTask(t, db, agent.ID, taskOverrides{})
		repo := NewTaskRunRepo(db)

		_, err := repo.Start(ctx, task.ID, "w1", 1, time.Now().Add(-2*time.Minute), time.Now().Add(-2*time.Minute))
		require.NoError(t, err)
		second, err := repo.Start(ctx, task.ID, "w1", 2, time.Now().Add(-time.Minute), time.Now().Add(-time.Minute))
		require.NoError(t, err)

		runs, err := repo.ListByTask(ctx, task.ID, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, second.ID, runs[0].ID, "newest first")

		last, err := repo.LastForTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, last.ID)
	})
}

func TestHeartbeatBeatAndPrune(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		repo := NewHeartbeatRepo(db, nil)

		require.NoError(t, repo.Beat(ctx, model.WorkerHeartbeat{
			WorkerID: "w1", ProcessedCount: 3, PID: 123, Hostname: "host-a",
		}))
		require.NoError(t, repo.Beat(ctx, model.WorkerHeartbeat{
			WorkerID: "w1", ProcessedCount: 4, PID: 123, Hostname: "host-a",
		}))

		beats, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, beats, 1)
		assert.Equal(t, int64(4), beats[0].ProcessedCount)

		// Nothing is stale yet.
		pruned, err := repo.PruneDead(ctx, time.Now().Add(-time.Minute))
		require.NoError(t, err)
		assert.Empty(t, pruned)

		pruned, err = repo.PruneDead(ctx, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"w1"}, pruned)
	})
}

func TestAuditAppendAndList(t *testing.T) {
	testutil.WithTestDB(t, func(db *sql.DB) {
		ctx := context.Background()
		agent := createTestAgent(t, db, "audit-agent")
		repo := NewAuditRepo(db)

		require.NoError(t, repo.Append(ctx, model.AuditEntry{
			ActorAgentID: &agent.ID,
			Action:       model.AuditActionTaskCreate,
			SubjectID:    testutil.StringPtr("task-1"),
			Details:      json.RawMessage(`{"title":"weather"}`),
		}))

		entries, err := repo.ListRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, model.AuditActionTaskCreate, entries[0].Action)
		require.NotNil(t, entries[0].ActorAgentID)
		assert.Equal(t, agent.ID, *entries[0].ActorAgentID)
	})
}
