package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ordinaut/ordinaut/internal/domain/model"
)

func createTestAgent(t *testing.T, db *sql.DB, name string) *model.Agent {
	t.Helper()
	agent, err := NewAgentRepo(db).Create(context.Background(), &model.CreateAgentRequest{
		Name:   name,
		Scopes: []string{"tasks:write"},
	})
	require.NoError(t, err)
	return agent
}

type taskOverrides struct {
	Kind           model.ScheduleKind
	Expr           string
	Priority       int
	MaxRetries     int
	ConcurrencyKey *string
}

func createTestTask(t *testing.T, db *sql.DB, agentID string, ov taskOverrides) *model.Task {
	t.Helper()

	kind := ov.Kind
	if kind == "" {
		kind = model.ScheduleKindCron
	}
	expr := ov.Expr
	if expr == "" {
		expr = "0 9 * * *"
	}

	payload, err := json.Marshal(map[string]any{
		"params": map[string]any{},
		"pipeline": []map[string]any{
			{"id": "noop", "uses": "noop.tool"},
		},
	})
	require.NoError(t, err)

	task, err := NewTaskRepo(db, nil).Create(context.Background(), &model.CreateTaskRequest{
		Title:          fmt.Sprintf("task-%d", time.Now().UnixNano()),
		ScheduleKind:   kind,
		ScheduleExpr:   expr,
		Timezone:       "UTC",
		Priority:       ov.Priority,
		MaxRetries:     ov.MaxRetries,
		ConcurrencyKey: ov.ConcurrencyKey,
		Payload:        payload,
		CreatedBy:      agentID,
	})
	require.NoError(t, err)
	return task
}
