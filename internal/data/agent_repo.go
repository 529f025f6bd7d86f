package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ordinaut/ordinaut/internal/domain/model"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// AgentRepo provides database operations for registered agents.
type AgentRepo struct {
	DB *sql.DB
}

// NewAgentRepo creates a new AgentRepo.
func NewAgentRepo(db *sql.DB) *AgentRepo {
	return &AgentRepo{DB: db}
}

const agentColumns = `id, name, scopes, created_at`

// Create registers a new agent. Names are unique; a duplicate yields a
// conflict error.
func (r *AgentRepo) Create(ctx context.Context, req *model.CreateAgentRequest) (*model.Agent, error) {
	if req == nil {
		return nil, errors.New("create agent request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	scopes, err := json.Marshal(req.Scopes)
	if err != nil {
		return nil, fmt.Errorf("marshal scopes: %w", err)
	}

	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO agent (name, scopes)
		VALUES ($1, $2)
		RETURNING `+agentColumns,
		req.Name, scopes)

	agent, err := scanAgent(row)
	if err != nil {
		return nil, apperrors.FromDB("create agent", err)
	}
	return agent, nil
}

// GetByID fetches an agent by id.
func (r *AgentRepo) GetByID(ctx context.Context, id string) (*model.Agent, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent WHERE id = $1`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("agent %s not found", id)
	}
	if err != nil {
		return nil, apperrors.FromDB("get agent", err)
	}
	return agent, nil
}

// GetByName fetches an agent by its unique name.
func (r *AgentRepo) GetByName(ctx context.Context, name string) (*model.Agent, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent WHERE name = $1`, name)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFoundf("agent %q not found", name)
	}
	if err != nil {
		return nil, apperrors.FromDB("get agent by name", err)
	}
	return agent, nil
}

// List returns all agents ordered by creation time.
func (r *AgentRepo) List(ctx context.Context) ([]*model.Agent, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agent ORDER BY created_at, name`)
	if err != nil {
		return nil, apperrors.FromDB("list agents", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*model.Agent
	for rows.Next() {
		agent, scanErr := scanAgent(rows)
		if scanErr != nil {
			return nil, apperrors.FromDB("scan agent", scanErr)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromDB("list agents", err)
	}
	return agents, nil
}

// Delete removes an agent. Deletion is blocked while tasks still reference
// it; the FK violation surfaces as a conflict.
func (r *AgentRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM agent WHERE id = $1`, id)
	if err != nil {
		if apperrors.IsForeignKeyViolation(err) {
			return apperrors.Conflict(fmt.Sprintf("agent %s still owns tasks", id))
		}
		return apperrors.FromDB("delete agent", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperrors.FromDB("delete agent", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("agent %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(scanner rowScanner) (*model.Agent, error) {
	var agent model.Agent
	var scopes []byte
	if err := scanner.Scan(&agent.ID, &agent.Name, &scopes, &agent.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopes, &agent.Scopes); err != nil {
		return nil, fmt.Errorf("decode agent scopes: %w", err)
	}
	agent.CreatedAt = agent.CreatedAt.UTC()
	return &agent, nil
}
