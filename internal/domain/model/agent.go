package model

import (
	"errors"
	"strings"
	"time"
)

// Agent represents a registered principal that owns tasks.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateAgentRequest holds the fields required to register a new agent.
type CreateAgentRequest struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// Validate checks structural invariants for agent creation.
func (r *CreateAgentRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("agent name is required")
	}
	if len(r.Scopes) == 0 {
		return errors.New("agent scopes must be non-empty")
	}
	for _, s := range r.Scopes {
		if strings.TrimSpace(s) == "" {
			return errors.New("agent scopes must not contain blank entries")
		}
	}
	return nil
}
