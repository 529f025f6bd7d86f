package data

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/ordinaut/ordinaut/internal/domain/model"
	apperrors "github.com/ordinaut/ordinaut/internal/errors"
)

// AuditRepo provides append and read access to the audit trail.
type AuditRepo struct {
	DB *sql.DB
}

// NewAuditRepo creates a new AuditRepo.
func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{DB: db}
}

// Append records one audit entry.
func (r *AuditRepo) Append(ctx context.Context, entry model.AuditEntry) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO audit_log (agent_id, action, subject_id, details)
		VALUES ($1, $2, $3, $4)`,
		entry.ActorAgentID, entry.Action, entry.SubjectID, nullableJSON(entry.Details))
	if err != nil {
		return apperrors.FromDB("append audit entry", err)
	}
	return nil
}

// ListRecent returns the latest audit entries, newest first.
func (r *AuditRepo) ListRecent(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT created_at, agent_id, action, subject_id, details
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, apperrors.FromDB("list audit entries", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*model.AuditEntry
	for rows.Next() {
		var entry model.AuditEntry
		var agentID, subjectID sql.NullString
		var details []byte
		if err := rows.Scan(&entry.At, &agentID, &entry.Action, &subjectID, &details); err != nil {
			return nil, apperrors.FromDB("scan audit entry", err)
		}
		entry.At = entry.At.UTC()
		entry.ActorAgentID = nullableString(agentID)
		entry.SubjectID = nullableString(subjectID)
		if len(details) > 0 {
			entry.Details = append(json.RawMessage(nil), details...)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.FromDB("list audit entries", err)
	}
	return entries, nil
}
