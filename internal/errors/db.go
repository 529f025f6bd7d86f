package errors

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation. Idempotent enqueue paths treat this as a successful no-op.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// IsForeignKeyViolation reports whether err is a Postgres foreign key
// constraint violation, e.g. deleting an agent that tasks still reference.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation
}

// FromDB wraps a database error into the application taxonomy, preserving
// conflict and FK classifications for callers that branch on them.
func FromDB(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case IsUniqueViolation(err):
		return &AppError{Code: ErrCodeConflict, Message: op, Cause: err}
	case IsForeignKeyViolation(err):
		return &AppError{Code: ErrCodeConflict, Message: op, Cause: err}
	default:
		return Store(op, err)
	}
}
