package errors

import (
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

func pgError(code string) *pgconn.PgError {
	return &pgconn.PgError{Code: code, Message: "constraint violated"}
}

func TestIsUniqueViolation(t *testing.T) {
	if !IsUniqueViolation(pgError(pgerrcode.UniqueViolation)) {
		t.Error("unique violation should be detected")
	}
	if IsUniqueViolation(pgError(pgerrcode.ForeignKeyViolation)) {
		t.Error("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Error("plain error is not a unique violation")
	}
}

func TestIsForeignKeyViolation(t *testing.T) {
	if !IsForeignKeyViolation(pgError(pgerrcode.ForeignKeyViolation)) {
		t.Error("foreign key violation should be detected")
	}
	if IsForeignKeyViolation(pgError(pgerrcode.UniqueViolation)) {
		t.Error("unique violation is not a foreign key violation")
	}
}

func TestFromDB(t *testing.T) {
	if err := FromDB("insert", nil); err != nil {
		t.Errorf("FromDB(nil) = %v, want nil", err)
	}

	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
	}{
		{"unique violation maps to conflict", pgError(pgerrcode.UniqueViolation), ErrCodeConflict},
		{"foreign key violation maps to conflict", pgError(pgerrcode.ForeignKeyViolation), ErrCodeConflict},
		{"anything else maps to store", errors.New("connection reset"), ErrCodeStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromDB("insert task", tt.err)
			if got := CodeOf(err); got != tt.wantCode {
				t.Errorf("CodeOf(FromDB()) = %v, want %v", got, tt.wantCode)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("FromDB should preserve the cause chain")
			}
		})
	}
}
