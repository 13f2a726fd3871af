package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/issuewatch/issuewatch-api/internal/store"
)

// PostgreSQL error codes we translate into store sentinel errors.
const (
	pgUniqueViolationCode      = "23505"
	pgForeignKeyViolationCode  = "23503"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
)

// mapError translates driver-level errors into the store package's
// sentinel errors so callers never depend on pgconn.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolationCode:
			return store.ErrDuplicate
		case pgForeignKeyViolationCode:
			return store.ErrInvalidEntity
		case pgSerializationFailureCode, pgDeadlockDetectedCode:
			return store.ErrConflict
		}
	}

	return err
}
