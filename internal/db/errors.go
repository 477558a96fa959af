package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/yourorg/assetgw/internal/apperr"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation or a failed state guard.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates inputs failed validation.
	ErrValidation = errors.New("validation error")
)

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pe *pgconn.PgError
	return errors.As(err, &pe) && pe.Code == "23505"
}

func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) && (pe.Code == "23503" || pe.Code == "23514") { // fk / check
		return ErrValidation
	}
	return err
}

// mapRowErr translates no-rows to ErrNotFound, then applies mapPgErr.
func mapRowErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return mapPgErr(err)
}

// AppErr classifies a repository error for the service layer. conflict is
// the kind a failed guard or uniqueness violation maps to.
func AppErr(op string, err error, conflict apperr.Kind) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(apperr.NotFound, op, err)
	case errors.Is(err, ErrConflict):
		return apperr.Wrap(conflict, op, err)
	case errors.Is(err, ErrValidation):
		return apperr.Wrap(apperr.Validation, op, err)
	}
	return apperr.Wrap(apperr.KindUnknown, op, err)
}
