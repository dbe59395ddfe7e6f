package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"dispatcherd.io/apperr"
)

func TestMapError_PassesThroughAppErr(t *testing.T) {
	original := apperr.New(apperr.Conflict, "task not held")
	got := MapError(original)
	assert.Same(t, original, got)
}

func TestMapError_Nil(t *testing.T) {
	assert.Nil(t, MapError(nil))
}

func TestMapError_DeadlineExceeded(t *testing.T) {
	got := MapError(context.DeadlineExceeded)
	assert.Equal(t, apperr.Timeout, apperr.KindOf(got))
}

func TestMapError_NoRows(t *testing.T) {
	got := MapError(pgx.ErrNoRows)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(got))
}

func TestMapError_UniqueViolation(t *testing.T) {
	got := MapError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})
	assert.Equal(t, apperr.Conflict, apperr.KindOf(got))
}

func TestMapError_SerializationFailure(t *testing.T) {
	got := MapError(&pgconn.PgError{Code: "40001", Message: "could not serialize"})
	assert.Equal(t, apperr.Conflict, apperr.KindOf(got))
}

func TestMapError_Unknown(t *testing.T) {
	got := MapError(errors.New("connection reset"))
	assert.Equal(t, apperr.StoreUnavailable, apperr.KindOf(got))
}

func TestRowsAffectedConflict(t *testing.T) {
	err := RowsAffectedConflict("task not held by worker")
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "task not held by worker")
}
