package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, ErrCodeInfrastructure, "store unavailable")

	assert.Equal(t, "store unavailable: connection refused", err.Error())
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, IsInfrastructure(err))
}

func TestAppError_WrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "ignored"))
	assert.Nil(t, Wrapf(nil, ErrCodeInternal, "ignored %d", 1))
}

func TestIsHelpers(t *testing.T) {
	assert.True(t, IsValidation(Validation("bad input")))
	assert.True(t, IsInvalidTransition(InvalidTransitionf("job %s is terminal", "j1")))
	assert.True(t, IsNotFound(NotFoundf("job %s not found", "j1")))
	assert.True(t, IsConflict(Conflict("duplicate")))
	assert.False(t, IsValidation(fmt.Errorf("plain error")))
	assert.False(t, IsValidation(nil))
}

func TestIsHelpers_WrappedChain(t *testing.T) {
	inner := InvalidTransition("already terminal")
	outer := fmt.Errorf("mark running: %w", inner)
	assert.True(t, IsInvalidTransition(outer))
	assert.Equal(t, ErrCodeInvalidTransition, GetCode(outer))
}

func TestGetCodeAndField(t *testing.T) {
	err := ValidationField("session_id", "session id is required")
	assert.Equal(t, ErrCodeValidation, GetCode(err))
	assert.Equal(t, "session_id", GetField(err))

	assert.Equal(t, ErrorCode(""), GetCode(fmt.Errorf("plain")))
	assert.Equal(t, "", GetField(fmt.Errorf("plain")))
}

func TestMapDBError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, MapDBError(nil))
	})

	t.Run("no rows", func(t *testing.T) {
		err := MapDBError(fmt.Errorf("get job: %w", pgx.ErrNoRows))
		assert.True(t, IsNotFound(err))
	})

	t.Run("deadline", func(t *testing.T) {
		err := MapDBError(context.DeadlineExceeded)
		assert.True(t, IsTimeout(err))
	})

	t.Run("canceled", func(t *testing.T) {
		err := MapDBError(context.Canceled)
		assert.True(t, IsCanceled(err))
	})

	t.Run("unique violation extracts field", func(t *testing.T) {
		pgErr := &pgconn.PgError{
			Code:   pgerrcode.UniqueViolation,
			Detail: `Key (session_id)=(s1) already exists.`,
		}
		err := MapDBError(pgErr)
		require.True(t, IsConflict(err))
		assert.Equal(t, "session_id", GetField(err))
	})

	t.Run("check violation is validation", func(t *testing.T) {
		err := MapDBError(&pgconn.PgError{Code: pgerrcode.CheckViolation})
		assert.True(t, IsValidation(err))
	})

	t.Run("other pg error is infrastructure", func(t *testing.T) {
		err := MapDBError(&pgconn.PgError{Code: pgerrcode.ConnectionFailure})
		assert.True(t, IsInfrastructure(err))
	})

	t.Run("unrecognized passes through", func(t *testing.T) {
		plain := fmt.Errorf("something else")
		assert.Equal(t, plain, MapDBError(plain))
	})
}
