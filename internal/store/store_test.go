package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/config"
)

// flexibleSQLMatcher builds a whitespace-insensitive regex for SQL matching.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

const sqlInsertOutcome = `
	INSERT INTO channel_outcomes
	  (channel_id, demand_id, status, rounds, participants, reason, reached_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (channel_id) DO NOTHING
`

func newMockedStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestNew(t *testing.T) {
	t.Run("propagates ping failures", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestOpen_DisabledReturnsNoSink(t *testing.T) {
	s, err := Open(context.Background(), config.AuditConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestOpen_EnabledRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), config.AuditConfig{Enabled: true}, zap.NewNop())
	assert.Error(t, err)
}

func TestStore_RecordOutcome(t *testing.T) {
	outcome := schemas.ChannelOutcome{
		ChannelID:    "chan-1",
		DemandID:     "demand-1",
		Status:       schemas.StatusFinalized,
		Rounds:       2,
		Participants: 3,
		ReachedAt:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("inserts the outcome row", func(t *testing.T) {
		s, mockPool := newMockedStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertOutcome)).
			WithArgs("chan-1", "demand-1", "FINALIZED", 2, 3, "", outcome.ReachedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.RecordOutcome(context.Background(), outcome))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("wraps exec failures", func(t *testing.T) {
		s, mockPool := newMockedStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertOutcome)).
			WithArgs("chan-1", "demand-1", "FINALIZED", 2, 3, "", outcome.ReachedAt).
			WillReturnError(errors.New("connection reset"))

		err := s.RecordOutcome(context.Background(), outcome)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert channel outcome")
	})
}

func TestStore_RecordRecoveryAttempts(t *testing.T) {
	attempts := []schemas.RecoveryAttempt{
		{Reason: "no_responses", Action: "rebroadcast", Timestamp: time.Now(), Success: true},
		{Reason: "no_responses", Action: "mark_failed", Timestamp: time.Now(), Success: true},
	}

	t.Run("copies the history in one transaction", func(t *testing.T) {
		s, mockPool := newMockedStore(t)
		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(
			pgx.Identifier{"recovery_attempts"},
			[]string{"channel_id", "reason", "action", "attempted_at", "success", "error"},
		).WillReturnResult(int64(len(attempts)))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.RecordRecoveryAttempts(context.Background(), "chan-1", attempts))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("rolls back on copy failure", func(t *testing.T) {
		s, mockPool := newMockedStore(t)
		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(
			pgx.Identifier{"recovery_attempts"},
			[]string{"channel_id", "reason", "action", "attempted_at", "success", "error"},
		).WillReturnError(errors.New("copy failed"))
		mockPool.ExpectRollback()

		err := s.RecordRecoveryAttempts(context.Background(), "chan-1", attempts)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to copy recovery attempts")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("fails on partial copies", func(t *testing.T) {
		s, mockPool := newMockedStore(t)
		mockPool.ExpectBegin()
		mockPool.ExpectCopyFrom(
			pgx.Identifier{"recovery_attempts"},
			[]string{"channel_id", "reason", "action", "attempted_at", "success", "error"},
		).WillReturnResult(int64(1))
		mockPool.ExpectRollback()

		err := s.RecordRecoveryAttempts(context.Background(), "chan-1", attempts)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch in copied recovery attempts")
	})

	t.Run("empty history is a no-op", func(t *testing.T) {
		s, mockPool := newMockedStore(t)
		require.NoError(t, s.RecordRecoveryAttempts(context.Background(), "chan-1", nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
