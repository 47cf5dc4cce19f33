// Package store provides the optional PostgreSQL audit sink. The engine runs
// fully in-memory; when a database is configured, terminal channel outcomes
// and recovery histories are written through for post-hoc audit. The store is
// write-only from the engine's point of view.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/config"
)

// DBPool abstracts pgxpool.Pool so tests can mock the database.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements schemas.AuditSink over PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Open connects a store from configuration. Returns nil (no sink) when audit
// is disabled; callers treat a nil sink as a no-op everywhere.
func Open(ctx context.Context, cfg config.AuditConfig, logger *zap.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("audit is enabled but no database URL is configured")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	return New(ctx, pool, logger)
}

// New creates a store over an existing pool and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// RecordOutcome persists one terminal channel outcome.
func (s *Store) RecordOutcome(ctx context.Context, outcome schemas.ChannelOutcome) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO channel_outcomes
		   (channel_id, demand_id, status, rounds, participants, reason, reached_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (channel_id) DO NOTHING`,
		outcome.ChannelID, outcome.DemandID, string(outcome.Status),
		outcome.Rounds, outcome.Participants, outcome.Reason,
		outcome.ReachedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert channel outcome: %w", err)
	}
	s.log.Debug("Recorded channel outcome",
		zap.String("channel_id", outcome.ChannelID),
		zap.String("status", string(outcome.Status)))
	return nil
}

// RecordRecoveryAttempts persists a channel's recovery history as one batch.
func (s *Store) RecordRecoveryAttempts(ctx context.Context, channelID string, attempts []schemas.RecoveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed; that is
		// the normal path, not an error.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	rows := make([][]interface{}, len(attempts))
	for i, a := range attempts {
		rows[i] = []interface{}{
			channelID, a.Reason, a.Action, a.Timestamp.UTC(), a.Success, a.Error,
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"recovery_attempts"},
		[]string{"channel_id", "reason", "action", "attempted_at", "success", "error"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy recovery attempts: %w", err)
	}
	if int(copyCount) != len(attempts) {
		return fmt.Errorf("mismatch in copied recovery attempts: expected %d, got %d", len(attempts), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
