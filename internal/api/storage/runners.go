package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/domain"
	"github.com/cuongbtq/benchrunner/internal/api/model"
	"github.com/google/uuid"
)

const runnerColumns = `id, uuid, name, token_hash, created, locked, archived, last_seen`

func (s *Storage) CreateRunner(ctx context.Context, runner *model.Runner) error {
	query := s.db.Rebind(`
		INSERT INTO runners (uuid, name, token_hash, created)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`)

	err := s.db.QueryRowxContext(ctx, query, runner.UUID, runner.Name, runner.TokenHash, runner.Created).Scan(&runner.ID)
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	return nil
}

func (s *Storage) GetRunnerByUUID(ctx context.Context, runnerUUID uuid.UUID) (*model.Runner, error) {
	var runner model.Runner
	query := s.db.Rebind(`SELECT ` + runnerColumns + ` FROM runners WHERE uuid = ?`)

	err := s.db.GetContext(ctx, &runner, query, runnerUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunnerNotFound
		}
		return nil, fmt.Errorf("failed to get runner: %w", err)
	}

	return &runner, nil
}

// RotateRunnerToken replaces the stored token hash
func (s *Storage) RotateRunnerToken(ctx context.Context, runnerID int64, tokenHash string) error {
	query := s.db.Rebind(`UPDATE runners SET token_hash = ? WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, tokenHash, runnerID)
	if err != nil {
		return fmt.Errorf("failed to rotate runner token: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrRunnerNotFound
	}
	return nil
}

// SetRunnerLocked locks the runner at the given time, or unlocks it when at is nil
func (s *Storage) SetRunnerLocked(ctx context.Context, runnerID int64, at *time.Time) error {
	query := s.db.Rebind(`UPDATE runners SET locked = ? WHERE id = ?`)

	result, err := s.db.ExecContext(ctx, query, at, runnerID)
	if err != nil {
		return fmt.Errorf("failed to lock runner: %w", err)
	}

	ok, err := affected(result)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrRunnerNotFound
	}
	return nil
}

// TouchRunner records the last time the runner reached the server
func (s *Storage) TouchRunner(ctx context.Context, runnerID int64, now time.Time) error {
	query := s.db.Rebind(`UPDATE runners SET last_seen = ? WHERE id = ?`)

	if _, err := s.db.ExecContext(ctx, query, now, runnerID); err != nil {
		return fmt.Errorf("failed to touch runner: %w", err)
	}
	return nil
}
