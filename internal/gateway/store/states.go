package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

type stateRow struct {
	RunID        string    `db:"run_id"`
	WorkingDir   string    `db:"working_dir"`
	LastSequence int64     `db:"last_sequence"`
	StdinBuffer  string    `db:"stdin_buffer"`
	Environment  string    `db:"environment"`
	SavedAt      time.Time `db:"saved_at"`
}

// SaveRunState upserts the agent-reported driver state for a run. The
// working directory is mirrored onto the run row so restart/resume can seed
// from it.
func (s *Store) SaveRunState(ctx context.Context, runID string, state v1.RunState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_states (run_id, working_dir, last_sequence, stdin_buffer, environment, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			working_dir = excluded.working_dir,
			last_sequence = excluded.last_sequence,
			stdin_buffer = excluded.stdin_buffer,
			environment = excluded.environment,
			saved_at = excluded.saved_at`,
		runID, state.WorkingDir, state.LastSequence, state.StdinBuffer,
		state.Environment, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	if state.WorkingDir != "" {
		if err := s.UpdateRunWorkingDir(ctx, runID, state.WorkingDir); err != nil {
			return err
		}
	}
	return nil
}

// GetRunState returns the saved driver state for a run, or a zero state when
// the agent has not reported yet.
func (s *Store) GetRunState(ctx context.Context, runID string) (*v1.RunState, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM run_states WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return &v1.RunState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run state: %w", err)
	}
	return &v1.RunState{
		WorkingDir:   row.WorkingDir,
		LastSequence: row.LastSequence,
		StdinBuffer:  row.StdinBuffer,
		Environment:  row.Environment,
	}, nil
}
