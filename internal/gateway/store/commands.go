package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

type commandRow struct {
	ID        string         `db:"id"`
	RunID     string         `db:"run_id"`
	Command   string         `db:"command"`
	Status    string         `db:"status"`
	Result    sql.NullString `db:"result"`
	Error     sql.NullString `db:"error"`
	CreatedAt time.Time      `db:"created_at"`
	AckedAt   sql.NullTime   `db:"acked_at"`
}

func (c commandRow) toAPI() *v1.Command {
	cmd := &v1.Command{
		ID:        c.ID,
		RunID:     c.RunID,
		Command:   c.Command,
		Status:    v1.CommandStatus(c.Status),
		CreatedAt: c.CreatedAt,
	}
	if c.Result.Valid {
		cmd.Result = &c.Result.String
	}
	if c.Error.Valid {
		cmd.Error = &c.Error.String
	}
	if c.AckedAt.Valid {
		t := c.AckedAt.Time
		cmd.AckedAt = &t
	}
	return cmd
}

// EnqueueCommand inserts a pending command for a run.
func (s *Store) EnqueueCommand(ctx context.Context, cmd *v1.Command) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (id, run_id, command, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cmd.ID, cmd.RunID, cmd.Command, string(v1.CommandPending), cmd.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// PendingCommands returns all pending commands of a run in insertion order.
// Repeated polls return the same items until they are acked.
func (s *Store) PendingCommands(ctx context.Context, runID string) ([]*v1.PendingCommand, error) {
	var rows []commandRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM commands
		WHERE run_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC`, runID, string(v1.CommandPending))
	if err != nil {
		return nil, fmt.Errorf("pending commands: %w", err)
	}
	out := make([]*v1.PendingCommand, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.PendingCommand{ID: r.ID, Command: r.Command, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

// GetCommand fetches one command of a run.
func (s *Store) GetCommand(ctx context.Context, runID, commandID string) (*v1.Command, error) {
	var row commandRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM commands WHERE run_id = ? AND id = ?`, runID, commandID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return row.toAPI(), nil
}

// AckCommand completes a pending command. Re-acking a completed command is a
// no-op that reports the stored state, keeping ack idempotent.
func (s *Store) AckCommand(ctx context.Context, runID, commandID string, result, ackErr *string) (*v1.Command, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, result = ?, error = ?, acked_at = ?
		WHERE run_id = ? AND id = ? AND status = ?`,
		string(v1.CommandCompleted), result, ackErr, time.Now().UTC(),
		runID, commandID, string(v1.CommandPending))
	if err != nil {
		return nil, false, fmt.Errorf("ack command: %w", err)
	}
	n, _ := res.RowsAffected()

	cmd, err := s.GetCommand(ctx, runID, commandID)
	if err != nil {
		return nil, false, err
	}
	return cmd, n > 0, nil
}
