package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

type runRow struct {
	ID              string         `db:"id"`
	WorkerType      string         `db:"worker_type"`
	Command         string         `db:"command"`
	Model           string         `db:"model"`
	Integration     string         `db:"integration"`
	Provider        string         `db:"provider"`
	Autonomous      bool           `db:"autonomous"`
	WorkingDir      string         `db:"working_dir"`
	AssignedAgentID sql.NullString `db:"assigned_agent_id"`
	CapabilityToken string         `db:"capability_token"`
	Status          string         `db:"status"`
	ExitCode        sql.NullInt64  `db:"exit_code"`
	RestartedFrom   sql.NullString `db:"restarted_from"`
	ResumedFrom     sql.NullString `db:"resumed_from"`
	CreatedAt       time.Time      `db:"created_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	FinishedAt      sql.NullTime   `db:"finished_at"`
}

func (r runRow) toAPI(includeToken bool) *v1.Run {
	run := &v1.Run{
		ID:          r.ID,
		WorkerType:  v1.WorkerType(r.WorkerType),
		Command:     r.Command,
		Model:       r.Model,
		Integration: r.Integration,
		Provider:    r.Provider,
		Autonomous:  r.Autonomous,
		WorkingDir:  r.WorkingDir,
		Status:      v1.RunStatus(r.Status),
		CreatedAt:   r.CreatedAt,
	}
	if includeToken {
		run.CapabilityToken = r.CapabilityToken
	}
	if r.AssignedAgentID.Valid {
		run.AssignedAgentID = &r.AssignedAgentID.String
	}
	if r.ExitCode.Valid {
		code := int(r.ExitCode.Int64)
		run.ExitCode = &code
	}
	if r.RestartedFrom.Valid {
		run.RestartedFrom = &r.RestartedFrom.String
	}
	if r.ResumedFrom.Valid {
		run.ResumedFrom = &r.ResumedFrom.String
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		run.StartedAt = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		run.FinishedAt = &t
	}
	return run
}

// CreateRun inserts a new run. The capability token is stored as given and
// never updated afterwards.
func (s *Store) CreateRun(ctx context.Context, run *v1.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, worker_type, command, model, integration, provider,
			autonomous, working_dir, capability_token, status, restarted_from,
			resumed_from, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.WorkerType), run.Command, run.Model, run.Integration,
		run.Provider, run.Autonomous, run.WorkingDir, run.CapabilityToken,
		string(run.Status), run.RestartedFrom, run.ResumedFrom, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id. The capability token is never included.
func (s *Store) GetRun(ctx context.Context, id string) (*v1.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return row.toAPI(false), nil
}

// CapabilityToken returns the stored capability token for a run, or "" when
// the run does not exist. Implements auth.CapabilityChecker.
func (s *Store) CapabilityToken(runID string) (string, error) {
	var token string
	err := s.db.Get(&token, `SELECT capability_token FROM runs WHERE id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get capability token: %w", err)
	}
	return token, nil
}

// ListRuns returns runs matching the filters, newest first.
func (s *Store) ListRuns(ctx context.Context, req v1.ListRunsRequest) ([]*v1.Run, error) {
	query := `SELECT * FROM runs`
	var conds []string
	var args []any

	if req.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(req.Status))
	}
	if req.WorkerType != "" {
		conds = append(conds, "worker_type = ?")
		args = append(args, string(req.WorkerType))
	}
	if req.AgentID != "" {
		conds = append(conds, "assigned_agent_id = ?")
		args = append(args, req.AgentID)
	}
	if req.Search != "" {
		conds = append(conds, "(command LIKE ? OR id LIKE ?)")
		like := "%" + req.Search + "%"
		args = append(args, like, like)
	}
	if req.Cursor != "" {
		// Resume strictly after the cursor run in listing order. A cursor
		// naming a deleted run yields an empty page; the client restarts
		// from the top.
		conds = append(conds, "(created_at, id) < (SELECT created_at, id FROM runs WHERE id = ?)")
		args = append(args, req.Cursor)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, req.Offset)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]*v1.Run, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, r.toAPI(false))
	}
	return runs, nil
}

// ClaimRun atomically assigns the oldest eligible pending run to agentID and
// returns it with its capability token. Eligible means: status pending,
// unassigned or already assigned to this agent, and worker type within
// capabilities. Returns (nil, nil) when nothing is eligible. The run status
// stays pending until the first started marker.
func (s *Store) ClaimRun(ctx context.Context, agentID string, capabilities []v1.WorkerType) (*v1.Run, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(capabilities))
	args := []any{string(v1.RunStatusPending), agentID}
	for i, c := range capabilities {
		placeholders[i] = "?"
		args = append(args, string(c))
	}

	var row runRow
	query := fmt.Sprintf(`
		SELECT * FROM runs
		WHERE status = ?
		  AND (assigned_agent_id IS NULL OR assigned_agent_id = ?)
		  AND worker_type IN (%s)
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, strings.Join(placeholders, ","))
	err = tx.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET assigned_agent_id = ? WHERE id = ?`, agentID, row.ID); err != nil {
		return nil, fmt.Errorf("assign run: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO audit_entries (action, run_id, agent_id, created_at) VALUES (?, ?, ?, ?)`,
		"run.claim", row.ID, agentID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("audit claim: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	row.AssignedAgentID = sql.NullString{String: agentID, Valid: true}
	return row.toAPI(true), nil
}

// MarkRunStarted transitions a pending run to running and records started_at.
// A started marker arriving after the run finished is ignored; a marker from
// an agent other than the assigned one is rejected.
func (s *Store) MarkRunStarted(ctx context.Context, runID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(v1.RunStatusRunning), at.UTC(), runID, string(v1.RunStatusPending))
	if err != nil {
		return false, fmt.Errorf("mark run started: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkRunFinished transitions a run to done/failed and records finished_at
// and the exit code. Already-terminal runs are left unchanged.
func (s *Store) MarkRunFinished(ctx context.Context, runID string, status v1.RunStatus, exitCode *int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, exit_code = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(status), exitCode, at.UTC(), runID,
		string(v1.RunStatusPending), string(v1.RunStatusRunning))
	if err != nil {
		return false, fmt.Errorf("mark run finished: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateRunWorkingDir saves the driver's reported working directory.
func (s *Store) UpdateRunWorkingDir(ctx context.Context, runID, workingDir string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET working_dir = ? WHERE id = ?`, workingDir, runID)
	if err != nil {
		return fmt.Errorf("update working dir: %w", err)
	}
	return nil
}

// DeleteRun removes a run; events, commands, and artifacts cascade.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (action, run_id, created_at) VALUES (?, ?, ?)`,
		"run.delete", runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("audit delete: %w", err)
	}
	return nil
}
