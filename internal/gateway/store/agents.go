package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

type agentRow struct {
	ID           string    `db:"id"`
	Label        string    `db:"label"`
	Version      string    `db:"version"`
	Capabilities string    `db:"capabilities"`
	Status       string    `db:"status"`
	LastSeenAt   time.Time `db:"last_seen_at"`
	RegisteredAt time.Time `db:"registered_at"`
}

func (a agentRow) toAPI() *v1.Agent {
	var caps []v1.WorkerType
	_ = json.Unmarshal([]byte(a.Capabilities), &caps)
	return &v1.Agent{
		ID:           a.ID,
		Label:        a.Label,
		Version:      a.Version,
		Capabilities: caps,
		Status:       v1.AgentStatus(a.Status),
		LastSeenAt:   a.LastSeenAt,
		RegisteredAt: a.RegisteredAt,
	}
}

// UpsertAgent registers an agent or updates its metadata, marking it online.
func (s *Store) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, label, version, capabilities, status, last_seen_at, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			label = excluded.label,
			version = excluded.version,
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_seen_at = excluded.last_seen_at`,
		agent.ID, agent.Label, agent.Version, string(caps),
		string(agent.Status), agent.LastSeenAt.UTC(), agent.RegisteredAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// TouchAgent refreshes last_seen_at and sets the given liveness status. The
// registry decides the status so recovery can step through degraded.
func (s *Store) TouchAgent(ctx context.Context, agentID string, at time.Time, status v1.AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_seen_at = ?, status = ? WHERE id = ?`,
		at.UTC(), string(status), agentID)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentStatus updates the liveness classification of an agent.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status v1.AgentStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE id = ?`, string(status), agentID)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return nil
}

// GetAgent fetches one agent.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*v1.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = ?`, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return row.toAPI(), nil
}

// ListAgents returns all registered agents.
func (s *Store) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agents ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents := make([]*v1.Agent, 0, len(rows))
	for _, r := range rows {
		agents = append(agents, r.toAPI())
	}
	return agents, nil
}
