package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

type artifactRow struct {
	RunID     string    `db:"run_id"`
	Name      string    `db:"name"`
	Path      string    `db:"path"`
	Size      int64     `db:"size"`
	CreatedAt time.Time `db:"created_at"`
}

// PutArtifact records (or replaces) an artifact index entry.
func (s *Store) PutArtifact(ctx context.Context, runID, name, path string, size int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (run_id, name, path, size, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET
			path = excluded.path,
			size = excluded.size,
			created_at = excluded.created_at`,
		runID, name, path, size, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

// GetArtifactPath resolves the stored file path of an artifact.
func (s *Store) GetArtifactPath(ctx context.Context, runID, name string) (string, error) {
	var path string
	err := s.db.GetContext(ctx, &path,
		`SELECT path FROM artifacts WHERE run_id = ? AND name = ?`, runID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get artifact: %w", err)
	}
	return path, nil
}

// ListArtifacts returns the artifact index of a run.
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]*v1.Artifact, error) {
	var rows []artifactRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM artifacts WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make([]*v1.Artifact, 0, len(rows))
	for _, r := range rows {
		out = append(out, &v1.Artifact{RunID: r.RunID, Name: r.Name, Size: r.Size, CreatedAt: r.CreatedAt})
	}
	return out, nil
}
