package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

// MaxEventDataBytes bounds the data of a single event record. Oversized
// chunks are split by the caller before append.
const MaxEventDataBytes = 256 * 1024

type eventRow struct {
	RunID     string        `db:"run_id"`
	EventID   int64         `db:"event_id"`
	Type      string        `db:"type"`
	Data      string        `db:"data"`
	SenderSeq sql.NullInt64 `db:"sender_seq"`
	CreatedAt time.Time     `db:"created_at"`
}

func (e eventRow) toAPI() *v1.Event {
	ev := &v1.Event{
		ID:        e.EventID,
		RunID:     e.RunID,
		Type:      v1.EventType(e.Type),
		Data:      e.Data,
		CreatedAt: e.CreatedAt,
	}
	if e.SenderSeq.Valid {
		seq := e.SenderSeq.Int64
		ev.SenderSeq = &seq
	}
	return ev
}

// AppendEvent appends one record to a run's event log and returns the
// assigned per-run event id. The MAX+1 assignment runs inside the insert
// transaction, so ids are gap-free and strictly increasing per run.
func (s *Store) AppendEvent(ctx context.Context, runID string, typ v1.EventType, data string, senderSeq *int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int64
	if err := tx.GetContext(ctx, &next,
		`SELECT COALESCE(MAX(event_id), 0) + 1 FROM events WHERE run_id = ?`, runID); err != nil {
		return 0, fmt.Errorf("next event id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (run_id, event_id, type, data, sender_seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, next, string(typ), data, senderSeq, time.Now().UTC()); err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return next, nil
}

// ReadEvents returns events with id > afterID in ascending id order, capped
// at limit.
func (s *Store) ReadEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*v1.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM events
		WHERE run_id = ? AND event_id > ?
		ORDER BY event_id ASC
		LIMIT ?`, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	events := make([]*v1.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.toAPI())
	}
	return events, nil
}
