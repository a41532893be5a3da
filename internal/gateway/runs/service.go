// Package runs owns the run lifecycle: creation, the event log ingest path
// with its marker-driven state machine, restart/resume, and deletion.
package runs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/events/bus"
	"github.com/runhub/runhub/internal/gateway/auth"
	"github.com/runhub/runhub/internal/gateway/store"
	"github.com/runhub/runhub/internal/redact"
	v1 "github.com/runhub/runhub/pkg/api/v1"
	"github.com/runhub/runhub/pkg/ws"
)

var (
	// ErrInvalidWorkerType is returned when a run names an unknown worker.
	ErrInvalidWorkerType = errors.New("invalid worker type")

	// ErrInvalidEventType is returned for an unknown event type on ingest.
	ErrInvalidEventType = errors.New("invalid event type")

	// ErrNotTerminal is returned when resuming a run that has not finished.
	ErrNotTerminal = errors.New("run is not in a terminal state")
)

// Service implements the run lifecycle on top of the store, publishing
// notifications through the event bus after each persisted change.
type Service struct {
	store  *store.Store
	bus    bus.EventBus
	redact *redact.Redactor
	logger *logger.Logger
}

// NewService creates the run service.
func NewService(st *store.Store, eventBus bus.EventBus, redactor *redact.Redactor, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		bus:    eventBus,
		redact: redactor,
		logger: log.WithFields(zap.String("component", "runs")),
	}
}

// newRunID returns a short opaque run id.
func newRunID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("runs: rand.Read: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// Create inserts a new pending run. The returned run carries the capability
// token; this and claim are the only places it is ever disclosed.
func (s *Service) Create(ctx context.Context, req v1.CreateRunRequest) (*v1.Run, error) {
	workerType := req.WorkerType
	if workerType == "" {
		workerType = v1.WorkerClaude
	}
	if !v1.ValidWorkerType(workerType) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWorkerType, workerType)
	}

	run := &v1.Run{
		ID:              newRunID(),
		WorkerType:      workerType,
		Command:         req.Command,
		Model:           req.Model,
		Integration:     req.Integration,
		Provider:        req.Provider,
		Autonomous:      req.Autonomous,
		WorkingDir:      req.WorkingDir,
		CapabilityToken: auth.NewCapabilityToken(),
		Status:          v1.RunStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	s.publish(ctx, bus.SubjectRunCreated, ws.ActionRunCreated, map[string]any{
		"run_id":      run.ID,
		"worker_type": string(run.WorkerType),
		"status":      string(run.Status),
	})
	s.logger.Info("run created",
		zap.String("run_id", run.ID),
		zap.String("worker_type", string(run.WorkerType)))
	return run, nil
}

// Get returns a run without its capability token.
func (s *Service) Get(ctx context.Context, id string) (*v1.Run, error) {
	return s.store.GetRun(ctx, id)
}

// List returns runs matching the filters.
func (s *Service) List(ctx context.Context, req v1.ListRunsRequest) ([]*v1.Run, error) {
	return s.store.ListRuns(ctx, req)
}

// Delete removes a run and everything hanging off it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, bus.SubjectRunDeleted, ws.ActionRunDeleted, map[string]any{
		"run_id": id,
	})
	s.logger.Info("run deleted", zap.String("run_id", id))
	return nil
}

// Restart creates a new pending run pointing back at source, copying its
// command and working directory unless overridden. The source run is left
// untouched; its event log is not copied.
func (s *Service) Restart(ctx context.Context, sourceID string, req v1.RestartRunRequest) (*v1.Run, error) {
	return s.clone(ctx, sourceID, req, false)
}

// Resume is restart plus re-seeding the working directory from the saved
// driver state of the source run. Only terminal runs may be resumed.
func (s *Service) Resume(ctx context.Context, sourceID string, req v1.RestartRunRequest) (*v1.Run, error) {
	return s.clone(ctx, sourceID, req, true)
}

func (s *Service) clone(ctx context.Context, sourceID string, req v1.RestartRunRequest, resume bool) (*v1.Run, error) {
	source, err := s.store.GetRun(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if resume && !source.Status.Terminal() {
		return nil, ErrNotTerminal
	}

	command := source.Command
	if req.Command != nil {
		command = *req.Command
	}
	workingDir := source.WorkingDir
	if resume {
		state, err := s.store.GetRunState(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		if state.WorkingDir != "" {
			workingDir = state.WorkingDir
		}
	}
	if req.WorkingDir != nil {
		workingDir = *req.WorkingDir
	}

	run := &v1.Run{
		ID:              newRunID(),
		WorkerType:      source.WorkerType,
		Command:         command,
		Model:           source.Model,
		Integration:     source.Integration,
		Provider:        source.Provider,
		Autonomous:      source.Autonomous,
		WorkingDir:      workingDir,
		CapabilityToken: auth.NewCapabilityToken(),
		Status:          v1.RunStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if resume {
		run.ResumedFrom = &sourceID
	} else {
		run.RestartedFrom = &sourceID
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	s.publish(ctx, bus.SubjectRunCreated, ws.ActionRunCreated, map[string]any{
		"run_id":      run.ID,
		"worker_type": string(run.WorkerType),
		"status":      string(run.Status),
		"source":      sourceID,
	})
	return run, nil
}

// Ingest appends an agent-reported event to the run's log. Data passes
// through the redactor first and oversized data is split across records.
// Marker events additionally drive the run state machine. Returns the id of
// the last appended record.
func (s *Service) Ingest(ctx context.Context, runID string, req v1.IngestEventRequest) (int64, error) {
	if !v1.ValidEventType(req.Type) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidEventType, req.Type)
	}
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return 0, err
	}

	data := s.redact.Apply(req.Data)

	var lastID int64
	for _, chunk := range splitChunks(data, store.MaxEventDataBytes) {
		id, err := s.store.AppendEvent(ctx, runID, req.Type, chunk, req.Sequence)
		if err != nil {
			return 0, err
		}
		lastID = id
		s.publish(ctx, bus.RunSubject(runID, bus.KindEvent), ws.ActionEventAppended, map[string]any{
			"run_id":   runID,
			"event_id": id,
			"type":     string(req.Type),
			"data":     chunk,
		})
	}

	if req.Type == v1.EventMarker {
		if marker, ok := v1.ParseMarker(data); ok {
			if err := s.applyMarker(ctx, runID, marker); err != nil {
				return 0, err
			}
		}
	}
	return lastID, nil
}

// applyMarker applies a started/finished marker to the run state machine.
func (s *Service) applyMarker(ctx context.Context, runID string, marker v1.MarkerPayload) error {
	now := time.Now().UTC()
	switch marker.Event {
	case v1.MarkerStarted:
		applied, err := s.store.MarkRunStarted(ctx, runID, now)
		if err != nil {
			return err
		}
		if !applied {
			// Late marker after finish, or a duplicate. Ignore.
			s.logger.Debug("ignored started marker", zap.String("run_id", runID))
			return nil
		}
		if marker.WorkingDir != "" {
			if err := s.store.UpdateRunWorkingDir(ctx, runID, marker.WorkingDir); err != nil {
				return err
			}
		}
		s.publishStatus(ctx, runID, v1.RunStatusRunning, nil)

	case v1.MarkerFinished:
		status := v1.RunStatusFailed
		if marker.ExitCode != nil && *marker.ExitCode == 0 {
			status = v1.RunStatusDone
		}
		applied, err := s.store.MarkRunFinished(ctx, runID, status, marker.ExitCode, now)
		if err != nil {
			return err
		}
		if applied {
			s.publishStatus(ctx, runID, status, marker.ExitCode)
		}
	}
	return nil
}

// Events reads the run's event log after a cursor.
func (s *Service) Events(ctx context.Context, runID string, afterID int64, limit int) ([]*v1.Event, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.ReadEvents(ctx, runID, afterID, limit)
}

// State returns the latest agent-reported driver state.
func (s *Service) State(ctx context.Context, runID string) (*v1.RunState, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.GetRunState(ctx, runID)
}

// SaveState persists the agent-reported driver state.
func (s *Service) SaveState(ctx context.Context, runID string, state v1.RunState) error {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return err
	}
	return s.store.SaveRunState(ctx, runID, state)
}

func (s *Service) publishStatus(ctx context.Context, runID string, status v1.RunStatus, exitCode *int) {
	data := map[string]any{
		"run_id": runID,
		"status": string(status),
	}
	if exitCode != nil {
		data["exit_code"] = *exitCode
	}
	s.publish(ctx, bus.RunSubject(runID, bus.KindStatus), ws.ActionRunStatus, data)
}

// publish pushes a notification after the corresponding store write has
// committed. Bus failures are logged, never surfaced: subscribers reconcile
// through the event log.
func (s *Service) publish(ctx context.Context, subject, action string, data map[string]any) {
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(action, "gateway", data)); err != nil {
		s.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// splitChunks splits s into pieces of at most max bytes, never cutting
// inside a multi-byte rune: the cut point backs off to the nearest rune
// start. Data that is not valid UTF-8 at the boundary splits at max.
func splitChunks(s string, max int) []string {
	if len(s) <= max {
		return []string{s}
	}
	var chunks []string
	for len(s) > max {
		cut := max
		for cut > 0 && max-cut < utf8.UTFMax && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 || !utf8.RuneStart(s[cut]) {
			cut = max
		}
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	return append(chunks, s)
}
