// Package commands owns the per-run command queue: allowlist-checked
// enqueue, FIFO poll, and idempotent ack.
package commands

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/common/allowlist"
	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/events/bus"
	"github.com/runhub/runhub/internal/gateway/store"
	v1 "github.com/runhub/runhub/pkg/api/v1"
	"github.com/runhub/runhub/pkg/ws"
)

var (
	// ErrNotRunning is returned when enqueuing to a run that is not running.
	ErrNotRunning = errors.New("run is not running")

	// ErrNotAllowed is returned when a command fails the allowlist check.
	ErrNotAllowed = errors.New("command is not allowlisted")
)

// Service implements the command queue over the store, mirroring each
// persisted change onto the event bus.
type Service struct {
	store     *store.Store
	bus       bus.EventBus
	allowlist *allowlist.Allowlist
	logger    *logger.Logger
}

// NewService creates the command service.
func NewService(st *store.Store, eventBus bus.EventBus, al *allowlist.Allowlist, log *logger.Logger) *Service {
	return &Service{
		store:     st,
		bus:       eventBus,
		allowlist: al,
		logger:    log.WithFields(zap.String("component", "commands")),
	}
}

// Enqueue validates and queues a command for a run. The run must be running;
// the command must be a magic verb, a driver builtin, or allowlisted.
func (s *Service) Enqueue(ctx context.Context, runID, command string) (*v1.Command, error) {
	// The command is stored bit-exact; __INPUT__ payloads may carry
	// significant whitespace.
	if strings.TrimSpace(command) == "" {
		return nil, ErrNotAllowed
	}
	if !s.allowlist.Allowed(command) {
		return nil, ErrNotAllowed
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != v1.RunStatusRunning {
		return nil, ErrNotRunning
	}

	cmd := &v1.Command{
		ID:        uuid.New().String(),
		RunID:     runID,
		Command:   command,
		Status:    v1.CommandPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.EnqueueCommand(ctx, cmd); err != nil {
		return nil, err
	}

	s.publish(ctx, runID, ws.ActionCommandQueued, map[string]any{
		"run_id":     runID,
		"command_id": cmd.ID,
		"command":    cmd.Command,
	})
	s.logger.Debug("command queued",
		zap.String("run_id", runID),
		zap.String("command_id", cmd.ID))
	return cmd, nil
}

// EnqueueInput queues an __INPUT__: verb carrying the given bytes. With
// escape set, a Ctrl-C byte precedes the payload.
func (s *Service) EnqueueInput(ctx context.Context, runID, input string, escape bool) (*v1.Command, error) {
	payload := input
	if escape {
		payload = "\x03" + payload
	}
	return s.Enqueue(ctx, runID, v1.VerbInputPrefix+payload)
}

// Pending returns the run's pending commands in insertion order.
func (s *Service) Pending(ctx context.Context, runID string) ([]*v1.PendingCommand, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.store.PendingCommands(ctx, runID)
}

// Ack completes a command. Re-acking is a no-op returning the stored state;
// the completion notification is published only on the first ack.
func (s *Service) Ack(ctx context.Context, runID, commandID string, req v1.AckCommandRequest) (*v1.Command, error) {
	cmd, acked, err := s.store.AckCommand(ctx, runID, commandID, req.Result, req.Error)
	if err != nil {
		return nil, err
	}
	if acked {
		data := map[string]any{
			"run_id":     runID,
			"command_id": commandID,
		}
		if cmd.Result != nil {
			data["result"] = *cmd.Result
		}
		if cmd.Error != nil {
			data["error"] = *cmd.Error
		}
		s.publish(ctx, runID, ws.ActionCommandCompleted, data)
	}
	return cmd, nil
}

func (s *Service) publish(ctx context.Context, runID, action string, data map[string]any) {
	subject := bus.RunSubject(runID, bus.KindCommand)
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(action, "gateway", data)); err != nil {
		s.logger.Warn("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
