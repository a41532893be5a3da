// Package registry tracks agent liveness and dispatches pending runs to
// eligible agents through the claim protocol.
package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/events/bus"
	"github.com/runhub/runhub/internal/gateway/store"
	v1 "github.com/runhub/runhub/pkg/api/v1"
	"github.com/runhub/runhub/pkg/ws"
)

// sweepInterval is how often the liveness sweep runs.
const sweepInterval = 10 * time.Second

// Registry implements agent registration, heartbeats, two-level liveness
// classification, and the claim dispatch primitive.
type Registry struct {
	store             *store.Store
	bus               bus.EventBus
	degradedThreshold time.Duration
	offlineThreshold  time.Duration
	logger            *logger.Logger
}

// New creates the registry.
func New(st *store.Store, eventBus bus.EventBus, degradedThreshold, offlineThreshold time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		store:             st,
		bus:               eventBus,
		degradedThreshold: degradedThreshold,
		offlineThreshold:  offlineThreshold,
		logger:            log.WithFields(zap.String("component", "registry")),
	}
}

// Register upserts the agent and marks it online.
func (r *Registry) Register(ctx context.Context, req v1.RegisterAgentRequest) (*v1.Agent, error) {
	now := time.Now().UTC()
	agent := &v1.Agent{
		ID:           req.AgentID,
		Label:        req.Label,
		Version:      req.Version,
		Capabilities: req.Capabilities,
		Status:       v1.AgentOnline,
		LastSeenAt:   now,
		RegisteredAt: now,
	}
	if err := r.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	r.publishStatus(ctx, agent.ID, v1.AgentOnline)
	r.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("label", agent.Label))
	return agent, nil
}

// Heartbeat refreshes the agent's liveness. Recovery from offline steps
// through degraded first, so one stray heartbeat after a long outage does
// not immediately re-admit the agent as fully healthy.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}

	next := v1.AgentOnline
	if agent.Status == v1.AgentOffline {
		next = v1.AgentDegraded
	}
	if err := r.store.TouchAgent(ctx, agentID, time.Now().UTC(), next); err != nil {
		return err
	}
	if agent.Status != next {
		r.publishStatus(ctx, agentID, next)
	}
	return nil
}

// Claim returns the oldest eligible pending run assigned to the agent, with
// its capability token, or nil when nothing is eligible.
func (r *Registry) Claim(ctx context.Context, agentID string) (*v1.Run, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	run, err := r.store.ClaimRun(ctx, agentID, agent.Capabilities)
	if err != nil {
		return nil, err
	}
	if run != nil {
		r.logger.Info("run claimed",
			zap.String("run_id", run.ID),
			zap.String("agent_id", agentID))
	}
	return run, nil
}

// Get returns one agent.
func (r *Registry) Get(ctx context.Context, agentID string) (*v1.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns all registered agents.
func (r *Registry) List(ctx context.Context) ([]*v1.Agent, error) {
	return r.store.ListAgents(ctx)
}

// Run executes the liveness sweep until ctx is canceled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	r.logger.Info("liveness sweep started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("liveness sweep stopped")
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Warn("liveness sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep demotes agents that stopped heartbeating: online agents past the
// degraded threshold become degraded, degraded agents past the offline
// threshold become offline. Promotion only happens on heartbeat.
func (r *Registry) Sweep(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, agent := range agents {
		silent := now.Sub(agent.LastSeenAt)
		var next v1.AgentStatus
		switch {
		case agent.Status == v1.AgentOnline && silent > r.degradedThreshold:
			next = v1.AgentDegraded
		case agent.Status == v1.AgentDegraded && silent > r.offlineThreshold:
			next = v1.AgentOffline
		default:
			continue
		}
		if err := r.store.SetAgentStatus(ctx, agent.ID, next); err != nil {
			return err
		}
		r.publishStatus(ctx, agent.ID, next)
		r.logger.Info("agent liveness changed",
			zap.String("agent_id", agent.ID),
			zap.String("status", string(next)))
	}
	return nil
}

func (r *Registry) publishStatus(ctx context.Context, agentID string, status v1.AgentStatus) {
	event := bus.NewEvent(ws.ActionAgentStatus, "gateway", map[string]any{
		"agent_id": agentID,
		"status":   string(status),
	})
	if err := r.bus.Publish(ctx, bus.SubjectAgentStatus, event); err != nil {
		r.logger.Warn("publish failed", zap.Error(err))
	}
}
