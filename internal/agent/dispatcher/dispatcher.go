// Package dispatcher runs the agent's connect-back loop: registration,
// heartbeats, and claim polling feeding the worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/agent/pool"
	"github.com/runhub/runhub/internal/common/config"
	"github.com/runhub/runhub/internal/common/logger"
	v1 "github.com/runhub/runhub/pkg/api/v1"
)

// Gateway is the slice of the agent client the dispatcher needs.
type Gateway interface {
	Register(ctx context.Context, req v1.RegisterAgentRequest) (*v1.Agent, error)
	Heartbeat(ctx context.Context, agentID string) error
	Claim(ctx context.Context, agentID string) (*v1.Run, error)
}

// Dispatcher owns the agent's periodic tickers. Only the dispatcher claims
// runs and schedules spawns; workers run independently once spawned.
type Dispatcher struct {
	gw           Gateway
	pool         *pool.Pool
	cfg          config.AgentConfig
	capabilities []v1.WorkerType
	version      string
	logger       *logger.Logger
}

// New creates a dispatcher.
func New(gw Gateway, p *pool.Pool, cfg config.AgentConfig, capabilities []v1.WorkerType, version string, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		gw:           gw,
		pool:         p,
		cfg:          cfg,
		capabilities: capabilities,
		version:      version,
		logger:       log.WithAgentID(cfg.AgentID).WithFields(zap.String("component", "dispatcher")),
	}
}

// Run registers the agent and drives the heartbeat and claim loops until the
// context ends, then drains the pool.
func (d *Dispatcher) Run(ctx context.Context) error {
	agent, err := d.gw.Register(ctx, v1.RegisterAgentRequest{
		AgentID:      d.cfg.AgentID,
		Label:        d.cfg.Label,
		Version:      d.version,
		Capabilities: d.capabilities,
	})
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	d.logger.Info("agent registered",
		zap.String("label", agent.Label),
		zap.Int("capabilities", len(agent.Capabilities)))

	heartbeat := time.NewTicker(d.interval(d.cfg.HeartbeatInterval(), 10*time.Second))
	defer heartbeat.Stop()
	claim := time.NewTicker(d.interval(d.cfg.ClaimPollInterval(), 2*time.Second))
	defer claim.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.drain()
		case <-heartbeat.C:
			if err := d.gw.Heartbeat(ctx, d.cfg.AgentID); err != nil {
				d.logger.Warn("heartbeat failed", zap.Error(err))
			}
		case <-claim.C:
			d.claimOnce(ctx)
		}
	}
}

// claimOnce asks for one run when the pool has room. A failed claim skips
// the cycle.
func (d *Dispatcher) claimOnce(ctx context.Context) {
	if !d.pool.HasCapacity() {
		return
	}
	run, err := d.gw.Claim(ctx, d.cfg.AgentID)
	if err != nil {
		d.logger.Warn("claim failed", zap.Error(err))
		return
	}
	if run == nil {
		return
	}
	d.logger.Info("claimed run",
		zap.String("run_id", run.ID),
		zap.String("worker_type", string(run.WorkerType)))
	if err := d.pool.Spawn(ctx, run, run.CapabilityToken); err != nil {
		d.logger.Error("spawn rejected", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// drain stops every live worker, bounded by the stop grace period plus
// headroom for exit reporting.
func (d *Dispatcher) drain() error {
	grace := d.cfg.StopGrace()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()

	d.logger.Info("draining worker pool", zap.Int("active", d.pool.ActiveCount()))
	if err := d.pool.TerminateAll(ctx); err != nil {
		return fmt.Errorf("drain pool: %w", err)
	}
	return nil
}

func (d *Dispatcher) interval(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
