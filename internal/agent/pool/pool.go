// Package pool tracks the live worker drivers on one agent host and enforces
// the concurrency cap.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runhub/runhub/internal/common/logger"
	v1 "github.com/runhub/runhub/pkg/api/v1"
)

// ErrExhausted is returned when the pool is at its concurrency cap.
var ErrExhausted = errors.New("resource.exhausted")

// State is the lifecycle state of one pooled worker.
type State string

const (
	StatePending   State = "pending"
	StateStarting  State = "starting"
	StateActive    State = "active"
	StateStopping  State = "stopping"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// terminal reports whether the state is final.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Runner is the driver surface the pool manages.
type Runner interface {
	Run(ctx context.Context) error
	RequestStop()
	Done() <-chan struct{}
}

// Factory builds a driver for a claimed run.
type Factory func(run *v1.Run, capToken string) Runner

// Totals aggregates pool activity.
type Totals struct {
	Completed int
	Failed    int
	Uptime    time.Duration
}

type entry struct {
	run     *v1.Run
	runner  Runner
	state   State
	started time.Time
}

// Pool caps and tracks concurrent worker drivers.
type Pool struct {
	maxConcurrent int
	factory       Factory
	logger        *logger.Logger
	// onTransition, when set, observes every state change.
	onTransition func(runID string, from, to State)

	mu        sync.Mutex
	workers   map[string]*entry
	completed int
	failed    int
	createdAt time.Time
}

// New creates a pool. factory is called once per spawned run.
func New(maxConcurrent int, factory Factory, log *logger.Logger) *Pool {
	return &Pool{
		maxConcurrent: maxConcurrent,
		factory:       factory,
		logger:        log.WithFields(zap.String("component", "pool")),
		workers:       make(map[string]*entry),
		createdAt:     time.Now(),
	}
}

// OnTransition registers a state-change observer. Must be called before
// Spawn.
func (p *Pool) OnTransition(fn func(runID string, from, to State)) {
	p.onTransition = fn
}

// HasCapacity reports whether a new worker may be spawned.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCount() < p.maxConcurrent
}

// liveCount counts workers that are not yet terminal. Caller holds p.mu.
func (p *Pool) liveCount() int {
	n := 0
	for _, e := range p.workers {
		if !e.state.terminal() {
			n++
		}
	}
	return n
}

// Spawn starts a driver for the run. Returns ErrExhausted at the cap and an
// error when the run is already pooled.
func (p *Pool) Spawn(ctx context.Context, run *v1.Run, capToken string) error {
	p.mu.Lock()
	if p.liveCount() >= p.maxConcurrent {
		p.mu.Unlock()
		return ErrExhausted
	}
	if e, ok := p.workers[run.ID]; ok && !e.state.terminal() {
		p.mu.Unlock()
		return errors.New("run already active in pool")
	}
	e := &entry{
		run:     run,
		runner:  p.factory(run, capToken),
		state:   StatePending,
		started: time.Now(),
	}
	p.workers[run.ID] = e
	p.mu.Unlock()

	go p.drive(ctx, e)
	return nil
}

func (p *Pool) drive(ctx context.Context, e *entry) {
	p.transition(e, StateStarting)
	p.transition(e, StateActive)

	err := e.runner.Run(ctx)

	p.mu.Lock()
	if err != nil {
		p.failed++
	} else {
		p.completed++
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("worker run failed", zap.String("run_id", e.run.ID), zap.Error(err))
		p.transition(e, StateFailed)
		return
	}
	p.transition(e, StateCompleted)
}

func (p *Pool) transition(e *entry, to State) {
	p.mu.Lock()
	from := e.state
	e.state = to
	p.mu.Unlock()
	p.logger.Debug("worker state change",
		zap.String("run_id", e.run.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if p.onTransition != nil {
		p.onTransition(e.run.ID, from, to)
	}
}

// ActiveCount returns the number of non-terminal workers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.liveCount()
}

// StateOf returns a pooled run's state.
func (p *Pool) StateOf(runID string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.workers[runID]
	if !ok {
		return "", false
	}
	return e.state, true
}

// Totals reports aggregate pool activity.
func (p *Pool) Totals() Totals {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Totals{
		Completed: p.completed,
		Failed:    p.failed,
		Uptime:    time.Since(p.createdAt),
	}
}

// TerminateAll stops every live worker and waits for each to exit or for the
// context to end.
func (p *Pool) TerminateAll(ctx context.Context) error {
	p.mu.Lock()
	var live []*entry
	for _, e := range p.workers {
		if !e.state.terminal() {
			live = append(live, e)
		}
	}
	p.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range live {
		e := e
		p.transition(e, StateStopping)
		g.Go(func() error {
			e.runner.RequestStop()
			select {
			case <-e.runner.Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
