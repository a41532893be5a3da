// Package driver owns one worker subprocess for the lifetime of one run:
// spawning, output streaming, command application, and exit reporting.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/runhub/runhub/internal/agent/state"
	"github.com/runhub/runhub/internal/agent/workers"
	"github.com/runhub/runhub/internal/common/allowlist"
	"github.com/runhub/runhub/internal/common/config"
	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/redact"
	v1 "github.com/runhub/runhub/pkg/api/v1"
)

const (
	readChunkSize     = 32 * 1024
	defaultStopWait   = 10 * time.Second
	exitReportTimeout = 30 * time.Second
	logArtifactName   = "run.log"
	diffArtifact      = "latest.diff"
)

// Gateway is the slice of the agent client the driver needs. Satisfied by
// *client.Client.
type Gateway interface {
	IngestEvent(ctx context.Context, runID, capToken string, req v1.IngestEventRequest) (int64, error)
	PollCommands(ctx context.Context, runID, capToken string) ([]v1.PendingCommand, error)
	AckCommand(ctx context.Context, runID, capToken, commandID string, req v1.AckCommandRequest) error
	SaveState(ctx context.Context, runID, capToken string, st v1.RunState) error
	UploadArtifact(ctx context.Context, runID, capToken, name string, content []byte) error
}

// Deps bundles the collaborators a driver needs.
type Deps struct {
	Gateway   Gateway
	Workers   *workers.Registry
	Redactor  *redact.Redactor
	States    *state.Store
	Allowlist *allowlist.Allowlist
	Config    config.AgentConfig
	Logger    *logger.Logger
}

// Driver runs one worker subprocess and bridges it to the gateway.
type Driver struct {
	run      *v1.Run
	capToken string
	deps     Deps
	logger   *logger.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	sandboxRoot string
	workDir     string
	seq         int64
	stopReq     bool
	haltReq     bool
	promptOpen  bool
	processed   map[string]time.Time
	logBuf      strings.Builder
	done        chan struct{}
}

// New builds a driver for a claimed run.
func New(run *v1.Run, capToken string, deps Deps) *Driver {
	return &Driver{
		run:       run,
		capToken:  capToken,
		deps:      deps,
		logger:    deps.Logger.WithRunID(run.ID).WithFields(zap.String("component", "driver")),
		processed: make(map[string]time.Time),
		done:      make(chan struct{}),
	}
}

// Run spawns the worker and blocks until it exits. The returned error is
// non-nil only when the subprocess could not be started or its exit could not
// be reported; a nonzero exit code is not an error here.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.setupSandbox(); err != nil {
		d.reportSpawnFailure(err)
		return err
	}
	d.restoreResumedState()

	spawn, err := d.deps.Workers.Build(d.run)
	if err != nil {
		d.reportSpawnFailure(err)
		return err
	}

	argv := spawn.Argv
	if spawn.Shell {
		argv = []string{"/bin/sh", "-c", spawn.CommandLine()}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = d.workDir
	cmd.Env = spawn.Env
	// Own process group so interrupt and kill reach shell children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		d.reportSpawnFailure(err)
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		d.reportSpawnFailure(err)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		d.reportSpawnFailure(err)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		d.reportSpawnFailure(err)
		return fmt.Errorf("start worker: %w", err)
	}

	d.mu.Lock()
	d.cmd = cmd
	d.stdin = stdin
	d.mu.Unlock()

	d.logger.Info("worker started",
		zap.String("command", spawn.CommandLine()),
		zap.Int("pid", cmd.Process.Pid))

	d.sendEvent(ctx, v1.EventMarker, v1.MarkerPayload{
		Event:      v1.MarkerStarted,
		Command:    spawn.CommandLine(),
		WorkingDir: d.workDir,
		WorkerType: string(d.run.WorkerType),
		Model:      d.run.Model,
	}.Encode())

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		d.streamOutput(ctx, stdout, v1.EventStdout)
	}()
	go func() {
		defer readers.Done()
		d.streamOutput(ctx, stderr, v1.EventStderr)
	}()

	go d.pollCommands(ctx)
	go d.persistLoop(ctx)

	readers.Wait()
	waitErr := cmd.Wait()
	close(d.done)

	exit := exitCodeOf(waitErr)
	d.mu.Lock()
	stopReq, haltReq := d.stopReq, d.haltReq
	d.mu.Unlock()

	d.logger.Info("worker exited",
		zap.Any("exit_code", exit),
		zap.Bool("stop_requested", stopReq),
		zap.Bool("halt_requested", haltReq))

	// The listen context is already cancelled when the pool drains on
	// SIGINT; exit reporting must still reach the gateway or the run stays
	// "running" forever. Detach from it with a bounded timeout.
	reportCtx, cancel := context.WithTimeout(context.Background(), exitReportTimeout)
	defer cancel()

	d.sendEvent(reportCtx, v1.EventMarker, v1.MarkerPayload{
		Event:         v1.MarkerFinished,
		ExitCode:      exit,
		StopRequested: stopReq,
		HaltRequested: haltReq,
	}.Encode())

	d.uploadLog(reportCtx)
	d.saveState(reportCtx)
	return nil
}

// RequestStop asks the worker to exit: interrupt, then force-kill after the
// grace period. Used by the pool on drain.
func (d *Driver) RequestStop() {
	d.mu.Lock()
	d.stopReq = true
	d.mu.Unlock()
	d.interrupt()
	go d.escalateKill()
}

// Done is closed when the worker has exited.
func (d *Driver) Done() <-chan struct{} {
	return d.done
}

// setupSandbox resolves the immutable sandbox root and the initial working
// directory.
func (d *Driver) setupSandbox() error {
	root := d.run.WorkingDir
	if root == "" {
		root = d.deps.Config.WorkDir
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve sandbox root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return fmt.Errorf("create sandbox root: %w", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	d.sandboxRoot = abs
	d.workDir = abs
	return nil
}

// restoreResumedState seeds sequence and model from the source run's saved
// state when this run is a resume.
func (d *Driver) restoreResumedState() {
	if d.run.ResumedFrom == nil || d.deps.States == nil {
		return
	}
	st, ok, err := d.deps.States.Load(*d.run.ResumedFrom)
	if err != nil {
		d.logger.Warn("load resumed state", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	d.mu.Lock()
	d.seq = st.Sequence
	d.mu.Unlock()
	if d.run.Model == "" {
		d.run.Model = st.Model
	}
}

func (d *Driver) reportSpawnFailure(cause error) {
	// Detached for the same reason as exit reporting in Run.
	ctx, cancel := context.WithTimeout(context.Background(), exitReportTimeout)
	defer cancel()
	d.logger.Error("worker spawn failed", zap.Error(cause))
	d.sendEvent(ctx, v1.EventError, "worker spawn failed: "+cause.Error())
	d.sendEvent(ctx, v1.EventMarker, v1.MarkerPayload{Event: v1.MarkerFinished}.Encode())
	close(d.done)
}

// streamOutput reads one output pipe chunk by chunk, logs locally, redacts,
// and ingests. Prompt detection runs on the raw chunk.
func (d *Driver) streamOutput(ctx context.Context, r io.Reader, typ v1.EventType) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			d.mu.Lock()
			d.logBuf.WriteString(chunk)
			d.mu.Unlock()
			d.sendEvent(ctx, typ, chunk)
			if prompt, ok := detectPrompt(chunk); ok {
				d.markPromptWaiting(ctx, prompt)
			}
		}
		if err != nil {
			return
		}
	}
}

func (d *Driver) markPromptWaiting(ctx context.Context, prompt string) {
	d.mu.Lock()
	if d.promptOpen {
		d.mu.Unlock()
		return
	}
	d.promptOpen = true
	d.mu.Unlock()
	d.sendEvent(ctx, v1.EventPromptWaiting, prompt)
}

func (d *Driver) resolvePrompt(ctx context.Context) {
	d.mu.Lock()
	d.promptOpen = false
	d.mu.Unlock()
	d.sendEvent(ctx, v1.EventPromptResolved, "")
}

// sendEvent redacts and appends one event. Failures are logged, never fatal:
// the UI reconciles gaps through cursor reads.
func (d *Driver) sendEvent(ctx context.Context, typ v1.EventType, data string) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()

	if d.deps.Redactor != nil {
		data = d.deps.Redactor.Apply(data)
	}
	_, err := d.deps.Gateway.IngestEvent(ctx, d.run.ID, d.capToken, v1.IngestEventRequest{
		Type:     typ,
		Data:     data,
		Sequence: &seq,
	})
	if err != nil {
		d.logger.Warn("event send failed", zap.String("type", string(typ)), zap.Error(err))
	}
}

// persistLoop saves local and gateway state on every heartbeat tick.
func (d *Driver) persistLoop(ctx context.Context) {
	interval := d.deps.Config.HeartbeatInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case <-ticker.C:
			d.saveState(ctx)
		}
	}
}

func (d *Driver) saveState(ctx context.Context) {
	d.mu.Lock()
	seq := d.seq
	wd := d.workDir
	d.mu.Unlock()

	if d.deps.States != nil {
		err := d.deps.States.Save(state.RunState{
			RunID:      d.run.ID,
			Sequence:   seq,
			WorkingDir: wd,
			WorkerType: d.run.WorkerType,
			Model:      d.run.Model,
		})
		if err != nil {
			d.logger.Warn("persist local state", zap.Error(err))
		}
	}
	err := d.deps.Gateway.SaveState(ctx, d.run.ID, d.capToken, v1.RunState{
		WorkingDir:   wd,
		LastSequence: seq,
	})
	if err != nil {
		d.logger.Warn("report state", zap.Error(err))
	}
}

func (d *Driver) uploadLog(ctx context.Context) {
	d.mu.Lock()
	content := d.logBuf.String()
	d.mu.Unlock()
	if content == "" {
		return
	}
	if d.deps.Redactor != nil {
		content = d.deps.Redactor.Apply(content)
	}
	if err := d.deps.Gateway.UploadArtifact(ctx, d.run.ID, d.capToken, logArtifactName, []byte(content)); err != nil {
		d.logger.Warn("upload run log", zap.Error(err))
	}
}

// interrupt signals the worker's process group with SIGINT.
func (d *Driver) interrupt() {
	d.signal(syscall.SIGINT)
}

// kill force-kills the worker's process group.
func (d *Driver) kill() {
	d.signal(syscall.SIGKILL)
}

func (d *Driver) signal(sig syscall.Signal) {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		// Process group may be gone; fall back to the direct pid.
		_ = cmd.Process.Signal(sig)
	}
}

// escalateKill force-kills the worker if it is still alive after the stop
// grace period.
func (d *Driver) escalateKill() {
	grace := d.deps.Config.StopGrace()
	if grace <= 0 {
		grace = defaultStopWait
	}
	select {
	case <-d.done:
	case <-time.After(grace):
		d.logger.Warn("worker ignored interrupt, force-killing")
		d.kill()
	}
}

func exitCodeOf(waitErr error) *int {
	if waitErr == nil {
		zero := 0
		return &zero
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		return &code
	}
	// Wait failed for a reason other than process exit.
	return nil
}
