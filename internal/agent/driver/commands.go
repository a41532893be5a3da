package driver

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

const (
	listingTimeout = 10 * time.Second
	listingCap     = 5 * 1024 * 1024
	execTimeout    = 60 * time.Second
	execCap        = 10 * 1024 * 1024
)

// pollCommands fetches and applies pending commands until the worker exits.
// A failed poll skips one cycle.
func (d *Driver) pollCommands(ctx context.Context) {
	interval := d.deps.Config.CommandPollInterval()
	if interval <= 0 {
		interval = time.Second
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
		}

		pending, err := d.deps.Gateway.PollCommands(ctx, d.run.ID, d.capToken)
		if err != nil {
			d.logger.Warn("command poll failed", zap.Error(err))
			continue
		}
		for _, pc := range pending {
			if d.alreadyProcessed(pc.ID) {
				continue
			}
			d.applyCommand(ctx, pc)
		}
	}
}

// alreadyProcessed records the command id and reports whether it was already
// seen inside the TTL window. Delivery is at-least-once; this prevents
// double-execution when a poll races ack delivery.
func (d *Driver) alreadyProcessed(id string) bool {
	ttl := d.deps.Config.ProcessedCommandTTL()
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.processed {
		if now.Sub(t) > ttl {
			delete(d.processed, k)
		}
	}
	if _, seen := d.processed[id]; seen {
		return true
	}
	d.processed[id] = now
	return false
}

func (d *Driver) applyCommand(ctx context.Context, pc v1.PendingCommand) {
	d.logger.Debug("applying command", zap.String("command_id", pc.ID), zap.String("command", pc.Command))

	switch {
	case pc.Command == v1.VerbStop:
		d.mu.Lock()
		d.stopReq = true
		d.mu.Unlock()
		d.interrupt()
		go d.escalateKill()
		d.ack(ctx, pc.ID, "Stop initiated", "")

	case pc.Command == v1.VerbHalt:
		d.mu.Lock()
		d.haltReq = true
		d.mu.Unlock()
		d.kill()
		d.ack(ctx, pc.ID, "Halted", "")

	case pc.Command == v1.VerbEscape:
		d.interrupt()
		d.ack(ctx, pc.ID, "Interrupt sent", "")

	case pc.Command == v1.VerbStartVNCStream:
		d.sendEvent(ctx, v1.EventInfo, "VNC stream requested")
		d.ack(ctx, pc.ID, "VNC stream requested", "")

	case strings.HasPrefix(pc.Command, v1.VerbInputPrefix):
		d.applyInput(ctx, pc)

	case pc.Command == "cd" || strings.HasPrefix(pc.Command, "cd "):
		d.applyChdir(ctx, pc)

	case pc.Command == "pwd":
		d.ack(ctx, pc.ID, d.relWorkDir(), "")

	case pc.Command == "assist" || strings.HasPrefix(pc.Command, "assist "):
		d.applyAssist(ctx, pc)

	case firstWord(pc.Command) == "ls" || firstWord(pc.Command) == "dir":
		out, err := d.execCapture(ctx, pc.Command, listingTimeout, listingCap)
		d.ackExec(ctx, pc.ID, out, err)

	default:
		if !d.deps.Allowlist.Allowed(pc.Command) {
			d.ack(ctx, pc.ID, "", "rejected")
			return
		}
		out, err := d.execCapture(ctx, pc.Command, execTimeout, execCap)
		d.ackExec(ctx, pc.ID, out, err)
		if err == nil && strings.HasPrefix(pc.Command, "git diff") {
			if uerr := d.deps.Gateway.UploadArtifact(ctx, d.run.ID, d.capToken, diffArtifact, []byte(out)); uerr != nil {
				d.logger.Warn("upload diff artifact", zap.Error(uerr))
			}
		}
	}
}

// applyInput writes the payload to the worker's stdin. A leading \x03 means
// send Ctrl-C first.
func (d *Driver) applyInput(ctx context.Context, pc v1.PendingCommand) {
	payload, _ := v1.InputPayload(pc.Command)
	if strings.HasPrefix(payload, "\x03") {
		d.interrupt()
		payload = payload[1:]
	}
	if payload != "" {
		d.mu.Lock()
		stdin := d.stdin
		d.mu.Unlock()
		if stdin == nil {
			d.ack(ctx, pc.ID, "", "worker stdin not available")
			return
		}
		if _, err := stdin.Write([]byte(payload)); err != nil {
			d.ack(ctx, pc.ID, "", "stdin write failed: "+err.Error())
			return
		}
	}
	d.resolvePrompt(ctx)
	d.ack(ctx, pc.ID, "input delivered", "")
}

// applyChdir moves the driver's working directory inside the sandbox root.
func (d *Driver) applyChdir(ctx context.Context, pc v1.PendingCommand) {
	arg := strings.TrimSpace(strings.TrimPrefix(pc.Command, "cd"))
	newDir, err := d.changeDir(arg)
	if err != nil {
		d.ack(ctx, pc.ID, "", err.Error())
		return
	}
	d.saveState(ctx)
	d.sendEvent(ctx, v1.EventInfo, "working directory changed to "+newDir)
	d.ack(ctx, pc.ID, newDir, "")
}

// changeDir validates that the target stays within the sandbox root and
// updates the current working directory. `~` and `-` are not interpreted.
func (d *Driver) changeDir(arg string) (string, error) {
	d.mu.Lock()
	cur := d.workDir
	d.mu.Unlock()
	root := d.sandboxRoot

	if arg == "" {
		arg = "."
	}
	if strings.HasPrefix(arg, "~") || arg == "-" {
		return "", fmt.Errorf("Cannot change directory: path is outside sandbox (%s)", root)
	}

	target := arg
	if !filepath.IsAbs(target) {
		target = filepath.Join(cur, target)
	}
	target = filepath.Clean(target)
	if real, err := filepath.EvalSymlinks(target); err == nil {
		target = real
	}

	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("Cannot change directory: path is outside sandbox (%s)", root)
	}
	info, err := os.Stat(target)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("Cannot change directory: %s is not a directory", arg)
	}

	d.mu.Lock()
	d.workDir = target
	d.mu.Unlock()
	return target, nil
}

// relWorkDir reports the working directory relative to the sandbox root.
func (d *Driver) relWorkDir() string {
	d.mu.Lock()
	cur := d.workDir
	d.mu.Unlock()
	rel, err := filepath.Rel(d.sandboxRoot, cur)
	if err != nil {
		return cur
	}
	return rel
}

// execCapture runs an operator command in the current working directory with
// a timeout and an output cap.
func (d *Driver) execCapture(ctx context.Context, command string, timeout time.Duration, capBytes int) (string, error) {
	d.mu.Lock()
	cur := d.workDir
	d.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", command)
	cmd.Dir = cur
	out := &cappedBuffer{max: capBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	text := out.String()
	if d.deps.Redactor != nil {
		text = d.deps.Redactor.Apply(text)
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return text, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		return text, fmt.Errorf("command failed: %w", err)
	}
	return text, nil
}

func (d *Driver) ackExec(ctx context.Context, id, out string, execErr error) {
	if execErr != nil {
		msg := execErr.Error()
		if out != "" {
			msg = msg + "\n" + out
		}
		d.ack(ctx, id, "", msg)
		return
	}
	d.ack(ctx, id, out, "")
}

func (d *Driver) ack(ctx context.Context, id, result, errMsg string) {
	req := v1.AckCommandRequest{}
	if result != "" {
		req.Result = &result
	}
	if errMsg != "" {
		req.Error = &errMsg
	}
	if err := d.deps.Gateway.AckCommand(ctx, d.run.ID, d.capToken, id, req); err != nil {
		d.logger.Warn("command ack failed", zap.String("command_id", id), zap.Error(err))
	}
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// cappedBuffer keeps the first max bytes and silently drops the rest.
type cappedBuffer struct {
	max int
	buf strings.Builder
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.max - b.buf.Len()
	if remain > 0 {
		if len(p) > remain {
			b.buf.Write(p[:remain])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
