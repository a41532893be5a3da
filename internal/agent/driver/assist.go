package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

const assistTimeout = 15 * time.Second

var lookPath = exec.LookPath

// applyAssist opens a shared terminal next to the worker and announces its
// connection string as an assist event. tmate being unavailable degrades
// this command only; the run keeps going.
func (d *Driver) applyAssist(ctx context.Context, pc v1.PendingCommand) {
	session, err := d.startAssist(ctx)
	if err != nil {
		d.logger.Warn("assist unavailable", zap.Error(err))
		d.sendEvent(ctx, v1.EventInfo, "assist unavailable: "+err.Error())
		d.ack(ctx, pc.ID, "", "assist unavailable: "+err.Error())
		return
	}
	d.logger.Info("assist session opened")
	d.sendEvent(ctx, v1.EventAssist, session)
	d.ack(ctx, pc.ID, session, "")
}

// startAssist spawns a detached tmate session scoped to this run and returns
// its ssh connection string.
func (d *Driver) startAssist(ctx context.Context) (string, error) {
	if _, err := lookPath("tmate"); err != nil {
		return "", errors.New("tmate is not installed on the agent host")
	}
	sock := filepath.Join(os.TempDir(), "runhub-tmate-"+d.run.ID+".sock")
	script := fmt.Sprintf(
		"tmate -S %q new-session -d && tmate -S %q wait tmate-ready && tmate -S %q display -p '#{tmate_ssh}'",
		sock, sock, sock)
	out, err := d.execCapture(ctx, script, assistTimeout, listingCap)
	if err != nil {
		return "", fmt.Errorf("launch tmate: %w", err)
	}
	session := strings.TrimSpace(out)
	if session == "" {
		return "", errors.New("tmate reported no session string")
	}
	return session, nil
}
