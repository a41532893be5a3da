package driver

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

func TestAssistAnnouncesSession(t *testing.T) {
	// Stand in for tmate: swallow new-session and wait, print the ssh
	// string on display.
	bin := t.TempDir()
	script := `#!/bin/sh
for a in "$@"; do
	if [ "$a" = display ]; then
		echo "ssh test@assist.example"
	fi
done
exit 0
`
	if err := os.WriteFile(filepath.Join(bin, "tmate"), []byte(script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	gw := newFakeGateway()
	d := sandboxedDriver(t, gw)
	d.applyCommand(context.Background(), v1.PendingCommand{ID: "c1", Command: "assist"})

	ack := gw.acks["c1"]
	if ack.Result == nil || *ack.Result != "ssh test@assist.example" {
		t.Fatalf("ack = %+v", ack)
	}
	assists := gw.eventsOfType(v1.EventAssist)
	if len(assists) != 1 || assists[0].Data != "ssh test@assist.example" {
		t.Fatalf("assist events = %+v", assists)
	}
}

func TestAssistDegradesWhenUnavailable(t *testing.T) {
	orig := lookPath
	lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	t.Cleanup(func() { lookPath = orig })

	gw := newFakeGateway()
	d := sandboxedDriver(t, gw)
	d.applyCommand(context.Background(), v1.PendingCommand{ID: "c1", Command: "assist"})

	ack := gw.acks["c1"]
	if ack.Error == nil || !strings.Contains(*ack.Error, "assist unavailable") {
		t.Fatalf("ack = %+v", ack)
	}
	if len(gw.eventsOfType(v1.EventAssist)) != 0 {
		t.Fatal("no assist event may be published on failure")
	}
	infos := gw.eventsOfType(v1.EventInfo)
	if len(infos) == 0 || !strings.Contains(infos[0].Data, "assist unavailable") {
		t.Fatalf("info events = %+v", infos)
	}
}
