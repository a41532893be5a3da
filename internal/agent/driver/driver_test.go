package driver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/runhub/runhub/internal/agent/state"
	"github.com/runhub/runhub/internal/agent/workers"
	"github.com/runhub/runhub/internal/common/allowlist"
	"github.com/runhub/runhub/internal/common/config"
	"github.com/runhub/runhub/internal/common/logger"
	"github.com/runhub/runhub/internal/redact"
	v1 "github.com/runhub/runhub/pkg/api/v1"
)

type fakeGateway struct {
	mu        sync.Mutex
	events    []v1.IngestEventRequest
	acks      map[string]v1.AckCommandRequest
	pending   []v1.PendingCommand
	states    []v1.RunState
	artifacts map[string][]byte
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		acks:      make(map[string]v1.AckCommandRequest),
		artifacts: make(map[string][]byte),
	}
}

func (f *fakeGateway) IngestEvent(_ context.Context, _, _ string, req v1.IngestEventRequest) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, req)
	return int64(len(f.events)), nil
}

func (f *fakeGateway) PollCommands(_ context.Context, _, _ string) ([]v1.PendingCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]v1.PendingCommand(nil), f.pending...), nil
}

func (f *fakeGateway) AckCommand(_ context.Context, _, _, commandID string, req v1.AckCommandRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[commandID] = req
	return nil
}

func (f *fakeGateway) SaveState(_ context.Context, _, _ string, st v1.RunState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, st)
	return nil
}

func (f *fakeGateway) UploadArtifact(_ context.Context, _, _, name string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[name] = append([]byte(nil), content...)
	return nil
}

func (f *fakeGateway) eventsOfType(typ v1.EventType) []v1.IngestEventRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []v1.IngestEventRequest
	for _, e := range f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func testDeps(t *testing.T, gw *fakeGateway) Deps {
	t.Helper()
	log, err := logger.New(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	red, err := redact.New([]string{`sk-[A-Za-z0-9]{20,}`})
	if err != nil {
		t.Fatalf("redactor: %v", err)
	}
	states, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	return Deps{
		Gateway:   gw,
		Workers:   workers.NewRegistry(config.WorkersConfig{"hands-on": {Binary: "/bin/echo", Args: []string{"hello from worker"}}}),
		Redactor:  red,
		States:    states,
		Allowlist: allowlist.New([]string{"git", "echo"}),
		Config: config.AgentConfig{
			CommandPollIntervalMS: 20,
			HeartbeatIntervalMS:   50,
			StopGraceSeconds:      1,
		},
		Logger: log,
	}
}

func sandboxedDriver(t *testing.T, gw *fakeGateway) *Driver {
	t.Helper()
	root := t.TempDir()
	d := New(&v1.Run{ID: "r1", WorkerType: v1.WorkerHandsOn, WorkingDir: root}, "tok", testDeps(t, gw))
	if err := d.setupSandbox(); err != nil {
		t.Fatalf("setup sandbox: %v", err)
	}
	return d
}

func TestRunEchoWorker(t *testing.T) {
	gw := newFakeGateway()
	d := New(&v1.Run{ID: "r1", WorkerType: v1.WorkerHandsOn, WorkingDir: t.TempDir()}, "tok", testDeps(t, gw))

	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	markers := gw.eventsOfType(v1.EventMarker)
	if len(markers) != 2 {
		t.Fatalf("expected started+finished markers, got %d", len(markers))
	}
	started, ok := v1.ParseMarker(markers[0].Data)
	if !ok || started.Event != v1.MarkerStarted {
		t.Fatalf("first marker = %q", markers[0].Data)
	}
	if !strings.Contains(started.Command, "/bin/echo") {
		t.Fatalf("started marker missing command line: %q", started.Command)
	}
	finished, ok := v1.ParseMarker(markers[1].Data)
	if !ok || finished.Event != v1.MarkerFinished {
		t.Fatalf("last marker = %q", markers[1].Data)
	}
	if finished.ExitCode == nil || *finished.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", finished.ExitCode)
	}

	stdout := gw.eventsOfType(v1.EventStdout)
	if len(stdout) == 0 || !strings.Contains(stdout[0].Data, "hello from worker") {
		t.Fatalf("stdout events = %+v", stdout)
	}

	if _, ok := gw.artifacts[logArtifactName]; !ok {
		t.Fatal("run log artifact not uploaded")
	}
}

// ctxGateway fails the way the HTTP client does once the request context is
// cancelled.
type ctxGateway struct {
	*fakeGateway
}

func (g *ctxGateway) IngestEvent(ctx context.Context, runID, capToken string, req v1.IngestEventRequest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return g.fakeGateway.IngestEvent(ctx, runID, capToken, req)
}

func (g *ctxGateway) SaveState(ctx context.Context, runID, capToken string, st v1.RunState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.fakeGateway.SaveState(ctx, runID, capToken, st)
}

func (g *ctxGateway) UploadArtifact(ctx context.Context, runID, capToken, name string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.fakeGateway.UploadArtifact(ctx, runID, capToken, name, content)
}

// A drained run must still report its exit: the pool cancels the listen
// context before RequestStop, so the finished marker cannot ride it.
func TestExitReportedAfterListenContextCancelled(t *testing.T) {
	gw := newFakeGateway()
	deps := testDeps(t, gw)
	deps.Gateway = &ctxGateway{fakeGateway: gw}
	deps.Workers = workers.NewRegistry(config.WorkersConfig{"hands-on": {Binary: "/bin/sleep", Args: []string{"30"}}})
	d := New(&v1.Run{ID: "r1", WorkerType: v1.WorkerHandsOn, WorkingDir: t.TempDir()}, "tok", deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for len(gw.eventsOfType(v1.EventMarker)) == 0 {
		select {
		case <-deadline:
			t.Fatal("worker never reported started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	d.RequestStop()

	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after stop")
	}

	markers := gw.eventsOfType(v1.EventMarker)
	last, ok := v1.ParseMarker(markers[len(markers)-1].Data)
	if !ok || last.Event != v1.MarkerFinished {
		t.Fatalf("last marker = %q, want finished", markers[len(markers)-1].Data)
	}
	if !last.StopRequested {
		t.Fatal("finished marker must record the stop request")
	}
	gw.mu.Lock()
	saved := len(gw.states)
	gw.mu.Unlock()
	if saved == 0 {
		t.Fatal("final state was not saved after listen context cancellation")
	}
}

func TestSpawnFailureEmitsErrorAndFinished(t *testing.T) {
	gw := newFakeGateway()
	deps := testDeps(t, gw)
	deps.Workers = workers.NewRegistry(config.WorkersConfig{"hands-on": {Binary: "/nonexistent/worker-binary"}})
	d := New(&v1.Run{ID: "r1", WorkerType: v1.WorkerHandsOn, WorkingDir: t.TempDir()}, "tok", deps)

	if err := d.Run(context.Background()); err == nil {
		t.Fatal("spawn of a missing binary must fail")
	}
	if len(gw.eventsOfType(v1.EventError)) == 0 {
		t.Fatal("no diagnostic error event")
	}
	markers := gw.eventsOfType(v1.EventMarker)
	if len(markers) != 1 {
		t.Fatalf("expected one finished marker, got %d", len(markers))
	}
	m, _ := v1.ParseMarker(markers[0].Data)
	if m.Event != v1.MarkerFinished || m.ExitCode != nil {
		t.Fatalf("marker = %+v, want finished with nil exit code", m)
	}
}

func TestChangeDirContainment(t *testing.T) {
	gw := newFakeGateway()
	d := sandboxedDriver(t, gw)
	root := d.sandboxRoot
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := d.changeDir("sub")
	if err != nil {
		t.Fatalf("cd sub: %v", err)
	}
	if got != filepath.Join(root, "sub") {
		t.Fatalf("cd sub = %q", got)
	}

	for _, arg := range []string{"../../etc", "/etc", "~", "~/x", "-"} {
		before := d.relWorkDir()
		_, err := d.changeDir(arg)
		if err == nil {
			t.Fatalf("cd %q must be rejected", arg)
		}
		if !strings.Contains(err.Error(), "outside sandbox ("+root+")") {
			t.Fatalf("cd %q error = %q", arg, err)
		}
		if d.relWorkDir() != before {
			t.Fatalf("working directory changed on rejected cd %q", arg)
		}
	}

	// Back up to the root itself is allowed.
	if _, err := d.changeDir(".."); err != nil {
		t.Fatalf("cd .. to root: %v", err)
	}
	if d.relWorkDir() != "." {
		t.Fatalf("relWorkDir = %q, want .", d.relWorkDir())
	}
}

func TestPwdRelative(t *testing.T) {
	gw := newFakeGateway()
	d := sandboxedDriver(t, gw)
	if err := os.MkdirAll(filepath.Join(d.sandboxRoot, "a", "b"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := d.changeDir("a/b"); err != nil {
		t.Fatalf("cd: %v", err)
	}
	if got := d.relWorkDir(); got != filepath.Join("a", "b") {
		t.Fatalf("relWorkDir = %q", got)
	}
}

func TestApplyChdirAcksAndSaves(t *testing.T) {
	gw := newFakeGateway()
	d := sandboxedDriver(t, gw)
	if err := os.Mkdir(filepath.Join(d.sandboxRoot, "repo"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	d.applyCommand(context.Background(), v1.PendingCommand{ID: "c1", Command: "cd repo"})
	ack := gw.acks["c1"]
	if ack.Error != nil {
		t.Fatalf("cd acked with error: %s", *ack.Error)
	}
	if len(gw.states) == 0 {
		t.Fatal("chdir did not persist state")
	}
	if got := gw.states[len(gw.states)-1].WorkingDir; got != filepath.Join(d.sandboxRoot, "repo") {
		t.Fatalf("saved working dir = %q", got)
	}
	if len(gw.eventsOfType(v1.EventInfo)) == 0 {
		t.Fatal("chdir did not publish info event")
	}

	d.applyCommand(context.Background(), v1.PendingCommand{ID: "c2", Command: "cd ../.."})
	ack = gw.acks["c2"]
	if ack.Error == nil || !strings.Contains(*ack.Error, "outside sandbox") {
		t.Fatalf("escape ack = %+v", ack)
	}
}

func TestRejectedCommand(t *testing.T) {
	gw := newFakeGateway()
	d := sandboxedDriver(t, gw)
	d.applyCommand(context.Background(), v1.PendingCommand{ID: "c1", Command: "rm -rf /"})
	ack := gw.acks["c1"]
	if ack.Error == nil || *ack.Error != "rejected" {
		t.Fatalf("ack = %+v, want rejected", ack)
	}
}

func TestAllowlistedExec(t *testing.T) {
	gw := newFakeGateway()
	d := sandboxedDriver(t, gw)
	d.applyCommand(context.Background(), v1.PendingCommand{ID: "c1", Command: "echo sk-abcdefghijklmnopqrstuvwx"})
	ack := gw.acks["c1"]
	if ack.Result == nil {
		t.Fatalf("ack = %+v", ack)
	}
	if !strings.Contains(*ack.Result, redact.Replacement) {
		t.Fatalf("command output not redacted: %q", *ack.Result)
	}
}

func TestListingCommand(t *testing.T) {
	gw := newFakeGateway()
	d := sandboxedDriver(t, gw)
	if err := os.WriteFile(filepath.Join(d.sandboxRoot, "hello.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d.applyCommand(context.Background(), v1.PendingCommand{ID: "c1", Command: "ls"})
	ack := gw.acks["c1"]
	if ack.Result == nil || !strings.Contains(*ack.Result, "hello.txt") {
		t.Fatalf("ls ack = %+v", ack)
	}
}

func TestStopVerbSetsFlag(t *testing.T) {
	gw := newFakeGateway()
	d := sandboxedDriver(t, gw)
	d.applyCommand(context.Background(), v1.PendingCommand{ID: "c1", Command: v1.VerbStop})
	close(d.done)

	ack := gw.acks["c1"]
	if ack.Result == nil || *ack.Result != "Stop initiated" {
		t.Fatalf("ack = %+v", ack)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.stopReq || d.haltReq {
		t.Fatalf("flags stop=%v halt=%v", d.stopReq, d.haltReq)
	}
}

func TestAlreadyProcessedTTL(t *testing.T) {
	gw := newFakeGateway()
	d := sandboxedDriver(t, gw)
	d.deps.Config.ProcessedCommandTTLMS = 40

	if d.alreadyProcessed("c1") {
		t.Fatal("first sighting reported as processed")
	}
	if !d.alreadyProcessed("c1") {
		t.Fatal("second sighting inside TTL not deduplicated")
	}
	time.Sleep(60 * time.Millisecond)
	if d.alreadyProcessed("c1") {
		t.Fatal("entry survived past TTL")
	}
}

func TestDetectPrompt(t *testing.T) {
	cases := []struct {
		chunk string
		want  bool
	}{
		{"Would you like to continue editing?", true},
		{"Apply changes? [Y/n]", true},
		{"overwrite file.txt? (y/n)", true},
		{"Press Enter to continue", true},
		{"Do you want to proceed", true},
		{"Which file should I edit?\n", true},
		{"compiling module...\n", false},
		{"done.", false},
	}
	for _, tc := range cases {
		_, got := detectPrompt(tc.chunk)
		if got != tc.want {
			t.Errorf("detectPrompt(%q) = %v, want %v", tc.chunk, got, tc.want)
		}
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 5}
	n, err := b.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if b.String() != "hello" {
		t.Fatalf("capped = %q", b.String())
	}
}
