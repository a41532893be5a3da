package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	v1 "github.com/runhub/runhub/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestRun(t *testing.T, s *Store, id string) *v1.Run {
	t.Helper()
	run := &v1.Run{
		ID:              id,
		WorkerType:      v1.WorkerClaude,
		Command:         "hello",
		CapabilityToken: "tok-" + id,
		Status:          v1.RunStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "r1")

	got, err := s.GetRun(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != v1.RunStatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.CapabilityToken != "" {
		t.Error("GetRun must not disclose the capability token")
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Error("timestamps must be unset on a pending run")
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRun(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCapabilityToken(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "r1")

	tok, err := s.CapabilityToken("r1")
	if err != nil {
		t.Fatalf("CapabilityToken failed: %v", err)
	}
	if tok != "tok-r1" {
		t.Errorf("unexpected token %q", tok)
	}
	tok, err = s.CapabilityToken("missing")
	if err != nil || tok != "" {
		t.Errorf("expected empty token for missing run, got %q, %v", tok, err)
	}
}

func TestEventIDsStrictlyIncreasing(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "r1")
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.AppendEvent(ctx, "r1", v1.EventStdout, "chunk", nil)
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if id <= last {
			t.Errorf("event id %d not greater than previous %d", id, last)
		}
		last = id
	}

	events, err := s.ReadEvents(ctx, "r1", 2, 10)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events after cursor 2, got %d", len(events))
	}
	for i, ev := range events {
		if ev.ID <= 2 {
			t.Errorf("event %d has id %d <= cursor", i, ev.ID)
		}
		if i > 0 && events[i-1].ID >= ev.ID {
			t.Errorf("ids not ascending: %d then %d", events[i-1].ID, ev.ID)
		}
	}
}

func TestEventIDsIndependentPerRun(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "r1")
	createTestRun(t, s, "r2")
	ctx := context.Background()

	id1, _ := s.AppendEvent(ctx, "r1", v1.EventStdout, "a", nil)
	id2, _ := s.AppendEvent(ctx, "r2", v1.EventStdout, "b", nil)
	if id1 != 1 || id2 != 1 {
		t.Errorf("expected per-run ids starting at 1, got %d and %d", id1, id2)
	}
}

func TestCommandFIFOAndAck(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "r1")
	ctx := context.Background()

	base := time.Now().UTC()
	for i, c := range []string{"git status", "__STOP__", "pwd"} {
		cmd := &v1.Command{
			ID:        uuid.New().String(),
			RunID:     "r1",
			Command:   c,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.EnqueueCommand(ctx, cmd); err != nil {
			t.Fatalf("EnqueueCommand failed: %v", err)
		}
	}

	pending, err := s.PendingCommands(ctx, "r1")
	if err != nil {
		t.Fatalf("PendingCommands failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].Command != "git status" || pending[2].Command != "pwd" {
		t.Errorf("pending not in insertion order: %v", pending)
	}

	// Ack the first; it disappears from poll, the rest keep order.
	result := "clean"
	cmd, acked, err := s.AckCommand(ctx, "r1", pending[0].ID, &result, nil)
	if err != nil || !acked {
		t.Fatalf("AckCommand failed: acked=%v err=%v", acked, err)
	}
	if cmd.Status != v1.CommandCompleted || cmd.Result == nil || *cmd.Result != "clean" {
		t.Errorf("unexpected command state after ack: %+v", cmd)
	}

	// Re-ack is a no-op yielding the same observable state.
	other := "different"
	cmd2, acked2, err := s.AckCommand(ctx, "r1", pending[0].ID, &other, nil)
	if err != nil {
		t.Fatalf("re-ack failed: %v", err)
	}
	if acked2 {
		t.Error("re-ack must not transition again")
	}
	if cmd2.Result == nil || *cmd2.Result != "clean" {
		t.Errorf("re-ack changed stored result: %+v", cmd2)
	}

	pending, _ = s.PendingCommands(ctx, "r1")
	if len(pending) != 2 {
		t.Errorf("expected 2 pending after ack, got %d", len(pending))
	}
}

func TestClaimRunFIFOAndEligibility(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := createTestRun(t, s, "r-old")
	_ = older
	time.Sleep(2 * time.Millisecond)
	createTestRun(t, s, "r-new")

	// Wrong capability set claims nothing.
	run, err := s.ClaimRun(ctx, "a1", []v1.WorkerType{v1.WorkerGemini})
	if err != nil {
		t.Fatalf("ClaimRun failed: %v", err)
	}
	if run != nil {
		t.Fatalf("expected no eligible run, got %s", run.ID)
	}

	run, err = s.ClaimRun(ctx, "a1", []v1.WorkerType{v1.WorkerClaude})
	if err != nil {
		t.Fatalf("ClaimRun failed: %v", err)
	}
	if run == nil || run.ID != "r-old" {
		t.Fatalf("expected oldest pending run r-old, got %+v", run)
	}
	if run.CapabilityToken != "tok-r-old" {
		t.Error("claim must return the capability token")
	}
	if run.AssignedAgentID == nil || *run.AssignedAgentID != "a1" {
		t.Error("claim must assign the agent")
	}
	// Status stays pending until the started marker.
	got, _ := s.GetRun(ctx, "r-old")
	if got.Status != v1.RunStatusPending {
		t.Errorf("claim must not advance status, got %s", got.Status)
	}

	// A different agent cannot claim the assigned run, but gets the next one.
	run, err = s.ClaimRun(ctx, "a2", []v1.WorkerType{v1.WorkerClaude})
	if err != nil {
		t.Fatalf("ClaimRun failed: %v", err)
	}
	if run == nil || run.ID != "r-new" {
		t.Fatalf("expected r-new for second agent, got %+v", run)
	}
}

func TestRunTransitions(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "r1")
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := s.MarkRunStarted(ctx, "r1", now)
	if err != nil || !ok {
		t.Fatalf("MarkRunStarted failed: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetRun(ctx, "r1")
	if got.Status != v1.RunStatusRunning || got.StartedAt == nil {
		t.Errorf("expected running with started_at, got %+v", got)
	}

	code := 0
	ok, err = s.MarkRunFinished(ctx, "r1", v1.RunStatusDone, &code, now)
	if err != nil || !ok {
		t.Fatalf("MarkRunFinished failed: ok=%v err=%v", ok, err)
	}
	got, _ = s.GetRun(ctx, "r1")
	if got.Status != v1.RunStatusDone || got.FinishedAt == nil || got.ExitCode == nil {
		t.Errorf("expected done with finished_at and exit code, got %+v", got)
	}

	// A started marker after finished is ignored.
	ok, err = s.MarkRunStarted(ctx, "r1", now)
	if err != nil {
		t.Fatalf("MarkRunStarted errored: %v", err)
	}
	if ok {
		t.Error("started marker after finished must be ignored")
	}
	got, _ = s.GetRun(ctx, "r1")
	if got.Status != v1.RunStatusDone {
		t.Errorf("status changed after late started marker: %s", got.Status)
	}
}

func TestDeleteRunCascades(t *testing.T) {
	s := newTestStore(t)
	createTestRun(t, s, "r1")
	ctx := context.Background()

	_, _ = s.AppendEvent(ctx, "r1", v1.EventStdout, "x", nil)
	_ = s.EnqueueCommand(ctx, &v1.Command{ID: "c1", RunID: "r1", Command: "pwd", CreatedAt: time.Now()})

	if err := s.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	events, err := s.ReadEvents(ctx, "r1", 0, 10)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected cascade delete of events, got %d", len(events))
	}
	if err := s.DeleteRun(ctx, "r1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestNonceRecordAndExpiry(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	fresh, err := s.Record("n1", now, 10*time.Minute)
	if err != nil || !fresh {
		t.Fatalf("first record failed: fresh=%v err=%v", fresh, err)
	}
	fresh, err = s.Record("n1", now.Add(time.Second), 10*time.Minute)
	if err != nil {
		t.Fatalf("second record errored: %v", err)
	}
	if fresh {
		t.Error("expected replay detection inside the window")
	}

	// Outside the window the nonce is purged and usable again.
	fresh, err = s.Record("n1", now.Add(11*time.Minute), 10*time.Minute)
	if err != nil || !fresh {
		t.Errorf("expected nonce reusable after expiry: fresh=%v err=%v", fresh, err)
	}
}

func TestListRunsCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3", "r4"} {
		run := &v1.Run{
			ID:              id,
			WorkerType:      v1.WorkerClaude,
			CapabilityToken: "tok-" + id,
			Status:          v1.RunStatusPending,
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	// Newest first: r4, r3, r2, r1.
	page, err := s.ListRuns(ctx, v1.ListRunsRequest{Limit: 2})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "r4" || page[1].ID != "r3" {
		t.Fatalf("first page = %v", runIDs(page))
	}

	next, err := s.ListRuns(ctx, v1.ListRunsRequest{Limit: 2, Cursor: page[1].ID})
	if err != nil {
		t.Fatalf("ListRuns with cursor failed: %v", err)
	}
	if len(next) != 2 || next[0].ID != "r2" || next[1].ID != "r1" {
		t.Fatalf("second page = %v", runIDs(next))
	}

	last, err := s.ListRuns(ctx, v1.ListRunsRequest{Limit: 2, Cursor: "r1"})
	if err != nil {
		t.Fatalf("ListRuns past the end failed: %v", err)
	}
	if len(last) != 0 {
		t.Fatalf("page past the end = %v", runIDs(last))
	}

	// A cursor naming a deleted run yields an empty page, not an error.
	gone, err := s.ListRuns(ctx, v1.ListRunsRequest{Limit: 2, Cursor: "missing"})
	if err != nil {
		t.Fatalf("ListRuns with stale cursor failed: %v", err)
	}
	if len(gone) != 0 {
		t.Fatalf("stale cursor page = %v", runIDs(gone))
	}
}

func runIDs(runs []*v1.Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestAgentUpsertAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	agent := &v1.Agent{
		ID:           "a1",
		Label:        "builder",
		Capabilities: []v1.WorkerType{v1.WorkerClaude, v1.WorkerCodex},
		Status:       v1.AgentOnline,
		LastSeenAt:   now,
		RegisteredAt: now,
	}
	if err := s.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("UpsertAgent failed: %v", err)
	}

	got, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != v1.WorkerClaude {
		t.Errorf("capabilities not round-tripped: %v", got.Capabilities)
	}

	agent.Label = "builder-2"
	if err := s.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	agents, _ := s.ListAgents(ctx)
	if len(agents) != 1 || agents[0].Label != "builder-2" {
		t.Errorf("upsert did not update in place: %+v", agents)
	}
}
