package pool

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/workspace/agentctl/internal/worktree"
)

// fakeProcess starts a short-lived child so ExecutorHandle.process has a
// real *os.Process to signal and wait on during eviction/shutdown tests.
func fakeProcess(t *testing.T) *os.Process {
	t.Helper()
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start fake process: %v", err)
	}
	return cmd.Process
}

type fakeProvisioner struct {
	provisionCalls int
	teardownCalls  []string
	provisionErr   error
}

func (f *fakeProvisioner) Provision(_ context.Context, spec worktree.SessionSpec) (string, error) {
	f.provisionCalls++
	if f.provisionErr != nil {
		return "", f.provisionErr
	}
	return "/tmp/" + spec.ProvisionID, nil
}

func (f *fakeProvisioner) Teardown(_ context.Context, _, sessionID string) error {
	f.teardownCalls = append(f.teardownCalls, sessionID)
	return nil
}

func TestSpawn_BadBinaryTearsDownWorktreeAndReturnsSpawnError(t *testing.T) {
	prov := &fakeProvisioner{}
	p := New("/no/such/executor-binary", prov)

	_, err := p.Spawn(context.Background(), SpawnSpec{ProvisionID: "sess-1", RepoPath: "/repo"})
	if err == nil {
		t.Fatal("expected spawn error for a nonexistent binary")
	}
	if _, ok := err.(*SpawnError); !ok {
		t.Fatalf("expected *SpawnError, got %T: %v", err, err)
	}
	if len(prov.teardownCalls) != 1 || prov.teardownCalls[0] != "sess-1" {
		t.Fatalf("expected teardown of sess-1, got %v", prov.teardownCalls)
	}
	if p.Size() != 0 {
		t.Fatalf("expected no handle recorded after failed spawn, size = %d", p.Size())
	}
}

func TestSpawn_ProvisionFailureNeverStartsProcess(t *testing.T) {
	prov := &fakeProvisioner{provisionErr: errFake{}}
	p := New("/bin/true", prov)

	_, err := p.Spawn(context.Background(), SpawnSpec{ProvisionID: "sess-2", RepoPath: "/repo"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if len(prov.teardownCalls) != 0 {
		t.Fatalf("expected no teardown when provision itself failed, got %v", prov.teardownCalls)
	}
}

func TestTouchAndGet(t *testing.T) {
	p := New("/bin/true", &fakeProvisioner{})
	h := &ExecutorHandle{SessionID: "sess-3", ExecID: "exec-3", lastActiveAt: time.Now().Add(-time.Hour)}
	p.handles["sess-3"] = h

	if p.Get("sess-3") != h {
		t.Fatal("expected Get to return the inserted handle")
	}

	before := h.LastActiveAt()
	p.Touch("sess-3")
	if !h.LastActiveAt().After(before) {
		t.Fatal("expected Touch to advance lastActiveAt")
	}

	if p.Get("missing") != nil {
		t.Fatal("expected nil for unknown session id")
	}
}

func TestUpdateSessionID_RemapsKey(t *testing.T) {
	p := New("/bin/true", &fakeProvisioner{})
	h := &ExecutorHandle{SessionID: "provision-1", ExecID: "exec-1"}
	p.handles["provision-1"] = h

	if err := p.UpdateSessionID("provision-1", "real-session-1"); err != nil {
		t.Fatalf("UpdateSessionID: %v", err)
	}

	if p.Get("provision-1") != nil {
		t.Fatal("expected old id to no longer resolve")
	}
	got := p.Get("real-session-1")
	if got == nil || got.SessionID != "real-session-1" {
		t.Fatalf("expected handle under new id, got %+v", got)
	}
}

func TestUpdateSessionID_UnknownIDFails(t *testing.T) {
	p := New("/bin/true", &fakeProvisioner{})
	if err := p.UpdateSessionID("nope", "new"); err == nil {
		t.Fatal("expected error for unknown provision id")
	}
}

func TestEvictIdle_OnlyEvictsStaleSessions(t *testing.T) {
	prov := &fakeProvisioner{}
	p := New("/bin/true", prov)

	fresh := &ExecutorHandle{SessionID: "fresh", lastActiveAt: time.Now(), process: fakeProcess(t)}
	stale := &ExecutorHandle{SessionID: "stale", lastActiveAt: time.Now().Add(-time.Hour), process: fakeProcess(t)}
	p.handles["fresh"] = fresh
	p.handles["stale"] = stale

	p.EvictIdle(context.Background(), 10*time.Minute)

	if p.Get("fresh") == nil {
		t.Fatal("expected fresh session to remain")
	}
	if p.Get("stale") != nil {
		t.Fatal("expected stale session to be evicted")
	}
	if len(prov.teardownCalls) != 1 || prov.teardownCalls[0] != "stale" {
		t.Fatalf("expected teardown of stale session, got %v", prov.teardownCalls)
	}
}

type errFake struct{}

func (errFake) Error() string { return "fake provision error" }
