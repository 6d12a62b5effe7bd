package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/sandbox/internal/session"
)

func newTestSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	sessions, err := session.NewManager(nil, logger.NewNop(), t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	return New(logger.NewNop(), sessions, opts)
}

func waitTerminal(t *testing.T, p *Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not reach a terminal status")
	}
}

func TestStartAndComplete(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	info, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "echo hi"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if info.Status != StatusRunning {
		t.Errorf("initial status = %q", info.Status)
	}
	if info.PID <= 0 {
		t.Errorf("pid = %d", info.PID)
	}

	p, err := s.Get(info.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitTerminal(t, p)

	final := p.Info()
	if final.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exitCode = %v", final.ExitCode)
	}
	if final.EndTime == nil {
		t.Error("endTime not recorded")
	}
	if got := string(p.Stdout.Contents()); got != "hi\n" {
		t.Errorf("stdout = %q", got)
	}
}

func TestStartEmptyCommand(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	_, err := s.Start(context.Background(), schema.StartProcessRequest{})
	if apierror.From(err).Code != apierror.CodeValidation {
		t.Errorf("error = %v, want validation error", err)
	}
}

func TestFailedStatus(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	info, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "exit 7"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p, _ := s.Get(info.ID)
	waitTerminal(t, p)

	final := p.Info()
	if final.Status != StatusFailed {
		t.Errorf("status = %q, want failed", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 7 {
		t.Errorf("exitCode = %v, want 7", final.ExitCode)
	}
}

func TestDuplicateID(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	_, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "sleep 5", ProcessID: "p1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.KillAll()

	if _, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "echo x", ProcessID: "p1"}); err == nil {
		t.Error("duplicate live id accepted")
	}
}

func TestTerminalIDReuse(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	info, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "true", ProcessID: "p1"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p, _ := s.Get(info.ID)
	waitTerminal(t, p)

	if _, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "true", ProcessID: "p1"}); err != nil {
		t.Errorf("terminal id reuse rejected: %v", err)
	}
}

func TestKill(t *testing.T) {
	s := newTestSupervisor(t, Options{KillGrace: time.Second})
	info, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p, _ := s.Get(info.ID)

	if err := s.Kill(info.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitTerminal(t, p)

	if got := p.Status(); got != StatusKilled {
		t.Errorf("status = %q, want killed", got)
	}
}

func TestKillGroupReachesChildren(t *testing.T) {
	s := newTestSupervisor(t, Options{KillGrace: time.Second})
	// The shell spawns a grandchild; the group signal must reach it.
	info, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "sh -c 'sleep 30' & wait"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p, _ := s.Get(info.ID)

	time.Sleep(100 * time.Millisecond)
	if err := s.Kill(info.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitTerminal(t, p)
}

func TestKillUnknown(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	err := s.Kill("nope")
	if apierror.From(err).Code != apierror.CodeProcessNotFound {
		t.Errorf("error = %v, want PROCESS_NOT_FOUND", err)
	}
}

func TestKillAll(t *testing.T) {
	s := newTestSupervisor(t, Options{KillGrace: time.Second})
	for i := 0; i < 3; i++ {
		if _, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "sleep 30"}); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if n := s.KillAll(); n != 3 {
		t.Errorf("KillAll = %d, want 3", n)
	}
	for _, info := range s.List() {
		p, _ := s.Get(info.ID)
		waitTerminal(t, p)
	}
}

func TestProcessLimit(t *testing.T) {
	s := newTestSupervisor(t, Options{MaxProcesses: 2, KillGrace: time.Second})
	for i := 0; i < 2; i++ {
		if _, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "sleep 30"}); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	defer s.KillAll()

	_, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "sleep 30"})
	if apierror.From(err).Code != apierror.CodeResourceLimit {
		t.Errorf("error = %v, want RESOURCE_LIMIT_EXCEEDED", err)
	}
}

func TestListOrdering(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	var ids []string
	for i := 0; i < 3; i++ {
		info, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "true"})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		ids = append(ids, info.ID)
		p, _ := s.Get(info.ID)
		waitTerminal(t, p)
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("List len = %d", len(list))
	}
	for i, info := range list {
		if info.ID != ids[i] {
			t.Errorf("List[%d] = %s, want %s", i, info.ID, ids[i])
			break
		}
	}
}

func TestTimeoutKillsProcess(t *testing.T) {
	s := newTestSupervisor(t, Options{KillGrace: time.Second})
	info, err := s.Start(context.Background(), schema.StartProcessRequest{
		Command:   "sleep 30",
		TimeoutMs: 100,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p, _ := s.Get(info.ID)
	waitTerminal(t, p)

	if got := p.Status(); got != StatusKilled {
		t.Errorf("status = %q, want killed", got)
	}
}

func TestStderrCapture(t *testing.T) {
	s := newTestSupervisor(t, Options{})
	info, err := s.Start(context.Background(), schema.StartProcessRequest{Command: "echo bad >&2"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	p, _ := s.Get(info.ID)
	waitTerminal(t, p)

	if got := string(p.Stderr.Contents()); !strings.Contains(got, "bad") {
		t.Errorf("stderr = %q", got)
	}
}
