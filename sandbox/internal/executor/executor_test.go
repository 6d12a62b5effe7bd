package executor

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

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	sessions, err := session.NewManager(nil, logger.NewNop(), t.TempDir(), time.Hour)
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	return New(logger.NewNop(), sessions, 0)
}

func TestRunSuccess(t *testing.T) {
	e := newTestExecutor(t)
	res, err := e.Run(context.Background(), schema.ExecuteRequest{Command: "echo hello"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Errorf("success=%v exitCode=%d", res.Success, res.ExitCode)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	e := newTestExecutor(t)
	res, err := e.Run(context.Background(), schema.ExecuteRequest{Command: "exit 3"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Success {
		t.Error("success = true for exit 3")
	}
	if res.ExitCode != 3 {
		t.Errorf("exitCode = %d, want 3", res.ExitCode)
	}
}

func TestRunCapturesStderr(t *testing.T) {
	e := newTestExecutor(t)
	res, err := e.Run(context.Background(), schema.ExecuteRequest{Command: "echo oops >&2"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Stderr != "oops\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunEmptyCommand(t *testing.T) {
	e := newTestExecutor(t)
	_, err := e.Run(context.Background(), schema.ExecuteRequest{})
	if apierror.From(err).Code != apierror.CodeValidation {
		t.Errorf("error = %v, want validation error", err)
	}
}

func TestRunTimeout(t *testing.T) {
	e := newTestExecutor(t)
	start := time.Now()
	res, err := e.Run(context.Background(), schema.ExecuteRequest{
		Command:   "sleep 10",
		TimeoutMs: 100,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not interrupt the command")
	}
	if res.Success {
		t.Error("success = true after timeout")
	}
	if res.ExitCode != -1 {
		t.Errorf("exitCode = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "command timed out") {
		t.Errorf("stderr = %q, want timeout marker", res.Stderr)
	}
}

func TestRunPreCancelledContext(t *testing.T) {
	e := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	res, err := e.Run(ctx, schema.ExecuteRequest{Command: "sleep 10; touch marker"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancelled run did not return immediately")
	}
	if res.Success || res.ExitCode != -1 {
		t.Errorf("success=%v exitCode=%d", res.Success, res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "command aborted") {
		t.Errorf("stderr = %q, want abort marker", res.Stderr)
	}
	if res.Stdout != "" {
		t.Errorf("stdout = %q, want empty (no child ran)", res.Stdout)
	}
}

func TestRunCancelledMidFlight(t *testing.T) {
	e := newTestExecutor(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := e.Run(ctx, schema.ExecuteRequest{Command: "sleep 10"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not interrupt the command")
	}
	if res.ExitCode != -1 {
		t.Errorf("exitCode = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "command aborted") {
		t.Errorf("stderr = %q, want abort marker", res.Stderr)
	}
	if strings.Contains(res.Stderr, "command timed out") {
		t.Errorf("stderr = %q, abort misreported as timeout", res.Stderr)
	}
}

func TestRunUsesSessionEnvAndCwd(t *testing.T) {
	e := newTestExecutor(t)
	dir := t.TempDir()
	res, err := e.Run(context.Background(), schema.ExecuteRequest{
		Command: `printf %s "$MARKER"; pwd`,
		Cwd:     dir,
		Env:     map[string]string{"MARKER": "mk"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(res.Stdout, "mk") {
		t.Errorf("env not applied, stdout = %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, dir) {
		t.Errorf("cwd not applied, stdout = %q", res.Stdout)
	}
}

func TestStreamEvents(t *testing.T) {
	e := newTestExecutor(t)
	var events []schema.StreamEvent
	err := e.Stream(context.Background(), schema.ExecuteRequest{
		Command: "echo out; echo err >&2",
	}, func(ev schema.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var stdout, stderr string
	var exit *schema.StreamEvent
	for i, ev := range events {
		switch ev.Type {
		case "stdout":
			stdout += ev.Data
		case "stderr":
			stderr += ev.Data
		case "exit":
			if i != len(events)-1 {
				t.Error("exit event is not last")
			}
			exit = &events[i]
		}
	}
	if stdout != "out\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if stderr != "err\n" {
		t.Errorf("stderr = %q", stderr)
	}
	if exit == nil {
		t.Fatal("no exit event")
	}
	if exit.Code == nil || *exit.Code != 0 {
		t.Errorf("exit code = %v", exit.Code)
	}
	if exit.Status != "completed" {
		t.Errorf("exit status = %q", exit.Status)
	}
}

func TestStreamFailedStatus(t *testing.T) {
	e := newTestExecutor(t)
	var exit schema.StreamEvent
	err := e.Stream(context.Background(), schema.ExecuteRequest{Command: "exit 2"}, func(ev schema.StreamEvent) error {
		if ev.Type == "exit" {
			exit = ev
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if exit.Status != "failed" {
		t.Errorf("status = %q, want failed", exit.Status)
	}
	if exit.Code == nil || *exit.Code != 2 {
		t.Errorf("code = %v, want 2", exit.Code)
	}
}

func TestStatusFor(t *testing.T) {
	if got := StatusFor(nil, false); got != "completed" {
		t.Errorf("StatusFor(nil, false) = %q", got)
	}
	if got := StatusFor(nil, true); got != "killed" {
		t.Errorf("StatusFor(nil, true) = %q", got)
	}
}
