// Package executor runs foreground commands: one-shot execution with
// captured output and the streaming variant that delivers output
// incrementally while the command runs.
package executor

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/sandbox/internal/logbuf"
	"github.com/boxlet-dev/boxlet/sandbox/internal/session"
)

const (
	timeoutMarker = "command timed out"
	abortMarker   = "command aborted"
)

// Executor runs foreground commands with session-resolved cwd and env.
type Executor struct {
	log      *logger.Logger
	sessions *session.Manager
	bufBytes int
}

// New creates an Executor. bufBytes sizes the per-stream ring used by
// streaming execution.
func New(log *logger.Logger, sessions *session.Manager, bufBytes int) *Executor {
	return &Executor{log: log, sessions: sessions, bufBytes: bufBytes}
}

// Run executes req.Command to completion and returns the captured result.
// On timeout the command's process group is killed, ExitCode is -1, and
// Stderr carries a timeout marker.
func (e *Executor) Run(ctx context.Context, req schema.ExecuteRequest) (schema.ExecResult, error) {
	if req.Command == "" {
		return schema.ExecResult{}, apierror.Validation(apierror.FieldError{Field: "command", Message: "command is required"})
	}

	resolved := e.sessions.Resolve(session.Overrides{
		SessionID: req.SessionID,
		Cwd:       req.Cwd,
		Env:       req.Env,
		Isolation: req.Isolation,
	})

	runCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	// An already-dead context never spawns a child.
	if runCtx.Err() != nil {
		return schema.ExecResult{
			Command:   req.Command,
			ExitCode:  -1,
			Stderr:    abortMarker,
			Timestamp: time.Now().UTC(),
			SessionID: req.SessionID,
		}, nil
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command("sh", "-c", req.Command)
	cmd.Dir = resolved.Cwd
	cmd.Env = resolved.Env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return schema.ExecResult{}, apierror.New(apierror.CodeInternal, "failed to start command").Wrap(err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	aborted := false
	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = runCtx.Err() == context.DeadlineExceeded
		aborted = !timedOut
		killGroup(cmd.Process.Pid)
		waitErr = <-done
	}
	duration := time.Since(start)

	result := schema.ExecResult{
		Command:   req.Command,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration.Milliseconds(),
		Timestamp: time.Now().UTC(),
		SessionID: req.SessionID,
	}

	switch {
	case timedOut:
		result.ExitCode = -1
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += timeoutMarker
	case aborted:
		result.ExitCode = -1
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += abortMarker
	case waitErr == nil:
		result.Success = true
		result.ExitCode = 0
	default:
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	e.log.Debug("command finished",
		"command", req.Command, "exitCode", result.ExitCode, "durationMs", result.Duration)
	return result, nil
}

// Stream executes req.Command, calling emit for each output chunk as it
// arrives and once more with the terminal exit event. emit errors abort the
// stream and kill the command.
func (e *Executor) Stream(ctx context.Context, req schema.ExecuteRequest, emit func(schema.StreamEvent) error) error {
	if req.Command == "" {
		return apierror.Validation(apierror.FieldError{Field: "command", Message: "command is required"})
	}

	resolved := e.sessions.Resolve(session.Overrides{
		SessionID: req.SessionID,
		Cwd:       req.Cwd,
		Env:       req.Env,
		Isolation: req.Isolation,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var timedOut atomic.Bool
	if req.TimeoutMs > 0 {
		timer := time.AfterFunc(time.Duration(req.TimeoutMs)*time.Millisecond, func() {
			timedOut.Store(true)
			cancel()
		})
		defer timer.Stop()
	}

	stdout := logbuf.New(e.bufBytes)
	stderr := logbuf.New(e.bufBytes)

	cmd := exec.Command("sh", "-c", req.Command)
	cmd.Dir = resolved.Cwd
	cmd.Env = resolved.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return apierror.New(apierror.CodeInternal, "failed to start command").Wrap(err)
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		done <- err
	}()
	go func() {
		select {
		case <-runCtx.Done():
			killGroup(cmd.Process.Pid)
		case <-done:
		}
	}()

	var emitMu sync.Mutex
	emitLocked := func(ev schema.StreamEvent) error {
		emitMu.Lock()
		defer emitMu.Unlock()
		return emit(ev)
	}

	var wg sync.WaitGroup
	pump := func(buf *logbuf.Buffer, kind string) {
		defer wg.Done()
		var offset int64
		for buf.Wait(runCtx, offset) {
			data, next, _ := buf.ReadSince(offset)
			if len(data) > 0 {
				if err := emitLocked(schema.StreamEvent{Type: kind, Data: string(data), Offset: next}); err != nil {
					cancel()
					return
				}
			}
			offset = next
		}
		// Drain anything written between the last read and close.
		if data, next, _ := buf.ReadSince(offset); len(data) > 0 {
			_ = emitLocked(schema.StreamEvent{Type: kind, Data: string(data), Offset: next})
		}
	}
	wg.Add(2)
	go pump(stdout, "stdout")
	go pump(stderr, "stderr")

	waitErr := <-done
	wg.Wait()

	exitCode := cmd.ProcessState.ExitCode()
	status := StatusFor(waitErr, timedOut.Load())
	if timedOut.Load() {
		exitCode = -1
		_ = emitLocked(schema.StreamEvent{Type: "stderr", Data: timeoutMarker})
	}
	return emitLocked(schema.StreamEvent{Type: "exit", Code: &exitCode, Status: status})
}

// StatusFor maps a Wait result onto the terminal status vocabulary.
func StatusFor(waitErr error, killed bool) string {
	switch {
	case killed:
		return "killed"
	case waitErr == nil:
		return "completed"
	default:
		if _, ok := waitErr.(*exec.ExitError); ok {
			return "failed"
		}
		return "error"
	}
}

func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGTERM)
	time.AfterFunc(2*time.Second, func() {
		_ = unix.Kill(-pid, unix.SIGKILL)
	})
}
