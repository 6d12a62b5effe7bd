// Package supervisor manages background processes: spawning through the
// shell, capturing output into ring buffers, tracking lifecycle status, and
// delivering signals to the whole process group.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/sandbox/internal/logbuf"
	"github.com/boxlet-dev/boxlet/sandbox/internal/session"
)

// Process lifecycle statuses. A process leaves "running" exactly once.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
	StatusError     = "error"
)

// Process is one supervised background process.
type Process struct {
	ID        string
	Command   string
	SessionID string

	Stdout *logbuf.Buffer
	Stderr *logbuf.Buffer

	mu        sync.Mutex
	cmd       *exec.Cmd
	pid       int
	status    string
	startTime time.Time
	endTime   *time.Time
	exitCode  *int
	killReq   bool

	done chan struct{}
}

// Done returns a channel closed when the process reaches a terminal status.
func (p *Process) Done() <-chan struct{} { return p.done }

// Info returns a wire snapshot of the process.
func (p *Process) Info() schema.ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := schema.ProcessInfo{
		ID:        p.ID,
		PID:       p.pid,
		Command:   p.Command,
		Status:    p.status,
		StartTime: p.startTime,
		SessionID: p.SessionID,
	}
	if p.endTime != nil {
		t := *p.endTime
		info.EndTime = &t
	}
	if p.exitCode != nil {
		c := *p.exitCode
		info.ExitCode = &c
	}
	return info
}

// Status returns the current lifecycle status.
func (p *Process) Status() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Supervisor owns the process table.
type Supervisor struct {
	log      *logger.Logger
	sessions *session.Manager

	maxProcesses int
	bufBytes     int
	killGrace    time.Duration
	cleanupGrace time.Duration

	mu    sync.Mutex
	procs map[string]*Process
}

// Options bound the supervisor's resource usage.
type Options struct {
	MaxProcesses int
	LogBufBytes  int
	KillGrace    time.Duration
	CleanupGrace time.Duration
}

// New creates a Supervisor.
func New(log *logger.Logger, sessions *session.Manager, opts Options) *Supervisor {
	if opts.MaxProcesses <= 0 {
		opts.MaxProcesses = 256
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.CleanupGrace < 30*time.Second {
		opts.CleanupGrace = 30 * time.Second
	}
	return &Supervisor{
		log:          log,
		sessions:     sessions,
		maxProcesses: opts.MaxProcesses,
		bufBytes:     opts.LogBufBytes,
		killGrace:    opts.KillGrace,
		cleanupGrace: opts.CleanupGrace,
		procs:        make(map[string]*Process),
	}
}

// Start spawns a background process for req. The returned info reflects the
// process immediately after spawn (status running).
func (s *Supervisor) Start(ctx context.Context, req schema.StartProcessRequest) (schema.ProcessInfo, error) {
	if req.Command == "" {
		return schema.ProcessInfo{}, apierror.Validation(apierror.FieldError{Field: "command", Message: "command is required"})
	}

	id := req.ProcessID
	if id == "" {
		id = "process-" + uuid.NewString()
	}

	resolved := s.sessions.Resolve(session.Overrides{
		SessionID: req.SessionID,
		Cwd:       req.Cwd,
		Env:       req.Env,
		Isolation: req.Isolation,
	})

	p := &Process{
		ID:        id,
		Command:   req.Command,
		SessionID: req.SessionID,
		Stdout:    logbuf.New(s.bufBytes),
		Stderr:    logbuf.New(s.bufBytes),
		status:    StatusRunning,
		startTime: time.Now().UTC(),
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	// A terminal record may be replaced; a live one may not.
	if prev, exists := s.procs[id]; exists && prev.Status() == StatusRunning {
		s.mu.Unlock()
		return schema.ProcessInfo{}, apierror.Newf(apierror.CodeValidation, "process id already in use: %s", id).
			Wrap(errdefs.ErrAlreadyExists)
	}
	running := 0
	for _, other := range s.procs {
		if other.Status() == StatusRunning {
			running++
		}
	}
	if running >= s.maxProcesses {
		s.mu.Unlock()
		return schema.ProcessInfo{}, apierror.Newf(apierror.CodeResourceLimit,
			"process limit reached (%d running)", running).
			Wrap(errdefs.ErrResourceExhausted)
	}
	s.procs[id] = p
	s.mu.Unlock()

	cmd := exec.Command("sh", "-c", req.Command)
	cmd.Dir = resolved.Cwd
	cmd.Env = resolved.Env
	cmd.Stdout = p.Stdout
	cmd.Stderr = p.Stderr
	// Own process group so signals reach shell descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		now := time.Now().UTC()
		p.mu.Lock()
		p.status = StatusError
		p.endTime = &now
		p.mu.Unlock()
		p.Stdout.Close()
		p.Stderr.Close()
		close(p.done)
		s.scheduleCleanup(id, req.AutoCleanup)
		return schema.ProcessInfo{}, apierror.New(apierror.CodeInternal, "failed to start process").Wrap(err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.mu.Unlock()

	s.log.Info("process started", "processId", id, "pid", cmd.Process.Pid, "command", req.Command)

	if req.TimeoutMs > 0 {
		timeout := time.Duration(req.TimeoutMs) * time.Millisecond
		go func() {
			select {
			case <-p.done:
			case <-time.After(timeout):
				s.log.Warn("process timed out", "processId", id, "timeout", timeout)
				_ = s.Kill(id)
			}
		}()
	}

	go s.reap(p, req.AutoCleanup)

	return p.Info(), nil
}

func (s *Supervisor) reap(p *Process, autoCleanup bool) {
	err := p.cmd.Wait()
	now := time.Now().UTC()
	exitCode := p.cmd.ProcessState.ExitCode()

	p.mu.Lock()
	p.endTime = &now
	p.exitCode = &exitCode
	switch {
	case p.killReq:
		p.status = StatusKilled
	case err == nil:
		p.status = StatusCompleted
	default:
		if _, ok := err.(*exec.ExitError); ok {
			p.status = StatusFailed
		} else {
			p.status = StatusError
		}
	}
	status := p.status
	p.mu.Unlock()

	p.Stdout.Close()
	p.Stderr.Close()
	close(p.done)

	s.log.Info("process exited", "processId", p.ID, "status", status, "exitCode", exitCode)
	s.scheduleCleanup(p.ID, autoCleanup)
}

func (s *Supervisor) scheduleCleanup(id string, autoCleanup bool) {
	if !autoCleanup {
		return
	}
	time.AfterFunc(s.cleanupGrace, func() {
		s.mu.Lock()
		delete(s.procs, id)
		s.mu.Unlock()
		s.log.Debug("process record cleaned up", "processId", id)
	})
}

// Get returns the process with the given id.
func (s *Supervisor) Get(id string) (*Process, error) {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return nil, apierror.Newf(apierror.CodeProcessNotFound, "process not found: %s", id)
	}
	return p, nil
}

// List returns snapshots of every retained process, oldest first.
func (s *Supervisor) List() []schema.ProcessInfo {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	out := make([]schema.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Kill terminates the process group: SIGTERM, then SIGKILL after the grace
// period if it is still alive. Killing an already-terminal process is a
// no-op.
func (s *Supervisor) Kill(id string) error {
	p, err := s.Get(id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.status != StatusRunning || p.cmd == nil || p.cmd.Process == nil {
		p.mu.Unlock()
		return nil
	}
	p.killReq = true
	pid := p.pid
	p.mu.Unlock()

	// Negative pid signals the whole group.
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("signal process group %d: %w", pid, err)
	}
	s.log.Info("sent SIGTERM", "processId", id, "pid", pid)

	go func() {
		select {
		case <-p.done:
		case <-time.After(s.killGrace):
			if kerr := unix.Kill(-pid, unix.SIGKILL); kerr == nil {
				s.log.Warn("escalated to SIGKILL", "processId", id, "pid", pid)
			}
		}
	}()
	return nil
}

// KillAll terminates every running process. It returns the number of
// processes signalled.
func (s *Supervisor) KillAll() int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id, p := range s.procs {
		if p.Status() == StatusRunning {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Kill(id); err != nil {
			s.log.Warn("kill failed", "processId", id, "error", err)
		}
	}
	return len(ids)
}

// Remove drops a terminal process record. Running processes cannot be
// removed.
func (s *Supervisor) Remove(id string) error {
	p, err := s.Get(id)
	if err != nil {
		return err
	}
	if p.Status() == StatusRunning {
		return apierror.Newf(apierror.CodeValidation, "process %s is still running; kill it first", id)
	}
	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
	return nil
}

// Shutdown kills every running process and waits for them to exit, bounded
// by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.KillAll()

	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		if p.Status() != StatusRunning {
			continue
		}
		select {
		case <-p.Done():
		case <-ctx.Done():
			return
		}
	}
}
