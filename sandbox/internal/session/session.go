// Package session owns the sandbox's mutable identity: the set-once sandbox
// name, the persisted environment variables merged into every spawned child,
// and the per-call session override bundles (cwd/env/isolation) keyed by
// sessionId.
package session

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/containerd/errdefs"

	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/sandbox/internal/store"
)

type envEntry struct {
	name  string
	value string
}

type sessionState struct {
	cwd       string
	env       []envEntry
	isolated  bool
	lastUsed  time.Time
}

// Overrides is the per-call bundle carried by exec/process/git requests.
type Overrides struct {
	SessionID string
	Cwd       string
	Env       map[string]string
	Isolation *bool
}

// Resolved is the merged spawn context for one call.
type Resolved struct {
	SessionID string
	Cwd       string
	Env       []string // full environment for exec.Cmd
}

// Manager maintains sandbox-level and session-level state. All methods are
// safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	st         *store.Store // nil in tests without persistence
	log        *logger.Logger
	name       string
	env        []envEntry
	defaultCwd string
	sessions   map[string]*sessionState
	ttl        time.Duration
}

// NewManager loads persisted state and returns a Manager. st may be nil for
// an ephemeral manager.
func NewManager(st *store.Store, log *logger.Logger, defaultCwd string, ttl time.Duration) (*Manager, error) {
	m := &Manager{
		st:         st,
		log:        log,
		defaultCwd: defaultCwd,
		sessions:   make(map[string]*sessionState),
		ttl:        ttl,
	}
	if st != nil {
		name, err := st.SandboxName()
		if err != nil {
			return nil, fmt.Errorf("load sandbox name: %w", err)
		}
		m.name = name

		vars, err := st.EnvVars()
		if err != nil {
			return nil, fmt.Errorf("load env vars: %w", err)
		}
		for _, v := range vars {
			m.env = append(m.env, envEntry{name: v.Name, value: v.Value})
		}
	}
	return m, nil
}

// Name returns the sandbox name, empty when unset.
func (m *Manager) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// SetName sets the sandbox name exactly once. Re-setting the same name is a
// no-op; a different name fails.
func (m *Manager) SetName(name string) error {
	if name == "" {
		return fmt.Errorf("sandbox name is empty: %w", errdefs.ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.name != "" {
		if m.name == name {
			return nil
		}
		return fmt.Errorf("sandbox name already set to %q: %w", m.name, errdefs.ErrAlreadyExists)
	}
	if m.st != nil {
		if err := m.st.SetSandboxName(name); err != nil {
			return err
		}
	}
	m.name = name
	m.log.Info("sandbox name set", "name", name)
	return nil
}

// SetEnv sets one sandbox-level env var, persisting it.
func (m *Manager) SetEnv(name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setEnvLocked(name, value)
}

func (m *Manager) setEnvLocked(name, value string) error {
	if m.st != nil {
		if err := m.st.SetEnvVar(name, value); err != nil {
			return err
		}
	}
	for i := range m.env {
		if m.env[i].name == name {
			m.env[i].value = value
			return nil
		}
	}
	m.env = append(m.env, envEntry{name: name, value: value})
	return nil
}

// EnvMap returns a copy of the sandbox-level env vars.
func (m *Manager) EnvMap() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.env))
	for _, e := range m.env {
		out[e.name] = e.value
	}
	return out
}

// DefaultCwd returns the sandbox working directory.
func (m *Manager) DefaultCwd() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultCwd
}

// Resolve merges the sandbox env, the session's stored overrides, and the
// call's overrides into a spawn context. Session state is updated from the
// call; for non-isolated sessions the env and cwd also write back to the
// sandbox record, so later sessions inherit them. Isolated sessions affect
// only their own spawned children.
func (m *Manager) Resolve(o Overrides) Resolved {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st *sessionState
	if o.SessionID != "" {
		st = m.sessions[o.SessionID]
		if st == nil {
			st = &sessionState{}
			m.sessions[o.SessionID] = st
		}
		if o.Isolation != nil {
			st.isolated = *o.Isolation
		}
		st.lastUsed = time.Now()
	}

	// Fold call-level overrides into the session.
	if st != nil {
		if o.Cwd != "" {
			st.cwd = o.Cwd
		}
		for k, v := range o.Env {
			upsertEnv(&st.env, k, v)
		}
		if !st.isolated {
			if o.Cwd != "" {
				m.defaultCwd = o.Cwd
			}
			for k, v := range o.Env {
				if err := m.setEnvLocked(k, v); err != nil {
					m.log.Warn("failed to persist env var", "name", k, "error", err)
				}
			}
		}
	}

	cwd := m.defaultCwd
	env := append([]envEntry(nil), m.env...)
	if st != nil {
		if st.cwd != "" {
			cwd = st.cwd
		}
		for _, e := range st.env {
			upsertEnv(&env, e.name, e.value)
		}
	} else if o.Cwd != "" {
		cwd = o.Cwd
	}
	if st == nil {
		for k, v := range o.Env {
			upsertEnv(&env, k, v)
		}
	}

	full := os.Environ()
	for _, e := range env {
		full = append(full, e.name+"="+e.value)
	}
	return Resolved{SessionID: o.SessionID, Cwd: cwd, Env: full}
}

// PruneExpired drops sessions idle beyond the TTL. Called periodically by
// the server.
func (m *Manager) PruneExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.ttl)
	n := 0
	for id, st := range m.sessions {
		if st.lastUsed.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

func upsertEnv(env *[]envEntry, name, value string) {
	for i := range *env {
		if (*env)[i].name == name {
			(*env)[i].value = value
			return
		}
	}
	*env = append(*env, envEntry{name: name, value: value})
}
