// Package ports is the exposed-port registry: which ports may be reached
// through the preview proxy, each with its access token. Records persist
// across restarts.
package ports

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/security"
	"github.com/boxlet-dev/boxlet/sandbox/internal/store"
)

// Registry tracks exposed ports.
type Registry struct {
	log *logger.Logger
	st  *store.Store // nil in tests

	mu    sync.Mutex
	ports map[int]schema.ExposedPort
}

// New creates a Registry, loading persisted records when st is non-nil.
func New(log *logger.Logger, st *store.Store) (*Registry, error) {
	r := &Registry{log: log, st: st, ports: make(map[int]schema.ExposedPort)}
	if st != nil {
		records, err := st.ExposedPorts()
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			r.ports[rec.Port] = schema.ExposedPort{
				Port:      rec.Port,
				Name:      rec.Name,
				Token:     rec.Token,
				ExposedAt: rec.ExposedAt,
			}
		}
	}
	return r, nil
}

// Expose registers a port. The token is generated unless the caller supplies
// a valid one. Reserved ports, including the control plane's own, are
// rejected.
func (r *Registry) Expose(req schema.ExposePortRequest) (schema.ExposedPort, error) {
	if !security.ValidatePort(req.Port) {
		if req.Port == security.ControlPlanePort {
			security.LogEvent(r.log.Sugar(), security.EventReservedPortExposeDeny, security.SeverityMedium,
				map[string]any{"port": req.Port})
		}
		return schema.ExposedPort{}, apierror.Newf(apierror.CodeInvalidPort,
			"cannot expose port %d: port must be in [1024, 65535] and not reserved", req.Port)
	}

	token := req.Token
	if token == "" {
		token = security.GenerateToken()
	} else if !security.ValidateToken(token) {
		return schema.ExposedPort{}, apierror.Validation(apierror.FieldError{
			Field: "token", Message: "token must be 16 characters of [a-z0-9_-]",
		})
	}

	rec := schema.ExposedPort{
		Port:      req.Port,
		Name:      req.Name,
		Token:     token,
		ExposedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	if _, exists := r.ports[req.Port]; exists {
		r.mu.Unlock()
		return schema.ExposedPort{}, apierror.Newf(apierror.CodePortAlreadyExposed, "port %d is already exposed", req.Port)
	}
	r.ports[req.Port] = rec
	r.mu.Unlock()

	if r.st != nil {
		if err := r.st.PutExposedPort(store.ExposedPort{
			Port: rec.Port, Name: rec.Name, Token: rec.Token, ExposedAt: rec.ExposedAt,
		}); err != nil {
			r.mu.Lock()
			delete(r.ports, req.Port)
			r.mu.Unlock()
			return schema.ExposedPort{}, apierror.New(apierror.CodeInternal, "failed to persist exposed port").Wrap(err)
		}
	}

	r.log.Info("port exposed", "port", rec.Port, "name", rec.Name)
	return rec, nil
}

// Unexpose removes a port record.
func (r *Registry) Unexpose(port int) error {
	r.mu.Lock()
	_, exists := r.ports[port]
	if exists {
		delete(r.ports, port)
	}
	r.mu.Unlock()

	if !exists {
		return apierror.Newf(apierror.CodePortNotExposed, "port %d is not exposed", port)
	}
	if r.st != nil {
		if err := r.st.DeleteExposedPort(port); err != nil {
			r.log.Warn("failed to delete exposed port record", "port", port, "error", err)
		}
	}
	r.log.Info("port unexposed", "port", port)
	return nil
}

// List returns all exposed ports.
func (r *Registry) List() []schema.ExposedPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]schema.ExposedPort, 0, len(r.ports))
	for _, rec := range r.ports {
		out = append(out, rec)
	}
	return out
}

// Lookup returns the record for port.
func (r *Registry) Lookup(port int) (schema.ExposedPort, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.ports[port]
	return rec, ok
}

// Authorize checks that (port, token) names a live exposure. Both a missing
// record and a token mismatch fail identically so probes cannot distinguish
// the two.
func (r *Registry) Authorize(port int, token string) bool {
	rec, ok := r.Lookup(port)
	return ok && rec.Token == token
}

// Watch polls until something accepts TCP connections on port or the
// timeout elapses, emitting pending/ready/timeout events.
func (r *Registry) Watch(ctx context.Context, port int, timeout time.Duration, emit func(schema.PortWatchEvent) error) error {
	if port < 1 || port > 65535 {
		return apierror.Newf(apierror.CodeInvalidPort, "invalid port: %d", port)
	}

	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			return emit(schema.PortWatchEvent{Type: "ready", Port: port})
		}
		if time.Now().After(deadline) {
			return emit(schema.PortWatchEvent{Type: "timeout", Port: port})
		}
		if err := emit(schema.PortWatchEvent{Type: "pending", Port: port}); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
