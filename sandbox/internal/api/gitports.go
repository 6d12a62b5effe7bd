package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/sse"
)

// handleGitCheckout handles POST /api/git/checkout.
func (s *Server) handleGitCheckout(w http.ResponseWriter, r *http.Request) {
	var req schema.GitCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}
	if req.Depth < 0 {
		schema.WriteError(w, apierror.Validation(apierror.FieldError{
			Field: "depth", Message: "depth must be a positive integer", Value: req.Depth,
		}))
		return
	}

	result, err := s.git.Checkout(r.Context(), req)
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"repoUrl":   result.RepoURL,
		"branch":    result.Branch,
		"targetDir": result.TargetDir,
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exitCode":  result.ExitCode,
	})
}

// handleExposePort handles POST /api/expose-port.
func (s *Server) handleExposePort(w http.ResponseWriter, r *http.Request) {
	var req schema.ExposePortRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}

	rec, err := s.ports.Expose(req)
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"port":  rec.Port,
		"name":  rec.Name,
		"token": rec.Token,
		"url":   s.previewURL(rec),
	})
}

// previewURL builds the external address of an exposed port.
func (s *Server) previewURL(rec schema.ExposedPort) string {
	sandboxID := s.cfg.SandboxID
	if sandboxID == "" {
		sandboxID = "sandbox"
	}
	return fmt.Sprintf("https://%d-%s-%s.%s", rec.Port, sandboxID, rec.Token, s.cfg.PreviewDomain)
}

// handleExposedPorts handles GET /api/exposed-ports.
func (s *Server) handleExposedPorts(w http.ResponseWriter, _ *http.Request) {
	records := s.ports.List()
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"ports": records,
		"count": len(records),
	})
}

// handleUnexposePort handles DELETE /api/exposed-ports/{port}.
func (s *Server) handleUnexposePort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		schema.WriteError(w, apierror.Newf(apierror.CodeInvalidPort, "invalid port: %s", chi.URLParam(r, "port")))
		return
	}
	if err := s.ports.Unexpose(port); err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{"port": port})
}

// handlePortWatch handles POST /api/port-watch: SSE until the port accepts
// connections or the timeout elapses.
func (s *Server) handlePortWatch(w http.ResponseWriter, r *http.Request) {
	var req schema.PortWatchRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}
	timeout := s.cfg.PortWatchTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	release, err := s.acquireStream()
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	defer release()

	wtr, err := sse.Start(w)
	if err != nil {
		schema.WriteError(w, apierror.Internal(err))
		return
	}

	emit := func(ev schema.PortWatchEvent) error { return wtr.Send(ev) }
	if err := s.ports.Watch(r.Context(), req.Port, timeout, emit); err != nil {
		schema.WriteError(w, err)
	}
}
