package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/sse"
)

// handleExecute handles POST /api/execute. The response carries the
// ExecResult shape directly: success reflects the command's exit code, not
// the HTTP outcome.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req schema.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}

	result, err := s.exec.Run(r.Context(), req)
	if err != nil {
		schema.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// handleExecuteStream handles POST /api/execute/stream.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req schema.ExecuteRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}
	if req.Command == "" {
		schema.WriteError(w, apierror.Validation(apierror.FieldError{Field: "command", Message: "command is required"}))
		return
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
	stopKeepalive := s.keepalive(r, wtr)
	defer stopKeepalive()

	emit := func(ev schema.StreamEvent) error { return wtr.Send(ev) }
	if err := s.exec.Stream(r.Context(), req, emit); err != nil {
		_ = wtr.Send(schema.StreamEvent{Type: "error", Error: apierror.From(err).Message})
	}
}

// keepalive writes comment frames until the request ends or the returned
// stop function runs.
func (s *Server) keepalive(r *http.Request, wtr *sse.Writer) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if err := wtr.Keepalive(); err != nil {
					return
				}
			}
		}
	}()
	var stopped bool
	return func() {
		if !stopped {
			stopped = true
			close(done)
		}
	}
}
