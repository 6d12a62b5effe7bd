package api

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/sse"
	"github.com/boxlet-dev/boxlet/sandbox/internal/logbuf"
	"github.com/boxlet-dev/boxlet/sandbox/internal/supervisor"
)

// handleProcessStart handles POST /api/process/start.
func (s *Server) handleProcessStart(w http.ResponseWriter, r *http.Request) {
	var req schema.StartProcessRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}
	info, err := s.procs.Start(r.Context(), req)
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{"process": info})
}

// handleProcessList handles GET /api/process/list.
func (s *Server) handleProcessList(w http.ResponseWriter, _ *http.Request) {
	procs := s.procs.List()
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"processes": procs,
		"count":     len(procs),
	})
}

// handleProcessGet handles GET /api/process/{id}.
func (s *Server) handleProcessGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.procs.Get(chi.URLParam(r, "id"))
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{"process": p.Info()})
}

// handleProcessKill handles DELETE /api/process/{id}.
func (s *Server) handleProcessKill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.procs.Kill(id); err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"message": "process " + id + " terminated",
	})
}

// handleProcessLogs handles GET /api/process/{id}/logs?since=<offset>.
func (s *Server) handleProcessLogs(w http.ResponseWriter, r *http.Request) {
	p, err := s.procs.Get(chi.URLParam(r, "id"))
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	since := parseOffset(r.URL.Query().Get("since"))

	stdout, stdoutOffset, _ := p.Stdout.ReadSince(since)
	stderr, stderrOffset, _ := p.Stderr.ReadSince(since)
	offset := stdoutOffset
	if stderrOffset > offset {
		offset = stderrOffset
	}

	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"stdout": string(stdout),
		"stderr": string(stderr),
		"offset": offset,
	})
}

// handleProcessLogsStream handles GET /api/process/{id}/logs/stream. Output
// events flow until the process is terminal and both buffers drain, then a
// single exit event ends the stream. Client disconnect only detaches the
// reader.
func (s *Server) handleProcessLogsStream(w http.ResponseWriter, r *http.Request) {
	p, err := s.procs.Get(chi.URLParam(r, "id"))
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	since := parseOffset(r.URL.Query().Get("since"))

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

	ctx := r.Context()
	var wg sync.WaitGroup
	pump := func(buf *logbuf.Buffer, kind string) {
		defer wg.Done()
		offset := since
		for buf.Wait(ctx, offset) {
			data, next, _ := buf.ReadSince(offset)
			if len(data) > 0 {
				if err := wtr.Send(schema.StreamEvent{Type: kind, Data: string(data), Offset: next}); err != nil {
					return
				}
			}
			offset = next
		}
		if data, next, _ := buf.ReadSince(offset); len(data) > 0 {
			_ = wtr.Send(schema.StreamEvent{Type: kind, Data: string(data), Offset: next})
		}
	}
	wg.Add(2)
	go pump(p.Stdout, "stdout")
	go pump(p.Stderr, "stderr")

	select {
	case <-p.Done():
	case <-ctx.Done():
		wg.Wait()
		return
	}
	wg.Wait()

	info := p.Info()
	code := 0
	if info.ExitCode != nil {
		code = *info.ExitCode
	}
	status := info.Status
	if status == supervisor.StatusRunning {
		status = supervisor.StatusError
	}
	_ = wtr.Send(schema.StreamEvent{Type: "exit", Code: &code, Status: status})
}

func parseOffset(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
