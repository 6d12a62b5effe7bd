package api

import (
	"net/http"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/sse"
)

// snapshotEmitter opens the SSE stream lazily: validation errors raised
// before the first event still surface as ordinary JSON errors, while
// failures after the stream begins become terminal error events.
type snapshotEmitter struct {
	w   http.ResponseWriter
	wtr *sse.Writer
}

func (e *snapshotEmitter) emit(ev schema.SnapshotEvent) error {
	if e.wtr == nil {
		wtr, err := sse.Start(e.w)
		if err != nil {
			return err
		}
		e.wtr = wtr
	}
	return e.wtr.Send(ev)
}

func (e *snapshotEmitter) finish(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if e.wtr == nil {
		schema.WriteError(w, err)
		return
	}
	_ = e.wtr.Send(schema.SnapshotEvent{Type: "error", Message: apierror.From(err).Message})
}

// handleSnapshotCreate handles POST /api/snapshot/create.
func (s *Server) handleSnapshotCreate(w http.ResponseWriter, r *http.Request) {
	var req schema.SnapshotCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}

	release, err := s.acquireStream()
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	defer release()

	em := &snapshotEmitter{w: w}
	em.finish(w, s.snaps.Create(r.Context(), req, em.emit))
}

// handleSnapshotApply handles POST /api/snapshot/apply.
func (s *Server) handleSnapshotApply(w http.ResponseWriter, r *http.Request) {
	var req schema.SnapshotApplyRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}

	release, err := s.acquireStream()
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	defer release()

	em := &snapshotEmitter{w: w}
	em.finish(w, s.snaps.Apply(r.Context(), req, em.emit))
}
