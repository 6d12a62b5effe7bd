package api

import (
	"encoding/base64"
	"io"
	"net/http"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/sse"
)

const readChunkSize = 64 << 10

// handleFileWrite handles POST /api/file/write.
func (s *Server) handleFileWrite(w http.ResponseWriter, r *http.Request) {
	var req schema.WriteFileRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}
	n, err := s.files.Write(req)
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"path":         req.Path,
		"bytesWritten": n,
	})
}

// handleFileRead handles POST /api/file/read.
func (s *Server) handleFileRead(w http.ResponseWriter, r *http.Request) {
	var req schema.ReadFileRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}
	content, encoding, err := s.files.Read(req)
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"path":     req.Path,
		"content":  content,
		"encoding": encoding,
		"size":     len(content),
	})
}

// handleFileReadStream handles POST /api/file/read/stream: one metadata
// event, chunk events, then a complete event.
func (s *Server) handleFileReadStream(w http.ResponseWriter, r *http.Request) {
	var req schema.PathRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}

	meta, f, err := s.files.Stat(req.Path)
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	defer f.Close()

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
	if err := wtr.Send(meta); err != nil {
		return
	}

	buf := make([]byte, readChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			data := string(buf[:n])
			if meta.IsBinary {
				data = base64.StdEncoding.EncodeToString(buf[:n])
			}
			if err := wtr.Send(schema.StreamEvent{Type: "chunk", Data: data}); err != nil {
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = wtr.Send(schema.StreamEvent{Type: "error", Error: "read failed"})
			return
		}
	}
	_ = wtr.Send(schema.StreamEvent{Type: "complete"})
}

// handleFileDelete handles POST /api/file/delete.
func (s *Server) handleFileDelete(w http.ResponseWriter, r *http.Request) {
	var req schema.PathRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}
	if err := s.files.Delete(req.Path); err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{"path": req.Path})
}

// handleFileRename handles POST /api/file/rename.
func (s *Server) handleFileRename(w http.ResponseWriter, r *http.Request) {
	var req schema.RenameFileRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}
	if err := s.files.Rename(req.OldPath, req.NewPath); err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"path":    req.OldPath,
		"newPath": req.NewPath,
	})
}

// handleFileMove handles POST /api/file/move.
func (s *Server) handleFileMove(w http.ResponseWriter, r *http.Request) {
	var req schema.MoveFileRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}
	if err := s.files.Move(req.SourcePath, req.DestinationPath); err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"path":    req.SourcePath,
		"newPath": req.DestinationPath,
	})
}

// handleFileMkdir handles POST /api/file/mkdir.
func (s *Server) handleFileMkdir(w http.ResponseWriter, r *http.Request) {
	var req schema.MkdirRequest
	if err := decodeJSON(r, &req); err != nil {
		schema.WriteError(w, err)
		return
	}
	if err := s.files.Mkdir(req.Path, req.Recursive); err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"path":      req.Path,
		"recursive": req.Recursive,
	})
}

// handleFileList handles GET /api/file/list?path=.
func (s *Server) handleFileList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}
	entries, err := s.files.List(path)
	if err != nil {
		schema.WriteError(w, err)
		return
	}
	schema.WriteSuccess(w, http.StatusOK, map[string]any{
		"path":  path,
		"files": entries,
	})
}

// handleFileWatch handles GET /api/file/watch?path=: an SSE stream of
// filesystem events until the client disconnects.
func (s *Server) handleFileWatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
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

	emit := func(ev schema.FileWatchEvent) error { return wtr.Send(ev) }
	if err := s.files.Watch(r.Context(), path, emit); err != nil {
		schema.WriteError(w, err)
	}
}
