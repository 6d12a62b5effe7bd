// Package sse writes server-sent event streams in the framing the control
// plane uses everywhere: each event is a single JSON object on one "data:"
// line terminated by a blank line. Named "event:" fields are not used;
// consumers tolerate ":keepalive" comment lines.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("sse: response writer does not support streaming")

// Writer frames JSON events onto an HTTP response. Safe for use by a single
// producer goroutine plus a keepalive ticker.
type Writer struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// Start sets the SSE response headers and returns a Writer. The 200 status
// is committed on the first event, so callers must perform all request
// validation before calling Start.
func Start(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	return &Writer{w: w, flusher: flusher}, nil
}

// Send marshals v and writes it as one event frame.
func (s *Writer) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Keepalive writes a comment frame that consumers ignore.
func (s *Writer) Keepalive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ":keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
