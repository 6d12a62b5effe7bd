package api

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/sandbox/internal/config"
	"github.com/boxlet-dev/boxlet/sandbox/internal/executor"
	"github.com/boxlet-dev/boxlet/sandbox/internal/files"
	"github.com/boxlet-dev/boxlet/sandbox/internal/gitclient"
	"github.com/boxlet-dev/boxlet/sandbox/internal/portproxy"
	"github.com/boxlet-dev/boxlet/sandbox/internal/ports"
	"github.com/boxlet-dev/boxlet/sandbox/internal/session"
	"github.com/boxlet-dev/boxlet/sandbox/internal/snapshot"
	"github.com/boxlet-dev/boxlet/sandbox/internal/supervisor"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	log := logger.NewNop()
	cfg := &config.Config{
		Port:             3000,
		CORSOrigins:      []string{"*"},
		PreviewDomain:    "localhost:8080",
		WorkspaceRoot:    t.TempDir(),
		MaxProcesses:     16,
		LogBufferBytes:   1 << 16,
		KillGracePeriod:  time.Second,
		CleanupGrace:     30 * time.Second,
		MaxSSEStreams:    4,
		MaxRequestBytes:  1 << 20,
		SessionTTL:       time.Hour,
		PortWatchTimeout: time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	sessions, err := session.NewManager(nil, log, cfg.WorkspaceRoot, cfg.SessionTTL)
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	registry, err := ports.New(log, nil)
	if err != nil {
		t.Fatalf("ports.New: %v", err)
	}
	fsvc := files.New(log, cfg.WorkspaceRoot)

	return New(cfg, log, Deps{
		Sessions: sessions,
		Procs: supervisor.New(log, sessions, supervisor.Options{
			MaxProcesses: cfg.MaxProcesses,
			LogBufBytes:  cfg.LogBufferBytes,
			KillGrace:    cfg.KillGracePeriod,
			CleanupGrace: cfg.CleanupGrace,
		}),
		Exec:  executor.New(log, sessions, cfg.LogBufferBytes),
		Files: fsvc,
		Git:   gitclient.New(log, fsvc, sessions),
		Ports: registry,
		Proxy: portproxy.New(log, registry, sessions),
		Snaps: snapshot.New(log, nil),
	})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestPing(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/ping", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["message"] != "pong" || body["success"] != true {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	s.OnError(fmt.Errorf("boom"))
	rec = doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy status = %d, want 503", rec.Code)
	}
}

func TestCommands(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/commands", nil)
	body := decodeBody(t, rec)
	cmds, ok := body["availableCommands"].([]any)
	if !ok {
		t.Fatalf("availableCommands = %v", body["availableCommands"])
	}
	// sh is a safe bet on any test host.
	found := false
	for _, c := range cmds {
		if c == "sh" {
			found = true
		}
	}
	if !found {
		t.Error("sh not reported as available")
	}
}

func TestExecute(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/execute",
		schema.ExecuteRequest{Command: "echo hi"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var res schema.ExecResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.ExitCode != 0 || res.Stdout != "hi\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteFailureKeepsHTTP200(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/execute",
		schema.ExecuteRequest{Command: "exit 4"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res schema.ExecResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Success || res.ExitCode != 4 {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteValidation(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/execute", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "VALIDATION_ERROR" || body["success"] != false {
		t.Errorf("body = %v", body)
	}
}

func TestExecuteStreamEvents(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/execute/stream",
		schema.ExecuteRequest{Command: "echo streamed"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}

	events := parseSSE(t, rec.Body.String())
	var sawStdout, sawExit bool
	for _, ev := range events {
		switch ev.Type {
		case "stdout":
			if strings.Contains(ev.Data, "streamed") {
				sawStdout = true
			}
		case "exit":
			sawExit = true
			if ev.Status != "completed" {
				t.Errorf("exit status = %q", ev.Status)
			}
		}
	}
	if !sawStdout || !sawExit {
		t.Errorf("events = %+v", events)
	}
}

func TestStreamConcurrencyCap(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.MaxSSEStreams = 0 })
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/execute/stream",
		schema.ExecuteRequest{Command: "echo hi"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "RESOURCE_LIMIT_EXCEEDED" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestFileWriteReadRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/file/write",
		schema.WriteFileRequest{Path: "notes/a.txt", Content: "remember"})
	if rec.Code != http.StatusOK {
		t.Fatalf("write status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["bytesWritten"] != float64(len("remember")) {
		t.Errorf("bytesWritten = %v, want %d", body["bytesWritten"], len("remember"))
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/file/read",
		schema.ReadFileRequest{Path: "notes/a.txt"})
	if rec.Code != http.StatusOK {
		t.Fatalf("read status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["content"] != "remember" {
		t.Errorf("content = %v", body["content"])
	}
}

func TestFileWriteBase64ReportsDecodedBytes(t *testing.T) {
	s := newTestServer(t, nil)

	raw := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/file/write",
		schema.WriteFileRequest{
			Path:     "blob.bin",
			Content:  base64.StdEncoding.EncodeToString(raw),
			Encoding: "base64",
		})
	if rec.Code != http.StatusOK {
		t.Fatalf("write status = %d: %s", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["bytesWritten"] != float64(len(raw)) {
		t.Errorf("bytesWritten = %v, want %d", body["bytesWritten"], len(raw))
	}
}

func TestFileTraversalRejected(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/file/read",
		schema.ReadFileRequest{Path: "../../etc/passwd"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "SECURITY_VIOLATION" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestProcessLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/process/start",
		schema.StartProcessRequest{Command: "echo from-process"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}
	var started struct {
		Process schema.ProcessInfo `json:"process"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	id := started.Process.ID
	if id == "" {
		t.Fatal("empty process id")
	}

	// Wait for the process to finish.
	deadline := time.Now().Add(10 * time.Second)
	for {
		rec = doJSON(t, h, http.MethodGet, "/api/process/"+id, nil)
		var got struct {
			Process schema.ProcessInfo `json:"process"`
		}
		json.Unmarshal(rec.Body.Bytes(), &got)
		if got.Process.Status != "running" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("process never finished")
		}
		time.Sleep(20 * time.Millisecond)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/process/"+id+"/logs", nil)
	body := decodeBody(t, rec)
	if !strings.Contains(fmt.Sprint(body["stdout"]), "from-process") {
		t.Errorf("logs = %v", body)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/process/list", nil)
	body = decodeBody(t, rec)
	if body["count"].(float64) < 1 {
		t.Errorf("count = %v", body["count"])
	}
}

func TestProcessNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/api/process/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "PROCESS_NOT_FOUND" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestSandboxNameHeaderSetsOnce(t *testing.T) {
	s := newTestServer(t, nil)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set(schema.SandboxNameHeader, "first")
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set(schema.SandboxNameHeader, "second")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// The conflicting header is ignored, not an error.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestExposePortOverHTTP(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.SandboxID = "abc123" })
	rec := doJSON(t, s.Handler(), http.MethodPost, "/api/expose-port",
		schema.ExposePortRequest{Port: 8080, Name: "web"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("no token in response")
	}
	wantURL := fmt.Sprintf("https://8080-abc123-%s.localhost:8080", token)
	if body["url"] != wantURL {
		t.Errorf("url = %v, want %s", body["url"], wantURL)
	}

	rec = doJSON(t, s.Handler(), http.MethodPost, "/api/expose-port",
		schema.ExposePortRequest{Port: 3000})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("reserved port status = %d, want 400", rec.Code)
	}
}

func TestPreviewDispatchBeforeAPI(t *testing.T) {
	s := newTestServer(t, nil)

	// A header-bearing request must be treated as preview traffic even on an
	// API path, and denied without a valid exposure.
	req := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	req.Header.Set(schema.HeaderProxyPort, "9999")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func parseSSE(t *testing.T, raw string) []schema.StreamEvent {
	t.Helper()
	var events []schema.StreamEvent
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev schema.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}
