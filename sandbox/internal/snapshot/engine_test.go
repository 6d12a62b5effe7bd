package snapshot

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
)

// memObjectStore is an in-memory stand-in for the S3-compatible endpoint:
// PUT stores a body under its path, GET serves it back.
type memObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: map[string][]byte{}}
}

func (m *memObjectStore) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/")
		switch r.Method {
		case http.MethodPut:
			data, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			m.mu.Lock()
			m.objects[key] = data
			m.mu.Unlock()
		case http.MethodGet:
			m.mu.Lock()
			data, ok := m.objects[key]
			m.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(data)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (m *memObjectStore) put(key string, data []byte) {
	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()
}

// directSigner hands out unsigned URLs against the test object store.
type directSigner struct{ base string }

func (d directSigner) putURL(_ context.Context, key string) (string, error) {
	return d.base + "/" + key, nil
}

func (d directSigner) getURL(_ context.Context, key string) (string, error) {
	return d.base + "/" + key, nil
}

func newTestEngine(t *testing.T, base string) *Engine {
	t.Helper()
	e := New(logger.NewNop(), nil)
	e.signer = func(context.Context, schema.R2Config) (urlSigner, error) {
		return directSigner{base: base}, nil
	}
	return e
}

func collectEvents(into *[]schema.SnapshotEvent) func(schema.SnapshotEvent) error {
	return func(ev schema.SnapshotEvent) error {
		*into = append(*into, ev)
		return nil
	}
}

func TestObjectKey(t *testing.T) {
	if got := objectKey("abc123"); got != "snapshots/abc123.tar.zst" {
		t.Errorf("objectKey = %q", got)
	}
}

func TestCreateApplyRoundTrip(t *testing.T) {
	requireTar(t)

	store := newMemObjectStore()
	srv := httptest.NewServer(store.handler())
	defer srv.Close()
	e := newTestEngine(t, srv.URL)

	src := t.TempDir()
	os.MkdirAll(filepath.Join(src, "sub"), 0o755)
	os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644)
	os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte(strings.Repeat("beta", 500)), 0o644)

	var created []schema.SnapshotEvent
	if err := e.Create(context.Background(), schema.SnapshotCreateRequest{Directory: src},
		collectEvents(&created)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(created) < 2 || created[0].Type != "start" {
		t.Fatalf("events = %+v", created)
	}
	last := created[len(created)-1]
	if last.Type != "complete" || last.ID == "" || last.SizeBytes <= 0 {
		t.Fatalf("complete event = %+v", last)
	}

	target := filepath.Join(t.TempDir(), "restored")
	var applied []schema.SnapshotEvent
	if err := e.Apply(context.Background(), schema.SnapshotApplyRequest{
		ID:              last.ID,
		TargetDirectory: target,
	}, collectEvents(&applied)); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if fin := applied[len(applied)-1]; fin.Type != "complete" || fin.BytesReceived <= 0 {
		t.Errorf("apply complete event = %+v", fin)
	}

	got, err := os.ReadFile(filepath.Join(target, "a.txt"))
	if err != nil || string(got) != "alpha" {
		t.Errorf("a.txt = %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(target, "sub", "b.txt"))
	if err != nil || string(got) != strings.Repeat("beta", 500) {
		t.Errorf("sub/b.txt len = %d, %v", len(got), err)
	}
}

func TestApplyReplacesExistingTarget(t *testing.T) {
	requireTar(t)

	store := newMemObjectStore()
	srv := httptest.NewServer(store.handler())
	defer srv.Close()
	e := newTestEngine(t, srv.URL)

	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "new.txt"), []byte("fresh"), 0o644)

	var created []schema.SnapshotEvent
	if err := e.Create(context.Background(), schema.SnapshotCreateRequest{Directory: src},
		collectEvents(&created)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	id := created[len(created)-1].ID

	parent := t.TempDir()
	target := filepath.Join(parent, "workspace")
	os.MkdirAll(target, 0o755)
	os.WriteFile(filepath.Join(target, "stale.txt"), []byte("stale"), 0o644)

	var applied []schema.SnapshotEvent
	if err := e.Apply(context.Background(), schema.SnapshotApplyRequest{
		ID:              id,
		TargetDirectory: target,
	}, collectEvents(&applied)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if _, err := os.Stat(filepath.Join(target, "stale.txt")); !os.IsNotExist(err) {
		t.Error("stale file survived the swap")
	}
	got, err := os.ReadFile(filepath.Join(target, "new.txt"))
	if err != nil || string(got) != "fresh" {
		t.Errorf("new.txt = %q, %v", got, err)
	}

	// The displaced tree is removed asynchronously after the swap.
	deadline := time.Now().Add(5 * time.Second)
	for {
		leftovers, _ := filepath.Glob(filepath.Join(parent, "workspace.*"))
		if len(leftovers) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("leftover directories: %v", leftovers)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestApplyMissingSnapshotLeavesTargetUntouched(t *testing.T) {
	store := newMemObjectStore()
	srv := httptest.NewServer(store.handler())
	defer srv.Close()
	e := newTestEngine(t, srv.URL)

	parent := t.TempDir()
	target := filepath.Join(parent, "workspace")
	os.MkdirAll(target, 0o755)
	os.WriteFile(filepath.Join(target, "keep.txt"), []byte("precious"), 0o644)

	var events []schema.SnapshotEvent
	err := e.Apply(context.Background(), schema.SnapshotApplyRequest{
		ID:              "ghost",
		TargetDirectory: target,
	}, collectEvents(&events))
	if apierror.From(err).Code != apierror.CodeNotFound {
		t.Fatalf("error = %v, want NOT_FOUND", err)
	}

	got, rerr := os.ReadFile(filepath.Join(target, "keep.txt"))
	if rerr != nil || string(got) != "precious" {
		t.Errorf("keep.txt = %q, %v", got, rerr)
	}
	leftovers, _ := filepath.Glob(filepath.Join(parent, "workspace.*"))
	if len(leftovers) != 0 {
		t.Errorf("leftover directories: %v", leftovers)
	}
}

func TestApplyCorruptDownloadCleansUp(t *testing.T) {
	requireTar(t)

	store := newMemObjectStore()
	srv := httptest.NewServer(store.handler())
	defer srv.Close()
	e := newTestEngine(t, srv.URL)

	store.put(objectKey("bad"), []byte("this is not a zstd stream"))

	parent := t.TempDir()
	target := filepath.Join(parent, "workspace")
	os.MkdirAll(target, 0o755)
	os.WriteFile(filepath.Join(target, "keep.txt"), []byte("precious"), 0o644)

	var events []schema.SnapshotEvent
	err := e.Apply(context.Background(), schema.SnapshotApplyRequest{
		ID:              "bad",
		TargetDirectory: target,
	}, collectEvents(&events))
	if err == nil {
		t.Fatal("Apply accepted a corrupt archive")
	}

	got, rerr := os.ReadFile(filepath.Join(target, "keep.txt"))
	if rerr != nil || string(got) != "precious" {
		t.Errorf("keep.txt = %q, %v", got, rerr)
	}
	leftovers, _ := filepath.Glob(filepath.Join(parent, "workspace.*"))
	if len(leftovers) != 0 {
		t.Errorf("leftover directories: %v", leftovers)
	}
}

func TestWithRetryEventualSuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), logger.NewNop(), "upload", func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestWithRetryExhausts(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), logger.NewNop(), "upload", func() error {
		calls++
		return errors.New("still broken")
	})
	if err == nil {
		t.Fatal("withRetry succeeded after persistent failures")
	}
	if calls != maxAttempts {
		t.Errorf("calls = %d, want %d", calls, maxAttempts)
	}
}

func TestWithRetryDoesNotRetryTypedErrors(t *testing.T) {
	calls := 0
	want := apierror.NotFound("snapshot", "abc")
	err := withRetry(context.Background(), logger.NewNop(), "download", func() error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("err = %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := withRetry(ctx, logger.NewNop(), "upload", func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
