package files

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/schema"
)

func TestWatchSeesCreateAndWrite(t *testing.T) {
	s := newTestService(t)
	s.Mkdir("watched", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan schema.FileWatchEvent, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, "watched", func(ev schema.FileWatchEvent) error {
			events <- ev
			return nil
		})
	}()

	// Give the watcher a moment to attach before producing events.
	time.Sleep(100 * time.Millisecond)
	target := filepath.Join(s.Root(), "watched", "new.txt")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.After(5 * time.Second)
	var sawCreate bool
	for !sawCreate {
		select {
		case ev := <-events:
			if ev.Type == "create" && ev.Path == filepath.Join("watched", "new.txt") {
				sawCreate = true
			}
		case <-deadline:
			t.Fatal("no create event observed")
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchMissingPath(t *testing.T) {
	s := newTestService(t)
	err := s.Watch(context.Background(), "absent", func(schema.FileWatchEvent) error { return nil })
	if apierror.From(err).Code != apierror.CodeFileNotFound {
		t.Errorf("error = %v, want FILE_NOT_FOUND", err)
	}
}

func TestWatchStopsWhenEmitFails(t *testing.T) {
	s := newTestService(t)
	s.Mkdir("w2", false)

	done := make(chan error, 1)
	go func() {
		done <- s.Watch(context.Background(), "w2", func(schema.FileWatchEvent) error {
			return context.Canceled
		})
	}()

	time.Sleep(100 * time.Millisecond)
	os.WriteFile(filepath.Join(s.Root(), "w2", "f"), []byte("x"), 0o644)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop after emit failure")
	}
}

func TestOpType(t *testing.T) {
	tests := []struct {
		op   fsnotify.Op
		want string
	}{
		{fsnotify.Create, "create"},
		{fsnotify.Write, "write"},
		{fsnotify.Remove, "remove"},
		{fsnotify.Rename, "rename"},
		{fsnotify.Chmod, "chmod"},
		{fsnotify.Create | fsnotify.Write, "create"},
	}
	for _, tt := range tests {
		if got := opType(tt.op); got != tt.want {
			t.Errorf("opType(%v) = %q, want %q", tt.op, got, tt.want)
		}
	}
}
