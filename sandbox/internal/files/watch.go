package files

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/boxlet-dev/boxlet/internal/schema"
)

// Watch streams filesystem events under path until ctx ends or emit fails.
// Watching a directory covers its immediate entries; subdirectories created
// while watching are added to the watch set.
func (s *Service) Watch(ctx context.Context, path string, emit func(schema.FileWatchEvent) error) error {
	abs, err := s.Resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(abs); err != nil {
		return fsError("watch", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fsError("watch", path, err)
	}
	defer watcher.Close()

	if err := watcher.Add(abs); err != nil {
		return fsError("watch", path, err)
	}
	s.log.Debug("file watch started", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
					_ = watcher.Add(ev.Name)
				}
			}
			if err := emit(schema.FileWatchEvent{Type: opType(ev.Op), Path: s.relative(ev.Name)}); err != nil {
				return nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			_ = emit(schema.FileWatchEvent{Type: "error", Path: werr.Error()})
		}
	}
}

func (s *Service) relative(abs string) string {
	if rel, err := filepath.Rel(s.root, abs); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return abs
}

func opType(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	default:
		return "write"
	}
}
