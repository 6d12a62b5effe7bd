// Package snapshot streams directory tarballs to and from S3-compatible
// object storage. Uploads never touch local disk; applies land in a sibling
// temp directory and swap in with a rename pair so readers see either the
// old tree or the new one, never a partial extract.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/security"
	"github.com/boxlet-dev/boxlet/sandbox/internal/store"
)

const (
	defaultCompressionLevel = 3
	maxAttempts             = 3
	progressInterval        = time.Second
)

// urlSigner provisions the transfer URLs for one snapshot operation.
type urlSigner interface {
	putURL(ctx context.Context, key string) (string, error)
	getURL(ctx context.Context, key string) (string, error)
}

// Engine runs snapshot create and apply operations.
type Engine struct {
	log    *logger.Logger
	st     *store.Store // nil in tests
	client *http.Client
	signer func(context.Context, schema.R2Config) (urlSigner, error)
}

// New creates an Engine.
func New(log *logger.Logger, st *store.Store) *Engine {
	return &Engine{
		log: log,
		st:  st,
		// Transfers are long-lived streams; no overall timeout.
		client: &http.Client{},
		signer: func(ctx context.Context, r2 schema.R2Config) (urlSigner, error) {
			return newPresigner(ctx, r2)
		},
	}
}

func objectKey(id string) string { return "snapshots/" + id + ".tar.zst" }

// Create tars, compresses and uploads req.Directory, emitting start,
// periodic progress and a final complete event. The returned error means the
// stream ended without a complete event.
func (e *Engine) Create(ctx context.Context, req schema.SnapshotCreateRequest, emit func(schema.SnapshotEvent) error) error {
	info, err := os.Stat(req.Directory)
	if err != nil {
		return apierror.Newf(apierror.CodeFileNotFound, "directory not found: %s", req.Directory).Wrap(err)
	}
	if !info.IsDir() {
		return apierror.Newf(apierror.CodeValidation, "not a directory: %s", req.Directory)
	}

	level := req.CompressionLevel
	if level <= 0 {
		level = defaultCompressionLevel
	}

	ps, err := e.signer(ctx, req.R2)
	if err != nil {
		return err
	}

	id := security.GenerateToken()
	key := objectKey(id)

	if err := emit(schema.SnapshotEvent{Type: "start", ID: id}); err != nil {
		return err
	}

	var sent int64
	err = withRetry(ctx, e.log, "snapshot upload", func() error {
		url, err := ps.putURL(ctx, key)
		if err != nil {
			return err
		}
		sent, err = e.upload(ctx, req.Directory, level, url, emit)
		return err
	})
	if err != nil {
		return apierror.New(apierror.CodeInternal, "snapshot upload failed").Wrap(err)
	}

	e.log.Info("snapshot created", "id", id, "directory", req.Directory, "sizeBytes", sent)
	return emit(schema.SnapshotEvent{
		Type:      "complete",
		ID:        id,
		SizeBytes: sent,
		CreatedAt: time.Now().UTC(),
		Bucket:    req.R2.Bucket,
		Key:       key,
	})
}

func (e *Engine) upload(ctx context.Context, dir string, level int, url string, emit func(schema.SnapshotEvent) error) (int64, error) {
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(compressDir(uploadCtx, dir, level, pw))
	}()

	c := &counter{}
	stopProgress := e.reportProgress(uploadCtx, c, func(n int64) schema.SnapshotEvent {
		return schema.SnapshotEvent{Type: "progress", BytesSent: n}
	}, emit)
	defer stopProgress()

	req, err := http.NewRequestWithContext(uploadCtx, http.MethodPut, url, &countingReader{r: pr, c: c})
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/zstd")

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}
	return c.Load(), nil
}

// Apply downloads snapshot req.ID and atomically replaces
// req.TargetDirectory with the extracted tree.
func (e *Engine) Apply(ctx context.Context, req schema.SnapshotApplyRequest, emit func(schema.SnapshotEvent) error) error {
	if req.ID == "" {
		return apierror.Validation(apierror.FieldError{Field: "id", Message: "id is required"})
	}
	if req.TargetDirectory == "" {
		return apierror.Validation(apierror.FieldError{Field: "targetDirectory", Message: "targetDirectory is required"})
	}

	ps, err := e.signer(ctx, req.R2)
	if err != nil {
		return err
	}

	if err := emit(schema.SnapshotEvent{Type: "start", ID: req.ID}); err != nil {
		return err
	}

	target := filepath.Clean(req.TargetDirectory)
	token := security.GenerateToken()
	tmp := target + ".tmp-" + token

	e.markOrphan(tmp)
	var received int64
	err = withRetry(ctx, e.log, "snapshot download", func() error {
		if err := os.RemoveAll(tmp); err != nil {
			return err
		}
		if err := os.MkdirAll(tmp, 0o755); err != nil {
			return err
		}
		url, err := ps.getURL(ctx, objectKey(req.ID))
		if err != nil {
			return err
		}
		received, err = e.download(ctx, url, req.ID, tmp, emit)
		return err
	})
	if err != nil {
		_ = os.RemoveAll(tmp)
		e.unmarkOrphan(tmp)
		var ae *apierror.Error
		if errors.As(err, &ae) {
			return ae
		}
		return apierror.New(apierror.CodeInternal, "snapshot download failed").Wrap(err)
	}

	// Swap in: target -> target.old-{token}, tmp -> target. Readers see the
	// old tree or the new one, nothing in between.
	old := target + ".old-" + token
	if _, statErr := os.Lstat(target); statErr == nil {
		e.markOrphan(old)
		if err := os.Rename(target, old); err != nil {
			_ = os.RemoveAll(tmp)
			e.unmarkOrphan(tmp)
			e.unmarkOrphan(old)
			return apierror.New(apierror.CodeFilesystem, "failed to stage previous directory").Wrap(err)
		}
	}
	if err := os.Rename(tmp, target); err != nil {
		// Roll the old tree back if we displaced it.
		if _, statErr := os.Lstat(old); statErr == nil {
			_ = os.Rename(old, target)
			e.unmarkOrphan(old)
		}
		_ = os.RemoveAll(tmp)
		e.unmarkOrphan(tmp)
		return apierror.New(apierror.CodeFilesystem, "failed to move snapshot into place").Wrap(err)
	}
	e.unmarkOrphan(tmp)

	go func() {
		if err := os.RemoveAll(old); err == nil {
			e.unmarkOrphan(old)
		}
	}()

	e.log.Info("snapshot applied", "id", req.ID, "target", target, "bytesReceived", received)
	return emit(schema.SnapshotEvent{
		Type:          "complete",
		ID:            req.ID,
		BytesReceived: received,
		Bucket:        req.R2.Bucket,
		Key:           objectKey(req.ID),
	})
}

func (e *Engine) download(ctx context.Context, url, id, dir string, emit func(schema.SnapshotEvent) error) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, apierror.NotFound("snapshot", id)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download rejected with status %d", resp.StatusCode)
	}

	c := &counter{}
	stopProgress := e.reportProgress(ctx, c, func(n int64) schema.SnapshotEvent {
		return schema.SnapshotEvent{Type: "progress", BytesReceived: n}
	}, emit)
	defer stopProgress()

	if err := extractTo(ctx, &countingReader{r: resp.Body, c: c}, dir); err != nil {
		return 0, err
	}
	return c.Load(), nil
}

// reportProgress emits a progress event every interval until the returned
// stop function runs.
func (e *Engine) reportProgress(ctx context.Context, c *counter, build func(int64) schema.SnapshotEvent, emit func(schema.SnapshotEvent) error) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = emit(build(c.Load()))
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

// SweepOrphans removes temp/old directories left by interrupted applies.
// Called once on startup.
func (e *Engine) SweepOrphans() {
	if e.st == nil {
		return
	}
	dirs, err := e.st.OrphanDirs()
	if err != nil {
		e.log.Warn("failed to list orphan directories", "error", err)
		return
	}
	for _, d := range dirs {
		if err := os.RemoveAll(d.Path); err != nil {
			e.log.Warn("failed to remove orphan directory", "path", d.Path, "error", err)
			continue
		}
		e.unmarkOrphan(d.Path)
		e.log.Info("removed orphan directory", "path", d.Path)
	}
}

func (e *Engine) markOrphan(path string) {
	if e.st == nil {
		return
	}
	if err := e.st.AddOrphanDir(path); err != nil {
		e.log.Warn("failed to record orphan marker", "path", path, "error", err)
	}
}

func (e *Engine) unmarkOrphan(path string) {
	if e.st == nil {
		return
	}
	if err := e.st.RemoveOrphanDir(path); err != nil {
		e.log.Warn("failed to clear orphan marker", "path", path, "error", err)
	}
}

func withRetry(ctx context.Context, log *logger.Logger, what string, fn func() error) error {
	var err error
	backoff := time.Second
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var ae *apierror.Error
		if errors.As(err, &ae) && ae.Code != apierror.CodeInternal {
			return err
		}
		if attempt < maxAttempts {
			log.Warn(what+" failed, retrying", "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return err
}
