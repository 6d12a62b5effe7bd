// Package files implements filesystem operations rooted at the workspace.
// Every path crosses a single policy gate: relative paths resolve against
// the workspace root and must stay inside it; absolute paths are allowed
// except under the protected system prefixes.
package files

import (
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/security"
)

// Protected system prefixes. Absolute paths under these are rejected.
var deniedPrefixes = []string{
	"/etc",
	"/var/log",
	"/usr",
	"/root",
	"/dev",
	"/proc",
	"/sys",
}

// Service performs workspace file operations.
type Service struct {
	log  *logger.Logger
	root string
}

// New creates a Service rooted at root.
func New(log *logger.Logger, root string) *Service {
	return &Service{log: log, root: filepath.Clean(root)}
}

// Root returns the workspace root.
func (s *Service) Root() string { return s.root }

// Resolve applies the path policy and returns the absolute on-disk path.
func (s *Service) Resolve(path string) (string, error) {
	if path == "" {
		return "", apierror.Validation(apierror.FieldError{Field: "path", Message: "path is required"})
	}

	var abs string
	if filepath.IsAbs(path) {
		abs = filepath.Clean(path)
		for _, prefix := range deniedPrefixes {
			if abs == prefix || strings.HasPrefix(abs, prefix+"/") {
				security.LogEvent(s.log.Sugar(), security.EventPathTraversalBlocked, security.SeverityHigh,
					map[string]any{"path": path, "deniedPrefix": prefix})
				return "", apierror.SecurityViolation(apierror.ViolationPathTraversal, path,
					"access to protected system path denied")
			}
		}
		return abs, nil
	}

	abs = filepath.Clean(filepath.Join(s.root, path))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		security.LogEvent(s.log.Sugar(), security.EventPathTraversalBlocked, security.SeverityHigh,
			map[string]any{"path": path, "resolved": abs})
		return "", apierror.SecurityViolation(apierror.ViolationPathTraversal, path,
			"path escapes the workspace root")
	}
	return abs, nil
}

// Mkdir creates a directory. With recursive it creates parents and is
// idempotent; without, the parent must exist and the directory must not.
func (s *Service) Mkdir(path string, recursive bool) error {
	abs, err := s.Resolve(path)
	if err != nil {
		return err
	}
	if recursive {
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return fsError("create directory", path, err)
		}
		return nil
	}
	if err := os.Mkdir(abs, 0o755); err != nil {
		return fsError("create directory", path, err)
	}
	return nil
}

// Write writes content to path, creating parent directories as needed.
// Encoding is utf-8 (default) or base64. It returns the number of bytes
// written to disk, which for base64 content is the decoded length.
func (s *Service) Write(req schema.WriteFileRequest) (int, error) {
	abs, err := s.Resolve(req.Path)
	if err != nil {
		return 0, err
	}
	data, err := decodeContent(req.Content, req.Encoding)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return 0, fsError("create parent directory", req.Path, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return 0, fsError("write file", req.Path, err)
	}
	s.log.Debug("file written", "path", req.Path, "bytes", len(data))
	return len(data), nil
}

// Read returns the whole file content, base64-encoded when requested or when
// the content is not valid UTF-8.
func (s *Service) Read(req schema.ReadFileRequest) (content string, encoding string, err error) {
	abs, err := s.Resolve(req.Path)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", "", fsError("read file", req.Path, err)
	}
	if req.Encoding == "base64" || !utf8.Valid(data) {
		return base64.StdEncoding.EncodeToString(data), "base64", nil
	}
	return string(data), "utf-8", nil
}

// Stat describes one path for streaming reads.
func (s *Service) Stat(path string) (schema.FileStreamMetadata, *os.File, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return schema.FileStreamMetadata{}, nil, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return schema.FileStreamMetadata{}, nil, fsError("open file", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return schema.FileStreamMetadata{}, nil, fsError("stat file", path, err)
	}
	if info.IsDir() {
		f.Close()
		return schema.FileStreamMetadata{}, nil, apierror.Newf(apierror.CodeValidation, "path is a directory: %s", path)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(abs))
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	if mimeType == "" {
		mimeType = http.DetectContentType(head)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return schema.FileStreamMetadata{}, nil, fsError("seek file", path, err)
	}

	isBinary := !utf8.Valid(head)
	encoding := "utf-8"
	if isBinary {
		encoding = "base64"
	}
	return schema.FileStreamMetadata{
		Type:     "metadata",
		MimeType: mimeType,
		Size:     info.Size(),
		IsBinary: isBinary,
		Encoding: encoding,
	}, f, nil
}

// Delete removes a file or directory tree.
func (s *Service) Delete(path string) error {
	abs, err := s.Resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(abs); err != nil {
		return fsError("delete", path, err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fsError("delete", path, err)
	}
	s.log.Debug("path deleted", "path", path)
	return nil
}

// Rename renames a file or directory. The destination must not exist.
func (s *Service) Rename(oldPath, newPath string) error {
	return s.move(oldPath, newPath, "rename")
}

// Move relocates a file or directory, creating destination parents.
func (s *Service) Move(src, dst string) error {
	return s.move(src, dst, "move")
}

func (s *Service) move(src, dst, verb string) error {
	absSrc, err := s.Resolve(src)
	if err != nil {
		return err
	}
	absDst, err := s.Resolve(dst)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(absSrc); err != nil {
		return fsError(verb, src, err)
	}
	if _, err := os.Lstat(absDst); err == nil {
		return apierror.Newf(apierror.CodeFileExists, "destination already exists: %s", dst)
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return fsError(verb, dst, err)
	}
	if err := os.Rename(absSrc, absDst); err != nil {
		return fsError(verb, src, err)
	}
	return nil
}

// List returns the entries of a directory.
func (s *Service) List(path string) ([]schema.FileEntry, error) {
	abs, err := s.Resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fsError("list directory", path, err)
	}

	out := make([]schema.FileEntry, 0, len(entries))
	for _, entry := range entries {
		fe := schema.FileEntry{Name: entry.Name()}
		switch {
		case entry.Type()&fs.ModeSymlink != 0:
			fe.Type = "symlink"
		case entry.IsDir():
			fe.Type = "directory"
		default:
			fe.Type = "file"
			if info, err := entry.Info(); err == nil {
				size := info.Size()
				fe.Size = &size
			}
		}
		out = append(out, fe)
	}
	return out, nil
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "", "utf-8", "utf8":
		return []byte(content), nil
	case "base64":
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, apierror.Validation(apierror.FieldError{
				Field: "content", Message: "invalid base64 content",
			})
		}
		return data, nil
	default:
		return nil, apierror.Validation(apierror.FieldError{
			Field: "encoding", Message: fmt.Sprintf("unsupported encoding: %s", encoding),
		})
	}
}

// fsError maps an OS error to the wire taxonomy.
func fsError(verb, path string, err error) error {
	switch {
	case os.IsNotExist(err):
		return apierror.Newf(apierror.CodeFileNotFound, "file not found: %s", path).Wrap(err)
	case os.IsExist(err):
		return apierror.Newf(apierror.CodeFileExists, "already exists: %s", path).Wrap(err)
	case os.IsPermission(err):
		return apierror.Newf(apierror.CodePermissionDenied, "permission denied: %s", path).Wrap(err)
	default:
		return apierror.Newf(apierror.CodeFilesystem, "failed to %s: %s", verb, path).Wrap(err)
	}
}
