// Package schema defines the wire types shared by the sandbox control plane,
// the edge router, and the bridge, plus the common JSON response envelope.
// Request/response shapes cross the boundary as JSON with optional fields;
// they are explicit structs here rather than bag-of-values maps.
package schema

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/boxlet-dev/boxlet/internal/apierror"
)

// Header used to set the sandbox name on first contact.
const SandboxNameHeader = "X-Sandbox-Name"

// Headers the edge sets on the internal hop to a sandbox control plane.
const (
	HeaderProxyPort   = "X-Boxlet-Proxy-Port"
	HeaderProxyToken  = "X-Boxlet-Proxy-Token"
	HeaderOriginalURL = "X-Original-URL"
)

// ExecuteRequest is the body of POST /api/execute and /api/execute/stream.
type ExecuteRequest struct {
	Command   string            `json:"command"`
	SessionID string            `json:"sessionId,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs int               `json:"timeout,omitempty"`
	Isolation *bool             `json:"isolation,omitempty"`
}

// StartProcessRequest is the body of POST /api/process/start.
type StartProcessRequest struct {
	Command     string            `json:"command"`
	ProcessID   string            `json:"processId,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Encoding    string            `json:"encoding,omitempty"`
	TimeoutMs   int               `json:"timeout,omitempty"`
	AutoCleanup bool              `json:"autoCleanup,omitempty"`
	Isolation   *bool             `json:"isolation,omitempty"`
}

// ProcessInfo is the public view of a supervised process.
type ProcessInfo struct {
	ID        string     `json:"id"`
	PID       int        `json:"pid"`
	Command   string     `json:"command"`
	Status    string     `json:"status"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	ExitCode  *int       `json:"exitCode,omitempty"`
	SessionID string     `json:"sessionId,omitempty"`
}

// ExecResult is the payload of a completed foreground command.
type ExecResult struct {
	Success   bool      `json:"success"`
	ExitCode  int       `json:"exitCode"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	Command   string    `json:"command"`
	Duration  int64     `json:"duration"` // milliseconds
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
}

// StreamEvent is one SSE frame of a process or exec log stream.
type StreamEvent struct {
	Type   string `json:"type"` // stdout, stderr, exit, error
	Data   string `json:"data,omitempty"`
	Offset int64  `json:"offset,omitempty"`
	Code   *int   `json:"code,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// File operation request bodies.
type WriteFileRequest struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"` // utf-8 (default) or base64
}

type ReadFileRequest struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding,omitempty"`
}

type PathRequest struct {
	Path string `json:"path"`
}

type RenameFileRequest struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

type MoveFileRequest struct {
	SourcePath      string `json:"sourcePath"`
	DestinationPath string `json:"destinationPath"`
}

type MkdirRequest struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// FileEntry is one row of a directory listing.
type FileEntry struct {
	Name string `json:"name"`
	Type string `json:"type"` // file, directory, symlink
	Size *int64 `json:"size,omitempty"`
}

// FileStreamMetadata is the first SSE event of a streamed read.
type FileStreamMetadata struct {
	Type     string `json:"type"` // metadata
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	IsBinary bool   `json:"isBinary"`
	Encoding string `json:"encoding"`
}

// GitCheckoutRequest is the body of POST /api/git/checkout.
type GitCheckoutRequest struct {
	RepoURL   string `json:"repoUrl"`
	SessionID string `json:"sessionId,omitempty"`
	Branch    string `json:"branch,omitempty"`
	TargetDir string `json:"targetDir,omitempty"`
	Depth     int    `json:"depth,omitempty"`
}

// ExposePortRequest is the body of POST /api/expose-port.
type ExposePortRequest struct {
	Port      int    `json:"port"`
	SessionID string `json:"sessionId,omitempty"`
	Name      string `json:"name,omitempty"`
	Token     string `json:"token,omitempty"`
}

// ExposedPort is one record of the port registry.
type ExposedPort struct {
	Port      int       `json:"port"`
	Name      string    `json:"name,omitempty"`
	Token     string    `json:"token"`
	ExposedAt time.Time `json:"exposedAt"`
}

// PortWatchRequest is the body of POST /api/port-watch.
type PortWatchRequest struct {
	Port      int `json:"port"`
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// R2Config carries the object-store coordinates for snapshot calls.
type R2Config struct {
	Bucket          string `json:"bucket"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Region          string `json:"region,omitempty"`
}

// SnapshotCreateRequest is the body of POST /api/snapshot/create.
type SnapshotCreateRequest struct {
	Directory        string   `json:"directory"`
	CompressionLevel int      `json:"compressionLevel,omitempty"`
	R2               R2Config `json:"r2"`
}

// SnapshotApplyRequest is the body of POST /api/snapshot/apply.
type SnapshotApplyRequest struct {
	ID              string   `json:"id"`
	TargetDirectory string   `json:"targetDirectory"`
	R2              R2Config `json:"r2"`
}

// SnapshotEvent is one SSE frame of a snapshot operation.
type SnapshotEvent struct {
	Type          string    `json:"type"` // start, progress, complete, error
	ID            string    `json:"id,omitempty"`
	BytesSent     int64     `json:"bytesSent,omitempty"`
	BytesReceived int64     `json:"bytesReceived,omitempty"`
	SizeBytes     int64     `json:"sizeBytes,omitempty"`
	CreatedAt     time.Time `json:"createdAt,omitzero"`
	Bucket        string    `json:"bucket,omitempty"`
	Key           string    `json:"key,omitempty"`
	Message       string    `json:"message,omitempty"`
}

// PortWatchEvent is one SSE frame of a port watch.
type PortWatchEvent struct {
	Type string `json:"type"` // ready, pending, timeout
	Port int    `json:"port"`
}

// FileWatchEvent is one SSE frame of a file watch.
type FileWatchEvent struct {
	Type string `json:"type"` // create, write, remove, rename, chmod, error
	Path string `json:"path,omitempty"`
}

// WriteSuccess writes the common success envelope: {success:true, ...fields,
// timestamp}. Fields must not contain "success" or "timestamp".
func WriteSuccess(w http.ResponseWriter, status int, fields map[string]any) {
	body := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		body[k] = v
	}
	body["success"] = true
	body["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError writes the common error envelope for any error, converting it
// through the apierror taxonomy.
func WriteError(w http.ResponseWriter, err error) {
	ae := apierror.From(err)
	body := map[string]any{
		"success":   false,
		"error":     ae.Message,
		"code":      ae.Code,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if ae.Details != nil {
		body["details"] = ae.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status())
	_ = json.NewEncoder(w).Encode(body)
}
