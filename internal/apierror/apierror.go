// Package apierror defines the wire-level error taxonomy shared by the
// sandbox control plane, the edge router, and the bridge. Domain packages
// return wrapped containerd errdefs sentinels; this package turns any error
// into an HTTP status, a stable code, and a safe public message.
package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
)

// Error codes. These are part of the public API contract.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeSecurityViolation = "SECURITY_VIOLATION"
	CodeNotFound          = "NOT_FOUND"
	CodeFileNotFound      = "FILE_NOT_FOUND"
	CodeFileExists        = "FILE_EXISTS"
	CodePermissionDenied  = "PERMISSION_DENIED"
	CodeFilesystem        = "FILESYSTEM_ERROR"
	CodeCommandNotFound   = "COMMAND_NOT_FOUND"
	CodeProcessNotFound   = "PROCESS_NOT_FOUND"
	CodePortAlreadyExposed = "PORT_ALREADY_EXPOSED"
	CodePortNotExposed    = "PORT_NOT_EXPOSED"
	CodeInvalidPort       = "INVALID_PORT"
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeGitRepoNotFound   = "GIT_REPOSITORY_NOT_FOUND"
	CodeGitBranchNotFound = "GIT_BRANCH_NOT_FOUND"
	CodeGitAuth           = "GIT_AUTHENTICATION_ERROR"
	CodeGitNetwork        = "GIT_NETWORK_ERROR"
	CodeGitClone          = "GIT_CLONE_ERROR"
	CodeInvalidGitURL     = "INVALID_GIT_URL"
	CodeResourceLimit     = "RESOURCE_LIMIT_EXCEEDED"
	CodeInternal          = "INTERNAL_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeUnavailable       = "SERVICE_UNAVAILABLE"
)

// Security violation types carried in SECURITY_VIOLATION details.
const (
	ViolationPathTraversal    = "PATH_TRAVERSAL"
	ViolationCommandInjection = "COMMAND_INJECTION"
	ViolationReservedPort     = "RESERVED_PORT"
	ViolationMaliciousURL     = "MALICIOUS_URL"
)

var statusByCode = map[string]int{
	CodeValidation:         http.StatusBadRequest,
	CodeSecurityViolation:  http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeFileNotFound:       http.StatusNotFound,
	CodeFileExists:         http.StatusConflict,
	CodePermissionDenied:   http.StatusForbidden,
	CodeFilesystem:         http.StatusInternalServerError,
	CodeCommandNotFound:    http.StatusNotFound,
	CodeProcessNotFound:    http.StatusNotFound,
	CodePortAlreadyExposed: http.StatusConflict,
	CodePortNotExposed:     http.StatusNotFound,
	CodeInvalidPort:        http.StatusBadRequest,
	CodeInvalidToken:       http.StatusNotFound,
	CodeGitRepoNotFound:    http.StatusNotFound,
	CodeGitBranchNotFound:  http.StatusNotFound,
	CodeGitAuth:            http.StatusUnauthorized,
	CodeGitNetwork:         http.StatusBadGateway,
	CodeGitClone:           http.StatusInternalServerError,
	CodeInvalidGitURL:      http.StatusBadRequest,
	CodeResourceLimit:      http.StatusTooManyRequests,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeUnavailable:        http.StatusServiceUnavailable,
}

// Error is a typed API error. Message is safe for public responses; internal
// causes stay in the wrapped error chain and the logs.
type Error struct {
	Code    string
	Message string
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error's code.
func (e *Error) Status() int {
	if s, ok := statusByCode[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an Error with the given code and public message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted public message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an internal cause that is logged but never serialized.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// WithDetails attaches a details payload serialized under "details".
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// FieldError is one entry of a VALIDATION_ERROR details list.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Validation builds a VALIDATION_ERROR with per-field details.
func Validation(fields ...FieldError) *Error {
	msg := "request validation failed"
	if len(fields) == 1 {
		msg = fields[0].Field + ": " + fields[0].Message
	}
	return New(CodeValidation, msg).WithDetails(fields)
}

// SecurityViolation builds a SECURITY_VIOLATION with the standard details
// shape {violationType, blockedValue, reason}.
func SecurityViolation(violationType, blockedValue, reason string) *Error {
	return New(CodeSecurityViolation, "request blocked: "+reason).WithDetails(map[string]string{
		"violationType": violationType,
		"blockedValue":  blockedValue,
		"reason":        reason,
	})
}

// NotFound builds a NOT_FOUND with {resource, identifier} details.
func NotFound(resource, identifier string) *Error {
	return Newf(CodeNotFound, "%s not found: %s", resource, identifier).WithDetails(map[string]string{
		"resource":   resource,
		"identifier": identifier,
	})
}

// Internal wraps an unexpected error. The public message carries only a
// generated request id; the cause stays internal.
func Internal(cause error) *Error {
	requestID := uuid.NewString()
	return New(CodeInternal, "internal error").
		WithDetails(map[string]string{"requestId": requestID}).
		Wrap(cause)
}

// From converts any error into an *Error. Typed errors pass through;
// containerd errdefs sentinels map to generic codes; everything else
// becomes INTERNAL_ERROR with a request id.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errdefs.IsNotFound(err):
		return New(CodeNotFound, err.Error()).Wrap(err)
	case errdefs.IsAlreadyExists(err):
		return New(CodeFileExists, err.Error()).Wrap(err)
	case errdefs.IsInvalidArgument(err):
		return New(CodeValidation, err.Error()).Wrap(err)
	case errdefs.IsPermissionDenied(err):
		return New(CodePermissionDenied, err.Error()).Wrap(err)
	case errdefs.IsUnavailable(err):
		return New(CodeUnavailable, err.Error()).Wrap(err)
	case errdefs.IsResourceExhausted(err):
		return New(CodeResourceLimit, err.Error()).Wrap(err)
	default:
		return Internal(err)
	}
}
