package security

import (
	"net/http"

	"go.uber.org/zap"
)

// Severity classifies a security event.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Event types emitted by the edge router and the port proxy.
const (
	EventMalformedSubdomain      = "MALFORMED_SUBDOMAIN_ATTEMPT"
	EventInvalidPortInSubdomain  = "INVALID_PORT_IN_SUBDOMAIN"
	EventSandboxIDLength         = "SANDBOX_ID_LENGTH_VIOLATION"
	EventInvalidSandboxID        = "INVALID_SANDBOX_ID_IN_SUBDOMAIN"
	EventInvalidTokenAccess      = "INVALID_TOKEN_ACCESS_BLOCKED"
	EventPathTraversalBlocked    = "PATH_TRAVERSAL_BLOCKED"
	EventMaliciousGitURLBlocked  = "MALICIOUS_GIT_URL_BLOCKED"
	EventReservedPortExposeDeny  = "RESERVED_PORT_EXPOSE_DENIED"
	EventBridgeAuthFailure       = "BRIDGE_AUTH_FAILURE"
	EventProcessLimitExceeded    = "PROCESS_LIMIT_EXCEEDED"
	EventRequestBodyLimitReached = "REQUEST_BODY_LIMIT_REACHED"
)

// sensitiveHeaders are never included in event attributes.
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"Proxy-Authorization": true,
	"X-Api-Key":           true,
}

// LogEvent writes a structured security event to the logger. URL-valued
// attributes must be pre-redacted by the caller with RedactURL; header
// values are filtered here as a backstop.
func LogEvent(log *zap.SugaredLogger, eventType string, severity Severity, attrs map[string]any) {
	kv := make([]any, 0, 2*(len(attrs)+2))
	kv = append(kv, "event_type", eventType, "severity", string(severity))
	for k, v := range attrs {
		if sensitiveHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		kv = append(kv, k, v)
	}
	switch severity {
	case SeverityHigh:
		log.Warnw("security event", kv...)
	default:
		log.Infow("security event", kv...)
	}
}
