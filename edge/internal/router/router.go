// Package router implements the edge: it maps public hostnames and preview
// paths onto (sandboxId, port, token) and forwards the request to the right
// sandbox control plane. The edge owns nothing mutable; it is a pure
// forwarder.
package router

import (
	"net"
	"net/http"
	"net/http/httputil"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/boxlet-dev/boxlet/internal/routing"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/security"
)

// hostnameRe parses production preview hosts:
// {port}-{sandboxId}-{token}.{domain}.
var hostnameRe = regexp.MustCompile(`^(\d+)-([A-Za-z0-9_-]+)-([a-z0-9_-]{16})\.(.+)$`)

// localHosts are hostnames that switch the edge into path-parse mode.
var localHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"[::1]":     true,
	"0.0.0.0":   true,
}

// Target is a parsed preview address.
type Target struct {
	Port      int
	SandboxID string
	Token     string
}

// Router forwards preview traffic.
type Router struct {
	log      *zap.SugaredLogger
	resolver routing.Resolver
	next     http.Handler
}

// New creates a Router. next handles requests that do not address a sandbox;
// nil means plain 404.
func New(log *zap.SugaredLogger, resolver routing.Resolver, next http.Handler) *Router {
	if next == nil {
		next = http.NotFoundHandler()
	}
	return &Router{log: log, resolver: resolver, next: next}
}

// ServeHTTP routes one request. Parse and validation failures fall through
// to next; anything thrown while forwarding becomes a plain 500.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			rt.log.Errorw("proxy routing panic", "host", r.Host, "path", r.URL.Path, "panic", rec)
			http.Error(w, "Proxy routing error", http.StatusInternalServerError)
		}
	}()

	target, rest, ok := rt.parse(r)
	if !ok {
		rt.next.ServeHTTP(w, r)
		return
	}
	if !rt.validate(r, target) {
		rt.next.ServeHTTP(w, r)
		return
	}
	rt.forward(w, r, target, rest)
}

// parse extracts the target from the hostname or, for local hosts, from a
// /preview path. rest is the path to forward.
func (rt *Router) parse(r *http.Request) (Target, string, bool) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	if localHosts[host] || localHosts[r.Host] {
		return rt.parsePath(r)
	}

	m := hostnameRe.FindStringSubmatch(host)
	if m == nil {
		security.LogEvent(rt.log, security.EventMalformedSubdomain, security.SeverityMedium,
			map[string]any{"host": host})
		return Target{}, "", false
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return Target{}, "", false
	}
	return Target{Port: port, SandboxID: m[2], Token: m[3]}, r.URL.Path, true
}

// parsePath handles the development form /preview/{port}/{sandboxId}/rest
// with the token in ?token=.
func (rt *Router) parsePath(r *http.Request) (Target, string, bool) {
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 4)
	if len(parts) < 3 || parts[0] != "preview" {
		return Target{}, "", false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		security.LogEvent(rt.log, security.EventMalformedSubdomain, security.SeverityMedium,
			map[string]any{"path": r.URL.Path})
		return Target{}, "", false
	}
	rest := "/"
	if len(parts) == 4 {
		rest = "/" + parts[3]
	}
	return Target{Port: port, SandboxID: parts[2], Token: r.URL.Query().Get("token")}, rest, true
}

// validate applies the checks in order. Failures before the token check are
// not-mine; a bad token is answered directly with 404.
func (rt *Router) validate(r *http.Request, t Target) bool {
	if t.Port != security.ControlPlanePort && !security.ValidatePort(t.Port) {
		security.LogEvent(rt.log, security.EventInvalidPortInSubdomain, security.SeverityHigh,
			map[string]any{"port": t.Port, "host": r.Host})
		return false
	}
	if len(t.SandboxID) > security.MaxSandboxIDLength {
		security.LogEvent(rt.log, security.EventSandboxIDLength, security.SeverityMedium,
			map[string]any{"sandboxIdLength": len(t.SandboxID)})
		return false
	}
	if _, err := security.SanitizeSandboxID(t.SandboxID); err != nil {
		security.LogEvent(rt.log, security.EventInvalidSandboxID, security.SeverityHigh,
			map[string]any{"sandboxId": t.SandboxID})
		return false
	}
	return true
}

// forward hands the request to the sandbox control plane with the parsed
// target in the internal-hop headers. The sandbox enforces the (port, token)
// check so the registry lookup is linearizable with expose/unexpose.
func (rt *Router) forward(w http.ResponseWriter, r *http.Request, t Target, rest string) {
	base, err := rt.resolver.Resolve(r.Context(), t.SandboxID)
	if err != nil {
		rt.log.Warnw("sandbox resolution failed", "sandboxId", t.SandboxID, "error", err)
		http.Error(w, "Proxy routing error", http.StatusInternalServerError)
		return
	}

	originalURL := r.URL.String()
	originalHost := r.Host
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = base.Scheme
			req.URL.Host = base.Host
			req.URL.Path = rest
			req.URL.RawQuery = r.URL.RawQuery
			req.Host = base.Host

			req.Header.Set(schema.HeaderProxyPort, strconv.Itoa(t.Port))
			if t.Port != security.ControlPlanePort {
				req.Header.Set(schema.HeaderProxyToken, t.Token)
			}
			req.Header.Set(schema.HeaderOriginalURL, originalURL)
			req.Header.Set("X-Forwarded-Host", originalHost)
			req.Header.Set("X-Forwarded-Proto", proto)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			rt.log.Errorw("forward failed", "sandboxId", t.SandboxID, "port", t.Port, "error", err)
			http.Error(w, "Proxy routing error", http.StatusInternalServerError)
		},
		FlushInterval: -1,
	}
	proxy.ServeHTTP(w, r)
}
