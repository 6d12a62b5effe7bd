// Package portproxy forwards validated inbound traffic to user workloads on
// localhost ports. HTTP requests go through a streaming reverse proxy;
// upgrade requests (WebSocket) are relayed as raw bytes in both directions.
package portproxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/security"
	"github.com/boxlet-dev/boxlet/sandbox/internal/ports"
	"github.com/boxlet-dev/boxlet/sandbox/internal/session"
)

// Proxy serves forwarded preview traffic.
type Proxy struct {
	log      *logger.Logger
	registry *ports.Registry
	sessions *session.Manager
}

// New creates a Proxy.
func New(log *logger.Logger, registry *ports.Registry, sessions *session.Manager) *Proxy {
	return &Proxy{log: log, registry: registry, sessions: sessions}
}

// IsProxyRequest reports whether r is an internal-hop preview request
// rather than a control-plane API call.
func IsProxyRequest(r *http.Request) bool {
	return r.Header.Get(schema.HeaderProxyPort) != ""
}

// ServeHTTP authorizes and forwards one preview request.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.Header.Get(schema.HeaderProxyPort))
	if err != nil || port < 1 || port > 65535 {
		writeDenied(w)
		return
	}

	// The control plane port needs no token; everything else does.
	if port != security.ControlPlanePort {
		token := r.Header.Get(schema.HeaderProxyToken)
		if !p.registry.Authorize(port, token) {
			security.LogEvent(p.log.Sugar(), security.EventInvalidTokenAccess, security.SeverityHigh,
				map[string]any{"port": port, "path": r.URL.Path, "remoteAddr": r.RemoteAddr})
			writeDenied(w)
			return
		}
	}

	if isUpgrade(r) {
		p.relay(w, r, port)
		return
	}

	target := &url.URL{Scheme: "http", Host: net.JoinHostPort("localhost", strconv.Itoa(port))}
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host

			req.Header.Del(schema.HeaderProxyPort)
			req.Header.Del(schema.HeaderProxyToken)
			if req.Header.Get(schema.HeaderOriginalURL) == "" {
				req.Header.Set(schema.HeaderOriginalURL, r.URL.String())
			}
			if req.Header.Get("X-Forwarded-Host") == "" {
				req.Header.Set("X-Forwarded-Host", r.Host)
			}
			if req.Header.Get("X-Forwarded-Proto") == "" {
				req.Header.Set("X-Forwarded-Proto", scheme(r))
			}
			if name := p.sessions.Name(); name != "" {
				req.Header.Set(schema.SandboxNameHeader, name)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Warn("proxy error", "port", port, "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"error":   fmt.Sprintf("service on port %d is unavailable", port),
				"code":    "SERVICE_UNAVAILABLE",
			})
		},
		// Flush immediately so SSE and chunked responses stream through.
		FlushInterval: -1,
	}
	rp.ServeHTTP(w, r)
}

// relay splices raw bytes between the client and the backend for upgrade
// requests. Neither direction is buffered into whole messages.
func (p *Proxy) relay(w http.ResponseWriter, r *http.Request, port int) {
	backend, err := net.DialTimeout("tcp", net.JoinHostPort("localhost", strconv.Itoa(port)), 10*time.Second)
	if err != nil {
		http.Error(w, fmt.Sprintf("service on port %d is unavailable", port), http.StatusBadGateway)
		return
	}
	defer backend.Close()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}

	outReq := r.Clone(r.Context())
	outReq.Header.Del(schema.HeaderProxyPort)
	outReq.Header.Del(schema.HeaderProxyToken)
	outReq.Host = net.JoinHostPort("localhost", strconv.Itoa(port))
	outReq.RequestURI = ""
	if err := outReq.Write(backend); err != nil {
		http.Error(w, "failed to reach backend", http.StatusBadGateway)
		return
	}

	client, buf, err := hj.Hijack()
	if err != nil {
		p.log.Warn("hijack failed", "port", port, "error", err)
		return
	}
	defer client.Close()

	// Flush any bytes the server already buffered from the client.
	if n := buf.Reader.Buffered(); n > 0 {
		pending := make([]byte, n)
		_, _ = io.ReadFull(buf.Reader, pending)
		if _, err := backend.Write(pending); err != nil {
			return
		}
	}

	errc := make(chan error, 2)
	go splice(backend, client, errc)
	go splice(client, backend, errc)
	<-errc

	p.log.Debug("upgrade relay closed", "port", port, "path", r.URL.Path)
}

func splice(dst, src net.Conn, errc chan<- error) {
	_, err := io.Copy(dst, src)
	if tc, ok := dst.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	errc <- err
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}

// writeDenied responds 404 so missing ports and bad tokens are
// indistinguishable to probes.
func writeDenied(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":   false,
		"error":     "Access denied: Invalid token or port not exposed",
		"code":      "INVALID_TOKEN",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
