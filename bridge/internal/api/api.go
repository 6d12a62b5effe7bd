// Package api implements the bridge: an authenticated front door that routes
// requests to named sandboxes. Unlike the edge, every call requires a bearer
// key.
package api

import (
	"crypto/subtle"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/crypto/bcrypt"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/routing"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/internal/security"
)

// Server is the bridge HTTP server.
type Server struct {
	log      *logger.Logger
	resolver routing.Resolver
	apiKey   string
	router   chi.Router
}

// New creates a Server. apiKey is either the plain key or a bcrypt hash of
// it ($2a$/$2b$ prefix).
func New(log *logger.Logger, resolver routing.Resolver, apiKey string) *Server {
	s := &Server{log: log, resolver: resolver, apiKey: apiKey}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))
	r.Use(s.authenticate)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		schema.WriteSuccess(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Handle("/{sandbox}/*", http.HandlerFunc(s.forward))

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// authenticate enforces Authorization: Bearer <key>.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		key, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || !s.keyMatches(key) {
			security.LogEvent(s.log.Sugar(), security.EventBridgeAuthFailure, security.SeverityHigh,
				map[string]any{"path": r.URL.Path, "remoteAddr": r.RemoteAddr, "hasHeader": header != ""})
			schema.WriteError(w, apierror.New(apierror.CodeUnauthorized, "missing or invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) keyMatches(key string) bool {
	if s.apiKey == "" {
		return false
	}
	if strings.HasPrefix(s.apiKey, "$2a$") || strings.HasPrefix(s.apiKey, "$2b$") {
		return bcrypt.CompareHashAndPassword([]byte(s.apiKey), []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(s.apiKey), []byte(key)) == 1
}

// forward strips the sandbox-name prefix and relays the request to that
// sandbox's control plane.
func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "sandbox")
	if _, err := security.SanitizeSandboxID(name); err != nil {
		schema.WriteError(w, apierror.Validation(apierror.FieldError{
			Field: "sandbox", Message: "invalid sandbox name",
		}))
		return
	}

	base, err := s.resolver.Resolve(r.Context(), name)
	if err != nil {
		schema.WriteError(w, apierror.NotFound("sandbox", name))
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/"+name)
	if rest == "" {
		rest = "/"
	}

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = base.Scheme
			req.URL.Host = base.Host
			req.URL.Path = rest
			req.URL.RawQuery = r.URL.RawQuery
			req.Host = base.Host
			// The sandbox adopts its name on first contact.
			req.Header.Set(schema.SandboxNameHeader, name)
			req.Header.Del("Authorization")
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("bridge forward failed", "sandbox", name, "error", err)
			schema.WriteError(w, apierror.New(apierror.CodeUnavailable, "sandbox is unreachable"))
		},
		FlushInterval: -1,
	}
	proxy.ServeHTTP(w, r)
}

// ListenAndServe runs the bridge.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("bridge started", "addr", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return srv.ListenAndServe()
}
