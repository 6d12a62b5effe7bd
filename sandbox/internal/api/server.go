// Package api is the sandbox control plane's HTTP surface: the /api routes,
// the common middleware stack, and the dispatch of forwarded preview traffic
// to the port proxy.
package api

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/boxlet-dev/boxlet/internal/apierror"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/schema"
	"github.com/boxlet-dev/boxlet/sandbox/internal/config"
	"github.com/boxlet-dev/boxlet/sandbox/internal/executor"
	"github.com/boxlet-dev/boxlet/sandbox/internal/files"
	"github.com/boxlet-dev/boxlet/sandbox/internal/gitclient"
	"github.com/boxlet-dev/boxlet/sandbox/internal/portproxy"
	"github.com/boxlet-dev/boxlet/sandbox/internal/ports"
	"github.com/boxlet-dev/boxlet/sandbox/internal/session"
	"github.com/boxlet-dev/boxlet/sandbox/internal/snapshot"
	"github.com/boxlet-dev/boxlet/sandbox/internal/supervisor"
)

// Server wires the domain services into the HTTP surface.
type Server struct {
	cfg      *config.Config
	log      *logger.Logger
	sessions *session.Manager
	procs    *supervisor.Supervisor
	exec     *executor.Executor
	files    *files.Service
	git      *gitclient.Client
	ports    *ports.Registry
	proxy    *portproxy.Proxy
	snaps    *snapshot.Engine

	router    chi.Router
	streamSem chan struct{}
	healthy   atomic.Bool
	httpSrv   *http.Server
}

// Deps carries the constructed domain services.
type Deps struct {
	Sessions *session.Manager
	Procs    *supervisor.Supervisor
	Exec     *executor.Executor
	Files    *files.Service
	Git      *gitclient.Client
	Ports    *ports.Registry
	Proxy    *portproxy.Proxy
	Snaps    *snapshot.Engine
}

// New creates a Server.
func New(cfg *config.Config, log *logger.Logger, d Deps) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log,
		sessions:  d.Sessions,
		procs:     d.Procs,
		exec:      d.Exec,
		files:     d.Files,
		git:       d.Git,
		ports:     d.Ports,
		proxy:     d.Proxy,
		snaps:     d.Snaps,
		streamSem: make(chan struct{}, cfg.MaxSSEStreams),
	}
	s.healthy.Store(true)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", schema.SandboxNameHeader},
	}))
	r.Use(s.previewDispatch)
	r.Use(s.healthGate)
	r.Use(s.sandboxNameFromHeader)
	r.Use(s.limitBody)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", s.handlePing)
		r.Get("/commands", s.handleCommands)

		r.Post("/execute", s.handleExecute)
		r.Post("/execute/stream", s.handleExecuteStream)

		r.Post("/process/start", s.handleProcessStart)
		r.Get("/process/list", s.handleProcessList)
		r.Get("/process/{id}", s.handleProcessGet)
		r.Delete("/process/{id}", s.handleProcessKill)
		r.Get("/process/{id}/logs", s.handleProcessLogs)
		r.Get("/process/{id}/logs/stream", s.handleProcessLogsStream)

		r.Post("/file/write", s.handleFileWrite)
		r.Post("/file/read", s.handleFileRead)
		r.Post("/file/read/stream", s.handleFileReadStream)
		r.Post("/file/delete", s.handleFileDelete)
		r.Post("/file/rename", s.handleFileRename)
		r.Post("/file/move", s.handleFileMove)
		r.Post("/file/mkdir", s.handleFileMkdir)
		r.Get("/file/list", s.handleFileList)
		r.Get("/file/watch", s.handleFileWatch)

		r.Post("/git/checkout", s.handleGitCheckout)

		r.Post("/expose-port", s.handleExposePort)
		r.Get("/exposed-ports", s.handleExposedPorts)
		r.Delete("/exposed-ports/{port}", s.handleUnexposePort)
		r.Post("/port-watch", s.handlePortWatch)

		r.Post("/snapshot/create", s.handleSnapshotCreate)
		r.Post("/snapshot/apply", s.handleSnapshotApply)
	})

	s.router = r
}

// Handler returns the root handler, used directly by tests.
func (s *Server) Handler() http.Handler { return s.router }

// previewDispatch routes forwarded preview traffic to the port proxy before
// any control-plane middleware runs.
func (s *Server) previewDispatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if portproxy.IsProxyRequest(r) {
			s.proxy.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// healthGate returns 503 once the server has been marked unhealthy.
func (s *Server) healthGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.healthy.Load() {
			schema.WriteError(w, apierror.New(apierror.CodeUnavailable, "sandbox is unhealthy"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sandboxNameFromHeader applies the set-once sandbox name when the header is
// present. A conflicting name is ignored; the first one wins.
func (s *Server) sandboxNameFromHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if name := r.Header.Get(schema.SandboxNameHeader); name != "" {
			if err := s.sessions.SetName(name); err != nil {
				s.log.Debug("sandbox name header ignored", "name", name, "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer converts panics into INTERNAL_ERROR envelopes, keeping the stack
// out of the response.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				s.OnError(nil)
				schema.WriteError(w, apierror.New(apierror.CodeInternal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"durationMs", time.Since(start).Milliseconds(),
		)
	})
}

// acquireStream reserves an SSE slot, failing with RESOURCE_LIMIT_EXCEEDED
// when the concurrency cap is reached.
func (s *Server) acquireStream() (release func(), err error) {
	select {
	case s.streamSem <- struct{}{}:
		return func() { <-s.streamSem }, nil
	default:
		return nil, apierror.New(apierror.CodeResourceLimit, "too many concurrent streams")
	}
}

// OnStart marks the server healthy and logs readiness.
func (s *Server) OnStart() {
	s.healthy.Store(true)
	s.log.Info("sandbox control plane ready", "port", s.cfg.Port)
}

// OnError marks the sandbox unhealthy; requests return 503 until the next
// start.
func (s *Server) OnError(err error) {
	if err != nil {
		s.log.Error("sandbox error", "error", err)
	}
	s.healthy.Store(false)
}

// ListenAndServe runs the HTTP server until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.OnStart()
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains: stops accepting requests, kills every non-terminal
// process, and lets in-flight streams finish within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.healthy.Store(false)
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	s.procs.Shutdown(ctx)
	s.log.Info("sandbox control plane stopped")
	return err
}
