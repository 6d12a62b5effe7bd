// Package main is the entry point for the in-sandbox control plane.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/sandbox/internal/api"
	"github.com/boxlet-dev/boxlet/sandbox/internal/config"
	"github.com/boxlet-dev/boxlet/sandbox/internal/executor"
	"github.com/boxlet-dev/boxlet/sandbox/internal/files"
	"github.com/boxlet-dev/boxlet/sandbox/internal/gitclient"
	"github.com/boxlet-dev/boxlet/sandbox/internal/portproxy"
	"github.com/boxlet-dev/boxlet/sandbox/internal/ports"
	"github.com/boxlet-dev/boxlet/sandbox/internal/session"
	"github.com/boxlet-dev/boxlet/sandbox/internal/snapshot"
	"github.com/boxlet-dev/boxlet/sandbox/internal/store"
	"github.com/boxlet-dev/boxlet/sandbox/internal/supervisor"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = log.Close() }()

	st, err := store.New(cfg)
	if err != nil {
		log.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	sessions, err := session.NewManager(st, log, cfg.WorkspaceRoot, cfg.SessionTTL)
	if err != nil {
		log.Error("failed to load sandbox state", "error", err)
		os.Exit(1)
	}

	registry, err := ports.New(log, st)
	if err != nil {
		log.Error("failed to load port registry", "error", err)
		os.Exit(1)
	}

	fsvc := files.New(log, cfg.WorkspaceRoot)
	procs := supervisor.New(log, sessions, supervisor.Options{
		MaxProcesses: cfg.MaxProcesses,
		LogBufBytes:  cfg.LogBufferBytes,
		KillGrace:    cfg.KillGracePeriod,
		CleanupGrace: cfg.CleanupGrace,
	})
	snaps := snapshot.New(log, st)
	snaps.SweepOrphans()

	server := api.New(cfg, log, api.Deps{
		Sessions: sessions,
		Procs:    procs,
		Exec:     executor.New(log, sessions, cfg.LogBufferBytes),
		Files:    fsvc,
		Git:      gitclient.New(log, fsvc, sessions),
		Ports:    registry,
		Proxy:    portproxy.New(log, registry, sessions),
		Snaps:    snaps,
	})

	// Prune idle client sessions in the background.
	pruneDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-pruneDone:
				return
			case <-ticker.C:
				if n := sessions.PruneExpired(); n > 0 {
					log.Debug("pruned idle sessions", "count", n)
				}
			}
		}
	}()
	defer close(pruneDone)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case <-shutdown:
		log.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			log.Error("server error", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("error during shutdown", "error", err)
	}
	log.Info("shutdown complete")
}
