// Package main is the entry point for the edge router.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boxlet-dev/boxlet/edge/internal/router"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/routing"
)

func main() {
	configFile := flag.String("config", "edge.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := routing.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = log.Close() }()

	resolver, err := routing.NewStaticResolver(cfg.Sandboxes, cfg.Edge.HostTemplate)
	if err != nil {
		log.Error("invalid sandbox mapping", "error", err)
		os.Exit(1)
	}

	rt := router.New(log.Sugar(), resolver, nil)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Edge.Port),
		Handler:           rt,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Edge.ReadTimeout,
		WriteTimeout:      cfg.Edge.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		log.Info("edge router started", "port", cfg.Edge.Port, "domain", cfg.Edge.Domain)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-shutdown:
		log.Info("shutting down...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("edge server error", "error", err)
		}
	}

	_ = srv.Close()
	log.Info("shutdown complete")
}
