// Package main is the entry point for the bridge.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	bridgeapi "github.com/boxlet-dev/boxlet/bridge/internal/api"
	"github.com/boxlet-dev/boxlet/internal/logger"
	"github.com/boxlet-dev/boxlet/internal/routing"
)

func main() {
	configFile := flag.String("config", "edge.yaml", "Path to configuration file")
	port := flag.Int("port", 8081, "Listen port")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := routing.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer func() { _ = log.Close() }()

	apiKey := os.Getenv("BRIDGE_API_KEY")
	if apiKey == "" {
		log.Error("BRIDGE_API_KEY is required")
		os.Exit(1)
	}

	resolver, err := routing.NewStaticResolver(cfg.Sandboxes, cfg.Edge.HostTemplate)
	if err != nil {
		log.Error("invalid sandbox mapping", "error", err)
		os.Exit(1)
	}

	server := bridgeapi.New(log, resolver, apiKey)
	if err := server.ListenAndServe(fmt.Sprintf(":%d", *port)); err != nil {
		log.Error("bridge server error", "error", err)
		os.Exit(1)
	}
}
