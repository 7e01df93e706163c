// amr-importd is the AMR import engine server: it accepts surveillance file
// uploads over HTTP, runs them through the import pipeline, and serves the
// batch ledger.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/amr-import-engine/internal/api"
	"github.com/amr-import-engine/internal/config"
	"github.com/amr-import-engine/internal/setup"
)

func main() {
	migrate := flag.Bool("migrate", true, "apply pending schema migrations on startup")
	flag.Parse()

	mgr, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := mgr.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := setup.Build(ctx, mgr, setup.Options{RunMigrations: *migrate})
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}
	defer engine.Close()

	cfg := mgr.GetConfig()
	server := api.NewServer(cfg.Server, engine.Log, engine.Pipeline, engine.Ledger, engine.Templates)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		engine.Log.Info("Shutdown signal received, gracefully shutting down")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	engine.Log.Info("Server stopped")
}
