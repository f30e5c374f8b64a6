// Command gateway runs the MEW reference gateway: the authoritative router
// for the one space named by its config document, serving both the websocket connect endpoint and
// the HTTP control plane of spec.md §6.2 on one process.
//
// Called by: operators deploying a MEW space.
// Calls: internal/config, internal/gateway, internal/logging,
// internal/storage.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mew-proto/mew/internal/config"
	"github.com/mew-proto/mew/internal/gateway"
	"github.com/mew-proto/mew/internal/logging"
	"github.com/mew-proto/mew/internal/storage"
)

func main() {
	var (
		configFile = flag.String("config", "", "space configuration YAML file (required)")
		quiet      = flag.Bool("quiet", false, "suppress info-level console output")
	)
	flag.Parse()

	if *configFile == "" {
		log.Fatal("gateway: -config is required")
	}

	space, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("gateway: failed to load config: %v", err)
	}

	logger, err := logging.New(space.LogDir, *quiet)
	if err != nil {
		log.Fatalf("gateway: failed to open session logger: %v", err)
	}
	defer logger.Close()
	logging.SetGlobal(logger)

	logger.UserMessage("MEW gateway starting for space %q", space.Name)

	audit, err := gateway.OpenAuditLog(
		filepath.Join(space.LogDir, "audit"),
		space.HistoryRotateBytes,
		space.EnvelopeHistory,
		space.CapabilityDecisions,
	)
	if err != nil {
		log.Fatalf("gateway: failed to open audit log: %v", err)
	}
	defer audit.Close()

	store, err := storage.Open(storage.DefaultConfig(filepath.Join(space.LogDir, "index")))
	if err != nil {
		log.Fatalf("gateway: failed to open index store: %v", err)
	}
	defer store.Close()
	ids := gateway.NewIDIndex(store)

	sp, err := gateway.NewSpace(space, logger, audit, ids)
	if err != nil {
		log.Fatalf("gateway: failed to build space: %v", err)
	}

	srv := gateway.NewServer(logger)
	srv.Register(sp)

	httpServer := &http.Server{
		Addr:    space.Gateway.HTTPPort,
		Handler: srv.Handler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.UserMessage("listening on %s (space %q)", space.Gateway.HTTPPort, space.Name)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.UserMessage("received signal %s, shutting down...", sig)
	case err := <-errCh:
		logger.Error("gateway: server error: %v", err)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway: graceful shutdown failed: %v", err)
	}
	logger.UserMessage("gateway stopped")
}
