package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mitmproxy/internal/audit"
	"mitmproxy/internal/config"
	"mitmproxy/internal/proxy"
	"mitmproxy/internal/state"
	"mitmproxy/internal/workpool"
)

func main() {
	cfg := config.MustParseFlags(os.Args[1:])

	// Ambient settings (log file, profiles, filters) live outside
	// proxy_config.json's wire schema; point MITMPROXY_OVERLAY at a
	// YAML or JSON file to override them.
	if overlayPath := os.Getenv("MITMPROXY_OVERLAY"); overlayPath != "" {
		oc, err := config.LoadOverlay(overlayPath)
		if err != nil {
			log.Fatalf("failed to load overlay config: %v", err)
		}
		cfg = config.MergeOverlay(cfg, oc)
		if err := cfg.Validate(); err != nil {
			log.Fatalf("invalid merged config: %v", err)
		}
	}

	logger, err := audit.NewFileLogger(cfg.LogFile)
	if err != nil {
		log.Fatalf("failed to create log writer: %v", err)
	}
	defer func() {
		if cerr := logger.Close(); cerr != nil {
			log.Printf("failed to close logger: %v", cerr)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool := workpool.New(4)
	st, err := state.New(ctx, cfg, pool)
	if err != nil {
		log.Fatalf("failed to initialise proxy state: %v", err)
	}

	srv, err := proxy.NewServer(cfg, st, logger)
	if err != nil {
		log.Fatalf("failed to configure proxy server: %v", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
	case err := <-serverErr:
		if err != nil {
			log.Fatalf("proxy server terminated: %v", err)
		}
		return
	}

	if err := <-serverErr; err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "proxy server exited with error: %v\n", err)
	}
}
