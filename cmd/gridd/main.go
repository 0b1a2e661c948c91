// gridd is the ocean grid query server daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xtxerr/oceangrid/internal/assets"
	"github.com/xtxerr/oceangrid/internal/fetch"
	"github.com/xtxerr/oceangrid/internal/grid"
	"github.com/xtxerr/oceangrid/internal/loader"
	"github.com/xtxerr/oceangrid/internal/logging"
	"github.com/xtxerr/oceangrid/internal/server"
	"github.com/xtxerr/oceangrid/internal/service"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gridd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// CLI flags
	cfgPath := flag.String("config", "gridd.yaml", "config file path")
	listen := flag.String("listen", "", "listen address (overrides config)")
	cacheDir := flag.String("cache-dir", "", "artifact cache directory (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	noWarm := flag.Bool("no-warm", false, "skip preloading warm datasets")
	flag.Parse()

	// Load config
	cfg, err := loader.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI overrides
	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *cacheDir != "" {
		cfg.Cache.Dir = *cacheDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := loader.Validate(cfg); err != nil {
		return err
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logging.Init(level, cfg.Logging.JSON)
	logging.Info("gridd starting", "version", Version, "config", *cfgPath)

	// =========================================================================
	// Acquisition (fetcher + artifact cache)
	// =========================================================================

	fetcher := fetch.New(loader.ToFetchOptions(cfg))
	mgr := assets.NewManager(loader.ToAssetOptions(cfg), fetcher, loader.ToDatasets(cfg))
	logging.Info("artifact cache ready",
		"root", mgr.Root(),
		"datasets", len(cfg.Datasets),
		"max_attempts", fetcher.Policy().MaxAttempts)

	if unchecked := loader.UncheckedDatasets(cfg); len(unchecked) > 0 {
		logging.Warn("datasets without checksum are trusted as downloaded", "datasets", unchecked)
	}

	// =========================================================================
	// Grid store and query service
	// =========================================================================

	store := grid.NewStore(mgr, loader.ToDescriptors(cfg), nil)
	svc := service.New(mgr, store, loader.ToServiceOptions(cfg))

	// =========================================================================
	// Signal Handling
	// =========================================================================

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !*noWarm {
		go func() {
			if err := svc.Warmup(ctx); err != nil {
				logging.Warn("warmup incomplete, datasets load on first request", "error", err)
			}
		}()
	}

	// =========================================================================
	// Run
	// =========================================================================

	srv := server.New(loader.ToServerConfig(cfg), svc)
	return srv.Run(ctx)
}
