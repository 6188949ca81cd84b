// Printernizer: multi-printer fleet supervisor for Bambu Lab, Prusa, and
// OctoPrint printers. Monitors status, tracks print jobs, archives printable
// files, and dispatches notifications.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"printernizer/config"
	"printernizer/logger"
)

// Version information (set at build time via -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to printernizer.toml (default: search standard locations)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("printernizer %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "printernizer: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogDir)
	defer log.Close()
	log.Info("starting printernizer", "version", Version, "log_level", cfg.LogLevel)

	app, err := NewApp(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err)
		fmt.Fprintf(os.Stderr, "printernizer: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Error("startup failed", "error", err)
		app.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	cancel()
	app.Stop()
}
