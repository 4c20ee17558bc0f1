// Package main implements the tidemark-compactd daemon: it opens the version
// ledger, wires the compaction signal to a scheduler, and compacts partitions
// as commits accumulate.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tidemark/tidemark/internal/compaction"
	"github.com/tidemark/tidemark/internal/config"
	"github.com/tidemark/tidemark/internal/ledger"
	tdsignal "github.com/tidemark/tidemark/internal/signal"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		threshold   int64
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for ledger and table data")
	flag.Int64Var(&threshold, "threshold", 0, "Version distance that triggers compaction")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tidemark-compactd - background compaction daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: tidemark-compactd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TIDEMARK_DATA_DIR          Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  TIDEMARK_SIGNAL_THRESHOLD  Version distance that triggers compaction\n")
		fmt.Fprintf(os.Stderr, "  TIDEMARK_STORAGE_TYPE      Storage type (local, s3)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("tidemark-compactd version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, threshold)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}

	log.Printf("tidemark-compactd starting (data dir %s, threshold %d)", cfg.DataDir, cfg.Signal.Threshold)

	led, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	defer led.Close()

	notifier := tdsignal.NewNotifier(cfg.Signal.BufferSize)
	hook := tdsignal.NewHook(notifier, cfg.Signal.Threshold)
	led.SetPostCommitHook(hook.OnCommit)

	scheduler := compaction.NewScheduler(led, notifier, compaction.NewMetadataCompactor(led))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	if err := scheduler.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir string, threshold int64) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags take highest priority
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if threshold > 0 {
		cfg.Signal.Threshold = threshold
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
