// Package main is the entry point for OnceGuard, a request-processing
// proxy that deduplicates retried mutations and rate limits callers in
// front of an upstream service.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/onceguard/onceguard/bootstrap"
	"github.com/onceguard/onceguard/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "onceguard.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	validate := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("onceguard %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *validate {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration valid\n")
		fmt.Printf("  Upstream: %s\n", cfg.Upstream.URL)
		fmt.Printf("  Rate limit policies: %d\n", len(cfg.RateLimit.Policies))
		fmt.Printf("  Idempotency paths: %d\n", len(cfg.Idempotency.IncludePaths))
		os.Exit(0)
	}

	app, err := bootstrap.New(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing: %v\n", err)
		os.Exit(1)
	}

	// Run blocks until shutdown
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
