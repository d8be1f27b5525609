// ABOUTME: Entry point for the meshboard egress relay
// ABOUTME: Owns the radio link, the outbox drain loop, and the retention sweeps

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/civicmesh/meshboard/internal/config"
	"github.com/civicmesh/meshboard/internal/logging"
	"github.com/civicmesh/meshboard/internal/relay"
	"github.com/civicmesh/meshboard/internal/retention"
	"github.com/civicmesh/meshboard/internal/store"
	"github.com/civicmesh/meshboard/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("MESHBOARD_CONFIG"); envPath != "" {
		return envPath
	}
	return "meshboard.yaml"
}

func main() {
	var configFlag string
	flag.StringVar(&configFlag, "config", "", "path to config file")
	flag.Parse()

	if err := run(configPath(configFlag)); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	gray.Printf("meshboard relay, version %s\n", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)

	green.Print("  ▶ ")
	fmt.Printf("Config:    %s\n", cfgPath)
	green.Print("  ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("  ▶ ")
	fmt.Printf("Companion: %s\n", cfg.Transport.Addr)
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if st.Degraded() {
		logger.Warn("store integrity check failed, relaying in degraded mode")
	}

	adapter := transport.NewCompanion(cfg.Transport.Addr, cfg.Transport.SendTimeout)
	defer adapter.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go retention.New(st, cfg).Run(ctx)

	return relay.New(st, adapter, cfg).Run(ctx)
}
