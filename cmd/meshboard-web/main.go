// ABOUTME: Entry point for the meshboard ingress web server
// ABOUTME: Serves the walk-up WiFi API; never talks to the radio directly

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/civicmesh/meshboard/internal/admission"
	"github.com/civicmesh/meshboard/internal/config"
	"github.com/civicmesh/meshboard/internal/logging"
	"github.com/civicmesh/meshboard/internal/seclog"
	"github.com/civicmesh/meshboard/internal/store"
	"github.com/civicmesh/meshboard/internal/web"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                     _     _                         _
  _ __ ___   ___ ___| |__ | |__   ___   __ _ _ __ __| |
 | '_ ' _ \ / _ \ __| '_ \| '_ \ / _ \ / _' | '__/ _' |
 | | | | | |  __\__ \ | | | |_) | (_) | (_| | | | (_| |
 |_| |_| |_|\___|___/_| |_|_.__/ \___/ \__,_|_|  \__,_|
`

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

	if err := run(configPath(configFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Print(banner)
	gray.Printf("    web ingress, version %s\n\n", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.Setup(cfg.Logging)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", cfgPath)
	green.Print("    ▶ ")
	fmt.Printf("Listen:   %s\n", cfg.Web.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Channels: %v\n", cfg.ChannelNames())
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if st.Degraded() {
		logger.Warn("store integrity check failed, serving in degraded mode")
	}

	sec := seclog.New(logger)
	if !cfg.Logging.EnableSecurityLog {
		sec.Disable()
	}
	gate := admission.New(st, cfg, sec, func() int64 { return time.Now().Unix() })
	server := web.New(st, cfg, gate, sec)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
