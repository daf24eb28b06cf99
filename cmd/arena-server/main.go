package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MJE43/rps-arena-replay/internal/api"
	"github.com/MJE43/rps-arena-replay/internal/app"
	"github.com/MJE43/rps-arena-replay/internal/config"
	"github.com/MJE43/rps-arena-replay/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var configDir, addr string
	var showVersion bool
	flag.StringVar(&configDir, "config", ".", "directory containing "+config.FileName)
	flag.StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		v := api.GetVersionInfo()
		fmt.Printf("arena-server %s (commit %s, built %s, %s)\n", v.EngineVersion, v.GitCommit, v.BuildTime, v.GoVersion)
		return
	}

	if err := run(configDir, addr); err != nil {
		fmt.Fprintf(os.Stderr, "arena-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configDir, addr string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogPretty, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := m.Startup(); err != nil {
		_ = m.Shutdown(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := m.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("stopped")
	return nil
}
