// Package app wires configuration, storage and the HTTP API into one
// process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/MJE43/rps-arena-replay/internal/api"
	"github.com/MJE43/rps-arena-replay/internal/config"
	"github.com/MJE43/rps-arena-replay/internal/store"
)

// Module owns the database and the HTTP server.
type Module struct {
	cfg    *config.Config
	logger zerolog.Logger
	db     *store.SQLiteDB
	server *api.Server
	addr   net.Addr
}

// New opens and migrates the database but does not start serving.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Module, error) {
	if cfg.DB.Path != ":memory:" {
		if dir := filepath.Dir(cfg.DB.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := store.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	version, err := db.SchemaVersion(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info().Str("path", cfg.DB.Path).Int64("schema_version", version).Msg("database ready")

	m := &Module{cfg: cfg, logger: logger, db: db}
	m.server = api.NewServer(db, logger, api.Options{
		Arena:          cfg.Arena,
		Sim:            cfg.Sim,
		RequestTimeout: cfg.Server.RequestTimeout,
		ScanTimeout:    cfg.Scan.Timeout,
		ScanMaxCount:   cfg.Scan.MaxCount,
		ScanWorkers:    cfg.Scan.Workers,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	return m, nil
}

// Startup starts the HTTP server on the configured address.
func (m *Module) Startup() error {
	addr, err := m.server.Start(m.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.cfg.Server.Addr, err)
	}
	m.addr = addr
	m.logger.Info().
		Str("addr", addr.String()).
		Str("engine_version", api.EngineVersion).
		Msg("arena server listening")
	return nil
}

// Addr is the bound address, or nil before Startup.
func (m *Module) Addr() net.Addr {
	return m.addr
}

// Shutdown stops the HTTP server and closes the DB.
func (m *Module) Shutdown(ctx context.Context) error {
	return errors.Join(m.server.Shutdown(ctx), m.db.Close())
}
