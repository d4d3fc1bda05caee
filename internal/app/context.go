// Package app assembles an engine from a workspace.
package app

import (
	"database/sql"
	"fmt"
	"log/slog"

	"dossierline/internal/config"
	"dossierline/internal/db"
	"dossierline/internal/engine"
	"dossierline/internal/events"
	"dossierline/internal/gateway"
	"dossierline/internal/migrate"
)

// Context is an opened workspace.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Gateway   *gateway.Client
}

// Open opens and migrates the workspace database, loads dossierline.yml (or
// defaults) and wires the engine. Step statuses and exam sessions go to the
// partner API when gateway.base_url is set.
func Open(workspace string, logger *slog.Logger) (*Context, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	eng.Logger = logger
	eng.Bus = events.NewBus(events.WithLogger(logger))
	eng.Cache = engine.NewCompletionCache(eng.Repo, logger)
	gw := gateway.FromConfig(cfg.Gateway)
	if gw != nil {
		eng.Statuses = gw
		eng.Exams = gw
		logger.Debug("partner gateway enabled", "base_url", gw.BaseURL)
	}
	return &Context{Workspace: workspace, DB: conn, Config: cfg, Engine: eng, Gateway: gw}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
