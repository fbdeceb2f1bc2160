package app

import (
	"database/sql"
	"fmt"

	"packdesk/internal/config"
	"packdesk/internal/db"
	"packdesk/internal/engine"
	"packdesk/internal/exclusivity"
	"packdesk/internal/migrate"
)

// Context bundles everything a command or server needs after bootstrap.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares the workspace, opens and migrates the database, loads the
// config and wires the engine with the configured exclusivity backend.
// The caller owns Close.
func Open(workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	idx, err := newIndex(cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Context{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg, idx),
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

func newIndex(cfg *config.Config, conn *sql.DB) (exclusivity.Index, error) {
	switch cfg.Exclusivity.Backend {
	case "memory":
		return exclusivity.NewMemory(), nil
	case "sqlite", "":
		return exclusivity.NewSQLite(conn), nil
	}
	return nil, fmt.Errorf("unknown exclusivity backend %q", cfg.Exclusivity.Backend)
}
