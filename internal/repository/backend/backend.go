// Package backend opens the metadata database selected by configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/prn-tf/syncserver/internal/config"
	"github.com/prn-tf/syncserver/internal/repository"
	"github.com/prn-tf/syncserver/internal/repository/postgres"
	"github.com/prn-tf/syncserver/internal/repository/sqlite"
)

// Database is the connection-level surface shared by both backends.
type Database interface {
	repository.DatabaseHealth

	// Migrator returns a goose provider over the backend's embedded migrations.
	Migrator() (*goose.Provider, error)

	// Migrate applies all pending migrations.
	Migrate(ctx context.Context) error
}

// Backend is an open metadata database and its repositories.
type Backend struct {
	*repository.Repositories

	// DB is the underlying connection.
	DB Database

	// Driver is "postgres" or "sqlite".
	Driver string
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.DB.Close()
}

// Open connects to the configured database and, when cfg.AutoMigrate is set,
// applies pending migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Backend, error) {
	b, err := connect(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := b.DB.Migrate(ctx); err != nil {
			b.DB.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", cfg.Driver, err)
		}
	}

	return b, nil
}

func connect(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (*Backend, error) {
	logger = logger.With().Str("component", "database").Str("driver", cfg.Driver).Logger()

	switch cfg.Driver {
	case "sqlite":
		sqliteCfg := sqlite.DefaultConfig(cfg.Path)
		if cfg.JournalMode != "" {
			sqliteCfg.JournalMode = cfg.JournalMode
		}
		if cfg.BusyTimeout > 0 {
			sqliteCfg.BusyTimeout = cfg.BusyTimeout
		}
		if cfg.SynchronousMode != "" {
			sqliteCfg.SynchronousMode = cfg.SynchronousMode
		}
		if cfg.ConnMaxLifetime > 0 {
			sqliteCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
		}

		db, err := sqlite.NewDB(ctx, sqliteCfg, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{Repositories: sqlite.NewRepositories(db), DB: db, Driver: cfg.Driver}, nil

	case "postgres":
		db, err := postgres.NewDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{Repositories: postgres.NewRepositories(db), DB: db, Driver: cfg.Driver}, nil
	}

	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}
