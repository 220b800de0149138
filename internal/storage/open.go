// Package storage opens the configured tasks.Store backend.
package storage

import (
	"fmt"
	"log/slog"

	"github.com/dohr-michael/taskstore/internal/config"
	"github.com/dohr-michael/taskstore/internal/storage/sqlitestore"
	"github.com/dohr-michael/taskstore/internal/tasks"
)

// Open returns the backend named by cfg.Backend.
func Open(cfg config.StoreConfig, logger *slog.Logger) (tasks.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case config.BackendFile, "":
		logger.Debug("opening file task store", "dir", cfg.Dir, "pretty", cfg.Pretty())
		fs, err := tasks.NewFileStore(cfg.Dir,
			tasks.WithPrettyJSON(cfg.Pretty()),
			tasks.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case config.BackendSQLite:
		s, err := sqlitestore.Open(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendMemory:
		logger.Warn("memory task store is volatile: state is lost on exit")
		return tasks.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
