package store

import (
	"fmt"
	"log/slog"

	"kindred/internal/config"
	"kindred/internal/domain"
)

// Open constructs the store backend selected by configuration.
func Open(cfg config.StorageConfig, logger *slog.Logger) (domain.Store, error) {
	switch cfg.Backend {
	case "json", "":
		return NewJSONStore(cfg.DataDir, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.DBPath, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
