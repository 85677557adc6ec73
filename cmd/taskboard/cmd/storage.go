package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmcleod/taskboard/config"
	"github.com/jmcleod/taskboard/storage"
	bboltstorage "github.com/jmcleod/taskboard/storage/bbolt"
	"github.com/jmcleod/taskboard/storage/memory"
	"github.com/jmcleod/taskboard/storage/postgres"
)

// openStorage opens the configured document store. The returned function
// releases it.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Repository, func(), error) {
	switch cfg.Storage {
	case config.StoragePostgres:
		store, err := postgres.NewRepositoryFromDSN(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return store, store.Close, nil
	case config.StorageMemory:
		return memory.NewRepository(), func() {}, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "taskboard.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open storage: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
}
