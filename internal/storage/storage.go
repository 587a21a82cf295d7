package storage

import (
	"context"
	"fmt"

	"sendqueue/internal/constants"
	"sendqueue/internal/database"
	"sendqueue/internal/models"
)

// Store is a durable home for one queue snapshot.
type Store interface {
	Load(ctx context.Context) ([]models.QueuedMessage, error)
	Save(ctx context.Context, entries []models.QueuedMessage) error
	Close() error
}

// KeyLister is implemented by file-backed stores that can hold several
// queue keys.
type KeyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

// Open returns the store selected by cfg.Driver for the given queue key.
func Open(cfg models.StorageConfig) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = constants.DefaultStorageDriver
	}

	switch driver {
	case constants.StorageDriverSQLite:
		db, err := database.New(cfg.Path, cfg.Key)
		if err != nil {
			return nil, err
		}
		return db, nil
	case constants.StorageDriverBolt:
		s, err := NewBoltStore(cfg.Path, cfg.Key)
		if err != nil {
			return nil, err
		}
		return s, nil
	case constants.StorageDriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
