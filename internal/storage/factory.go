package storage

import (
	"fmt"

	"gatekeeper/internal/models"
)

// Factory provides a centralized way to create storage instances based on
// configuration, keeping backend selection out of the engine.
type Factory struct{}

// NewFactory creates a new storage factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Create instantiates a storage backend from the service configuration.
// Supported backends:
//   - sqlite: single-file database in WAL mode (default)
//   - postgres: shared database for multi-instance deployments
//   - redis: sorted-set sliding windows for redis-equipped deployments
//   - memory: in-process maps (testing/development only)
func (f *Factory) Create(cfg models.StorageConfig) (Store, error) {
	storageConfig := Config{
		Type:         cfg.Type,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		Redis:        cfg.Redis,
	}

	switch cfg.Type {
	case models.StorageTypeSQLite:
		return NewSQLiteStore(storageConfig)
	case models.StorageTypePostgres:
		return NewPostgresStore(storageConfig)
	case models.StorageTypeRedis:
		return NewRedisStore(storageConfig)
	case models.StorageTypeMemory:
		return NewMemoryStore(storageConfig)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// SupportedBackends returns all supported storage backend types.
func (f *Factory) SupportedBackends() []string {
	return []string{models.StorageTypeSQLite, models.StorageTypePostgres, models.StorageTypeRedis, models.StorageTypeMemory}
}
