package dataset

import (
	"fmt"

	"github.com/medical-dx-engine/internal/domain"
)

// Backends accepted by Open.
const (
	BackendNone     = "none"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Open builds the configured store. BackendNone returns a nil store.
func Open(cfg domain.DatasetConfig) (Store, error) {
	switch cfg.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "data/examples.db"
		}
		return NewSQLiteStore(path)
	case BackendPostgres:
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("%w: dataset.postgres_url is required", domain.ErrInvalidInput)
		}
		return NewPostgresStoreFromURL(cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("%w: unknown dataset backend %q", domain.ErrInvalidInput, cfg.Backend)
	}
}
