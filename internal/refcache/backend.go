package refcache

import (
	"context"
	"fmt"
	"strings"

	"github.com/medical-dx-engine/internal/domain"
)

// Backend names accepted by cache.backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// NewBackend builds the backing store selected by cfg.Backend.
func NewBackend(ctx context.Context, cfg domain.CacheConfig) (Backend, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemoryBackend(cfg.MaxEntries)
	case BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "data/refcache.db"
		}
		return NewSQLiteBackend(path)
	case BackendRedis:
		return NewRedisBackend(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: unknown cache backend %q", domain.ErrInvalidInput, cfg.Backend)
	}
}
