package refcache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/medical-dx-engine/internal/domain"
)

// MemoryBackend keeps entries in a bounded LRU.
type MemoryBackend struct {
	entries *lru.Cache[string, domain.CacheEntry]
}

// NewMemoryBackend creates an in-memory backend holding at most size entries.
func NewMemoryBackend(size int) (*MemoryBackend, error) {
	if size <= 0 {
		size = 10000
	}
	entries, err := lru.New[string, domain.CacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{entries: entries}, nil
}

func (m *MemoryBackend) Get(_ context.Context, key string) (*domain.CacheEntry, error) {
	e, ok := m.entries.Get(key)
	if !ok {
		return nil, nil
	}
	e.Payload = append([]byte(nil), e.Payload...)
	return &e, nil
}

func (m *MemoryBackend) Set(_ context.Context, entry domain.CacheEntry) error {
	entry.Payload = append([]byte(nil), entry.Payload...)
	m.entries.Add(entry.Key, entry)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

func (m *MemoryBackend) Close() error {
	m.entries.Purge()
	return nil
}

// Len is the number of stored entries.
func (m *MemoryBackend) Len() int {
	return m.entries.Len()
}
