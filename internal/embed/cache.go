package embed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Veraticus/threadline/internal/model"
)

// Cache stores vectors keyed by content hash.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Put(ctx context.Context, key string, vec []float32) error
}

// CachedProvider consults a Cache before calling the wrapped Provider, so
// unchanged text is embedded once. Cache errors are logged and treated as
// misses.
type CachedProvider struct {
	provider Provider
	cache    Cache
	logger   *slog.Logger
}

// NewCachedProvider wraps p with c.
func NewCachedProvider(p Provider, c Cache) *CachedProvider {
	return &CachedProvider{
		provider: p,
		cache:    c,
		logger:   slog.Default().With("component", "embedding_cache"),
	}
}

// Model returns the wrapped provider's model.
func (p *CachedProvider) Model() string {
	return p.provider.Model()
}

// Embed returns the cached vector for text or computes and stores it.
func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := model.ContentHash(text)

	vec, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn("embedding cache read failed", "error", err)
	} else if ok {
		return vec, nil
	}

	vec, err = p.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := p.cache.Put(ctx, key, vec); err != nil {
		p.logger.Warn("embedding cache write failed", "error", err)
	}
	return vec, nil
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	vectors map[string][]float32
	mu      sync.RWMutex
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{vectors: make(map[string][]float32)}
}

// Get implements Cache.
func (m *MemoryCache) Get(_ context.Context, key string) ([]float32, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vec, ok := m.vectors[key]
	return vec, ok, nil
}

// Put implements Cache.
func (m *MemoryCache) Put(_ context.Context, key string, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[key] = append([]float32(nil), vec...)
	return nil
}

// Len returns the number of cached vectors.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}
