package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"mise/models"
)

// MemoryCache is a process-local CacheStore backed by go-cache. Entries expire
// after the configured TTL and are recomputed on the next read.
type MemoryCache struct {
	cache *cache.Cache

	// mu serialises Put and MarkStale so the generation check and the write
	// happen together. Generations outlive expired entries.
	mu          sync.Mutex
	generations map[EntityRef]int64
}

// NewMemoryCache builds a MemoryCache. A non-positive ttl keeps entries until
// they are overwritten.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	m := &MemoryCache{generations: make(map[EntityRef]int64)}
	if ttl <= 0 {
		m.cache = cache.New(cache.NoExpiration, 0)
	} else {
		m.cache = cache.New(ttl, ttl*2)
	}
	return m
}

func (m *MemoryCache) generation(ref EntityRef) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generations[ref]
}

func (m *MemoryCache) Get(_ context.Context, key CacheKey) (models.DerivedAttributes, bool, error) {
	gen := m.generation(key.Ref())
	raw, found := m.cache.Get(key.String())
	if !found {
		return models.DerivedAttributes{Generation: gen}, false, nil
	}
	attrs, ok := raw.(models.DerivedAttributes)
	if !ok {
		return models.DerivedAttributes{Generation: gen}, false, nil
	}
	out := cloneAttributes(attrs)
	out.Generation = gen
	return out, attrs.Present(), nil
}

func (m *MemoryCache) Put(_ context.Context, key CacheKey, attrs models.DerivedAttributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current := m.generations[key.Ref()]; current != attrs.Generation {
		return fmt.Errorf("write %s at generation %d (now %d): %w", key, attrs.Generation, current, ErrStaleWrite)
	}
	m.cache.Set(key.String(), cloneAttributes(attrs), cache.DefaultExpiration)
	return nil
}

func (m *MemoryCache) MarkStale(_ context.Context, ref EntityRef) error {
	if ref.Kind == models.KindIngredient {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generations[ref]++
	for _, attr := range []models.Attribute{models.AttributeAllergens, models.AttributeDietary} {
		key := CacheKey{Kind: ref.Kind, ID: ref.ID, Attribute: attr}
		raw, found := m.cache.Get(key.String())
		if !found {
			continue
		}
		attrs, ok := raw.(models.DerivedAttributes)
		if !ok || attrs.Stale {
			continue
		}
		attrs.Stale = true
		m.cache.Set(key.String(), attrs, cache.DefaultExpiration)
	}
	return nil
}

// Len reports the number of live entries.
func (m *MemoryCache) Len() int {
	return m.cache.ItemCount()
}

// Flush drops every entry. Generations are kept so in-flight writes computed
// before an invalidation are still rejected.
func (m *MemoryCache) Flush() {
	m.cache.Flush()
}
