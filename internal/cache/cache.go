// Package cache holds the hot in-memory projection of artifact documents.
// The store stays authoritative; cached entries carry a freshness TTL past
// which a read reloads from the store before being served. Weight updates
// write through synchronously, so learned weights are never served stale.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/featurelane/allocator/internal/api"
	"github.com/featurelane/allocator/internal/metrics"
	"github.com/featurelane/allocator/internal/store"
)

// ArtifactCache is a size-bounded LRU of artifacts keyed by path.
type ArtifactCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	ttl     time.Duration
	store   store.Store
	metrics *metrics.Metrics
}

type entry struct {
	artifact  *api.Artifact
	expiresAt time.Time
}

// New creates a cache over the given store. ttl bounds entry freshness
// (zero means entries never go stale); size bounds memory, evicting the
// least recently used artifact when full.
func New(st store.Store, size int, ttl time.Duration, m *metrics.Metrics) (*ArtifactCache, error) {
	entries, err := lru.New[string, *entry](size)
	if err != nil {
		return nil, err
	}

	return &ArtifactCache{
		entries: entries,
		ttl:     ttl,
		store:   st,
		metrics: m,
	}, nil
}

// Get returns the artifact for path, reloading from the store when the
// cached copy is missing or past its freshness window. Returns (nil, nil)
// when the store has no such artifact. Callers must treat the result as
// read-only; writers swap in clones via ApplyWeights or Put.
func (c *ArtifactCache) Get(ctx context.Context, path string) (*api.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries.Get(path); ok {
		if e.expiresAt.IsZero() || time.Now().Before(e.expiresAt) {
			c.metrics.CacheHits.Inc()
			return e.artifact, nil
		}
	}
	c.metrics.CacheMisses.Inc()

	artifact, err := c.store.GetArtifact(ctx, path)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		c.entries.Remove(path)
		return nil, nil
	}

	c.metrics.CacheReloads.Inc()
	c.put(path, artifact)
	return artifact, nil
}

// Put replaces the cached copy for path with a fresh TTL. It does not
// touch the store; callers that changed the document write there first.
func (c *ArtifactCache) Put(path string, artifact *api.Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(path, artifact)
}

func (c *ArtifactCache) put(path string, artifact *api.Artifact) {
	e := &entry{artifact: artifact}
	if c.ttl > 0 {
		e.expiresAt = time.Now().Add(c.ttl)
	}
	c.entries.Add(path, e)
}

// ApplyWeights sets the given variant weights on one feature of the
// artifact, writing the updated document to the store and swapping a clone
// into the cache in the same call. Concurrent readers keep the previous
// document until the swap; weight reads after return always see the new
// values. A missing artifact or feature is a no-op.
func (c *ArtifactCache) ApplyWeights(ctx context.Context, path, featureName string, weights map[string]float64) error {
	current, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}

	updated, err := current.Clone()
	if err != nil {
		return fmt.Errorf("clone artifact %q: %w", path, err)
	}

	feature, ok := updated.Features[featureName]
	if !ok {
		return nil
	}
	for _, variation := range feature.Variations {
		if weight, ok := weights[variation.Value]; ok {
			variation.Weight = weight
		}
	}

	// The store copy never expires: it is the authoritative document the
	// cache reloads from once the freshness window lapses.
	if err := c.store.SetArtifact(ctx, path, updated, 0); err != nil {
		return err
	}

	c.Put(path, updated)
	return nil
}

// Invalidate drops the cached copy so the next read reloads from the store.
func (c *ArtifactCache) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(path)
}
