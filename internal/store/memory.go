package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/featurelane/allocator/internal/api"
)

// MemoryStore is a mutex-guarded in-process Store, the default backend for
// development and tests. Increments happen under the lock, which gives the
// same no-lost-updates guarantee the external backends get from their
// atomic primitives.
type MemoryStore struct {
	mu        sync.Mutex
	stats     map[string]map[string]map[string]*api.VariantStats
	history   map[string][]api.WeightHistoryEntry
	artifacts map[string]*artifactEntry

	// now is swappable for tests.
	now func() time.Time
}

type artifactEntry struct {
	artifact  *api.Artifact
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stats:     make(map[string]map[string]map[string]*api.VariantStats),
		history:   make(map[string][]api.WeightHistoryEntry),
		artifacts: make(map[string]*artifactEntry),
		now:       time.Now,
	}
}

func (m *MemoryStore) record(artifact, feature, variant string) *api.VariantStats {
	features, ok := m.stats[artifact]
	if !ok {
		features = make(map[string]map[string]*api.VariantStats)
		m.stats[artifact] = features
	}
	variants, ok := features[feature]
	if !ok {
		variants = make(map[string]*api.VariantStats)
		features[feature] = variants
	}
	rec, ok := variants[variant]
	if !ok {
		rec = &api.VariantStats{Variant: variant}
		variants[variant] = rec
	}
	return rec
}

func (m *MemoryStore) IncrementStat(ctx context.Context, artifact, feature, variant string, kind StatKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(artifact, feature, variant)
	switch kind {
	case KindExposure:
		rec.Exposures++
	case KindConversion:
		rec.Conversions++
	}
	rec.LastUpdated = m.now().Unix()
	return nil
}

func (m *MemoryStore) GetStats(ctx context.Context, artifact, feature, variant string) (api.VariantStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.stats[artifact][feature][variant]; ok {
		return *rec, nil
	}
	return api.VariantStats{Variant: variant}, nil
}

func (m *MemoryStore) ListVariants(ctx context.Context, artifact, feature string) ([]api.VariantStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return sortedVariants(m.stats[artifact][feature]), nil
}

func (m *MemoryStore) ListAllStats(ctx context.Context, artifactFilter string) (map[string]map[string][]api.VariantStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]map[string][]api.VariantStats)
	for artifact, features := range m.stats {
		if artifactFilter != "" && artifact != artifactFilter {
			continue
		}
		out[artifact] = make(map[string][]api.VariantStats, len(features))
		for feature, variants := range features {
			out[artifact][feature] = sortedVariants(variants)
		}
	}
	return out, nil
}

func sortedVariants(variants map[string]*api.VariantStats) []api.VariantStats {
	out := make([]api.VariantStats, 0, len(variants))
	for _, rec := range variants {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variant < out[j].Variant })
	return out
}

func (m *MemoryStore) SetWeight(ctx context.Context, artifact, feature, variant string, weight float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.record(artifact, feature, variant)
	rec.Weight = weight
	rec.LastUpdated = m.now().Unix()
	return nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, artifact, feature string, entry api.WeightHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := artifact + "\x00" + feature
	log := append(m.history[key], entry)
	if excess := len(log) - api.HistoryCap; excess > 0 {
		log = log[excess:]
	}
	m.history[key] = log
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, artifact, feature string, limit int) ([]api.WeightHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.history[artifact+"\x00"+feature]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}

	// Stored oldest first; returned newest first.
	out := make([]api.WeightHistoryEntry, 0, limit)
	for i := len(log) - 1; i >= len(log)-limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

func (m *MemoryStore) GetArtifact(ctx context.Context, path string) (*api.Artifact, error) {
	m.mu.Lock()
	entry, ok := m.artifacts[path]
	m.mu.Unlock()

	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.artifact.Clone()
}

func (m *MemoryStore) SetArtifact(ctx context.Context, path string, artifact *api.Artifact, ttl time.Duration) error {
	clone, err := artifact.Clone()
	if err != nil {
		return err
	}

	entry := &artifactEntry{artifact: clone}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.artifacts[path] = entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListArtifacts(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	paths := make([]string, 0, len(m.artifacts))
	for path, entry := range m.artifacts {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
