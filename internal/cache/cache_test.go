package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/featurelane/allocator/internal/api"
	"github.com/featurelane/allocator/internal/metrics"
	"github.com/featurelane/allocator/internal/store"
)

func newTestCache(t *testing.T, ttl time.Duration) (*ArtifactCache, *store.MemoryStore) {
	t.Helper()

	ms := store.NewMemoryStore()
	c, err := New(ms, 128, ttl, metrics.NewWith(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New cache: %v", err)
	}
	return c, ms
}

func testArtifact(t *testing.T) *api.Artifact {
	t.Helper()

	var artifact api.Artifact
	doc := `{
		"revision": 1,
		"features": {
			"feat": {"variations": [
				{"value": "a", "weight": 50},
				{"value": "b", "weight": 50}
			]}
		}
	}`
	if err := json.Unmarshal([]byte(doc), &artifact); err != nil {
		t.Fatalf("unmarshal test artifact: %v", err)
	}
	return &artifact
}

func TestGetMissingArtifact(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	got, err := c.Get(ctx, "nope.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Error("expected nil for unknown path")
	}
}

func TestGetLoadsFromStore(t *testing.T) {
	ctx := context.Background()
	c, ms := newTestCache(t, time.Minute)

	ms.SetArtifact(ctx, "app.json", testArtifact(t), 0)

	got, err := c.Get(ctx, "app.json")
	if err != nil || got == nil {
		t.Fatalf("Get: %v, %v", got, err)
	}
	if len(got.Features["feat"].Variations) != 2 {
		t.Errorf("unexpected artifact content: %+v", got)
	}
}

func TestApplyWeightsWritesThrough(t *testing.T) {
	ctx := context.Background()
	c, ms := newTestCache(t, time.Minute)

	ms.SetArtifact(ctx, "app.json", testArtifact(t), 0)

	err := c.ApplyWeights(ctx, "app.json", "feat", map[string]float64{"a": 80.25, "b": 19.75})
	if err != nil {
		t.Fatalf("ApplyWeights: %v", err)
	}

	// Cache read sees the new weights immediately.
	cached, _ := c.Get(ctx, "app.json")
	if w := cached.Features["feat"].Variations[0].Weight; w != 80.25 {
		t.Errorf("cached weight = %v, want 80.25", w)
	}

	// And so does the authoritative store copy.
	stored, _ := ms.GetArtifact(ctx, "app.json")
	if w := stored.Features["feat"].Variations[1].Weight; w != 19.75 {
		t.Errorf("stored weight = %v, want 19.75", w)
	}
}

func TestApplyWeightsMissingArtifactNoop(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, time.Minute)

	if err := c.ApplyWeights(ctx, "ghost.json", "feat", map[string]float64{"a": 100}); err != nil {
		t.Errorf("ApplyWeights on missing artifact should be a no-op, got %v", err)
	}
}

func TestExpiredEntryReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	c, ms := newTestCache(t, 10*time.Millisecond)

	ms.SetArtifact(ctx, "app.json", testArtifact(t), 0)
	if _, err := c.Get(ctx, "app.json"); err != nil {
		t.Fatalf("warm Get: %v", err)
	}

	// Change the authoritative copy behind the cache's back.
	changed := testArtifact(t)
	changed.Features["feat"].Variations[0].Weight = 75
	ms.SetArtifact(ctx, "app.json", changed, 0)

	time.Sleep(20 * time.Millisecond)

	got, err := c.Get(ctx, "app.json")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if w := got.Features["feat"].Variations[0].Weight; w != 75 {
		t.Errorf("expired read served stale weight %v, want 75", w)
	}
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	c, ms := newTestCache(t, time.Hour)

	ms.SetArtifact(ctx, "app.json", testArtifact(t), 0)
	c.Get(ctx, "app.json")

	changed := testArtifact(t)
	changed.Features["feat"].Variations[0].Weight = 10
	ms.SetArtifact(ctx, "app.json", changed, 0)

	c.Invalidate("app.json")

	got, _ := c.Get(ctx, "app.json")
	if w := got.Features["feat"].Variations[0].Weight; w != 10 {
		t.Errorf("invalidated read served stale weight %v, want 10", w)
	}
}
