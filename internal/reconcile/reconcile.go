// Package reconcile keeps the served artifacts consistent with the stats
// ledger: it merges authored baseline definitions with learned weights at
// startup and periodically recomputes traffic weights from accumulated
// counters via the bandit engine.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/featurelane/allocator/internal/api"
	"github.com/featurelane/allocator/internal/bandit"
	"github.com/featurelane/allocator/internal/cache"
	"github.com/featurelane/allocator/internal/lease"
	"github.com/featurelane/allocator/internal/metrics"
	"github.com/featurelane/allocator/internal/normalize"
	"github.com/featurelane/allocator/internal/store"
	pkgotel "github.com/featurelane/allocator/pkg/otel"
)

const (
	tracerName = "allocator/reconcile"

	// leaseKey guards the recompute cycle deployment-wide.
	leaseKey = "recalculate"
)

// Config tunes the reconciliation job.
type Config struct {
	// MinExposures is the per-variant exposure floor a feature must clear
	// before its weights are recomputed (all-or-nothing per feature).
	MinExposures int64

	// Draws is the Monte Carlo sample count per feature evaluation.
	Draws int

	// LeaseTTL bounds how long a dead cycle can block new ones.
	LeaseTTL time.Duration

	// Interval is the periodic cycle cadence.
	Interval time.Duration

	// Seed fixes the bandit PRNG when nonzero; production leaves it 0
	// to seed each cycle from the clock.
	Seed uint64
}

func (c Config) withDefaults() Config {
	if c.MinExposures <= 0 {
		c.MinExposures = 10
	}
	if c.Draws <= 0 {
		c.Draws = bandit.DefaultDraws
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Minute
	}
	return c
}

// Job owns the startup merge and the recompute cycle.
type Job struct {
	store   store.Store
	cache   *cache.ArtifactCache
	lease   lease.Lease
	metrics *metrics.Metrics
	cfg     Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a reconciliation job. Zero-valued Config fields fall back to
// defaults.
func New(st store.Store, c *cache.ArtifactCache, l lease.Lease, m *metrics.Metrics, cfg Config) *Job {
	return &Job{
		store:   st,
		cache:   c,
		lease:   l,
		metrics: m,
		cfg:     cfg.withDefaults(),
		stopCh:  make(chan struct{}),
	}
}

// LoadArtifact registers one baseline artifact: the document is stored and
// cached, then every feature's variants are merged with existing stats.
func (j *Job) LoadArtifact(ctx context.Context, path string, artifact *api.Artifact) error {
	if err := j.store.SetArtifact(ctx, path, artifact, 0); err != nil {
		return fmt.Errorf("store artifact %q: %w", path, err)
	}
	j.cache.Put(path, artifact)

	return j.SyncBaseline(ctx, path, artifact)
}

// SyncBaseline merges a baseline artifact's variant definitions with the
// ledger. A variant whose stored weight is nonzero keeps it (the learned
// weight wins over a redeployed author weight); an unseen variant gets a
// stats record seeded with its authored weight. The merged set is then
// normalized and written back to both the ledger and the served document,
// so running the merge twice without intervening traffic is a no-op.
func (j *Job) SyncBaseline(ctx context.Context, path string, artifact *api.Artifact) error {
	for featureName, feature := range artifact.Features {
		if len(feature.Variations) == 0 {
			continue
		}

		scores := make([]normalize.Score, 0, len(feature.Variations))
		for _, variation := range feature.Variations {
			stats, err := j.store.GetStats(ctx, path, featureName, variation.Value)
			if err != nil {
				return fmt.Errorf("merge %s/%s: %w", path, featureName, err)
			}

			weight := variation.Weight
			if stats.Weight > 0 {
				weight = stats.Weight
			} else if err := j.store.SetWeight(ctx, path, featureName, variation.Value, variation.Weight); err != nil {
				return fmt.Errorf("seed %s/%s/%s: %w", path, featureName, variation.Value, err)
			}
			scores = append(scores, normalize.Score{Variant: variation.Value, Value: weight})
		}

		if err := j.publishWeights(ctx, path, featureName, normalize.Weights(scores)); err != nil {
			return err
		}
	}
	return nil
}

// publishWeights writes normalized weights to the ledger and the served
// artifact.
func (j *Job) publishWeights(ctx context.Context, path, featureName string, weights []normalize.Score) error {
	byVariant := make(map[string]float64, len(weights))
	for _, w := range weights {
		if err := j.store.SetWeight(ctx, path, featureName, w.Variant, w.Value); err != nil {
			return fmt.Errorf("write weight %s/%s/%s: %w", path, featureName, w.Variant, err)
		}
		byVariant[w.Variant] = w.Value
	}
	if err := j.cache.ApplyWeights(ctx, path, featureName, byVariant); err != nil {
		return fmt.Errorf("update artifact %s/%s: %w", path, featureName, err)
	}
	return nil
}

// RunCycle performs one lease-guarded recompute pass over every feature
// with accumulated stats. If another cycle holds the lease the pass is
// skipped silently: overlapping runs would interleave weight writes from
// different generations. Per-feature failures are logged and skipped; the
// cycle keeps going.
func (j *Job) RunCycle(ctx context.Context) error {
	token, ok, err := j.lease.Acquire(ctx, leaseKey, j.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire recalculation lease: %w", err)
	}
	if !ok {
		j.metrics.CyclesSkipped.Inc()
		log.Printf("recompute cycle skipped: lease held by another run")
		return nil
	}
	defer func() {
		if err := j.lease.Release(ctx, leaseKey, token); err != nil {
			log.Printf("release recalculation lease: %v", err)
		}
	}()

	ctx, span := pkgotel.StartSpan(ctx, tracerName, "recompute_cycle")
	defer span.End()

	all, err := j.store.ListAllStats(ctx, "")
	if err != nil {
		pkgotel.RecordError(span, err)
		return fmt.Errorf("list stats: %w", err)
	}

	seed := j.cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	engine := bandit.New(j.cfg.Draws, seed)

	recomputed := 0
	for _, artifact := range sortedKeys(all) {
		for _, feature := range sortedKeys(all[artifact]) {
			variants := all[artifact][feature]
			if !j.eligible(variants) {
				continue
			}

			if err := j.recomputeFeature(ctx, engine, artifact, feature, variants); err != nil {
				j.metrics.FeatureErrors.Inc()
				log.Printf("recompute %s/%s failed: %v", artifact, feature, err)
				continue
			}
			recomputed++
			j.metrics.FeaturesRecomputed.Inc()
		}
	}

	span.SetAttributes(pkgotel.AttrFeatureCount.Int(recomputed))
	j.metrics.CyclesTotal.Inc()
	j.metrics.LastCycleTimestamp.SetToCurrentTime()
	log.Printf("recompute cycle complete: %d feature(s) updated", recomputed)
	return nil
}

// eligible gates recomputation: at least two variants, every one at or
// above the exposure floor. A single under-exposed variant skips the whole
// feature so it is not starved of traffic prematurely.
func (j *Job) eligible(variants []api.VariantStats) bool {
	if len(variants) < 2 {
		return false
	}
	for _, v := range variants {
		if v.Exposures < j.cfg.MinExposures {
			return false
		}
	}
	return true
}

func (j *Job) recomputeFeature(ctx context.Context, engine *bandit.Engine, artifact, feature string, variants []api.VariantStats) error {
	ctx, span := pkgotel.StartSpan(ctx, tracerName, "recompute_feature",
		pkgotel.AttrArtifact.String(artifact),
		pkgotel.AttrFeature.String(feature),
		pkgotel.AttrVariantCount.Int(len(variants)),
	)
	defer span.End()

	counts := make([]bandit.Counts, len(variants))
	for i, v := range variants {
		counts[i] = bandit.Counts{
			Variant:     v.Variant,
			Exposures:   v.Exposures,
			Conversions: v.Conversions,
		}
	}

	probs, err := engine.ProbabilityBest(counts)
	if err != nil {
		pkgotel.RecordError(span, err)
		return err
	}

	scores := make([]normalize.Score, len(variants))
	for i, v := range variants {
		scores[i] = normalize.Score{Variant: v.Variant, Value: probs[i] * 100}
	}
	weights := normalize.Weights(scores)

	now := time.Now().Unix()
	for i, w := range weights {
		entry := api.WeightHistoryEntry{
			Variant:       w.Variant,
			Weight:        w.Value,
			ProbBeingBest: probs[i],
			Timestamp:     now,
		}
		if err := j.store.AppendHistory(ctx, artifact, feature, entry); err != nil {
			pkgotel.RecordError(span, err)
			return err
		}
	}

	if err := j.publishWeights(ctx, artifact, feature, weights); err != nil {
		pkgotel.RecordError(span, err)
		return err
	}
	return nil
}

// TriggerAsync fires one cycle as independent background work. The caller
// never waits: lock contention or failures are logged, not surfaced.
func (j *Job) TriggerAsync() {
	go func() {
		if err := j.RunCycle(context.Background()); err != nil {
			log.Printf("triggered recompute cycle failed: %v", err)
		}
	}()
}

// Start launches the periodic cycle loop in the background.
func (j *Job) Start(ctx context.Context) {
	j.wg.Add(1)
	go j.loop(ctx)
	log.Printf("recompute scheduler started: every %v", j.cfg.Interval)
}

// Stop halts the periodic loop and waits for the current tick to return.
func (j *Job) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

func (j *Job) loop(ctx context.Context) {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopCh:
			return
		case <-ticker.C:
			if err := j.RunCycle(ctx); err != nil {
				log.Printf("scheduled recompute cycle failed: %v", err)
			}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
