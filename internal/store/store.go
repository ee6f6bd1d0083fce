// Package store is the durable ledger of exposure/conversion counters,
// learned weights, artifact documents, and weight history. It is the single
// source of truth; the artifact cache is a derived projection.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/featurelane/allocator/internal/api"
)

// ErrUnavailable marks storage connectivity failures. Report handlers
// surface it as a 5xx without retrying: a lost report is lost, never
// double-applied by an internal retry.
var ErrUnavailable = errors.New("stats store unavailable")

// StatKind names the counter an increment targets.
type StatKind string

const (
	KindExposure   StatKind = "exposures"
	KindConversion StatKind = "conversions"
)

// Valid reports whether the kind names a known counter.
func (k StatKind) Valid() bool {
	return k == KindExposure || k == KindConversion
}

// Store abstracts the storage engine behind the capability set the engine
// needs: atomic increment, keyed get/set, and a capped time-ordered log.
// The Redis and Postgres adapters are swappable; all operations must be
// safe under unbounded concurrent callers.
type Store interface {
	// IncrementStat atomically adds 1 to the named counter and bumps
	// last_updated, creating the record if absent (first-write-creates).
	// It must use an atomic storage primitive, not read-modify-write.
	IncrementStat(ctx context.Context, artifact, feature, variant string, kind StatKind) error

	// GetStats returns the record, or a zero-valued one if absent.
	GetStats(ctx context.Context, artifact, feature, variant string) (api.VariantStats, error)

	// ListVariants returns all stats records for one feature, sorted by
	// variant label.
	ListVariants(ctx context.Context, artifact, feature string) ([]api.VariantStats, error)

	// ListAllStats returns artifact -> feature -> stats, optionally
	// filtered to one artifact (empty filter means everything).
	ListAllStats(ctx context.Context, artifactFilter string) (map[string]map[string][]api.VariantStats, error)

	// SetWeight overwrites the learned weight and last_updated. Counters
	// and weights are never mutated by the same logical operation, so no
	// combined transaction is needed.
	SetWeight(ctx context.Context, artifact, feature, variant string, weight float64) error

	// AppendHistory appends one audit entry and trims the log beyond
	// api.HistoryCap entries in the same operation, oldest first.
	AppendHistory(ctx context.Context, artifact, feature string, entry api.WeightHistoryEntry) error

	// GetHistory returns up to limit entries, newest first.
	GetHistory(ctx context.Context, artifact, feature string, limit int) ([]api.WeightHistoryEntry, error)

	// GetArtifact returns the stored artifact document, or (nil, nil) when
	// absent or past its freshness window.
	GetArtifact(ctx context.Context, path string) (*api.Artifact, error)

	// SetArtifact stores the artifact document with a freshness TTL
	// (zero means no expiry).
	SetArtifact(ctx context.Context, path string, artifact *api.Artifact, ttl time.Duration) error

	// ListArtifacts returns the paths of all stored artifacts.
	ListArtifacts(ctx context.Context) ([]string, error)

	// Ping checks connectivity to the backing engine.
	Ping(ctx context.Context) error

	Close() error
}

// unavailable wraps a backend error so callers can detect connectivity
// failures with errors.Is(err, ErrUnavailable) while keeping the cause in
// the message.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %s", op, ErrUnavailable, err)
}
