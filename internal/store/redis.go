package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/featurelane/allocator/internal/api"
)

// Redis key layout. Feature and variant labels must not contain ':'; the
// artifact path may (it is recovered by splitting from the right).
const (
	prefixStats    = "stats:"    // stats:<artifact>:<feature>:<variant> -> hash
	prefixArtifact = "datafile:" // datafile:<path>                      -> JSON string
	prefixHistory  = "history:"  // history:<artifact>:<feature>         -> sorted set
)

// RedisStore implements Store on Redis. Counters live in hashes and are
// incremented with HINCRBY, so concurrent reports never lose updates; the
// history log is a sorted set scored by timestamp and trimmed with
// ZREMRANGEBYRANK in the same operation.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing client after verifying connectivity.
func NewRedisStore(ctx context.Context, client *redis.Client) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func statsKey(artifact, feature, variant string) string {
	return prefixStats + artifact + ":" + feature + ":" + variant
}

func historyKey(artifact, feature string) string {
	return prefixHistory + artifact + ":" + feature
}

func (r *RedisStore) IncrementStat(ctx context.Context, artifact, feature, variant string, kind StatKind) error {
	key := statsKey(artifact, feature, variant)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, string(kind), 1)
		pipe.HSet(ctx, key, "last_updated", time.Now().Unix())
		return nil
	})
	if err != nil {
		return unavailable("redis HINCRBY", err)
	}
	return nil
}

func (r *RedisStore) GetStats(ctx context.Context, artifact, feature, variant string) (api.VariantStats, error) {
	fields, err := r.client.HGetAll(ctx, statsKey(artifact, feature, variant)).Result()
	if err != nil {
		return api.VariantStats{}, unavailable("redis HGETALL", err)
	}
	return parseStatsHash(variant, fields), nil
}

// parseStatsHash tolerates missing fields: an empty hash is a zero record.
func parseStatsHash(variant string, fields map[string]string) api.VariantStats {
	stats := api.VariantStats{Variant: variant}
	if v, ok := fields["exposures"]; ok {
		stats.Exposures, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["conversions"]; ok {
		stats.Conversions, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields["weight"]; ok {
		stats.Weight, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := fields["last_updated"]; ok {
		stats.LastUpdated, _ = strconv.ParseInt(v, 10, 64)
	}
	return stats
}

func (r *RedisStore) ListVariants(ctx context.Context, artifact, feature string) ([]api.VariantStats, error) {
	prefix := prefixStats + artifact + ":" + feature + ":"

	keys, err := r.scanKeys(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}

	out := make([]api.VariantStats, 0, len(keys))
	for _, key := range keys {
		variant := strings.TrimPrefix(key, prefix)
		stats, err := r.GetStats(ctx, artifact, feature, variant)
		if err != nil {
			return nil, err
		}
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variant < out[j].Variant })
	return out, nil
}

func (r *RedisStore) ListAllStats(ctx context.Context, artifactFilter string) (map[string]map[string][]api.VariantStats, error) {
	pattern := prefixStats + "*"
	if artifactFilter != "" {
		pattern = prefixStats + artifactFilter + ":*"
	}

	keys, err := r.scanKeys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	out := make(map[string]map[string][]api.VariantStats)
	for _, key := range keys {
		artifact, feature, variant, ok := splitStatsKey(key)
		if !ok {
			continue
		}

		stats, err := r.GetStats(ctx, artifact, feature, variant)
		if err != nil {
			return nil, err
		}

		if out[artifact] == nil {
			out[artifact] = make(map[string][]api.VariantStats)
		}
		out[artifact][feature] = append(out[artifact][feature], stats)
	}

	for _, features := range out {
		for _, variants := range features {
			sort.Slice(variants, func(i, j int) bool { return variants[i].Variant < variants[j].Variant })
		}
	}
	return out, nil
}

// splitStatsKey recovers (artifact, feature, variant) from a stats key,
// splitting from the right so colons inside the artifact path survive.
func splitStatsKey(key string) (artifact, feature, variant string, ok bool) {
	rest := strings.TrimPrefix(key, prefixStats)

	i := strings.LastIndex(rest, ":")
	if i < 0 {
		return "", "", "", false
	}
	variant = rest[i+1:]
	rest = rest[:i]

	i = strings.LastIndex(rest, ":")
	if i < 0 {
		return "", "", "", false
	}
	return rest[:i], rest[i+1:], variant, true
}

func (r *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("redis SCAN", err)
	}
	return keys, nil
}

func (r *RedisStore) SetWeight(ctx context.Context, artifact, feature, variant string, weight float64) error {
	key := statsKey(artifact, feature, variant)

	err := r.client.HSet(ctx, key,
		"weight", weight,
		"last_updated", time.Now().Unix(),
	).Err()
	if err != nil {
		return unavailable("redis HSET", err)
	}
	return nil
}

func (r *RedisStore) AppendHistory(ctx context.Context, artifact, feature string, entry api.WeightHistoryEntry) error {
	key := historyKey(artifact, feature)

	member, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, &redis.Z{Score: float64(entry.Timestamp), Member: member})
		pipe.ZRemRangeByRank(ctx, key, 0, -int64(api.HistoryCap)-1)
		return nil
	})
	if err != nil {
		return unavailable("redis ZADD", err)
	}
	return nil
}

func (r *RedisStore) GetHistory(ctx context.Context, artifact, feature string, limit int) ([]api.WeightHistoryEntry, error) {
	if limit <= 0 || limit > api.HistoryCap {
		limit = api.HistoryCap
	}

	members, err := r.client.ZRevRange(ctx, historyKey(artifact, feature), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, unavailable("redis ZREVRANGE", err)
	}

	out := make([]api.WeightHistoryEntry, 0, len(members))
	for _, member := range members {
		var entry api.WeightHistoryEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal history entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (r *RedisStore) GetArtifact(ctx context.Context, path string) (*api.Artifact, error) {
	data, err := r.client.Get(ctx, prefixArtifact+path).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("redis GET", err)
	}

	var artifact api.Artifact
	if err := json.Unmarshal([]byte(data), &artifact); err != nil {
		return nil, fmt.Errorf("unmarshal artifact %q: %w", path, err)
	}
	return &artifact, nil
}

func (r *RedisStore) SetArtifact(ctx context.Context, path string, artifact *api.Artifact, ttl time.Duration) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("marshal artifact %q: %w", path, err)
	}

	if err := r.client.Set(ctx, prefixArtifact+path, data, ttl).Err(); err != nil {
		return unavailable("redis SET", err)
	}
	return nil
}

func (r *RedisStore) ListArtifacts(ctx context.Context) ([]string, error) {
	keys, err := r.scanKeys(ctx, prefixArtifact+"*")
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		paths = append(paths, strings.TrimPrefix(key, prefixArtifact))
	}
	sort.Strings(paths)
	return paths, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis PING", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
