package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/twmb/murmur3"
	"go.uber.org/zap"

	"github.com/chatpipe/chatpipe/internal/search"
	"github.com/chatpipe/chatpipe/pkg/logger"
)

// generationKey holds the invalidation generation counter. Every
// write-affecting event bumps it, which moves all readers to a fresh key
// namespace; superseded entries are never read again and die by TTL. This
// replaces wildcard key scans with a single INCR.
const generationKey = "search:generation"

// Store memoizes search results in Redis with a fixed TTL.
//
// The store is an optimization, never a correctness dependency: all methods
// degrade to a miss when Redis is unavailable, and the caller re-queries the
// index.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
	log *logger.Logger
}

func NewStore(rdb *redis.Client, ttl time.Duration, log *logger.Logger) *Store {
	return &Store{rdb: rdb, ttl: ttl, log: log}
}

// Key computes the deterministic cache key for a normalized query under the
// current generation. Semantically identical queries share a key.
func (s *Store) Key(ctx context.Context, q search.Query) (string, error) {
	gen, err := s.generation(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("search:%d:%s", gen, HashQuery(q)), nil
}

// HashQuery returns the canonical hash of a normalized query. The JSON
// encoding of the Query struct has a stable field order, so equal queries
// always produce equal hashes.
func HashQuery(q search.Query) string {
	encoded, err := json.Marshal(q)
	if err != nil {
		// Query contains only plain data; Marshal cannot fail on it.
		panic(err)
	}
	h1, h2 := murmur3.Sum128(encoded)
	return fmt.Sprintf("%016x%016x", h1, h2)
}

// GetResult returns the cached result for the query, if present and within
// TTL. Cache errors are logged and reported as a miss.
func (s *Store) GetResult(ctx context.Context, q search.Query) (*search.Result, bool) {
	key, err := s.Key(ctx, q)
	if err != nil {
		s.log.WarnContext(ctx, "cache unavailable, falling through to index", zap.Error(err))
		return nil, false
	}

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.WarnContext(ctx, "cache read failed, falling through to index", zap.Error(err))
		}
		return nil, false
	}

	var result search.Result
	if err := json.Unmarshal(data, &result); err != nil {
		s.log.WarnContext(ctx, "dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &result, true
}

// SetResult stores a search result under the query's key with the fixed TTL.
func (s *Store) SetResult(ctx context.Context, q search.Query, result *search.Result) error {
	key, err := s.Key(ctx, q)
	if err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache write failed: %w", err)
	}
	return nil
}

// Invalidate drops all cached search results by bumping the generation.
// Invalidation is coarse and idempotent; concurrent bumps just skip ahead.
func (s *Store) Invalidate(ctx context.Context) error {
	if err := s.rdb.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("cache invalidation failed: %w", err)
	}
	return nil
}

func (s *Store) generation(ctx context.Context) (int64, error) {
	gen, err := s.rdb.Get(ctx, generationKey).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return gen, nil
}
