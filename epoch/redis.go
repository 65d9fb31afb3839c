package epoch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares namespace epochs across processes and survives restarts.
// Optionally, a TTL can be applied to epoch keys to prevent unbounded
// growth. If an epoch key expires, readers observe epoch=0 and cache entries
// self-heal on the next read.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string        // key prefix; defaults to "epoch"
	ttl    time.Duration // optional TTL for epoch keys; 0 disables expiry
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis-backed epoch store without TTL.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "epoch"
	}
	return &Redis{rdb: client, prefix: prefix}
}

// NewRedisWithTTL creates a Redis-backed epoch store with TTL.
// If ttl <= 0, keys do not expire.
func NewRedisWithTTL(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	s := NewRedis(client, prefix)
	s.ttl = ttl
	return s
}

func (s *Redis) key(ns string) string { return s.prefix + ":" + ns }

// Snapshot returns the current epoch. Missing keys are treated as epoch 0.
func (s *Redis) Snapshot(ctx context.Context, ns string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(ns)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis epoch parse: %w", err)
	}
	return u, nil
}

// SnapshotMany returns epochs for multiple namespaces. Missing keys map to 0.
func (s *Redis) SnapshotMany(ctx context.Context, nss []string) (map[string]uint64, error) {
	if len(nss) == 0 {
		return map[string]uint64{}, nil
	}
	keys := make([]string, len(nss))
	for i, ns := range nss {
		keys[i] = s.key(ns)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]uint64, len(nss))
	for i, v := range vals {
		switch vv := v.(type) {
		case nil:
			out[nss[i]] = 0
		case string:
			u, err := strconv.ParseUint(vv, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("redis epoch parse at %s: %w", nss[i], err)
			}
			out[nss[i]] = u
		case []byte:
			u, err := strconv.ParseUint(string(vv), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("redis epoch parse at %s: %w", nss[i], err)
			}
			out[nss[i]] = u
		default:
			u, err := strconv.ParseUint(fmt.Sprint(vv), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("redis epoch parse at %s: %w", nss[i], err)
			}
			out[nss[i]] = u
		}
	}
	return out, nil
}

// Bump atomically increments the epoch and (optionally) refreshes TTL.
// When ttl > 0, INCR + EXPIRE are pipelined in a single round-trip and the
// INCR result is captured from the pipeline.
func (s *Redis) Bump(ctx context.Context, ns string) (uint64, error) {
	k := s.key(ns)

	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, k).Result()
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	}

	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// Cleanup is not applicable for Redis (expiry handles it when TTL is set).
func (s *Redis) Cleanup(time.Duration) {}

// Close is a no-op; the caller owns the client.
func (s *Redis) Close(context.Context) error { return nil }
