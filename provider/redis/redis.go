// Package redis implements the coherence Provider on top of go-redis.
// This is the production backend: a single shared Redis keeps every server
// instance's view of the cache (and of invalidations) consistent.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/opsboard/coherence/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

const scanBatch = 500

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
}

var _ pr.Provider = (*Redis)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this provider exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 0 // treat non-positive TTLs as "no expiry" per provider contract
	}
	if err := p.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, key).Err()
}

// DelPrefix deletes every key under prefix using SCAN in batches. SCAN is
// cursor-based and non-blocking, unlike KEYS, so a large namespace purge
// does not stall the shared Redis.
func (p *Redis) DelPrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	pattern := prefix + "*"
	for {
		keys, next, err := p.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := p.rdb.Del(ctx, keys...).Result()
			deleted += int(n)
			if err != nil {
				return deleted, err
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (p *Redis) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Stats parses INFO plus DBSIZE into the operator snapshot.
func (p *Redis) Stats(ctx context.Context) (pr.Stats, error) {
	var st pr.Stats
	info, err := p.rdb.Info(ctx, "stats", "memory", "server").Result()
	if err != nil {
		return st, err
	}
	st.Connected = true
	for _, line := range strings.Split(info, "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch k {
		case "keyspace_hits":
			st.Hits, _ = strconv.ParseInt(v, 10, 64)
		case "keyspace_misses":
			st.Misses, _ = strconv.ParseInt(v, 10, 64)
		case "used_memory_human":
			st.UsedMemory = v
		case "uptime_in_seconds":
			st.UptimeSec, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if n, err := p.rdb.DBSize(ctx).Result(); err == nil {
		st.Keys = n
	}
	return st, nil
}

// Close releases the underlying redis client only when this provider owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
