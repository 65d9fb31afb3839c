// Package ristretto adapts dgraph-io/ristretto to the coherence Provider.
// Ristretto cannot enumerate keys, so DelPrefix reports ErrUnsupported and a
// namespace purge relies entirely on the epoch bump: stale entries fail
// validation on read and self-heal. Use it for read-heavy single-instance
// deployments where admission-policy eviction matters more than eager purge.
package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/opsboard/coherence/provider"
)

type Provider struct {
	c       *rc.Cache
	started time.Time
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, started: time.Now()}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return p.c.SetWithTTL(key, value, int64(len(value)), ttl), nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) DelPrefix(context.Context, string) (int, error) {
	return 0, pr.ErrUnsupported
}

func (p *Provider) Ping(context.Context) error { return nil }

func (p *Provider) Stats(context.Context) (pr.Stats, error) {
	st := pr.Stats{
		Connected: true,
		UptimeSec: int64(time.Since(p.started).Seconds()),
	}
	if m := p.c.Metrics; m != nil {
		st.Hits = int64(m.Hits())
		st.Misses = int64(m.Misses())
		st.Keys = int64(m.KeysAdded() - m.KeysEvicted())
	}
	return st, nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}
