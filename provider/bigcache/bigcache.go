// Package bigcache adapts allegro/bigcache to the coherence Provider.
// BigCache has no per-entry TTL (global LifeWindow only); the response cache
// still enforces its own per-namespace TTL by stamping entries with a fill
// timestamp, so this provider is safe for slow-changing lookup namespaces.
package bigcache

import (
	"context"
	"strings"
	"time"

	bc "github.com/allegro/bigcache/v3"

	pr "github.com/opsboard/coherence/provider"
)

type Provider struct {
	c       *bc.BigCache
	started time.Time
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
}

func New(cfg Config) (*Provider, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c, started: time.Now()}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if err == bc.ErrEntryNotFound {
		return nil, false, nil
	}
	return b, err == nil, err
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	return true, p.c.Set(key, value)
}

func (p *Provider) Del(_ context.Context, key string) error {
	err := p.c.Delete(key)
	if err == bc.ErrEntryNotFound {
		return nil
	}
	return err
}

// DelPrefix walks the iterator and deletes matching keys. BigCache's
// iterator snapshots entries, so keys written during the walk may survive;
// epoch validation covers those.
func (p *Provider) DelPrefix(_ context.Context, prefix string) (int, error) {
	it := p.c.Iterator()
	var match []string
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(e.Key(), prefix) {
			match = append(match, e.Key())
		}
	}
	n := 0
	for _, k := range match {
		if err := p.c.Delete(k); err == nil {
			n++
		}
	}
	return n, nil
}

func (p *Provider) Ping(context.Context) error { return nil }

func (p *Provider) Stats(context.Context) (pr.Stats, error) {
	s := p.c.Stats()
	return pr.Stats{
		Connected: true,
		Keys:      int64(p.c.Len()),
		Hits:      s.Hits,
		Misses:    s.Misses,
		UptimeSec: int64(time.Since(p.started).Seconds()),
	}, nil
}

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
