// Package memory implements the coherence Provider as an in-process map.
// It is the fallback backend when Redis is unreachable at startup and the
// default for tests. Invalidations through it are only visible to the local
// process; multi-instance deployments must use the Redis provider.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	pr "github.com/opsboard/coherence/provider"
)

type entry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type Memory struct {
	mu      sync.RWMutex
	m       map[string]entry
	hits    int64
	misses  int64
	started time.Time

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var _ pr.Provider = (*Memory)(nil)

// New creates an in-process provider. sweepInterval > 0 starts a background
// loop that drops expired entries; expiry is also enforced lazily on Get.
func New(sweepInterval time.Duration) *Memory {
	p := &Memory{
		m:       make(map[string]entry),
		started: time.Now(),
	}
	if sweepInterval > 0 {
		p.ticker = time.NewTicker(sweepInterval)
		p.stopCh = make(chan struct{})
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-p.ticker.C:
					p.sweep()
				case <-p.stopCh:
					return
				}
			}
		}()
	}
	return p
}

func (p *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.RLock()
	e, ok := p.m[key]
	p.mu.RUnlock()
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		if ok {
			p.mu.Lock()
			delete(p.m, key)
			p.mu.Unlock()
		}
		p.mu.Lock()
		p.misses++
		p.mu.Unlock()
		return nil, false, nil
	}
	p.mu.Lock()
	p.hits++
	p.mu.Unlock()
	return e.v, true, nil
}

func (p *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.mu.Lock()
	p.m[key] = entry{v: value, exp: exp}
	p.mu.Unlock()
	return true, nil
}

func (p *Memory) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *Memory) DelPrefix(_ context.Context, prefix string) (int, error) {
	p.mu.Lock()
	n := 0
	for k := range p.m {
		if strings.HasPrefix(k, prefix) {
			delete(p.m, k)
			n++
		}
	}
	p.mu.Unlock()
	return n, nil
}

func (p *Memory) Ping(context.Context) error { return nil }

func (p *Memory) Stats(context.Context) (pr.Stats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return pr.Stats{
		Connected: true,
		Keys:      int64(len(p.m)),
		Hits:      p.hits,
		Misses:    p.misses,
		UptimeSec: int64(time.Since(p.started).Seconds()),
	}, nil
}

func (p *Memory) Close(context.Context) error {
	p.once.Do(func() {
		if p.stopCh != nil {
			close(p.stopCh)
			p.ticker.Stop()
			p.wg.Wait()
		}
	})
	return nil
}

func (p *Memory) sweep() {
	now := time.Now()
	p.mu.Lock()
	for k, e := range p.m {
		if !e.exp.IsZero() && now.After(e.exp) {
			delete(p.m, k)
		}
	}
	p.mu.Unlock()
}
