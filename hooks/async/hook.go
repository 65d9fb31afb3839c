// Package asynchook decouples hook callbacks from the caller: events are
// queued and replayed on worker goroutines, and dropped when the queue is
// full rather than blocking a cache or purge hot path.
package asynchook

import (
	"sync"

	"github.com/opsboard/coherence"
)

type Hooks struct {
	inner coherence.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ coherence.Hooks = (*Hooks)(nil)

func New(inner coherence.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHeal(k, r string)        { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) FailOpen(ns string, e error) { h.try(func() { h.inner.FailOpen(ns, e) }) }
func (h *Hooks) SetRejected(k string)        { h.try(func() { h.inner.SetRejected(k) }) }
func (h *Hooks) PurgeRetry(ns string, n int, e error) {
	h.try(func() { h.inner.PurgeRetry(ns, n, e) })
}
func (h *Hooks) PurgeExhausted(ns string, e error) {
	h.try(func() { h.inner.PurgeExhausted(ns, e) })
}
func (h *Hooks) EpochError(ns string, e error) {
	h.try(func() { h.inner.EpochError(ns, e) })
}
