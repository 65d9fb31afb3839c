package coherence

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Op names the committed mutation kind; carried for logging and hooks only,
// the purge set depends solely on the entity type.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// InvalidatorOptions tune the async purge worker.
type InvalidatorOptions struct {
	// Rules maps entity types to their invalidation sets.
	// nil => DefaultRuleset().
	Rules Ruleset

	QueueSize      int           // 0 => 256
	Workers        int           // 0 => 1
	MaxAttempts    int           // attempts per purge before PurgeExhausted; 0 => 5
	InitialBackoff time.Duration // 0 => 100ms
	MaxBackoff     time.Duration // 0 => 5s
}

// Invalidator purges the declared namespace set after each committed write.
// Commit returns immediately: purging runs on worker goroutines with retry,
// so slow cache infrastructure never adds to write latency. Until a
// namespace's purge succeeds the namespace is dirty and reads bypass the
// cache, which preserves "commit, then purge, then any later read
// recomputes" even while retries are in flight.
type Invalidator struct {
	cache *Cache
	rules Ruleset
	log   Logger
	hooks Hooks

	q      chan string // namespace per job
	jobs   sync.WaitGroup
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// mu orders Commit against Close: Commit holds the read lock across its
	// queue sends, so the queue cannot be closed mid-send.
	mu     sync.RWMutex
	closed bool

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewInvalidator starts the purge workers. Close the Invalidator before
// closing the Cache.
func NewInvalidator(c *Cache, opts InvalidatorOptions) *Invalidator {
	inv := &Invalidator{
		cache:          c,
		rules:          opts.Rules,
		log:            c.log,
		hooks:          c.hooks,
		q:              make(chan string, coalesce[int](opts.QueueSize, 256)),
		stopCh:         make(chan struct{}),
		maxAttempts:    coalesce[int](opts.MaxAttempts, 5),
		initialBackoff: coalesce[time.Duration](opts.InitialBackoff, 100*time.Millisecond),
		maxBackoff:     coalesce[time.Duration](opts.MaxBackoff, 5*time.Second),
	}
	if inv.rules == nil {
		inv.rules = DefaultRuleset()
	}
	workers := coalesce[int](opts.Workers, 1)
	inv.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go inv.run()
	}
	return inv
}

// Commit schedules the purge of entityType's full invalidation set. Call it
// strictly after the database commit is durable; never call it for a failed
// write. It returns ErrUnknownEntity for an undeclared entity type and
// ErrClosed after Close; purge failures are retried internally and surface
// through hooks, not to the write path.
func (inv *Invalidator) Commit(ctx context.Context, entityType string, op Op) error {
	nss, ok := inv.rules.Namespaces(entityType)
	if !ok {
		return ErrUnknownEntity
	}

	inv.mu.RLock()
	defer inv.mu.RUnlock()
	if inv.closed {
		return ErrClosed
	}

	inv.log.Debug("invalidation scheduled", Fields{"entity": entityType, "op": op, "namespaces": nss})
	for _, ns := range nss {
		inv.cache.MarkDirty(ns)
		inv.jobs.Add(1)
		select {
		case inv.q <- ns:
		case <-ctx.Done():
			// purge synchronously rather than dropping scheduled work
			inv.purge(ns)
			return ctx.Err()
		}
	}
	return nil
}

// Flush blocks until every scheduled purge has completed (or exhausted its
// attempts). Intended for graceful shutdown and tests.
func (inv *Invalidator) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		inv.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the workers after draining queued purges. Commits racing Close
// either land on the queue before it closes or fail with ErrClosed; they
// never hit a closed channel.
func (inv *Invalidator) Close() {
	inv.once.Do(func() {
		inv.mu.Lock()
		inv.closed = true
		inv.mu.Unlock()
		close(inv.stopCh)
		close(inv.q)
		inv.wg.Wait()
	})
}

func (inv *Invalidator) run() {
	defer inv.wg.Done()
	for ns := range inv.q {
		inv.purge(ns)
	}
}

// purge retries with exponential backoff and jitter. On success the dirty
// mark is cleared; on exhaustion it is left in place so reads keep bypassing
// the namespace until a later purge for it lands.
func (inv *Invalidator) purge(namespace string) {
	defer inv.jobs.Done()

	backoff := inv.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= inv.maxAttempts; attempt++ {
		err := inv.cache.PurgeNamespace(context.Background(), namespace)
		if err == nil {
			if attempt > 1 {
				inv.log.Info("purge succeeded after retry", Fields{"namespace": namespace, "attempt": attempt})
			}
			inv.cache.ClearDirty(namespace)
			return
		}
		lastErr = err

		if attempt >= inv.maxAttempts {
			break
		}
		inv.hooks.PurgeRetry(namespace, attempt, err)
		purgeRetriesTotal.WithLabelValues(namespace).Inc()

		// ±20% jitter to avoid synchronized retries across instances
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		inv.log.Debug("purge failed; backing off", Fields{"namespace": namespace, "attempt": attempt, "backoff": jitter, "err": err})

		select {
		case <-time.After(jitter):
		case <-inv.stopCh:
			// one last immediate try below via loop exit
		}

		backoff = time.Duration(float64(backoff) * 2)
		if backoff > inv.maxBackoff {
			backoff = inv.maxBackoff
		}
	}

	inv.log.Error("purge attempts exhausted; namespace stays cache-bypassed", Fields{"namespace": namespace, "err": lastErr})
	inv.hooks.PurgeExhausted(namespace, lastErr)
	purgeExhaustedTotal.WithLabelValues(namespace).Inc()
}
