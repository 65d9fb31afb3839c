package coherence

import (
	"context"
	"fmt"
	"sync"
	"time"

	ep "github.com/opsboard/coherence/epoch"
	"github.com/opsboard/coherence/internal/keys"
	"github.com/opsboard/coherence/internal/wire"
	pr "github.com/opsboard/coherence/provider"
)

const (
	defaultTTL       = time.Minute
	defaultSweep     = time.Hour
	defaultRetention = 30 * 24 * time.Hour
)

// Cache is the namespace-partitioned response cache. Entries are validated
// against the namespace epoch and their fill timestamp on every read, so a
// purge is honored even on providers that cannot delete by prefix and TTLs
// are honored even on providers without per-entry expiry.
type Cache struct {
	provider  pr.Provider
	epochs    ep.Store
	ownEpochs bool
	log       Logger
	hooks     Hooks

	enabled    bool
	defaultTTL time.Duration
	ttls       map[string]time.Duration

	// namespaces with purges pending or failed; reads bypass the provider
	// for a dirty namespace so nothing stale is served while the purge is
	// in flight or retrying.
	dirtyMu sync.Mutex
	dirty   map[string]int

	closeOnce sync.Once
}

func newCache(opts Options) (*Cache, error) {
	if opts.Provider == nil {
		return nil, errNilProvider
	}

	c := &Cache{
		provider: opts.Provider,
		enabled:  !opts.Disabled,
		dirty:    make(map[string]int),
	}

	// defaults
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.defaultTTL = coalesce[time.Duration](opts.DefaultTTL, defaultTTL)

	c.ttls = make(map[string]time.Duration, len(opts.TTLs))
	for ns, ttl := range opts.TTLs {
		c.ttls[ns] = ttl
	}

	if opts.Epochs != nil {
		c.epochs = opts.Epochs
	} else {
		sweep := coalesce[time.Duration](opts.CleanupInterval, defaultSweep)
		retention := coalesce[time.Duration](opts.EpochRetention, defaultRetention)
		c.epochs = ep.NewLocal(sweep, retention)
		c.ownEpochs = true
	}

	return c, nil
}

func (c *Cache) Enabled() bool { return c.enabled }

// TTL returns the configured TTL for a namespace.
func (c *Cache) TTL(namespace string) time.Duration {
	if ttl, ok := c.ttls[namespace]; ok {
		return ttl
	}
	return c.defaultTTL
}

func (c *Cache) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if c.ownEpochs {
			_ = c.epochs.Close(ctx)
		}
		err = c.provider.Close(ctx)
	})
	return err
}

// SnapshotEpoch returns the namespace's current epoch. Errors are reported
// through hooks and degrade to 0, which makes pending fills skip their write
// and cached reads self-heal. Conservative on purpose.
func (c *Cache) SnapshotEpoch(ctx context.Context, namespace string) uint64 {
	e, err := c.epochs.Snapshot(ctx, namespace)
	if err != nil {
		c.log.Warn("epoch snapshot error", Fields{"namespace": namespace, "err": err})
		c.hooks.EpochError(namespace, err)
		return 0
	}
	return e
}

// PurgeNamespace invalidates every cached entry of a namespace: bump the
// epoch (the correctness step, one counter write) then prefix-delete the
// keys (the space-reclamation step, best-effort). Used by the Invalidator;
// callers doing manual cache management may call it directly.
func (c *Cache) PurgeNamespace(ctx context.Context, namespace string) error {
	if !c.enabled {
		return nil
	}
	newEpoch, bumpErr := c.epochs.Bump(ctx, namespace)
	_, delErr := c.provider.DelPrefix(ctx, keys.NamespacePrefix(namespace))
	if delErr == pr.ErrUnsupported {
		delErr = nil // epoch validation covers purge correctness
	}
	if bumpErr == nil && delErr == nil {
		purgesTotal.WithLabelValues(namespace).Inc()
		c.log.Debug("namespace purged", Fields{"namespace": namespace, "epoch": newEpoch})
		return nil
	}
	return &PurgeError{Namespace: namespace, BumpErr: bumpErr, DelErr: delErr}
}

// MarkDirty forces cache bypass for a namespace until a purge succeeds.
// Marks accumulate per pending purge; ClearDirty drops them all, because an
// epoch bump that lands after N commits covers all N at once.
func (c *Cache) MarkDirty(namespace string) {
	c.dirtyMu.Lock()
	c.dirty[namespace]++
	c.dirtyMu.Unlock()
}

// ClearDirty re-enables cached reads for the namespace. Call only after a
// purge (epoch bump) has completed.
func (c *Cache) ClearDirty(namespace string) {
	c.dirtyMu.Lock()
	delete(c.dirty, namespace)
	c.dirtyMu.Unlock()
}

// IsDirty reports whether reads against the namespace currently bypass the
// cache because a purge is pending or has failed and is being retried.
func (c *Cache) IsDirty(namespace string) bool {
	c.dirtyMu.Lock()
	n := c.dirty[namespace]
	c.dirtyMu.Unlock()
	return n > 0
}

// Stats reports the operator snapshot from the underlying provider.
func (c *Cache) Stats(ctx context.Context) (pr.Stats, error) {
	return c.provider.Stats(ctx)
}

// getRaw returns the stored payload for key iff the entry is fresh: present,
// framed correctly, stamped with the current epoch and within the namespace
// TTL. Every failure mode degrades to a miss; provider errors additionally
// fail open.
func (c *Cache) getRaw(ctx context.Context, namespace, key string) ([]byte, bool) {
	if !c.enabled || c.IsDirty(namespace) {
		return nil, false
	}
	raw, ok, err := c.provider.Get(ctx, key)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		c.log.Warn("cache backend unavailable; serving live", Fields{"namespace": namespace, "err": err})
		c.hooks.FailOpen(namespace, err)
		failOpenTotal.WithLabelValues(namespace).Inc()
		return nil, false
	}
	if !ok {
		missesTotal.WithLabelValues(namespace).Inc()
		return nil, false
	}
	epoch, storedAt, payload, err := wire.Decode(raw)
	if err != nil {
		c.selfHeal(ctx, namespace, key, "corrupt")
		return nil, false
	}
	if epoch != c.SnapshotEpoch(ctx, namespace) {
		c.selfHeal(ctx, namespace, key, "epoch_mismatch")
		return nil, false
	}
	if age := time.Since(time.UnixMilli(storedAt)); age > c.TTL(namespace) {
		c.selfHeal(ctx, namespace, key, "expired")
		return nil, false
	}
	hitsTotal.WithLabelValues(namespace).Inc()
	return payload, true
}

// putRaw stores payload iff the namespace epoch still equals observedEpoch.
// A concurrent purge between the loader's DB read and this write moves the
// epoch, and the stale fill is skipped.
func (c *Cache) putRaw(ctx context.Context, namespace, key string, payload []byte, observedEpoch uint64) {
	if !c.enabled {
		return
	}
	if c.SnapshotEpoch(ctx, namespace) != observedEpoch {
		c.log.Debug("fill skipped (epoch moved)", Fields{"namespace": namespace, "key": key})
		return
	}
	framed := wire.Encode(observedEpoch, time.Now().UnixMilli(), payload)
	ok, err := c.provider.Set(ctx, key, framed, c.TTL(namespace))
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
		c.log.Warn("cache fill failed", Fields{"namespace": namespace, "key": key, "err": err})
		c.hooks.FailOpen(namespace, err)
		return
	}
	if !ok {
		c.log.Debug("fill rejected by provider (pressure)", Fields{"key": key})
		c.hooks.SetRejected(key)
	}
}

func (c *Cache) selfHeal(ctx context.Context, namespace, key, reason string) {
	_ = c.provider.Del(ctx, key)
	c.hooks.SelfHeal(key, reason)
	missesTotal.WithLabelValues(namespace).Inc()
	c.log.Debug("self-healed entry", Fields{"key": key, "reason": reason})
}
