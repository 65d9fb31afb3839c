package coherence

import (
	"context"
	"net/url"
	"time"

	"github.com/opsboard/coherence/codec"
	ep "github.com/opsboard/coherence/epoch"
	"github.com/opsboard/coherence/internal/keys"
	pr "github.com/opsboard/coherence/provider"
)

// Options tune the response cache.
// Only Provider is required; others have sensible defaults.
type Options struct {
	// Required
	Provider pr.Provider

	// Epochs is where namespace epochs live. nil => in-process store.
	// Multi-instance deployments must share epochs (epoch.NewRedis) or one
	// instance keeps serving entries another instance already purged.
	Epochs ep.Store

	Logger Logger // if nil, NopLogger is used
	Hooks  Hooks  // if nil, NopHooks is used

	// DefaultTTL applies to namespaces absent from TTLs; 0 => 60s.
	DefaultTTL time.Duration
	// TTLs overrides the TTL per namespace. Near-real-time collections stay
	// at the default; slow-changing lookups can go up to an hour.
	TTLs map[string]time.Duration

	CleanupInterval time.Duration // local epoch pruning; 0 => 1h
	EpochRetention  time.Duration // local epoch retention; 0 => 30d
	Disabled        bool          // default false (enabled)
}

// New creates a Cache. The returned Cache is safe for concurrent use.
func New(opts Options) (*Cache, error) {
	return newCache(opts)
}

// Cached wraps a read: on a fresh hit it returns the decoded cached value,
// on a miss it runs load, stores the result stamped with the epoch observed
// before the load, and returns it. hit reports whether the value came from
// cache. Provider faults are swallowed (fail open): load's result and error
// are authoritative.
//
// This is a free function because Go methods cannot introduce type
// parameters.
func Cached[V any](ctx context.Context, c *Cache, namespace, key string, cod codec.Codec[V], load func(context.Context) (V, error)) (v V, hit bool, err error) {
	if raw, ok := c.getRaw(ctx, namespace, key); ok {
		if dv, derr := cod.Decode(raw); derr == nil {
			return dv, true, nil
		}
		// undecodable for this call's type; drop and fall through to load
		c.selfHeal(ctx, namespace, key, "value_decode")
	}

	obs := c.SnapshotEpoch(ctx, namespace)
	v, err = load(ctx)
	if err != nil {
		return v, false, err
	}
	if payload, eerr := cod.Encode(v); eerr == nil {
		c.putRaw(ctx, namespace, key, payload, obs)
	}
	return v, false, nil
}

// Key builds the storage key for a read identified by route, normalized
// query parameters and (when the response is principal-scoped) the
// principal identity.
func Key(namespace, route string, params url.Values, principal string) string {
	return keys.Response(namespace, route, keys.ParamHash(params), principal)
}
