package coherence

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the cache and the
// invalidation worker call them on hot paths. Wrap with hooks/async to move
// work off the caller.
type Hooks interface {
	// A cached entry was deleted on read.
	// reason ∈ {"corrupt", "epoch_mismatch", "value_decode", "expired"}
	SelfHeal(storageKey, reason string)

	// The provider failed during a read or fill; the request was served live.
	FailOpen(namespace string, err error)

	// Provider returned ok=false on Set (backpressure/eviction).
	SetRejected(storageKey string)

	// A namespace purge attempt failed and will be retried.
	PurgeRetry(namespace string, attempt int, err error)

	// A namespace purge ran out of attempts; the namespace stays dirty
	// (cache-bypassed) until a later purge for it succeeds.
	PurgeExhausted(namespace string, err error)

	// EpochStore errors (snapshot or bump).
	EpochError(namespace string, err error)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)       {}
func (NopHooks) FailOpen(string, error)        {}
func (NopHooks) SetRejected(string)            {}
func (NopHooks) PurgeRetry(string, int, error) {}
func (NopHooks) PurgeExhausted(string, error)  {}
func (NopHooks) EpochError(string, error)      {}
