// Package provider defines the storage abstraction used by coherence.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key (no prepended
// metadata, no re-encoding, no mutation). If a store performs internal
// transforms (e.g., compression), they MUST be fully reversed.
//
// The keyspace "resp:<ns>:" is owned by coherence. External code MUST NOT
// write values under these prefixes; foreign writes are treated as corruption
// by strict wire-format validation and deleted.
package provider

import (
	"context"
	"errors"
	"time"
)

// ErrUnsupported is returned by DelPrefix on stores that cannot enumerate
// keys (e.g., Ristretto). Coherence tolerates it: purge correctness comes
// from epoch validation, prefix deletion only reclaims space early.
var ErrUnsupported = errors.New("provider: operation not supported")

// Stats is the operator-facing snapshot served by the monitoring endpoint.
// Fields a store cannot report are left zero.
type Stats struct {
	Connected  bool   `json:"connected"`
	Keys       int64  `json:"keys"`
	Hits       int64  `json:"hits"`
	Misses     int64  `json:"misses"`
	UsedMemory string `json:"used_memory,omitempty"`
	UptimeSec  int64  `json:"uptime_seconds,omitempty"`
}

// Provider is a minimal byte store with TTLs and prefix deletion.
// Must be safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// If an IO/remote error happens, return (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL.
	// Returns ok=false when the store rejected the write under pressure.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error)

	// Del removes a key (best-effort).
	Del(ctx context.Context, key string) error

	// DelPrefix removes every key with the given prefix and reports how many
	// were deleted. Stores without key enumeration return ErrUnsupported.
	DelPrefix(ctx context.Context, prefix string) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Stats reports an operator snapshot (best-effort).
	Stats(ctx context.Context) (Stats, error)

	// Close releases resources.
	Close(ctx context.Context) error
}
