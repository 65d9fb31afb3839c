// Package epoch tracks a monotonic counter per cache namespace. Purging a
// namespace bumps its epoch; every cache entry is stamped with the epoch
// observed when it was filled and rejected on read if the epoch has moved.
//
// Use Local for single-instance deployments and tests. Use Redis in
// production: with shared counters an invalidation performed by one server
// instance is observed by every other instance on its next read, which is
// what keeps a centralized cache coherent across the fleet.
package epoch

import (
	"context"
	"time"
)

// Store abstracts where namespace epochs live.
type Store interface {
	// Snapshot returns the current epoch; missing => 0.
	Snapshot(ctx context.Context, namespace string) (uint64, error)
	// SnapshotMany returns epochs for many namespaces; missing => 0.
	SnapshotMany(ctx context.Context, namespaces []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new epoch.
	Bump(ctx context.Context, namespace string) (uint64, error)
	// Cleanup prunes old metadata if applicable (no-op for Redis).
	Cleanup(retention time.Duration)
	// Close releases resources (no-op ok).
	Close(context.Context) error
}
