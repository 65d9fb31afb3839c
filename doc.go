// Package coherence keeps cached read responses coherent with a relational
// source of truth and propagates row-level changes to live clients.
//
// Server side:
//   - Cache: namespace-partitioned response cache over a pluggable Provider
//     (Redis, in-memory, BigCache, Ristretto). Entries are stamped with the
//     namespace epoch observed at fill time and validated on read, so a purge
//     is effective the instant the epoch moves, even before key deletion runs.
//   - Invalidator: declarative entity -> namespace cascade map. Commit()
//     enqueues the purge set after the database commit and returns
//     immediately; a worker bumps epochs, prefix-deletes keys and retries
//     with backoff. Namespaces with a pending failed purge are cache-bypassed.
//   - eventbus.Bus: publishes one ChangeEvent per committed row mutation to
//     matching subscribers, ordered per entity, tagged with the originating
//     client so that client can tell its own echo from a peer's change.
//
// Client side:
//   - realtime.Manager: multiplexes UI subscriptions onto one logical channel
//     per (table, filter) pair, reconnects with backoff and forces a full
//     resync after any gap.
//   - optimistic.Store: applies predicted mutation results immediately,
//     reconciles them against inbound events and API results, and rolls back
//     on failure.
//   - kanban.Board: derives column membership from the single authoritative
//     status field, so a task is rendered in exactly one column even while a
//     drag and a conflicting remote event race.
//
// Fill pattern (epoch-validated; Cached and the HTTP middleware both use it):
//
//	obs := cache.SnapshotEpoch(ns) // before the DB read
//	v   := loadFromDB()
//	_   = store(ns, key, v, obs)   // written iff the epoch still equals obs
package coherence
