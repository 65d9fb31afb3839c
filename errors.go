package coherence

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheUnavailable wraps provider failures surfaced through the
	// FailOpen hook (match with errors.Is). It is logged and counted but
	// never returned to request handlers; reads fail open to live data.
	ErrCacheUnavailable = errors.New("coherence: cache backend unavailable")

	// ErrClosed is returned by Invalidator.Commit after Close.
	ErrClosed = errors.New("coherence: closed")

	// ErrUnknownEntity is returned by Invalidator.Commit for an entity type
	// with no declared invalidation rule.
	ErrUnknownEntity = errors.New("coherence: no invalidation rule for entity")

	errNilProvider = errors.New("coherence: provider is required")
)

// PurgeError describes a failed namespace purge. Either phase may have
// failed: the epoch bump (which makes the purge visible to readers) or the
// prefix delete (which reclaims space).
type PurgeError struct {
	Namespace string
	BumpErr   error
	DelErr    error
}

func (e *PurgeError) Error() string {
	switch {
	case e.BumpErr != nil && e.DelErr != nil:
		return fmt.Sprintf("purge %q failed: epoch bump and prefix delete failed: bump=%v; delete=%v",
			e.Namespace, e.BumpErr, e.DelErr)
	case e.BumpErr != nil:
		return fmt.Sprintf("purge %q: epoch bump failed: %v", e.Namespace, e.BumpErr)
	case e.DelErr != nil:
		return fmt.Sprintf("purge %q: prefix delete failed: %v", e.Namespace, e.DelErr)
	default:
		return fmt.Sprintf("purge %q: unknown error", e.Namespace)
	}
}

func (e *PurgeError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.BumpErr != nil {
		errs = append(errs, e.BumpErr)
	}
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	return errs
}
