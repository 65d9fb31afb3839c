package epoch

import (
	"context"
	"sync"
	"time"
)

type localEntry struct {
	Epoch     uint64
	UpdatedAt time.Time
}

// Local keeps epochs in-process (default).
// Optional cleanup loop prunes long-inactive namespaces.
type Local struct {
	mu     sync.RWMutex
	epochs map[string]localEntry
	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup

	retention time.Duration
}

var _ Store = (*Local)(nil)

func NewLocal(cleanupInterval, retention time.Duration) *Local {
	s := &Local{
		epochs:    make(map[string]localEntry),
		retention: retention,
	}
	if cleanupInterval > 0 && retention > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.Cleanup(retention)
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Local) Snapshot(_ context.Context, ns string) (uint64, error) {
	s.mu.RLock()
	e, ok := s.epochs[ns]
	s.mu.RUnlock()
	if !ok {
		return 0, nil
	}
	return e.Epoch, nil
}

// SnapshotMany acquires the read lock once and reads all requested
// namespaces, avoiding per-key lock/unlock overhead.
func (s *Local) SnapshotMany(_ context.Context, nss []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(nss))
	s.mu.RLock()
	for _, ns := range nss {
		out[ns] = s.epochs[ns].Epoch // zero value (0) if missing
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Local) Bump(_ context.Context, ns string) (uint64, error) {
	now := time.Now()
	s.mu.Lock()
	e := s.epochs[ns]
	e.Epoch++
	e.UpdatedAt = now
	s.epochs[ns] = e
	s.mu.Unlock()
	return e.Epoch, nil
}

func (s *Local) Cleanup(retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	for ns, e := range s.epochs {
		if !e.UpdatedAt.IsZero() && e.UpdatedAt.Before(cutoff) {
			delete(s.epochs, ns)
		}
	}
	s.mu.Unlock()
}

func (s *Local) Close(_ context.Context) error {
	if s.stopCh != nil {
		close(s.stopCh)
		if s.ticker != nil {
			s.ticker.Stop() // stop ticker before waiting
		}
		s.wg.Wait()
	}
	return nil
}
