// Package optimistic keeps a client-side view of entities that is updated
// immediately on user action and reconciled against the authoritative change
// feed afterwards. Every local mutation carries a correlation id; the server
// either confirms it (directly or through the echoed change event) or the
// mutation is rolled back to the snapshot taken before it was applied.
package optimistic

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/opsboard/coherence"
	"github.com/opsboard/coherence/eventbus"
)

var (
	ErrStoreClosed   = errors.New("optimistic: store closed")
	ErrUnknownOp     = errors.New("optimistic: unknown correlation id")
	ErrUnknownEntity = errors.New("optimistic: unknown entity")
)

// Entity is one row's client-side image.
type Entity map[string]any

func (e Entity) clone() Entity {
	if e == nil {
		return nil
	}
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

type Status string

const (
	// StatusApplied: predicted locally, not yet acknowledged.
	StatusApplied Status = "applied"
	// StatusConfirmed: the server accepted the mutation.
	StatusConfirmed Status = "confirmed"
	// StatusRolledBack: the mutation failed or timed out; the snapshot was
	// restored or the server state took over.
	StatusRolledBack Status = "rolled_back"
)

// PendingOp is one in-flight optimistic mutation. At most one exists per
// entity: a second Apply on the same entity supersedes the first but keeps
// its snapshot, so a rollback always restores the state before the first
// unacknowledged change.
type PendingOp struct {
	EntityID      string
	CorrelationID string
	// Expected is the predicted entity state the server echo should match.
	Expected Entity
	// Snapshot is the state to restore on rollback.
	Snapshot    Entity
	SubmittedAt time.Time
	Status      Status
}

type StoreOptions struct {
	// Origin identifies this client on the wire; change events carrying it
	// are this client's own echoes. Required.
	Origin string
	Logger coherence.Logger
	// PendingTimeout bounds how long a mutation may stay unacknowledged
	// before the server state wins; 0 => 5s.
	PendingTimeout time.Duration

	// OnChange fires after any entity image changes, with the new image
	// (nil when the entity was deleted).
	OnChange func(entityID string, e Entity)
	// OnError fires when a mutation is rolled back.
	OnError func(entityID string, err error)
	// OnResync fires when a pending mutation timed out; the caller should
	// refetch the entity.
	OnResync func(entityID string)

	// now overrides the clock in tests.
	now func() time.Time
}

// Store holds the reconciled entity images. All state lives behind a single
// reducer goroutine, so callbacks observe a consistent view and no locks
// leak into callback code. Callbacks run on that goroutine and must not call
// back into the Store.
type Store struct {
	origin  string
	log     coherence.Logger
	timeout time.Duration
	now     func() time.Time

	onChange func(string, Entity)
	onError  func(string, error)
	onResync func(string)

	ops    chan func()
	closed chan struct{}
	done   chan struct{}

	entities map[string]Entity
	pending  map[string]*PendingOp // by entity id
	byCorr   map[string]string     // correlation id -> entity id
	applied  map[string]int64      // entity id -> last merged commit ts
	deferred map[string][]*eventbus.ChangeEvent
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Origin == "" {
		return nil, errors.New("optimistic: origin required")
	}
	s := &Store{
		origin:   opts.Origin,
		log:      opts.Logger,
		timeout:  opts.PendingTimeout,
		now:      opts.now,
		onChange: opts.OnChange,
		onError:  opts.OnError,
		onResync: opts.OnResync,
		ops:      make(chan func()),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
		entities: make(map[string]Entity),
		pending:  make(map[string]*PendingOp),
		byCorr:   make(map[string]string),
		applied:  make(map[string]int64),
		deferred: make(map[string][]*eventbus.ChangeEvent),
	}
	if s.log == nil {
		s.log = coherence.NopLogger{}
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	go s.run()
	return s, nil
}

func (s *Store) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case f := <-s.ops:
			f()
		case <-ticker.C:
			s.sweep()
		case <-s.closed:
			return
		}
	}
}

// do runs f on the reducer goroutine and waits for it.
func (s *Store) do(f func()) error {
	ran := make(chan struct{})
	select {
	case s.ops <- func() { f(); close(ran) }:
		<-ran
		return nil
	case <-s.closed:
		return ErrStoreClosed
	}
}

func (s *Store) Close() {
	select {
	case <-s.closed:
		return
	default:
		close(s.closed)
	}
	<-s.done
}

// Seed installs the fetched server state for an entity, replacing whatever
// image was there. Used on initial load and after a resync.
func (s *Store) Seed(entityID string, e Entity) error {
	return s.do(func() {
		s.entities[entityID] = e.clone()
		delete(s.deferred, entityID)
		s.notifyChange(entityID)
	})
}

// Get returns a copy of the current image.
func (s *Store) Get(entityID string) (Entity, bool) {
	var e Entity
	var ok bool
	if err := s.do(func() {
		e, ok = s.entities[entityID]
		e = e.clone()
	}); err != nil {
		return nil, false
	}
	return e, ok
}

// Pending returns the in-flight mutation for an entity, if any.
func (s *Store) Pending(entityID string) (PendingOp, bool) {
	var op PendingOp
	var ok bool
	if err := s.do(func() {
		if p, found := s.pending[entityID]; found {
			op, ok = *p, true
		}
	}); err != nil {
		return PendingOp{}, false
	}
	return op, ok
}

// Apply records an optimistic mutation: mutate runs against a copy of the
// current image, the result becomes the visible state immediately, and a
// correlation id is returned for the server round trip. A second Apply on an
// entity with an unacknowledged mutation supersedes it without rolling back,
// inheriting the original snapshot.
func (s *Store) Apply(entityID string, mutate func(Entity) Entity) (string, error) {
	corrID := uuid.NewString()
	err := s.do(func() {
		current := s.entities[entityID]
		snapshot := current.clone()
		if prev, ok := s.pending[entityID]; ok {
			snapshot = prev.Snapshot
			delete(s.byCorr, prev.CorrelationID)
		}
		predicted := mutate(current.clone())
		s.entities[entityID] = predicted
		op := &PendingOp{
			EntityID:      entityID,
			CorrelationID: corrID,
			Expected:      predicted.clone(),
			Snapshot:      snapshot,
			SubmittedAt:   s.now(),
			Status:        StatusApplied,
		}
		s.pending[entityID] = op
		s.byCorr[corrID] = entityID
		s.notifyChange(entityID)
	})
	if err != nil {
		return "", err
	}
	return corrID, nil
}

// Confirm settles a mutation with the server's authoritative image. A nil
// server image keeps the predicted state.
func (s *Store) Confirm(corrID string, server Entity) error {
	var opErr error
	err := s.do(func() {
		entityID, ok := s.byCorr[corrID]
		if !ok {
			opErr = ErrUnknownOp
			return
		}
		s.settle(entityID, StatusConfirmed)
		if server != nil {
			s.entities[entityID] = server.clone()
		}
		s.notifyChange(entityID)
		s.replayDeferred(entityID)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Fail rolls a mutation back to its snapshot.
func (s *Store) Fail(corrID string, cause error) error {
	var opErr error
	err := s.do(func() {
		entityID, ok := s.byCorr[corrID]
		if !ok {
			opErr = ErrUnknownOp
			return
		}
		op := s.pending[entityID]
		s.settle(entityID, StatusRolledBack)
		if op.Snapshot == nil {
			delete(s.entities, entityID)
		} else {
			s.entities[entityID] = op.Snapshot
		}
		if s.onError != nil {
			s.onError(entityID, cause)
		}
		s.notifyChange(entityID)
		s.replayDeferred(entityID)
	})
	if err != nil {
		return err
	}
	return opErr
}

// ApplyEvent merges one change event from the feed. Events are idempotent on
// (entity id, commit ts): replays and duplicates are dropped. An event
// produced by this client's own mutation confirms the matching pending op.
// A foreign event arriving while a mutation is pending is held back until
// the mutation settles, then replayed with the server winning.
func (s *Store) ApplyEvent(ev *eventbus.ChangeEvent) error {
	return s.do(func() {
		s.applyEventLocked(ev)
	})
}

func (s *Store) applyEventLocked(ev *eventbus.ChangeEvent) {
	if ev.CommitTS != 0 && ev.CommitTS <= s.applied[ev.EntityID] {
		return
	}

	if op, ok := s.pending[ev.EntityID]; ok {
		if s.isEcho(ev, op) {
			s.settle(ev.EntityID, StatusConfirmed)
			s.merge(ev)
			s.replayDeferred(ev.EntityID)
			return
		}
		// a concurrent change from elsewhere: hold it until our own
		// mutation settles
		s.deferred[ev.EntityID] = append(s.deferred[ev.EntityID], ev)
		return
	}
	s.merge(ev)
}

// isEcho reports whether the event is the server-side result of the pending
// mutation: tagged with our origin, or carrying exactly the predicted image.
func (s *Store) isEcho(ev *eventbus.ChangeEvent, op *PendingOp) bool {
	if ev.Origin == s.origin {
		return true
	}
	if ev.Type == eventbus.EventDelete || ev.New == nil {
		return false
	}
	return reflect.DeepEqual(Entity(ev.New), op.Expected)
}

func (s *Store) merge(ev *eventbus.ChangeEvent) {
	if ev.CommitTS != 0 {
		s.applied[ev.EntityID] = ev.CommitTS
	}
	switch ev.Type {
	case eventbus.EventDelete:
		delete(s.entities, ev.EntityID)
	default:
		if ev.New != nil {
			s.entities[ev.EntityID] = Entity(ev.New).clone()
		}
	}
	s.notifyChange(ev.EntityID)
}

func (s *Store) replayDeferred(entityID string) {
	held := s.deferred[entityID]
	delete(s.deferred, entityID)
	for _, ev := range held {
		s.applyEventLocked(ev)
	}
}

// settle removes the pending op and marks its terminal status.
func (s *Store) settle(entityID string, st Status) {
	op, ok := s.pending[entityID]
	if !ok {
		return
	}
	op.Status = st
	delete(s.pending, entityID)
	delete(s.byCorr, op.CorrelationID)
}

// sweep expires pending mutations that were never acknowledged. The server
// state wins: held-back events are replayed and the caller is told to
// refetch.
func (s *Store) sweep() {
	cutoff := s.now().Add(-s.timeout)
	for entityID, op := range s.pending {
		if op.SubmittedAt.After(cutoff) {
			continue
		}
		s.log.Warn("optimistic mutation timed out", coherence.Fields{
			"entity":      entityID,
			"correlation": op.CorrelationID,
		})
		s.settle(entityID, StatusRolledBack)
		s.replayDeferred(entityID)
		if s.onError != nil {
			s.onError(entityID, fmt.Errorf("optimistic: mutation %s timed out", op.CorrelationID))
		}
		if s.onResync != nil {
			s.onResync(entityID)
		}
	}
}

func (s *Store) notifyChange(entityID string) {
	if s.onChange != nil {
		s.onChange(entityID, s.entities[entityID].clone())
	}
}
