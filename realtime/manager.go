package realtime

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/opsboard/coherence"
	"github.com/opsboard/coherence/eventbus"
)

var ErrManagerClosed = errors.New("realtime: manager closed")

// Callbacks receive the events of one subscription. Unset callbacks are
// skipped. Callbacks run on the channel's dispatch goroutine, so they must
// not block for long.
type Callbacks struct {
	OnInsert func(*eventbus.ChangeEvent)
	OnUpdate func(*eventbus.ChangeEvent)
	OnDelete func(*eventbus.ChangeEvent)
	// OnResync fires after the upstream channel was re-established following
	// a loss. Events may have been missed in between; the subscriber must
	// refetch its data instead of trusting the stream.
	OnResync func()
}

type ManagerOptions struct {
	// Transport opens upstream channels. Required.
	Transport Transport
	Logger    coherence.Logger
	// Reconnect backoff bounds; 0 => 500ms initial, 30s max.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Manager multiplexes subscriptions: any number of Subscribe calls with the
// same (schema, table, filter) share one upstream channel. The channel is
// opened when the first subscriber arrives and torn down when the last one
// leaves.
type Manager struct {
	transport      Transport
	log            coherence.Logger
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu     sync.Mutex
	chans  map[string]*sharedChannel
	closed bool
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("realtime: transport required")
	}
	m := &Manager{
		transport:      opts.Transport,
		log:            opts.Logger,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		chans:          make(map[string]*sharedChannel),
	}
	if m.log == nil {
		m.log = coherence.NopLogger{}
	}
	if m.initialBackoff <= 0 {
		m.initialBackoff = 500 * time.Millisecond
	}
	if m.maxBackoff <= 0 {
		m.maxBackoff = 30 * time.Second
	}
	return m, nil
}

// Handle is one subscriber's membership in a shared channel.
type Handle struct {
	sc *sharedChannel
	id int
}

func (h *Handle) Close() { h.sc.remove(h.id) }

// Subscribe attaches callbacks to the channel for (schema, table, filter),
// opening it if this is the first subscriber.
func (m *Manager) Subscribe(schema, table string, filter eventbus.Filter, cb Callbacks) (*Handle, error) {
	key := schema + "." + table + "|" + filter.Key()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	sc, ok := m.chans[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		sc = &sharedChannel{
			m:      m,
			key:    key,
			schema: schema,
			table:  table,
			filter: filter,
			subs:   make(map[int]Callbacks),
			cancel: cancel,
			done:   make(chan struct{}),
		}
		m.chans[key] = sc
		go sc.run(ctx)
	}
	m.mu.Unlock()

	return sc.add(cb), nil
}

// ActiveChannels reports how many upstream channels are currently open; two
// subscribers to the same topic and filter count once.
func (m *Manager) ActiveChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chans)
}

// Close tears down every channel.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	chans := make([]*sharedChannel, 0, len(m.chans))
	for _, sc := range m.chans {
		chans = append(chans, sc)
	}
	m.chans = make(map[string]*sharedChannel)
	m.mu.Unlock()

	for _, sc := range chans {
		sc.cancel()
		<-sc.done
	}
}

type sharedChannel struct {
	m      *Manager
	key    string
	schema string
	table  string
	filter eventbus.Filter

	mu     sync.Mutex
	subs   map[int]Callbacks
	nextID int

	cancel context.CancelFunc
	done   chan struct{}
}

func (sc *sharedChannel) add(cb Callbacks) *Handle {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	id := sc.nextID
	sc.nextID++
	sc.subs[id] = cb
	return &Handle{sc: sc, id: id}
}

func (sc *sharedChannel) remove(id int) {
	sc.mu.Lock()
	delete(sc.subs, id)
	empty := len(sc.subs) == 0
	sc.mu.Unlock()
	if !empty {
		return
	}

	sc.m.mu.Lock()
	// a new subscriber may have raced in between the two locks
	sc.mu.Lock()
	if len(sc.subs) == 0 && sc.m.chans[sc.key] == sc {
		delete(sc.m.chans, sc.key)
		sc.cancel()
	}
	sc.mu.Unlock()
	sc.m.mu.Unlock()
}

func (sc *sharedChannel) snapshot() []Callbacks {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]Callbacks, 0, len(sc.subs))
	for _, cb := range sc.subs {
		out = append(out, cb)
	}
	return out
}

func (sc *sharedChannel) run(ctx context.Context) {
	defer close(sc.done)
	connected := false
	attempt := 0
	for {
		ch, err := sc.m.transport.Open(ctx, sc.schema, sc.table, sc.filter)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := sc.backoff(attempt)
			attempt++
			sc.m.log.Warn("channel open failed, retrying", coherence.Fields{
				"topic": sc.key,
				"wait":  wait.String(),
				"err":   err,
			})
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}
		attempt = 0

		if connected {
			// missed an unknown number of events while disconnected
			for _, cb := range sc.snapshot() {
				if cb.OnResync != nil {
					cb.OnResync()
				}
			}
		}
		connected = true

		sc.dispatch(ctx, ch)
		ch.Close()
		if ctx.Err() != nil {
			return
		}
		sc.m.log.Info("channel lost, reconnecting", coherence.Fields{"topic": sc.key})
	}
}

func (sc *sharedChannel) dispatch(ctx context.Context, ch Channel) {
	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			for _, cb := range sc.snapshot() {
				switch ev.Type {
				case eventbus.EventInsert:
					if cb.OnInsert != nil {
						cb.OnInsert(ev)
					}
				case eventbus.EventUpdate:
					if cb.OnUpdate != nil {
						cb.OnUpdate(ev)
					}
				case eventbus.EventDelete:
					if cb.OnDelete != nil {
						cb.OnDelete(ev)
					}
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// backoff doubles per attempt up to the cap, with 20% jitter so a herd of
// clients does not reconnect in lockstep.
func (sc *sharedChannel) backoff(attempt int) time.Duration {
	d := sc.m.initialBackoff
	for i := 0; i < attempt && d < sc.m.maxBackoff; i++ {
		d *= 2
	}
	if d > sc.m.maxBackoff {
		d = sc.m.maxBackoff
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
