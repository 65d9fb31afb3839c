package eventbus

import (
	"errors"
	"time"

	"github.com/opsboard/coherence"
)

var ErrBusClosed = errors.New("eventbus: bus closed")

const (
	opSubscribe = iota
	opUnsubscribe
	opSend
	opInject
	opTap
)

type operation struct {
	op  int
	sub *subscriber
	evt *ChangeEvent
	tap Tap
}

// Tap observes every locally published event; used by bridges that relay
// events to other instances. Taps do not see injected (remote) events, which
// is what prevents relay loops.
type Tap func(*ChangeEvent)

// BusOptions tune the in-process bus.
type BusOptions struct {
	Logger coherence.Logger
	// BufferSize is each subscriber's outgoing queue; 0 => 256. A subscriber
	// that falls this far behind is disconnected with a gap flag instead of
	// silently losing events.
	BufferSize int
}

// Bus fans committed row mutations out to matching subscribers. All state
// transitions run on one loop goroutine, so events published in commit order
// for an entity are delivered to every subscriber in that same order.
type Bus struct {
	ops    chan *operation
	closed chan struct{}
	done   chan struct{}

	subs []*subscriber
	taps []Tap

	log        coherence.Logger
	bufferSize int
}

func NewBus(opts BusOptions) *Bus {
	b := &Bus{
		ops:        make(chan *operation),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
		log:        opts.Logger,
		bufferSize: opts.BufferSize,
	}
	if b.log == nil {
		b.log = coherence.NopLogger{}
	}
	if b.bufferSize <= 0 {
		b.bufferSize = 256
	}
	go b.run()
	return b
}

type subscriber struct {
	table    string
	filter   Filter
	outgoing chan *ChangeEvent
	gapped   bool
}

func (s *subscriber) wants(ev *ChangeEvent) bool {
	if s.table != TableWildcard && s.table != ev.Table {
		return false
	}
	return s.filter.Matches(ev)
}

// Subscription is one registered interest. Events() closes when the
// subscription is cancelled, the bus shuts down, or the subscriber lagged
// too far behind; in the last case Gapped() reports true and the consumer
// must resync instead of trusting the partial stream.
type Subscription struct {
	bus *Bus
	sub *subscriber
}

func (s *Subscription) Events() <-chan *ChangeEvent { return s.sub.outgoing }

// Gapped reports whether the stream was cut because the subscriber could not
// keep up. Meaningful only after Events() closed.
func (s *Subscription) Gapped() bool { return s.sub.gapped }

func (s *Subscription) Cancel() {
	select {
	case s.bus.ops <- &operation{op: opUnsubscribe, sub: s.sub}:
	case <-s.bus.closed:
	}
}

// Subscribe registers interest in a table (or TableWildcard) restricted by
// an equality filter.
func (b *Bus) Subscribe(table string, filter Filter) (*Subscription, error) {
	sub := &subscriber{
		table:    table,
		filter:   filter,
		outgoing: make(chan *ChangeEvent, b.bufferSize),
	}
	select {
	case b.ops <- &operation{op: opSubscribe, sub: sub}:
		return &Subscription{bus: b, sub: sub}, nil
	case <-b.closed:
		return nil, ErrBusClosed
	}
}

// AddTap registers a relay observer.
func (b *Bus) AddTap(t Tap) {
	select {
	case b.ops <- &operation{op: opTap, tap: t}:
	case <-b.closed:
	}
}

// Publish delivers ev to matching subscribers and taps. It blocks only for
// the loop handoff, never on slow subscribers. CommitTS is stamped with the
// current time when the publisher left it zero.
func (b *Bus) Publish(ev *ChangeEvent) error {
	return b.send(ev, opSend)
}

// Inject delivers an event that originated on another instance: fan-out
// only, taps are skipped so the event is not relayed again.
func (b *Bus) Inject(ev *ChangeEvent) error {
	return b.send(ev, opInject)
}

func (b *Bus) send(ev *ChangeEvent, op int) error {
	if err := ev.validate(); err != nil {
		return err
	}
	if ev.CommitTS == 0 {
		ev.CommitTS = time.Now().UnixMilli()
	}
	select {
	case b.ops <- &operation{op: op, evt: ev}:
		return nil
	case <-b.closed:
		return ErrBusClosed
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Bus) Close() {
	select {
	case <-b.closed:
		return
	default:
		close(b.closed)
	}
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case op := <-b.ops:
			b.handle(op)
		case <-b.closed:
			for _, s := range b.subs {
				close(s.outgoing)
			}
			b.subs = nil
			return
		}
	}
}

func (b *Bus) handle(op *operation) {
	switch op.op {
	case opTap:
		b.taps = append(b.taps, op.tap)
	case opSubscribe:
		b.subs = append(b.subs, op.sub)
	case opUnsubscribe:
		for i, s := range b.subs {
			if s == op.sub {
				b.subs[i] = b.subs[len(b.subs)-1]
				b.subs = b.subs[:len(b.subs)-1]
				close(s.outgoing)
				break
			}
		}
	case opSend, opInject:
		if op.op == opSend {
			for _, t := range b.taps {
				t(op.evt)
			}
		}
		b.deliver(op.evt)
	}
}

func (b *Bus) deliver(ev *ChangeEvent) {
	kept := b.subs[:0]
	for _, s := range b.subs {
		if !s.wants(ev) {
			kept = append(kept, s)
			continue
		}
		select {
		case s.outgoing <- ev:
			deliveriesTotal.WithLabelValues(ev.Table).Inc()
			kept = append(kept, s)
		default:
			// Subscriber overflow. Cutting the stream here is deliberate:
			// the consumer sees the close, checks Gapped() and resyncs,
			// instead of continuing on a stream with a silent hole.
			s.gapped = true
			close(s.outgoing)
			gapsTotal.WithLabelValues(ev.Table).Inc()
			b.log.Warn("subscriber overflow; stream cut for resync", coherence.Fields{"table": ev.Table})
		}
	}
	b.subs = kept
}
