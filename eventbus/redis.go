package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/opsboard/coherence"
)

// bridgeEnvelope wraps an event with the publishing instance id so receivers
// can drop their own messages.
type bridgeEnvelope struct {
	Instance string       `json:"instance"`
	Event    *ChangeEvent `json:"event"`
}

// RedisBridgeOptions configure a cross-instance relay.
type RedisBridgeOptions struct {
	// Client is the shared Redis connection. Required.
	Client goredis.UniversalClient
	// Channel is the pub/sub channel name; "" => "coherence:events".
	Channel string
	// InstanceID distinguishes this process; must be unique per process.
	// Required.
	InstanceID string
	// QueueSize bounds the outbound relay queue; 0 => 256.
	QueueSize int

	Logger coherence.Logger
}

// RedisBridge fans locally published events out to every other instance via
// Redis pub/sub and injects events received from peers into the local bus.
// Relayed events enter peers through Inject, which skips taps, so an event
// crosses the bridge exactly once. One publisher goroutine drains the relay
// queue, so events leave in the order they were published and per-entity
// commit order survives the bridge.
type RedisBridge struct {
	bus      *Bus
	client   goredis.UniversalClient
	channel  string
	instance string
	log      coherence.Logger

	out    chan []byte
	pubsub *goredis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBridge wires the bridge into the bus and starts the relay loops.
func NewRedisBridge(bus *Bus, opts RedisBridgeOptions) (*RedisBridge, error) {
	if opts.Client == nil {
		return nil, errors.New("eventbus: redis client required")
	}
	qs := opts.QueueSize
	if qs <= 0 {
		qs = 256
	}
	br := &RedisBridge{
		bus:      bus,
		client:   opts.Client,
		channel:  opts.Channel,
		instance: opts.InstanceID,
		log:      opts.Logger,
		out:      make(chan []byte, qs),
	}
	if br.channel == "" {
		br.channel = "coherence:events"
	}
	if br.log == nil {
		br.log = coherence.NopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	br.cancel = cancel
	br.pubsub = br.client.Subscribe(ctx, br.channel)
	if _, err := br.pubsub.Receive(ctx); err != nil {
		cancel()
		_ = br.pubsub.Close()
		return nil, err
	}

	bus.AddTap(br.relay)

	br.wg.Add(2)
	go br.publish(ctx)
	go br.receive(ctx)
	return br, nil
}

// relay runs on the bus loop goroutine: it only encodes and enqueues. The
// queue keeps a slow Redis round-trip from stalling local fan-out, and the
// single consumer keeps relayed events in publish order.
func (br *RedisBridge) relay(ev *ChangeEvent) {
	payload, err := json.Marshal(bridgeEnvelope{Instance: br.instance, Event: ev})
	if err != nil {
		br.log.Error("failed to encode bridge envelope", coherence.Fields{"err": err})
		return
	}
	select {
	case br.out <- payload:
	default:
		br.log.Warn("bridge queue full; peers will miss this event", coherence.Fields{"table": ev.Table})
	}
}

func (br *RedisBridge) publish(ctx context.Context) {
	defer br.wg.Done()
	for {
		select {
		case payload := <-br.out:
			if err := br.client.Publish(ctx, br.channel, payload).Err(); err != nil {
				br.log.Warn("bridge publish failed; peers will miss this event", coherence.Fields{"err": err})
				continue
			}
			bridgedTotal.WithLabelValues("out").Inc()
		case <-ctx.Done():
			return
		}
	}
}

func (br *RedisBridge) receive(ctx context.Context) {
	defer br.wg.Done()
	ch := br.pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				br.log.Warn("dropping malformed bridge message", coherence.Fields{"err": err})
				continue
			}
			if env.Instance == br.instance || env.Event == nil {
				continue
			}
			if err := br.bus.Inject(env.Event); err != nil {
				return
			}
			bridgedTotal.WithLabelValues("in").Inc()
		case <-ctx.Done():
			return
		}
	}
}

// Close detaches from the channel and stops the relay loops.
func (br *RedisBridge) Close() error {
	br.cancel()
	err := br.pubsub.Close()
	br.wg.Wait()
	return err
}
