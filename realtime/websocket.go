package realtime

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/opsboard/coherence"
	"github.com/opsboard/coherence/eventbus"
)

// WSTransport dials the realtime websocket endpoint.
type WSTransport struct {
	// BaseURL is the stream endpoint, e.g. "ws://api.internal/realtime/stream".
	BaseURL string
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Logger coherence.Logger
}

func (t *WSTransport) Open(ctx context.Context, schema, table string, filter eventbus.Filter) (Channel, error) {
	u, err := url.Parse(t.BaseURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("schema", schema)
	q.Set("table", table)
	for col, val := range filter {
		q.Set("f_"+col, val)
	}
	u.RawQuery = q.Encode()

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	con, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	log := t.Logger
	if log == nil {
		log = coherence.NopLogger{}
	}
	ch := &wsChannel{
		con:    con,
		events: make(chan *eventbus.ChangeEvent, 64),
		log:    log,
	}
	go ch.read()
	return ch, nil
}

type wsChannel struct {
	con    *websocket.Conn
	events chan *eventbus.ChangeEvent
	log    coherence.Logger
	once   sync.Once
}

func (c *wsChannel) Events() <-chan *eventbus.ChangeEvent { return c.events }

func (c *wsChannel) Close() {
	c.once.Do(func() { _ = c.con.Close() })
}

func (c *wsChannel) read() {
	defer close(c.events)
	defer c.Close()
	for {
		_, payload, err := c.con.ReadMessage()
		if err != nil {
			return
		}
		// frames carrying an action are control, everything else is an event
		var ctrl struct {
			Action string `json:"action"`
		}
		if json.Unmarshal(payload, &ctrl) == nil && ctrl.Action != "" {
			if ctrl.Action == "gap" {
				c.log.Warn("server cut the stream, resync required", nil)
				return
			}
			continue
		}
		ev, err := eventbus.DecodeEvent(payload)
		if err != nil {
			c.log.Warn("dropping malformed event frame", coherence.Fields{"err": err})
			continue
		}
		c.events <- ev
	}
}
