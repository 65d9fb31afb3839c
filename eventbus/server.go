package eventbus

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsboard/coherence"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// control frames sent alongside event envelopes.
type controlFrame struct {
	Action string `json:"action"` // "subscribed" | "gap"
	Topic  string `json:"topic,omitempty"`
}

// WSServer exposes the bus over a persistent push channel. A client opens
// one connection per (table, filter) pair:
//
//	GET /realtime/stream?schema=public&table=tasks&f_project_id=42
//
// table=* subscribes to all tables. Every f_<column> query parameter adds an
// equality predicate. Events arrive as JSON envelopes; a {"action":"gap"}
// frame followed by connection close means the stream lost events and the
// client must resync.
type WSServer struct {
	bus      *Bus
	log      coherence.Logger
	upgrader websocket.Upgrader
}

type WSServerOptions struct {
	Logger coherence.Logger
	// CheckOrigin overrides the upgrader's origin policy (nil => same-origin).
	CheckOrigin func(*http.Request) bool
}

func NewWSServer(bus *Bus, opts WSServerOptions) *WSServer {
	s := &WSServer{
		bus: bus,
		log: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
	if s.log == nil {
		s.log = coherence.NopLogger{}
	}
	return s
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	table := q.Get("table")
	if table == "" {
		http.Error(w, "table parameter required", http.StatusBadRequest)
		return
	}
	filter := Filter{}
	for k, vs := range q {
		if len(k) > 2 && k[:2] == "f_" && len(vs) > 0 {
			filter[k[2:]] = vs[0]
		}
	}

	sub, err := s.bus.Subscribe(table, filter)
	if err != nil {
		http.Error(w, "bus unavailable", http.StatusServiceUnavailable)
		return
	}

	con, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Cancel()
		return
	}
	wsConnections.Inc()
	defer wsConnections.Dec()

	schema := q.Get("schema")
	if schema == "" {
		schema = "public"
	}
	s.log.Debug("realtime stream opened", coherence.Fields{"topic": schema + "." + table, "filter": filter.Key()})

	done := make(chan struct{})

	// reader: we expect no client frames, but the read loop is what surfaces
	// pongs and connection loss.
	go func() {
		defer close(done)
		con.SetReadLimit(1024)
		for {
			if _, _, err := con.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer con.Close()
	defer sub.Cancel()

	if err := s.writeJSON(con, controlFrame{Action: "subscribed", Topic: schema + "." + table}); err != nil {
		return
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Gapped() {
					// tell the client before closing so it resyncs promptly
					_ = s.writeJSON(con, controlFrame{Action: "gap"})
				}
				return
			}
			if err := s.writeJSON(con, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := con.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout)); err != nil {
				s.log.Warn("failed to ping subscriber", coherence.Fields{"err": err})
				return
			}
		case <-done:
			return
		}
	}
}

func (s *WSServer) writeJSON(con *websocket.Conn, v any) error {
	_ = con.SetWriteDeadline(time.Now().Add(writeTimeout))
	return con.WriteJSON(v)
}
