package eventbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coherence_bus_deliveries_total",
		Help: "Events delivered to subscriber queues, by table",
	}, []string{"table"})

	gapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coherence_bus_gaps_total",
		Help: "Subscriber streams cut due to overflow, by table",
	}, []string{"table"})

	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coherence_bus_ws_connections",
		Help: "Open realtime websocket connections",
	})

	bridgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coherence_bus_bridged_total",
		Help: "Events relayed through the cross-instance bridge",
	}, []string{"direction"}) // "out" | "in"
)
