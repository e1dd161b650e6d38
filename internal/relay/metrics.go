package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exposes relay counters to Prometheus.
type Collector struct {
	connectionsOpen prometheus.Gauge
	roomsOccupied   prometheus.Gauge
	joinsTotal      prometheus.Counter
	forwardedTotal  prometheus.Counter
	broadcastsTotal prometheus.Counter
	droppedTotal    *prometheus.CounterVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		connectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_connections_open",
			Help: "Number of open signaling connections",
		}),
		roomsOccupied: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshcall_rooms_occupied",
			Help: "Number of rooms with at least one member",
		}),
		joinsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_joins_total",
			Help: "Total number of completed room joins",
		}),
		forwardedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_signals_forwarded_total",
			Help: "Total number of signal envelopes forwarded to a member",
		}),
		broadcastsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshcall_notifications_sent_total",
			Help: "Total number of membership notifications sent",
		}),
		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshcall_messages_dropped_total",
			Help: "Total number of inbound messages dropped",
		}, []string{"reason"}),
	}
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsOpen.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsOpen.Dec()
}

func (c *Collector) SetRoomCount(n int) {
	if c == nil {
		return
	}
	c.roomsOccupied.Set(float64(n))
}

func (c *Collector) RecordJoin() {
	if c == nil {
		return
	}
	c.joinsTotal.Inc()
}

func (c *Collector) RecordForward() {
	if c == nil {
		return
	}
	c.forwardedTotal.Inc()
}

func (c *Collector) RecordBroadcast() {
	if c == nil {
		return
	}
	c.broadcastsTotal.Inc()
}

func (c *Collector) RecordDrop(reason string) {
	if c == nil {
		return
	}
	c.droppedTotal.WithLabelValues(reason).Inc()
}
