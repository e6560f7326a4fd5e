// Package metrics exposes aggregate server counters for external monitoring.
// Nothing here feeds back into room state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zlover"

// CountFunc reports the current number of rooms and participants.
type CountFunc func() (rooms, participants int)

// Collector methods are safe on a nil receiver, so callers can run without
// metrics in tests.
type Collector struct {
	reg *prometheus.Registry

	operations  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	rateLimited prometheus.Counter
	roomsReaped prometheus.Counter
	connections prometheus.Gauge
}

func New(counts CountFunc) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		reg: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "service_operation_total",
			Help:      "Membership and signaling operations by outcome.",
		}, []string{"type", "status", "error_kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages lost to a full send buffer.",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rate_limited_total",
			Help:      "Connection attempts rejected by admission control.",
		}),
		roomsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_reclaimed_total",
			Help:      "Empty rooms removed by the idle sweep.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open signaling connections.",
		}),
	}
	reg.MustRegister(
		c.operations, c.dropped, c.rateLimited, c.roomsReaped, c.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if counts != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rooms",
				Help:      "Rooms currently in the directory.",
			}, func() float64 {
				r, _ := counts()
				return float64(r)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "participants",
				Help:      "Participants currently in a room.",
			}, func() float64 {
				_, p := counts()
				return float64(p)
			}),
		)
	}
	return c
}

// Operation counts one operation. errorKind is empty on success.
func (c *Collector) Operation(op, errorKind string) {
	if c == nil {
		return
	}
	status := "success"
	if errorKind != "" {
		status = "error"
	}
	c.operations.WithLabelValues(op, status, errorKind).Inc()
}

func (c *Collector) Dropped(msgType string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(msgType).Inc()
}

func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

func (c *Collector) RoomsReaped(n int) {
	if c == nil {
		return
	}
	c.roomsReaped.Add(float64(n))
}

func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.reg
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
