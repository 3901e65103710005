// Package metrics exports session activity as prometheus metrics
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"patterm/pkg/event"
)

const namespace = "patterm"

// Collector keeps session metrics on its own registry, fed from the event bus
type Collector struct {
	registry *prometheus.Registry
	sub      *event.Subscription

	SessionsCreated   prometheus.Counter
	SessionsClosed    prometheus.Counter
	SessionErrors     prometheus.Counter
	BytesTotal        *prometheus.CounterVec
	SessionsConnected prometheus.Gauge
	RateBytes         *prometheus.GaugeVec
}

// NewCollector creates a collector. Call Attach to start consuming events.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed",
		}),
		SessionErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total number of session errors",
		}),
		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes transferred by direction",
		}, []string{"direction"}),
		SessionsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_connected",
			Help:      "Number of sessions currently connected",
		}),
		RateBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_rate_bytes_per_second",
			Help:      "Last computed throughput per session and direction",
		}, []string{"session_id", "direction"}),
	}
}

// Attach subscribes the collector to bus
func (c *Collector) Attach(bus *event.Bus) {
	c.sub = bus.Subscribe(c.observe)
}

// Detach stops consuming events
func (c *Collector) Detach() {
	c.sub.Unsubscribe()
}

func (c *Collector) observe(e event.Event) {
	switch e := e.(type) {
	case event.SessionCreated:
		c.SessionsCreated.Inc()
	case event.SessionConnected:
		c.SessionsConnected.Inc()
	case event.SessionDisconnected:
		c.SessionsConnected.Dec()
	case event.SessionClosed:
		c.SessionsClosed.Inc()
		c.RateBytes.DeleteLabelValues(e.ID, string(event.DirectionRX))
		c.RateBytes.DeleteLabelValues(e.ID, string(event.DirectionTX))
	case event.SessionData:
		c.BytesTotal.WithLabelValues(string(e.Direction)).Add(float64(len(e.Bytes)))
	case event.SessionRateUpdated:
		c.RateBytes.WithLabelValues(e.ID, string(event.DirectionRX)).Set(e.RxRate)
		c.RateBytes.WithLabelValues(e.ID, string(event.DirectionTX)).Set(e.TxRate)
	case event.SessionError:
		c.SessionErrors.Inc()
	}
}

// Registry returns the registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
