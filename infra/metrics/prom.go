// Package metrics exposes relay operational counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics implements the relay metrics interface on Prometheus counters.
type PromMetrics struct {
	connections   prometheus.Gauge
	frames        *prometheus.CounterVec
	fanoutDropped prometheus.Counter
	busErrors     prometheus.Counter
	persistErrors prometheus.Counter
}

// NewPromMetrics registers relay collectors on the provided registerer. If
// reg is nil, the default registerer is used. Collectors that are already
// registered are reused.
func NewPromMetrics(reg prometheus.Registerer) (*PromMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	connections := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Number of currently open client connections",
	})
	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_frames_total",
		Help: "Total inbound frames by type",
	}, []string{"type"})
	fanoutDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_fanout_dropped_total",
		Help: "Frames dropped because a subscriber send buffer was full",
	})
	busErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bus_errors_total",
		Help: "Failed publishes to the message bus",
	})
	persistErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_persist_errors_total",
		Help: "Failed writes to the persistence sink",
	})

	if err := reg.Register(connections); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			connections = are.ExistingCollector.(prometheus.Gauge)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(frames); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			frames = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(fanoutDropped); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			fanoutDropped = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(busErrors); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			busErrors = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(persistErrors); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			persistErrors = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}

	return &PromMetrics{
		connections:   connections,
		frames:        frames,
		fanoutDropped: fanoutDropped,
		busErrors:     busErrors,
		persistErrors: persistErrors,
	}, nil
}

func (m *PromMetrics) ConnOpened() { m.connections.Inc() }

func (m *PromMetrics) ConnClosed() { m.connections.Dec() }

func (m *PromMetrics) FrameIn(frameType string) { m.frames.WithLabelValues(frameType).Inc() }

func (m *PromMetrics) FanoutDropped() { m.fanoutDropped.Inc() }

func (m *PromMetrics) BusError() { m.busErrors.Inc() }

func (m *PromMetrics) PersistError() { m.persistErrors.Inc() }
