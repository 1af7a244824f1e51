package relay

import (
	"sync"

	"github.com/reliefwings/skybridge/core/bus"
	"github.com/reliefwings/skybridge/core/logger"
)

// Sender is the writable side of a connection's transport, held weakly by the
// multiplexer for fan-out. Send must never block: it reports false when the
// transport is backed up or closed.
type Sender interface {
	Send(f Frame) bool
}

// channelEntry guards one channel's local subscriber set together with its
// upstream bus subscription, so the empty/non-empty transition and the
// open/close decision form a single atomic step.
type channelEntry struct {
	mu     sync.Mutex
	subs   map[string]Sender
	busSub bus.Subscription // non-nil iff the upstream subscription is open
	dead   bool             // entry removed from the mux table, retry lookup
}

// Mux multiplexes local connections onto shared bus channels. The bus
// subscription for a channel is active iff at least one local connection is
// subscribed to it.
type Mux struct {
	bus     bus.Bus
	log     logger.Logger
	metrics Metrics

	mu       sync.RWMutex
	channels map[string]*channelEntry
}

// NewMux creates a Mux on top of the given bus.
func NewMux(b bus.Bus, log logger.Logger, m Metrics) *Mux {
	if m == nil {
		m = NopMetrics{}
	}
	return &Mux{bus: b, log: log, metrics: m, channels: make(map[string]*channelEntry)}
}

// Subscribe adds the connection to the channel's local subscriber set, opening
// the upstream bus subscription on the empty-to-non-empty transition. A bus
// failure leaves the subscriber set unchanged and is returned to the caller.
func (m *Mux) Subscribe(connID string, s Sender, channel string) error {
	for {
		m.mu.Lock()
		e, ok := m.channels[channel]
		if !ok {
			e = &channelEntry{subs: make(map[string]Sender)}
			m.channels[channel] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if len(e.subs) == 0 && e.busSub == nil {
			sub, err := m.bus.Subscribe(channel, m.FanOut)
			if err != nil {
				e.mu.Unlock()
				m.metrics.BusError()
				return err
			}
			e.busSub = sub
		}
		e.subs[connID] = s
		e.mu.Unlock()
		return nil
	}
}

// Unsubscribe removes the connection from the channel, tearing down the
// upstream subscription when the last local subscriber leaves.
func (m *Mux) Unsubscribe(connID, channel string) {
	m.mu.RLock()
	e := m.channels[channel]
	m.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	delete(e.subs, connID)
	if len(e.subs) == 0 {
		if e.busSub != nil {
			if err := e.busSub.Unsubscribe(); err != nil {
				m.log.Errorf("bus unsubscribe %s: %v", channel, err)
				m.metrics.BusError()
			}
			e.busSub = nil
		}
		e.dead = true
		m.mu.Lock()
		if m.channels[channel] == e {
			delete(m.channels, channel)
		}
		m.mu.Unlock()
	}
	e.mu.Unlock()
}

// FanOut delivers the payload to every currently subscribed local connection.
// The subscriber set is snapshotted under the channel lock, so a concurrent
// subscribe either sees the message or misses it deterministically. Slow or
// closed transports are skipped, never blocked on.
func (m *Mux) FanOut(channel string, payload []byte) {
	m.mu.RLock()
	e := m.channels[channel]
	m.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	targets := make([]Sender, 0, len(e.subs))
	for _, s := range e.subs {
		targets = append(targets, s)
	}
	e.mu.Unlock()

	frame := MessageFrame(channel, payload)
	for _, s := range targets {
		if !s.Send(frame) {
			m.metrics.FanoutDropped()
			m.log.Debugf("fan-out on %s skipped backed-up connection", channel)
		}
	}
}

// BusActive reports whether the channel currently holds an upstream
// subscription. Exposed for invariant checks.
func (m *Mux) BusActive(channel string) bool {
	m.mu.RLock()
	e := m.channels[channel]
	m.mu.RUnlock()
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busSub != nil
}

// Subscribers returns the number of local subscribers on the channel.
func (m *Mux) Subscribers(channel string) int {
	m.mu.RLock()
	e := m.channels[channel]
	m.mu.RUnlock()
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
