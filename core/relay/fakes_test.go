package relay

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/reliefwings/skybridge/core/bus"
)

// fakeBus loops published payloads back to local subscribers, standing in for
// the MQTT backbone.
type fakeBus struct {
	mu           sync.Mutex
	handlers     map[string]bus.Handler
	published    map[string][][]byte
	subscribeErr error
	publishErr   error
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]bus.Handler), published: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(channel string, payload []byte) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.published[channel] = append(b.published[channel], payload)
	h := b.handlers[channel]
	b.mu.Unlock()
	if h != nil {
		h(channel, payload)
	}
	return nil
}

func (b *fakeBus) Subscribe(channel string, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.handlers[channel] = handler
	return &fakeSubscription{bus: b, channel: channel}, nil
}

func (b *fakeBus) Close() {}

func (b *fakeBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[channel]
	return ok
}

type fakeSubscription struct {
	bus     *fakeBus
	channel string
}

func (s *fakeSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.handlers, s.channel)
	s.bus.mu.Unlock()
	return nil
}

// fakeTransport feeds frames to the router and records everything sent back.
type fakeTransport struct {
	in     chan Frame
	out    chan Frame
	mu     sync.Mutex
	closed bool
	full   bool // simulate a backed-up send buffer
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan Frame, 16), out: make(chan Frame, 64)}
}

func (t *fakeTransport) ReadFrame() (Frame, error) {
	f, ok := <-t.in
	if !ok {
		return Frame{}, io.EOF
	}
	return f, nil
}

func (t *fakeTransport) Send(f Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.full {
		return false
	}
	select {
	case t.out <- f:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.in)
	}
	return nil
}

func (t *fakeTransport) push(f Frame) { t.in <- f }

func (t *fakeTransport) next(timeout time.Duration) (Frame, error) {
	select {
	case f := <-t.out:
		return f, nil
	case <-time.After(timeout):
		return Frame{}, errors.New("timed out waiting for frame")
	}
}
