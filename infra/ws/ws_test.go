package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefwings/skybridge/core/agent"
	"github.com/reliefwings/skybridge/core/bus"
	"github.com/reliefwings/skybridge/core/relay"
	"github.com/reliefwings/skybridge/core/telemetry"
	"github.com/reliefwings/skybridge/infra/logger"
)

// loopBus loops publishes back to local subscribers in place of the broker.
type loopBus struct {
	mu       sync.Mutex
	handlers map[string]bus.Handler
}

func newLoopBus() *loopBus { return &loopBus{handlers: make(map[string]bus.Handler)} }

func (b *loopBus) Publish(channel string, payload []byte) error {
	b.mu.Lock()
	h := b.handlers[channel]
	b.mu.Unlock()
	if h != nil {
		h(channel, payload)
	}
	return nil
}

func (b *loopBus) Subscribe(channel string, handler bus.Handler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = handler
	return loopSub{bus: b, channel: channel}, nil
}

func (b *loopBus) Close() {}

type loopSub struct {
	bus     *loopBus
	channel string
}

func (s loopSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.handlers, s.channel)
	s.bus.mu.Unlock()
	return nil
}

func startTestRelay(t *testing.T) (*httptest.Server, *Dialer) {
	t.Helper()
	gate := relay.NewGate(relay.GateConfig{Keys: []relay.StaticKey{
		{Key: "drone-key", Kind: "producer", Identity: "DRONE_001"},
		{Key: "kiosk-key", Kind: "consumer", Identity: "kiosk"},
	}})
	b := newLoopBus()
	mux := relay.NewMux(b, logger.NopLogger{}, nil)
	router := relay.NewRouter(gate, relay.NewRegistry(), mux, b, nil, logger.NopLogger{}, nil, nil)
	srv := NewServer(ServerConfig{}, router, logger.NopLogger{})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	return ts, NewDialer(DialerConfig{URL: url})
}

func authConn(t *testing.T, d *Dialer, credential, role string) agent.Conn {
	t.Helper()
	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.Send(relay.Frame{Type: relay.FrameAuth, Credential: credential, DeclaredRole: role}))
	f, err := conn.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, relay.FrameSuccess, f.Type)
	return conn
}

func TestPublishReachesSubscriberOverWebSocket(t *testing.T) {
	_, d := startTestRelay(t)

	consumer := authConn(t, d, "kiosk-key", "consumer")
	require.NoError(t, consumer.Send(relay.Frame{Type: relay.FrameSubscribe, Channel: "dash/telemetry"}))
	f, err := consumer.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, relay.FrameSuccess, f.Type)

	producer := authConn(t, d, "drone-key", "producer")
	body, err := telemetry.Wrap(telemetry.KindTelemetry, telemetry.Record{DroneID: "DRONE_001", Seq: 1})
	require.NoError(t, err)
	require.NoError(t, producer.Send(relay.Frame{Type: relay.FramePublish, Channel: "dash/telemetry", Message: body}))

	f, err = consumer.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, relay.FrameMessage, f.Type)
	assert.Equal(t, "dash/telemetry", f.Channel)

	var env telemetry.Envelope
	require.NoError(t, json.Unmarshal(f.Message, &env))
	assert.Equal(t, telemetry.KindTelemetry, env.Kind)
}

func TestUnauthenticatedSubscribeRejected(t *testing.T) {
	_, d := startTestRelay(t)

	conn, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(relay.Frame{Type: relay.FrameSubscribe, Channel: "dash/telemetry"}))
	f, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, relay.FrameError, f.Type)
	assert.Equal(t, relay.CodeAuthRequired, f.Code)
}

func TestPingPongKeepsConnectionAlive(t *testing.T) {
	_, d := startTestRelay(t)
	conn := authConn(t, d, "kiosk-key", "consumer")

	for i := 0; i < 3; i++ {
		require.NoError(t, conn.Send(relay.Frame{Type: relay.FramePing}))
		f, err := conn.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, relay.FramePong, f.Type)
		time.Sleep(10 * time.Millisecond)
	}
}
