package ws

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reliefwings/skybridge/core/agent"
	"github.com/reliefwings/skybridge/core/relay"
)

// DialerConfig configures the agent-side connector.
type DialerConfig struct {
	URL              string        `json:"url"`
	HandshakeTimeout time.Duration `json:"-"`
	WriteTimeout     time.Duration `json:"-"`
	TLS              *tls.Config   `json:"-"`
}

// SetDefaults fills unset fields.
func (c *DialerConfig) SetDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Dialer opens WebSocket connections to a relay for the vehicle agent.
type Dialer struct {
	cfg DialerConfig
}

// NewDialer creates a Dialer.
func NewDialer(cfg DialerConfig) *Dialer {
	cfg.SetDefaults()
	return &Dialer{cfg: cfg}
}

// Dial connects to the relay. The returned connection reports a send error
// when the frame was not handed to the transport, which the agent uses as its
// buffer-for-replay signal.
func (d *Dialer) Dial(ctx context.Context) (agent.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		TLSClientConfig:  d.cfg.TLS,
	}
	wsConn, _, err := dialer.DialContext(ctx, d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.cfg.URL, err)
	}
	return &clientConn{ws: wsConn, writeTimeout: d.cfg.WriteTimeout}, nil
}

// clientConn is the agent side of the wire. Writes are serialized because
// acknowledgment goroutines and the streaming loop may share the connection.
type clientConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (c *clientConn) Send(f relay.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *clientConn) ReadFrame() (relay.Frame, error) {
	var f relay.Frame
	err := c.ws.ReadJSON(&f)
	return f, err
}

func (c *clientConn) Close() error {
	return c.ws.Close()
}
