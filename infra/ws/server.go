// Package ws carries relay frames over WebSocket: the server side accepts
// connections for the relay router, the dialer side connects the vehicle
// agent to a relay.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reliefwings/skybridge/core/logger"
	"github.com/reliefwings/skybridge/core/relay"
)

// ServerConfig tunes the WebSocket endpoint.
type ServerConfig struct {
	Addr string `json:"addr"`
	Path string `json:"path"`
	// Heartbeat is the expected client ping interval; a connection silent for
	// Heartbeat*IdleMultiplier is considered dead and closed.
	Heartbeat       time.Duration `json:"-"`
	IdleMultiplier  int           `json:"idle_multiplier"`
	SendBuffer      int           `json:"send_buffer"`
	MaxMessageBytes int64         `json:"max_message_bytes"`
	WriteTimeout    time.Duration `json:"-"`
}

// SetDefaults fills unset fields.
func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8765"
	}
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.IdleMultiplier <= 0 {
		c.IdleMultiplier = 3
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 512 * 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// Server accepts WebSocket connections and hands each one to the router.
type Server struct {
	cfg      ServerConfig
	router   *relay.Router
	log      logger.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	srv  *http.Server
	wg   sync.WaitGroup
	ctx  context.Context
	stop context.CancelFunc
}

// NewServer creates a server; Run (or Handler mounted elsewhere) starts
// serving.
func NewServer(cfg ServerConfig, router *relay.Router, log logger.Logger) *Server {
	cfg.SetDefaults()
	return &Server{
		cfg:    cfg,
		router: router,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the upgrade handler, usable under any mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Run serves until ctx is cancelled, then shuts down and waits for active
// connections to finish.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.stop = context.WithCancel(ctx)
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleUpgrade)
	s.srv = &http.Server{Addr: s.cfg.Addr, Handler: mux}
	srv := s.srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infof("relay listening on %s%s", s.cfg.Addr, s.cfg.Path)

	select {
	case <-ctx.Done():
		s.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.wg.Wait()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	c := newConn(wsConn, s.cfg)
	ctx := r.Context()
	s.mu.Lock()
	if s.ctx != nil {
		ctx = s.ctx
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.router.Serve(ctx, c)
	}()
}

// conn adapts a websocket connection to relay.Transport. Outbound frames go
// through a buffered channel drained by a single writer goroutine, so a slow
// reader never blocks the fan-out path; when the buffer is full the frame is
// dropped and Send reports false.
type conn struct {
	ws    *websocket.Conn
	send  chan relay.Frame
	idle  time.Duration
	write time.Duration

	once sync.Once
	done chan struct{}
}

func newConn(ws *websocket.Conn, cfg ServerConfig) *conn {
	c := &conn{
		ws:    ws,
		send:  make(chan relay.Frame, cfg.SendBuffer),
		idle:  cfg.Heartbeat * time.Duration(cfg.IdleMultiplier),
		write: cfg.WriteTimeout,
		done:  make(chan struct{}),
	}
	ws.SetReadLimit(cfg.MaxMessageBytes)
	go c.writePump()
	return c
}

func (c *conn) Send(f relay.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *conn) ReadFrame() (relay.Frame, error) {
	var f relay.Frame
	if err := c.ws.SetReadDeadline(time.Now().Add(c.idle)); err != nil {
		return f, err
	}
	if err := c.ws.ReadJSON(&f); err != nil {
		return f, err
	}
	return f, nil
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *conn) writePump() {
	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.write))
			if err := c.ws.WriteJSON(f); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
