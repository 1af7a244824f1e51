// Package app wires the relay and agent components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/reliefwings/skybridge/config"
	"github.com/reliefwings/skybridge/core/agent"
	"github.com/reliefwings/skybridge/core/persist"
	"github.com/reliefwings/skybridge/core/relay"
	"github.com/reliefwings/skybridge/core/telemetry"
	mqttbus "github.com/reliefwings/skybridge/infra/bus"
	"github.com/reliefwings/skybridge/infra/logger"
	"github.com/reliefwings/skybridge/infra/metrics"
	infrapersist "github.com/reliefwings/skybridge/infra/persist"
	"github.com/reliefwings/skybridge/infra/ws"
	"github.com/reliefwings/skybridge/internal/eventbus"
)

// RelayService orchestrates the relay: WebSocket endpoint, router, MQTT bus
// and persistence sink.
type RelayService struct {
	server *ws.Server
	bus    *mqttbus.PahoBus
	events *eventbus.Bus[relay.ConnEvent]
	log    logger.Logger

	metricsEnabled bool
	metricsAddr    string
}

// NewRelay builds the relay from configuration.
func NewRelay(cfg *config.Config) (*RelayService, error) {
	log := logger.New("relay")

	b, err := mqttbus.NewPahoBus(cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}

	var sink persist.Sink = persist.NopSink{}
	if cfg.Persist.Enabled {
		sink = infrapersist.NewInfluxSinkWithFallback(cfg.Persist.Influx)
	}

	var m relay.Metrics
	if cfg.Metrics.Enabled {
		pm, err := metrics.NewPromMetrics(nil)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("metrics: %w", err)
		}
		m = pm
	}

	events := eventbus.New[relay.ConnEvent]()
	gate := relay.NewGate(cfg.Auth)
	reg := relay.NewRegistry()
	mux := relay.NewMux(b, logger.New("mux"), m)
	router := relay.NewRouter(gate, reg, mux, b, sink, logger.New("router"), m, events)
	server := ws.NewServer(cfg.Relay.ServerConfig(), router, log)

	return &RelayService{
		server:         server,
		bus:            b,
		events:         events,
		log:            log,
		metricsEnabled: cfg.Metrics.Enabled,
		metricsAddr:    cfg.Metrics.Addr,
	}, nil
}

// Events exposes connection lifecycle events, mainly for tests and embedders.
func (s *RelayService) Events() *eventbus.Bus[relay.ConnEvent] { return s.events }

// Run serves until ctx is cancelled.
func (s *RelayService) Run(ctx context.Context) error {
	if s.metricsEnabled {
		go func() {
			if err := metrics.ServeMetrics(ctx, s.metricsAddr, s.log); err != nil {
				s.log.Errorf("metrics endpoint: %v", err)
			}
		}()
	}
	go func() {
		for ev := range s.events.Subscribe() {
			if ev.Up {
				s.log.Infof("%s %s connected (%s)", ev.Role, ev.Identity, ev.ConnID)
			} else if ev.Role != relay.RoleUnauthenticated {
				s.log.Infof("%s %s disconnected (%s)", ev.Role, ev.Identity, ev.ConnID)
			}
		}
	}()
	return s.server.Run(ctx)
}

// Close releases the bus connection.
func (s *RelayService) Close() error {
	s.events.Close()
	s.bus.Close()
	return nil
}

// AgentService orchestrates the vehicle agent: telemetry source, durable
// outbox and the relay connection.
type AgentService struct {
	agent   *agent.Agent
	samples <-chan telemetry.Processed
	closers []func() error
	log     logger.Logger
}

// NewAgent builds the agent from configuration. The sample source and
// command handler are injected by the caller, which owns the vehicle link.
func NewAgent(cfg *config.Config, samples <-chan telemetry.Processed, handler agent.CommandHandler, outbox agent.Outbox, closers ...func() error) *AgentService {
	dialer := ws.NewDialer(ws.DialerConfig{URL: cfg.Agent.RelayURL})
	a := agent.New(cfg.Agent.Protocol(), dialer, outbox, handler, logger.New("agent"))
	return &AgentService{agent: a, samples: samples, closers: closers, log: logger.New("agent-service")}
}

// Agent exposes the underlying protocol driver.
func (s *AgentService) Agent() *agent.Agent { return s.agent }

// Run drives the reconnect loop until ctx is cancelled or retries are
// exhausted.
func (s *AgentService) Run(ctx context.Context) error {
	go func() {
		for ev := range s.agent.Events().Subscribe() {
			if ev.Err != nil {
				s.log.Warnf("state %s -> %s (attempt %d): %v", ev.From, ev.To, ev.Attempt, ev.Err)
			} else {
				s.log.Infof("state %s -> %s", ev.From, ev.To)
			}
		}
	}()
	return s.agent.Run(ctx, s.samples)
}

// Close releases resources held by the agent.
func (s *AgentService) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
