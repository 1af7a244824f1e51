// Package config loads and validates the configuration for the relay and the
// vehicle agent from JSON or YAML files with environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/reliefwings/skybridge/core/agent"
	"github.com/reliefwings/skybridge/core/relay"
	mqttbus "github.com/reliefwings/skybridge/infra/bus"
	"github.com/reliefwings/skybridge/infra/persist"
	"github.com/reliefwings/skybridge/infra/vehicle"
	"github.com/reliefwings/skybridge/infra/ws"
)

// Config is the root configuration shared by both binaries. A relay ignores
// the agent section and vice versa.
type Config struct {
	Relay   RelayConfig      `json:"relay"`
	Bus     mqttbus.Config   `json:"bus"`
	Auth    relay.GateConfig `json:"auth"`
	Persist PersistConfig    `json:"persist"`
	Metrics MetricsConfig    `json:"metrics"`
	Agent   AgentConfig      `json:"agent"`
}

// RelayConfig holds the WebSocket endpoint settings. Durations are expressed
// in seconds for config-file friendliness.
type RelayConfig struct {
	Addr             string `json:"addr"`
	Path             string `json:"path"`
	HeartbeatSeconds int    `json:"heartbeat_seconds"`
	IdleMultiplier   int    `json:"idle_multiplier"`
	SendBuffer       int    `json:"send_buffer"`
	MaxMessageBytes  int64  `json:"max_message_bytes"`
}

// ServerConfig converts to the transport-level configuration.
func (c RelayConfig) ServerConfig() ws.ServerConfig {
	cfg := ws.ServerConfig{
		Addr:            c.Addr,
		Path:            c.Path,
		Heartbeat:       time.Duration(c.HeartbeatSeconds) * time.Second,
		IdleMultiplier:  c.IdleMultiplier,
		SendBuffer:      c.SendBuffer,
		MaxMessageBytes: c.MaxMessageBytes,
	}
	cfg.SetDefaults()
	return cfg
}

// PersistConfig enables the InfluxDB sink.
type PersistConfig struct {
	Enabled bool           `json:"enabled"`
	Influx  persist.Config `json:"influx"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// AgentConfig holds the vehicle agent settings.
type AgentConfig struct {
	DroneID          string            `json:"drone_id"`
	Credential       string            `json:"credential"`
	RelayURL         string            `json:"relay_url"`
	OutboxPath       string            `json:"outbox_path"`
	HeartbeatSeconds int               `json:"heartbeat_seconds"`
	BatchSize        int               `json:"batch_size"`
	MaxBuffered      int64             `json:"max_buffered"`
	RetentionHours   int               `json:"retention_hours"`
	BackoffBaseMS    int               `json:"backoff_base_ms"`
	BackoffMaxMS     int               `json:"backoff_max_ms"`
	MaxAttempts      int               `json:"max_attempts"`
	Sim              vehicle.SimConfig `json:"sim"`
	SampleRateMS     int               `json:"sample_rate_ms"`
}

// AgentConfig converts to the protocol-level configuration.
func (c AgentConfig) Protocol() agent.Config {
	cfg := agent.Config{
		DroneID:     c.DroneID,
		Credential:  c.Credential,
		Heartbeat:   time.Duration(c.HeartbeatSeconds) * time.Second,
		BatchSize:   c.BatchSize,
		MaxBuffered: c.MaxBuffered,
		Retention:   time.Duration(c.RetentionHours) * time.Hour,
		Backoff: agent.BackoffConfig{
			Base:        time.Duration(c.BackoffBaseMS) * time.Millisecond,
			Max:         time.Duration(c.BackoffMaxMS) * time.Millisecond,
			MaxAttempts: c.MaxAttempts,
		},
	}
	cfg.SetDefaults()
	return cfg
}

// Load reads the configuration file at path. SB_-prefixed environment
// variables override file values, with "__" as the section separator
// (SB_RELAY__ADDR overrides relay.addr).
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider("SB_", "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "sb_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateRelay checks the fields the relay binary needs.
func (c *Config) ValidateRelay() error {
	if len(c.Auth.Keys) == 0 && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth requires at least one static key or a jwt_secret")
	}
	for i, key := range c.Auth.Keys {
		if key.Key == "" {
			return fmt.Errorf("auth.keys[%d]: empty key", i)
		}
		if key.Kind != string(relay.RoleProducer) && key.Kind != string(relay.RoleConsumer) {
			return fmt.Errorf("auth.keys[%d]: kind must be producer or consumer, got %q", i, key.Kind)
		}
	}
	if c.Bus.Broker == "" {
		return fmt.Errorf("bus.broker is required")
	}
	if c.Persist.Enabled && c.Persist.Influx.URL == "" {
		return fmt.Errorf("persist.influx.url is required when persistence is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// ValidateAgent checks the fields the agent binary needs.
func (c *Config) ValidateAgent() error {
	if c.Agent.DroneID == "" {
		return fmt.Errorf("agent.drone_id is required")
	}
	if c.Agent.Credential == "" {
		return fmt.Errorf("agent.credential is required")
	}
	if c.Agent.RelayURL == "" {
		return fmt.Errorf("agent.relay_url is required")
	}
	return nil
}
