package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"relay": {"addr": ":9000", "heartbeat_seconds": 20},
		"bus": {"broker": "tcp://localhost:1883", "client_id": "relay-1"},
		"auth": {
			"keys": [{"key": "drone-key", "kind": "producer", "identity": "DRONE_001"}],
			"jwt_secret": "secret"
		},
		"metrics": {"enabled": true, "addr": ":2112"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateRelay())

	assert.Equal(t, "tcp://localhost:1883", cfg.Bus.Broker)
	assert.Equal(t, "secret", cfg.Auth.JWTSecret)

	srv := cfg.Relay.ServerConfig()
	assert.Equal(t, ":9000", srv.Addr)
	assert.Equal(t, 20*time.Second, srv.Heartbeat)
	assert.Equal(t, "/ws", srv.Path, "default applied")
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
agent:
  drone_id: DRONE_001
  credential: drone-key
  relay_url: ws://localhost:8765/ws
  backoff_base_ms: 500
  backoff_max_ms: 30000
  max_attempts: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.ValidateAgent())

	proto := cfg.Agent.Protocol()
	assert.Equal(t, "DRONE_001", proto.DroneID)
	assert.Equal(t, 500*time.Millisecond, proto.Backoff.Base)
	assert.Equal(t, 30*time.Second, proto.Backoff.Max)
	assert.Equal(t, 5, proto.Backoff.MaxAttempts)
	assert.Equal(t, "drone/DRONE_001/cmd", proto.CommandChannel, "default derived from drone id")
}

func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"bus": {"broker": "tcp://localhost:1883"},
		"auth": {"keys": [{"key": "k", "kind": "consumer", "identity": "kiosk"}]}
	}`)

	t.Setenv("SB_BUS__BROKER", "tcp://broker.prod:8883")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker.prod:8883", cfg.Bus.Broker)
}

func TestUnsupportedFormat(t *testing.T) {
	path := writeConfig(t, "config.toml", "broker = 'x'")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRelayRejectsBadKeyKind(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"bus": {"broker": "tcp://localhost:1883"},
		"auth": {"keys": [{"key": "k", "kind": "admin", "identity": "x"}]}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateRelay())
}

func TestValidateAgentRequiresCredential(t *testing.T) {
	path := writeConfig(t, "config.json", `{"agent": {"drone_id": "DRONE_001", "relay_url": "ws://x"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateAgent())
}
