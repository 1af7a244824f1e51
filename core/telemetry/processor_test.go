package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefwings/skybridge/infra/logger"
)

func sample(seq uint64, ts int64) Record {
	return Record{
		DroneID:  "DRONE_001",
		Seq:      seq,
		TS:       ts,
		Position: Position{Lat: 40.0, Lon: -3.7, FixType: 3, Satellites: 10},
		AltRel:   25,
		Velocity: Velocity{VX: 3, VY: 4, VZ: 0},
		Battery:  Battery{Voltage: 15.2, Current: 8.1, Remaining: 85},
		Mode:     "GUIDED",
		Armed:    true,
		Home:     Position{Lat: 40.0, Lon: -3.7},
	}
}

func TestProcessValidSample(t *testing.T) {
	p := NewProcessor(DefaultRules(), logger.NopLogger{})
	out := p.Process(sample(1, 1000))
	require.True(t, out.Valid)
	assert.Empty(t, out.Violations)
	assert.InDelta(t, 5.0, out.Derived.Speed3D, 1e-9)
	assert.Equal(t, "excellent", out.Derived.SignalQuality)
	assert.Equal(t, "excellent", out.Derived.BatteryHealth)
}

func TestProcessFlagsOutOfRange(t *testing.T) {
	p := NewProcessor(DefaultRules(), logger.NopLogger{})
	r := sample(1, 1000)
	r.Position.Lat = 123
	r.AltRel = 10000
	out := p.Process(r)
	require.False(t, out.Valid)
	assert.Len(t, out.Violations, 2)
}

func TestFlightTimeAccumulatesWhileArmed(t *testing.T) {
	p := NewProcessor(DefaultRules(), logger.NopLogger{})
	p.Process(sample(1, 0))
	out := p.Process(sample(2, 2000))
	assert.InDelta(t, 2.0, out.Derived.FlightTime, 1e-9)

	disarmed := sample(3, 3000)
	disarmed.Armed = false
	out = p.Process(disarmed)
	assert.Zero(t, out.Derived.FlightTime)
}

func TestHealthRollingStats(t *testing.T) {
	p := NewProcessor(DefaultRules(), logger.NopLogger{})
	for i := uint64(1); i <= 5; i++ {
		p.Process(sample(i, int64(i)*1000))
	}
	m := p.Health()
	assert.Equal(t, uint64(5), m.Processed)
	assert.Zero(t, m.InvalidRate)
	assert.InDelta(t, 1.0, m.MeanIntervalSec, 1e-9)
	assert.InDelta(t, 0.0, m.IntervalStdDev, 1e-9)
}

func TestHaversineKnownDistance(t *testing.T) {
	// One degree of latitude is roughly 111 km.
	d := haversine(0, 0, 1, 0)
	assert.InDelta(t, 111195, d, 100)
}
