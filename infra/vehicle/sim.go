// Package vehicle provides telemetry sources for the agent. The simulator
// flies a circular pattern around a home position and is used for local
// development and end-to-end testing without flight hardware.
package vehicle

import (
	"context"
	"math"
	"time"

	"github.com/reliefwings/skybridge/core/telemetry"
)

// SimConfig tunes the simulated flight.
type SimConfig struct {
	DroneID  string        `json:"drone_id"`
	Rate     time.Duration `json:"-"` // sample interval
	HomeLat  float64       `json:"home_lat"`
	HomeLon  float64       `json:"home_lon"`
	RadiusM  float64       `json:"radius_m"`
	Altitude float64       `json:"altitude_m"`
}

// SetDefaults fills unset fields.
func (c *SimConfig) SetDefaults() {
	if c.Rate <= 0 {
		c.Rate = time.Second
	}
	if c.RadiusM <= 0 {
		c.RadiusM = 150
	}
	if c.Altitude <= 0 {
		c.Altitude = 50
	}
}

// Simulator emits telemetry records for a vehicle orbiting its home position.
type Simulator struct {
	cfg SimConfig
	seq uint64
}

// NewSimulator creates a simulator.
func NewSimulator(cfg SimConfig) *Simulator {
	cfg.SetDefaults()
	return &Simulator{cfg: cfg}
}

// Run emits records on the returned channel until ctx is cancelled. The
// channel is unbuffered; the consumer decides whether samples stream live or
// land in the outbox.
func (s *Simulator) Run(ctx context.Context) <-chan telemetry.Record {
	out := make(chan telemetry.Record)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.cfg.Rate)
		defer ticker.Stop()
		start := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				rec := s.sample(start, now)
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// metersPerDegree approximates one degree of latitude.
const metersPerDegree = 111_320.0

func (s *Simulator) sample(start, now time.Time) telemetry.Record {
	s.seq++
	elapsed := now.Sub(start).Seconds()

	// One full orbit every two minutes.
	angle := 2 * math.Pi * elapsed / 120
	latOffset := s.cfg.RadiusM * math.Cos(angle) / metersPerDegree
	lonOffset := s.cfg.RadiusM * math.Sin(angle) / (metersPerDegree * math.Cos(s.cfg.HomeLat*math.Pi/180))

	speed := 2 * math.Pi * s.cfg.RadiusM / 120
	heading := angle + math.Pi/2

	// Battery drains roughly 1% per 30 seconds of flight.
	remaining := 100 - int(elapsed/30)
	if remaining < 0 {
		remaining = 0
	}

	home := telemetry.Position{Lat: s.cfg.HomeLat, Lon: s.cfg.HomeLon, FixType: 3, Satellites: 12}
	return telemetry.Record{
		DroneID: s.cfg.DroneID,
		Seq:     s.seq,
		TS:      now.UnixMilli(),
		Position: telemetry.Position{
			Lat:        s.cfg.HomeLat + latOffset,
			Lon:        s.cfg.HomeLon + lonOffset,
			FixType:    3,
			Satellites: 12,
		},
		AltRel: s.cfg.Altitude,
		Attitude: telemetry.Attitude{
			Roll:  0.05 * math.Sin(angle),
			Pitch: 0.02,
			Yaw:   math.Mod(heading, 2*math.Pi),
		},
		Velocity: telemetry.Velocity{
			VX: speed * math.Cos(heading),
			VY: speed * math.Sin(heading),
			VZ: 0,
		},
		Battery: telemetry.Battery{
			Voltage:   12.6 - 0.01*elapsed/30,
			Current:   8.5,
			Remaining: remaining,
		},
		Mode:  "GUIDED",
		Armed: true,
		Home:  home,
	}
}
