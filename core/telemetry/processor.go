package telemetry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/reliefwings/skybridge/core/logger"
)

// ValidationRules bound the physically plausible range of a sample.
type ValidationRules struct {
	MaxAltitude    float64 // meters above home
	MinVoltage     float64
	MaxVoltage     float64
	MaxGroundSpeed float64 // m/s
}

// DefaultRules returns limits suitable for a small multirotor.
func DefaultRules() ValidationRules {
	return ValidationRules{
		MaxAltitude:    500,
		MinVoltage:     9.0,
		MaxVoltage:     26.0,
		MaxGroundSpeed: 30,
	}
}

// Derived carries fields computed from a sample rather than measured.
type Derived struct {
	Speed3D       float64 `json:"speed_3d"`
	DistanceHome  float64 `json:"distance_home"` // meters
	SignalQuality string  `json:"signal_quality"`
	BatteryHealth string  `json:"battery_health"`
	FlightTime    float64 `json:"flight_time"` // seconds, resets on disarm
}

// Processed is a validated sample plus its derived data.
type Processed struct {
	Record
	Derived    Derived  `json:"derived"`
	Valid      bool     `json:"valid"`
	Violations []string `json:"violations,omitempty"`
}

// HealthMetrics summarizes processor throughput over the rolling window.
type HealthMetrics struct {
	Processed        uint64  `json:"processed"`
	InvalidRate      float64 `json:"invalid_rate"`
	MeanIntervalSec  float64 `json:"mean_interval_sec"`
	IntervalStdDev   float64 `json:"interval_stddev_sec"`
	LastProcessedUTC int64   `json:"last_processed"`
}

// Processor validates samples and enriches them with derived data. It is not
// safe for concurrent use; the agent owns one per producer.
type Processor struct {
	rules ValidationRules
	log   logger.Logger

	last       *Processed
	intervals  []float64 // seconds between consecutive capture timestamps
	windowSize int

	processed uint64
	invalid   uint64
}

// NewProcessor creates a Processor with the given rules.
func NewProcessor(rules ValidationRules, log logger.Logger) *Processor {
	return &Processor{rules: rules, log: log, windowSize: 100}
}

// Process validates the record and attaches derived data. Invalid records are
// returned flagged, never dropped; the caller decides whether to forward them.
func (p *Processor) Process(r Record) Processed {
	out := Processed{Record: r, Valid: true}
	out.Violations = p.validate(r)
	if len(out.Violations) > 0 {
		out.Valid = false
		p.invalid++
		p.log.Warnf("telemetry seq %d failed validation: %v", r.Seq, out.Violations)
	}

	out.Derived = p.derive(r)
	p.track(&out)
	p.processed++
	return out
}

func (p *Processor) validate(r Record) []string {
	var violations []string
	if r.Position.Lat < -90 || r.Position.Lat > 90 {
		violations = append(violations, fmt.Sprintf("latitude %.4f out of range", r.Position.Lat))
	}
	if r.Position.Lon < -180 || r.Position.Lon > 180 {
		violations = append(violations, fmt.Sprintf("longitude %.4f out of range", r.Position.Lon))
	}
	if r.AltRel < -10 || r.AltRel > p.rules.MaxAltitude {
		violations = append(violations, fmt.Sprintf("relative altitude %.1f out of range", r.AltRel))
	}
	if v := r.Battery.Voltage; v != 0 && (v < p.rules.MinVoltage || v > p.rules.MaxVoltage) {
		violations = append(violations, fmt.Sprintf("battery voltage %.2f out of range", v))
	}
	if s := math.Hypot(r.Velocity.VX, r.Velocity.VY); s > p.rules.MaxGroundSpeed {
		violations = append(violations, fmt.Sprintf("ground speed %.1f exceeds limit", s))
	}
	return violations
}

func (p *Processor) derive(r Record) Derived {
	d := Derived{
		Speed3D:      math.Sqrt(r.Velocity.VX*r.Velocity.VX + r.Velocity.VY*r.Velocity.VY + r.Velocity.VZ*r.Velocity.VZ),
		DistanceHome: haversine(r.Position.Lat, r.Position.Lon, r.Home.Lat, r.Home.Lon),
	}

	switch {
	case r.Position.FixType >= 3 && r.Position.Satellites >= 8:
		d.SignalQuality = "excellent"
	case r.Position.FixType >= 2 && r.Position.Satellites >= 6:
		d.SignalQuality = "good"
	case r.Position.FixType >= 2 && r.Position.Satellites >= 4:
		d.SignalQuality = "fair"
	default:
		d.SignalQuality = "poor"
	}

	switch level := r.Battery.Remaining; {
	case level < 0:
		d.BatteryHealth = "unknown"
	case level > 80:
		d.BatteryHealth = "excellent"
	case level > 60:
		d.BatteryHealth = "good"
	case level > 40:
		d.BatteryHealth = "fair"
	case level > 20:
		d.BatteryHealth = "low"
	default:
		d.BatteryHealth = "critical"
	}

	if r.Armed && p.last != nil && p.last.Armed {
		d.FlightTime = p.last.Derived.FlightTime + float64(r.TS-p.last.TS)/1000
	}
	return d
}

func (p *Processor) track(out *Processed) {
	if p.last != nil && out.TS > p.last.TS {
		p.intervals = append(p.intervals, float64(out.TS-p.last.TS)/1000)
		if len(p.intervals) > p.windowSize {
			p.intervals = p.intervals[len(p.intervals)-p.windowSize:]
		}
	}
	p.last = out
}

// Health reports rolling statistics about the processed stream.
func (p *Processor) Health() HealthMetrics {
	m := HealthMetrics{Processed: p.processed}
	if p.processed > 0 {
		m.InvalidRate = float64(p.invalid) / float64(p.processed)
	}
	if len(p.intervals) > 0 {
		m.MeanIntervalSec = stat.Mean(p.intervals, nil)
		m.IntervalStdDev = stat.StdDev(p.intervals, nil)
	}
	if p.last != nil {
		m.LastProcessedUTC = p.last.TS
	}
	return m
}

// haversine returns the great-circle distance between two points in meters.
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadius = 6371000.0
	rad := math.Pi / 180
	dlat := (lat2 - lat1) * rad
	dlon := (lon2 - lon1) * rad
	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return earthRadius * 2 * math.Asin(math.Sqrt(a))
}
