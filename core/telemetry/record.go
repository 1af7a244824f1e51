// Package telemetry defines the wire-neutral data model shared by the vehicle
// agent and the relay: telemetry samples, operator commands and command
// acknowledgments.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags a message body routed through the relay.
const (
	KindTelemetry  = "telemetry"
	KindCommand    = "command"
	KindCommandAck = "command_ack"
	KindStatus     = "status_update"
)

// Connectivity states carried by a StatusUpdate.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusUpdate announces a producer connectivity transition to consumers.
type StatusUpdate struct {
	DroneID string `json:"drone_id"`
	State   string `json:"state"`
	TS      int64  `json:"ts"` // unix milliseconds
}

// Envelope wraps every application payload published on a channel.
type Envelope struct {
	Kind string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Position is a GPS fix with quality information.
type Position struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	FixType    int     `json:"fix_type"`
	Satellites int     `json:"satellites"`
}

// Attitude holds the vehicle orientation in radians.
type Attitude struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Velocity is the NED velocity vector in m/s.
type Velocity struct {
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
	VZ float64 `json:"vz"`
}

// Battery reports the power subsystem state.
type Battery struct {
	Voltage   float64 `json:"voltage"`
	Current   float64 `json:"current"`
	Remaining int     `json:"remaining"` // percent, -1 when unknown
}

// Record is one immutable telemetry sample. Seq increases monotonically per
// producer; consumers use it to detect gaps and reordering.
type Record struct {
	DroneID  string   `json:"drone_id"`
	Seq      uint64   `json:"seq"`
	TS       int64    `json:"ts"` // capture time, unix milliseconds
	Position Position `json:"position"`
	AltRel   float64  `json:"alt_rel"` // altitude relative to home, meters
	Attitude Attitude `json:"attitude"`
	Velocity Velocity `json:"velocity"`
	Battery  Battery  `json:"battery"`
	Mode     string   `json:"mode"`
	Armed    bool     `json:"armed"`
	Home     Position `json:"home"`
}

// CaptureTime returns the capture timestamp as time.Time.
func (r Record) CaptureTime() time.Time { return time.UnixMilli(r.TS) }

// CommandState is the lifecycle of an operator command. Transitions are
// reported by the vehicle agent through acknowledgments; the relay only
// routes them.
type CommandState string

const (
	CommandPending   CommandState = "PENDING"
	CommandExecuting CommandState = "EXECUTING"
	CommandCompleted CommandState = "COMPLETED"
	CommandFailed    CommandState = "FAILED"
	CommandTimeout   CommandState = "TIMEOUT"
)

// Command is an operator request targeted at a vehicle.
type Command struct {
	ID       string         `json:"id"`
	Name     string         `json:"command"`
	Args     map[string]any `json:"args,omitempty"`
	IssuedAt int64          `json:"issued_at"` // unix milliseconds
	ClientID string         `json:"client_id"`
}

// CommandResult is the outcome reported inside an acknowledgment.
type CommandResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CommandAck reports a command lifecycle transition back to consumers.
type CommandAck struct {
	CommandID string         `json:"command_id"`
	Name      string         `json:"command"`
	Args      map[string]any `json:"args,omitempty"`
	State     CommandState   `json:"state"`
	Result    CommandResult  `json:"result"`
	TS        int64          `json:"ts"` // unix milliseconds
}

// Wrap marshals data into an Envelope with the given kind.
func Wrap(kind string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Data: raw})
}
