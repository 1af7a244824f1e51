// Package persist stores telemetry, commands and acknowledgments flowing
// through the relay into InfluxDB.
package persist

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/reliefwings/skybridge/core/persist"
	"github.com/reliefwings/skybridge/core/telemetry"
	"github.com/reliefwings/skybridge/infra/logger"
)

// Config holds the InfluxDB connection parameters.
type Config struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// InfluxSink writes relay traffic to an InfluxDB instance using the official
// client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(cfg Config) *InfluxSink {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a NopSink
// when the health check fails, so the relay runs without persistence rather
// than not at all.
func NewInfluxSinkWithFallback(cfg Config) persist.Sink {
	sink := NewInfluxSink(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.log.Warnf("falling back to no-op persistence sink")
		sink.client.Close()
		return persist.NopSink{}
	}
	return sink
}

// Close releases the underlying HTTP client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

// StoreTelemetry writes one telemetry sample as a point tagged by drone.
func (s *InfluxSink) StoreTelemetry(ctx context.Context, rec telemetry.Record) error {
	p := write.NewPointWithMeasurement("telemetry").
		AddTag("drone_id", rec.DroneID).
		AddTag("mode", rec.Mode).
		AddTag("armed", strconv.FormatBool(rec.Armed)).
		AddField("seq", int64(rec.Seq)).
		AddField("lat", rec.Position.Lat).
		AddField("lon", rec.Position.Lon).
		AddField("alt_rel", rec.AltRel).
		AddField("satellites", rec.Position.Satellites).
		AddField("roll", rec.Attitude.Roll).
		AddField("pitch", rec.Attitude.Pitch).
		AddField("yaw", rec.Attitude.Yaw).
		AddField("vx", rec.Velocity.VX).
		AddField("vy", rec.Velocity.VY).
		AddField("vz", rec.Velocity.VZ).
		AddField("battery_voltage", rec.Battery.Voltage).
		AddField("battery_current", rec.Battery.Current).
		AddField("battery_remaining", rec.Battery.Remaining).
		SetTime(rec.CaptureTime())
	return s.writeAPI.WritePoint(ctx, p)
}

// StoreCommand records an operator command issue event.
func (s *InfluxSink) StoreCommand(ctx context.Context, cmd telemetry.Command) error {
	args, err := json.Marshal(cmd.Args)
	if err != nil {
		args = []byte("{}")
	}
	p := write.NewPointWithMeasurement("command").
		AddTag("command", cmd.Name).
		AddTag("client_id", cmd.ClientID).
		AddField("command_id", cmd.ID).
		AddField("args", string(args)).
		SetTime(time.UnixMilli(cmd.IssuedAt))
	return s.writeAPI.WritePoint(ctx, p)
}

// StoreAck records a command lifecycle transition.
func (s *InfluxSink) StoreAck(ctx context.Context, ack telemetry.CommandAck) error {
	p := write.NewPointWithMeasurement("command_ack").
		AddTag("command", ack.Name).
		AddTag("state", string(ack.State)).
		AddTag("success", strconv.FormatBool(ack.Result.Success)).
		AddField("command_id", ack.CommandID).
		AddField("message", ack.Result.Message).
		AddField("error", ack.Result.Error).
		SetTime(time.UnixMilli(ack.TS))
	return s.writeAPI.WritePoint(ctx, p)
}
