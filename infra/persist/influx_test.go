package persist

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/reliefwings/skybridge/core/telemetry"
)

func TestInfluxSink_StoreTelemetry(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(Config{URL: srv.URL, Token: "token", Org: "org", Bucket: "bucket"})
	defer sink.Close()

	now := time.Now()
	rec := telemetry.Record{
		DroneID:  "DRONE_001",
		Seq:      42,
		TS:       now.UnixMilli(),
		Position: telemetry.Position{Lat: 48.85, Lon: 2.35, Satellites: 11},
		AltRel:   50.5,
		Battery:  telemetry.Battery{Voltage: 12.4, Current: 3.1, Remaining: 88},
		Mode:     "GUIDED",
		Armed:    true,
	}
	if err := sink.StoreTelemetry(context.Background(), rec); err != nil {
		t.Fatalf("store error: %v", err)
	}

	p := write.NewPointWithMeasurement("telemetry").
		AddTag("drone_id", "DRONE_001").
		AddTag("mode", "GUIDED").
		AddTag("armed", "true").
		AddField("seq", int64(42)).
		AddField("lat", 48.85).
		AddField("lon", 2.35).
		AddField("alt_rel", 50.5).
		AddField("satellites", 11).
		AddField("roll", 0.0).
		AddField("pitch", 0.0).
		AddField("yaw", 0.0).
		AddField("vx", 0.0).
		AddField("vy", 0.0).
		AddField("vz", 0.0).
		AddField("battery_voltage", 12.4).
		AddField("battery_current", 3.1).
		AddField("battery_remaining", 88).
		SetTime(rec.CaptureTime())
	expected := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	if strings.TrimSpace(body) != expected {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestInfluxSink_StoreAck(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(Config{URL: srv.URL, Token: "token", Org: "org", Bucket: "bucket"})
	defer sink.Close()

	ack := telemetry.CommandAck{
		CommandID: "cmd-1",
		Name:      "land",
		State:     telemetry.CommandCompleted,
		Result:    telemetry.CommandResult{Success: true, Message: "landed"},
		TS:        time.Now().UnixMilli(),
	}
	if err := sink.StoreAck(context.Background(), ack); err != nil {
		t.Fatalf("store error: %v", err)
	}
	if !strings.Contains(body, "command_ack") || !strings.Contains(body, "state=COMPLETED") {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestNewInfluxSinkWithFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			called = true
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	sink := NewInfluxSinkWithFallback(Config{URL: srv.URL, Token: "tok", Org: "org", Bucket: "bucket"})
	if _, ok := sink.(*InfluxSink); ok {
		t.Fatalf("expected NopSink on failing health check")
	}
	if !called {
		t.Fatalf("health endpoint not called")
	}
}
