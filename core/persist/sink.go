// Package persist defines the durable storage collaborator. The relay hands
// validated records to a Sink fire-and-forget: a failing sink is logged and
// never surfaced to clients or allowed to block the publish path.
package persist

import (
	"context"

	"github.com/reliefwings/skybridge/core/telemetry"
)

// Sink stores routed records durably.
type Sink interface {
	StoreTelemetry(ctx context.Context, rec telemetry.Record) error
	StoreCommand(ctx context.Context, cmd telemetry.Command) error
	StoreAck(ctx context.Context, ack telemetry.CommandAck) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) StoreTelemetry(context.Context, telemetry.Record) error { return nil }
func (NopSink) StoreCommand(context.Context, telemetry.Command) error  { return nil }
func (NopSink) StoreAck(context.Context, telemetry.CommandAck) error   { return nil }
