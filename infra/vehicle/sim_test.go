package vehicle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatorEmitsMonotonicSequence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sim := NewSimulator(SimConfig{DroneID: "DRONE_001", Rate: time.Millisecond, HomeLat: 48.85, HomeLon: 2.35})
	out := sim.Run(ctx)

	var lastSeq uint64
	for i := 0; i < 5; i++ {
		select {
		case rec := <-out:
			assert.Equal(t, "DRONE_001", rec.DroneID)
			assert.Greater(t, rec.Seq, lastSeq)
			lastSeq = rec.Seq
			assert.InDelta(t, 48.85, rec.Position.Lat, 0.01)
			assert.Equal(t, "GUIDED", rec.Mode)
			assert.True(t, rec.Armed)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for sample")
		}
	}
}

func TestSimulatorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sim := NewSimulator(SimConfig{DroneID: "DRONE_001", Rate: time.Millisecond})
	out := sim.Run(ctx)

	rec := <-out
	require.NotZero(t, rec.Seq)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after cancel")
		}
	}
}
