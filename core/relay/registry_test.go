package relay

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	id := r.Register()

	role, identity := r.Role(id)
	assert.Equal(t, RoleUnauthenticated, role)
	assert.Empty(t, identity)

	require.NoError(t, r.MarkAuthenticated(id, RoleProducer, "DRONE_001"))
	role, identity = r.Role(id)
	assert.Equal(t, RoleProducer, role)
	assert.Equal(t, "DRONE_001", identity)

	require.NoError(t, r.AddSubscription(id, "drone/DRONE_001/cmd"))
	require.NoError(t, r.AddSubscription(id, "drone/DRONE_001/ctl"))
	assert.True(t, r.Subscribed(id, "drone/DRONE_001/cmd"))

	r.RemoveSubscription(id, "drone/DRONE_001/ctl")
	assert.False(t, r.Subscribed(id, "drone/DRONE_001/ctl"))

	channels := r.Deregister(id)
	assert.ElementsMatch(t, []string{"drone/DRONE_001/cmd"}, channels)
	assert.Zero(t, r.Count())
}

func TestDeregisterIdempotent(t *testing.T) {
	r := NewRegistry()
	id := r.Register()
	require.NoError(t, r.AddSubscription(id, "dash/telemetry"))

	first := r.Deregister(id)
	assert.Len(t, first, 1)
	// The transport-close handler and an explicit logout may both fire.
	second := r.Deregister(id)
	assert.Nil(t, second)
}

func TestMutationsAfterDeregisterFail(t *testing.T) {
	r := NewRegistry()
	id := r.Register()
	r.Deregister(id)

	assert.Error(t, r.AddSubscription(id, "dash/telemetry"))
	assert.Error(t, r.MarkAuthenticated(id, RoleConsumer, "user-1"))
}

func TestConnectionsAreIndependent(t *testing.T) {
	r := NewRegistry()
	ids := make([]string, 8)
	for i := range ids {
		ids[i] = r.Register()
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = r.AddSubscription(id, "dash/telemetry")
				r.RemoveSubscription(id, "dash/telemetry")
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, len(ids), r.Count())
}
