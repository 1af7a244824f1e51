package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefwings/skybridge/core/agent"
	"github.com/reliefwings/skybridge/core/telemetry"
)

func openTestOutbox(t *testing.T) *Sqlite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndReplayOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestOutbox(t)

	for seq := uint64(1); seq <= 4; seq++ {
		err := s.Append(ctx, agent.Entry{
			Channel: "dash/telemetry",
			Kind:    telemetry.KindTelemetry,
			Payload: []byte(`{}`),
			Seq:     seq,
		})
		require.NoError(t, err)
	}

	batch, err := s.NextBatch(ctx, 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, e := range batch {
		assert.Equal(t, uint64(i+1), e.Seq, "insertion order preserved")
	}

	ids := []uint64{batch[0].ID, batch[1].ID, batch[2].ID}
	require.NoError(t, s.MarkSent(ctx, ids))

	rest, err := s.NextBatch(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(4), rest[0].Seq)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEntriesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "outbox.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, agent.Entry{Channel: "dash/telemetry", Kind: telemetry.KindTelemetry, Payload: []byte(`{"seq":9}`), Seq: 9}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	batch, err := s.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, uint64(9), batch[0].Seq)
	assert.JSONEq(t, `{"seq":9}`, string(batch[0].Payload))
}

func TestPruneDropsOnlyExpired(t *testing.T) {
	ctx := context.Background()
	s := openTestOutbox(t)

	old := agent.Entry{Channel: "dash/telemetry", Kind: telemetry.KindTelemetry, Payload: []byte(`{}`), Created: time.Now().Add(-48 * time.Hour)}
	fresh := agent.Entry{Channel: "dash/telemetry", Kind: telemetry.KindTelemetry, Payload: []byte(`{}`)}
	require.NoError(t, s.Append(ctx, old))
	require.NoError(t, s.Append(ctx, fresh))

	dropped, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), dropped)

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTrimDropsOldestOverflow(t *testing.T) {
	ctx := context.Background()
	s := openTestOutbox(t)
	for seq := uint64(1); seq <= 5; seq++ {
		e := agent.Entry{Channel: "dash/telemetry", Kind: telemetry.KindTelemetry, Payload: []byte(`{}`), Seq: seq}
		require.NoError(t, s.Append(ctx, e))
	}

	dropped, err := s.Trim(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)

	batch, err := s.NextBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, uint64(3), batch[0].Seq)
	assert.Equal(t, uint64(5), batch[2].Seq)
}

func TestMarkSentEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	s := openTestOutbox(t)
	require.NoError(t, s.Append(ctx, agent.Entry{Channel: "dash/acks", Kind: telemetry.KindCommandAck, Payload: []byte(`{}`)}))
	require.NoError(t, s.MarkSent(ctx, nil))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
