package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
)

func TestReplay(t *testing.T) {
	mr, _ := startRedis(t)
	rdb := rawClient(t, mr)
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		ev := testEvent("c", "op", event.PhaseStart)
		want = append(want, ev.EventID)
		appendEvent(t, rdb, ev)
		if i == 2 {
			require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
				Stream: testStream,
				Values: map[string]any{"junk": "1"},
			}).Err())
		}
	}

	t.Run("all entries in order", func(t *testing.T) {
		var got []string
		stats, err := Replay(ctx, rdb, testStream, "-", "+", 2, func(_ string, ev *event.TelemetryEvent) error {
			got = append(got, ev.EventID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, 5, stats.Delivered)
		assert.Equal(t, 1, stats.Skipped)
		assert.NotEmpty(t, stats.LastID)
	})

	t.Run("stop early", func(t *testing.T) {
		var got int
		stats, err := Replay(ctx, rdb, testStream, "", "", 10, func(_ string, _ *event.TelemetryEvent) error {
			got++
			if got == 3 {
				return ErrStopReplay
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Delivered)
	})

	t.Run("callback error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := Replay(ctx, rdb, testStream, "-", "+", 10, func(_ string, _ *event.TelemetryEvent) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("does not touch groups", func(t *testing.T) {
		require.NoError(t, rdb.XGroupCreate(ctx, testStream, "g", "0").Err())
		_, err := Replay(ctx, rdb, testStream, "-", "+", 10, func(_ string, _ *event.TelemetryEvent) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, int64(0), pendingCount(t, rdb, "g"))
	})

	t.Run("missing stream", func(t *testing.T) {
		stats, err := Replay(ctx, rdb, "absent", "-", "+", 10, func(_ string, _ *event.TelemetryEvent) error { return nil })
		require.NoError(t, err)
		assert.Zero(t, stats.Delivered)
	})
}

func TestReplay_PagesThroughSameMillisecondIDs(t *testing.T) {
	mr, _ := startRedis(t)
	rdb := rawClient(t, mr)
	ctx := context.Background()

	ids := []string{"5-1", "5-2", "5-3", "5-4", "5-5", "5-6", "6-0"}
	for _, id := range ids {
		data, err := testEvent("c", "op", event.PhaseStart).Encode()
		require.NoError(t, err)
		require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: testStream,
			ID:     id,
			Values: map[string]any{event.PayloadField: data},
		}).Err())
	}

	for _, batch := range []int64{1, 2, 3, 7} {
		var got []string
		stats, err := Replay(ctx, rdb, testStream, "-", "+", batch, func(id string, _ *event.TelemetryEvent) error {
			got = append(got, id)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, ids, got, "batch %d", batch)
		assert.Equal(t, "6-0", stats.LastID)
	}

	var got []string
	_, err := Replay(ctx, rdb, testStream, "5-3", "5-5", 2, func(id string, _ *event.TelemetryEvent) error {
		got = append(got, id)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"5-3", "5-4", "5-5"}, got)
}
