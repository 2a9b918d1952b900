package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
	"github.com/fyrsmithlabs/telemetrybus/pkg/idgen"
)

const testStream = "ctl:events"

// execute runs the CLI with args against a throwaway HOME.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func brokerArgs(mr *miniredis.Miniredis, args ...string) []string {
	return append([]string{"--redis-url", "redis://" + mr.Addr(), "--stream", testStream}, args...)
}

func seedEvents(t *testing.T, mr *miniredis.Miniredis, events ...event.TelemetryEvent) []string {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ids := make([]string, 0, len(events))
	for i := range events {
		data, err := events[i].Encode()
		require.NoError(t, err)
		id, err := rdb.XAdd(context.Background(), &redis.XAddArgs{
			Stream: testStream,
			Values: map[string]any{event.PayloadField: string(data)},
		}).Result()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func testEvent(corr, service string, phase event.Phase) event.TelemetryEvent {
	return event.TelemetryEvent{
		EventID:       idgen.New(),
		CorrelationID: corr,
		Service:       service,
		Instance:      service + "-0",
		Phase:         phase,
		Timestamp:     "2026-10-18T12:00:00.000Z",
	}
}

func TestPublish(t *testing.T) {
	t.Run("writes the event and prints its id", func(t *testing.T) {
		mr := miniredis.RunT(t)

		stdout, _, err := execute(t, brokerArgs(mr,
			"publish",
			"--service", "gateway",
			"--operation", "checkout",
			"--correlation-id", "req-42",
			"--phase", "end",
			"--status-code", "200",
			"--duration-ms", "12.5",
			"--metadata", "region=eu",
		)...)
		require.NoError(t, err)

		id := strings.TrimSpace(stdout)
		assert.True(t, idgen.Valid(id), "printed id %q", id)

		entries, err := mr.Stream(testStream)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Len(t, entries[0].Values, 2)
		assert.Equal(t, event.PayloadField, entries[0].Values[0])

		ev, err := event.Decode(map[string]any{event.PayloadField: entries[0].Values[1]})
		require.NoError(t, err)
		assert.Equal(t, id, ev.EventID)
		assert.Equal(t, "req-42", ev.CorrelationID)
		assert.Equal(t, "gateway", ev.Service)
		assert.Equal(t, "checkout", ev.Operation)
		assert.Equal(t, event.PhaseEnd, ev.Phase)
		require.NotNil(t, ev.StatusCode)
		assert.Equal(t, 200, *ev.StatusCode)
		require.NotNil(t, ev.DurationMs)
		assert.InDelta(t, 12.5, *ev.DurationMs, 1e-9)
		assert.Equal(t, "eu", ev.Metadata["region"])
		assert.NotEmpty(t, ev.Instance)
		assert.NotEmpty(t, ev.Timestamp)
	})

	t.Run("omits unset optional fields", func(t *testing.T) {
		mr := miniredis.RunT(t)

		_, _, err := execute(t, brokerArgs(mr, "publish")...)
		require.NoError(t, err)

		entries, err := mr.Stream(testStream)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		ev, err := event.Decode(map[string]any{event.PayloadField: entries[0].Values[1]})
		require.NoError(t, err)
		assert.Equal(t, "telemetryctl", ev.Service)
		assert.Equal(t, event.PhaseStart, ev.Phase)
		assert.NotEmpty(t, ev.CorrelationID)
		assert.Nil(t, ev.StatusCode)
		assert.Nil(t, ev.DurationMs)
		assert.Nil(t, ev.Metadata)
	})

	t.Run("rejects unknown phase", func(t *testing.T) {
		mr := miniredis.RunT(t)
		_, _, err := execute(t, brokerArgs(mr, "publish", "--phase", "midway")...)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid phase")
	})

	t.Run("fails when the broker is unreachable", func(t *testing.T) {
		_, _, err := execute(t,
			"--redis-url", "redis://127.0.0.1:1",
			"publish", "--wait", "200ms")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broker not reachable")
	})
}

func TestInfo(t *testing.T) {
	mr := miniredis.RunT(t)
	ids := seedEvents(t, mr,
		testEvent("c1", "gateway", event.PhaseStart),
		testEvent("c1", "gateway", event.PhaseEnd),
	)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.XGroupCreate(context.Background(), testStream, "readers", "0").Err())

	t.Run("stream only", func(t *testing.T) {
		stdout, _, err := execute(t, brokerArgs(mr, "info")...)
		require.NoError(t, err)

		var out struct {
			Stream map[string]any `json:"stream"`
			Group  map[string]any `json:"group"`
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		assert.Equal(t, testStream, out.Stream["stream"])
		assert.EqualValues(t, 2, out.Stream["length"])
		assert.Equal(t, ids[0], out.Stream["first_entry_id"])
		assert.Equal(t, ids[1], out.Stream["last_entry_id"])
		assert.Nil(t, out.Group)
	})

	t.Run("with group", func(t *testing.T) {
		stdout, _, err := execute(t, brokerArgs(mr, "info", "--group", "readers")...)
		require.NoError(t, err)

		var out struct {
			Group map[string]any `json:"group"`
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		require.NotNil(t, out.Group)
		assert.Equal(t, "readers", out.Group["name"])
		assert.EqualValues(t, 0, out.Group["pending"])
	})

	t.Run("unknown group", func(t *testing.T) {
		_, _, err := execute(t, brokerArgs(mr, "info", "--group", "missing")...)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "read group info")
	})
}

func TestReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	ids := seedEvents(t, mr,
		testEvent("c1", "gateway", event.PhaseStart),
		testEvent("c2", "billing", event.PhaseStart),
		testEvent("c1", "gateway", event.PhaseEnd),
	)
	mr.XAdd(testStream, "*", []string{"other", "x"})

	decode := func(t *testing.T, stdout string) []replayLine {
		t.Helper()
		var lines []replayLine
		for _, raw := range strings.Split(strings.TrimSpace(stdout), "\n") {
			if raw == "" {
				continue
			}
			var line replayLine
			require.NoError(t, json.Unmarshal([]byte(raw), &line))
			lines = append(lines, line)
		}
		return lines
	}

	t.Run("all events in order", func(t *testing.T) {
		stdout, stderr, err := execute(t, brokerArgs(mr, "replay", "--batch", "2")...)
		require.NoError(t, err)

		lines := decode(t, stdout)
		require.Len(t, lines, 3)
		for i, line := range lines {
			assert.Equal(t, ids[i], line.ID)
		}
		assert.Contains(t, stderr, "skipped 1 undecodable")
	})

	t.Run("filter by correlation", func(t *testing.T) {
		stdout, _, err := execute(t, brokerArgs(mr, "replay", "--correlation-id", "c1")...)
		require.NoError(t, err)

		lines := decode(t, stdout)
		require.Len(t, lines, 2)
		assert.Equal(t, event.PhaseStart, lines[0].Event.Phase)
		assert.Equal(t, event.PhaseEnd, lines[1].Event.Phase)
	})

	t.Run("range and limit", func(t *testing.T) {
		stdout, _, err := execute(t, brokerArgs(mr, "replay", "--from", ids[1], "--limit", "1")...)
		require.NoError(t, err)

		lines := decode(t, stdout)
		require.Len(t, lines, 1)
		assert.Equal(t, ids[1], lines[0].ID)
		assert.Equal(t, "c2", lines[0].Event.CorrelationID)
	})

	t.Run("negative limit", func(t *testing.T) {
		_, _, err := execute(t, brokerArgs(mr, "replay", "--limit", "-1")...)
		require.Error(t, err)
	})
}

func TestID(t *testing.T) {
	t.Run("generates ordered ids", func(t *testing.T) {
		stdout, _, err := execute(t, "id", "--count", "5")
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(stdout), "\n")
		require.Len(t, lines, 5)
		for i, id := range lines {
			assert.True(t, idgen.Valid(id), id)
			if i > 0 {
				assert.Less(t, lines[i-1], id)
			}
		}
	})

	t.Run("rejects zero count", func(t *testing.T) {
		_, _, err := execute(t, "id", "--count", "0")
		require.Error(t, err)
	})

	t.Run("decodes generation time", func(t *testing.T) {
		id := idgen.New()
		ts, ok := idgen.Timestamp(id)
		require.True(t, ok)

		stdout, _, err := execute(t, "id", "time", id)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(stdout, event.FormatTimestamp(ts)+"\t"))
	})

	t.Run("rejects non time-ordered ids", func(t *testing.T) {
		_, _, err := execute(t, "id", "time", "not-an-id")
		require.Error(t, err)
	})
}
