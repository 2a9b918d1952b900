package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/telemetrybus/pkg/event"
)

// ErrStopReplay may be returned by a ReplayFunc to end Replay early without
// error.
var ErrStopReplay = errors.New("stop replay")

// ReplayFunc receives each replayed entry's ID and event.
type ReplayFunc func(id string, ev *event.TelemetryEvent) error

// ReplayStats summarises a Replay run.
type ReplayStats struct {
	Delivered int    `json:"delivered"`
	Skipped   int    `json:"skipped"`
	LastID    string `json:"last_id,omitempty"`
}

// Replay reads the entries of stream between start and end (inclusive,
// "-" and "+" for the open ends) in ID order, batch entries per round trip,
// and passes each decoded event to fn. It does not touch any consumer group.
// Entries without a usable payload are skipped and counted.
func Replay(ctx context.Context, rdb redis.Cmdable, stream, start, end string, batch int64, fn ReplayFunc) (ReplayStats, error) {
	var stats ReplayStats
	if batch <= 0 {
		batch = DefaultRecoveryBatch
	}
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "+"
	}

	cursor := start
	for {
		msgs, err := rdb.XRangeN(ctx, stream, cursor, end, batch).Result()
		if err != nil {
			return stats, fmt.Errorf("xrange %s: %w", stream, err)
		}

		for _, msg := range msgs {
			stats.LastID = msg.ID
			ev, err := event.Decode(msg.Values)
			if err != nil {
				stats.Skipped++
				continue
			}
			if err := fn(msg.ID, ev); err != nil {
				if errors.Is(err, ErrStopReplay) {
					return stats, nil
				}
				return stats, err
			}
			stats.Delivered++
		}

		if int64(len(msgs)) < batch {
			return stats, nil
		}
		// Exclusive start so the last entry of this batch is not read again.
		cursor = "(" + msgs[len(msgs)-1].ID
	}
}
