package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamInfo is a snapshot of the stream for monitoring.
type StreamInfo struct {
	Stream          string `json:"stream"`
	Length          int64  `json:"length"`
	Groups          int64  `json:"groups"`
	LastGeneratedID string `json:"last_generated_id"`
	FirstEntryID    string `json:"first_entry_id,omitempty"`
	LastEntryID     string `json:"last_entry_id,omitempty"`
}

// GroupInfo is a snapshot of one consumer group for monitoring.
type GroupInfo struct {
	Stream          string         `json:"stream"`
	Name            string         `json:"name"`
	Consumers       int64          `json:"consumers"`
	Pending         int64          `json:"pending"`
	LastDeliveredID string         `json:"last_delivered_id"`
	Lag             int64          `json:"lag"`
	Members         []ConsumerInfo `json:"members,omitempty"`
}

// ConsumerInfo describes one member of a group.
type ConsumerInfo struct {
	Name    string        `json:"name"`
	Pending int64         `json:"pending"`
	Idle    time.Duration `json:"idle"`
}

// StreamInfo returns a snapshot of the consumer's stream.
func (c *Consumer) StreamInfo(ctx context.Context) (*StreamInfo, error) {
	return ReadStreamInfo(ctx, c.client, c.cfg.Stream)
}

// GroupInfo returns a snapshot of the consumer's group and its members.
func (c *Consumer) GroupInfo(ctx context.Context) (*GroupInfo, error) {
	return ReadGroupInfo(ctx, c.client, c.cfg.Stream, c.cfg.Group)
}

// ReadStreamInfo reads a snapshot of stream.
func ReadStreamInfo(ctx context.Context, rdb redis.Cmdable, stream string) (*StreamInfo, error) {
	info, err := rdb.XInfoStream(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("xinfo stream %s: %w", stream, err)
	}
	return &StreamInfo{
		Stream:          stream,
		Length:          info.Length,
		Groups:          info.Groups,
		LastGeneratedID: info.LastGeneratedID,
		FirstEntryID:    info.FirstEntry.ID,
		LastEntryID:     info.LastEntry.ID,
	}, nil
}

// ReadGroupInfo reads a snapshot of group on stream, including its members.
func ReadGroupInfo(ctx context.Context, rdb redis.Cmdable, stream, group string) (*GroupInfo, error) {
	info, err := readGroupSummary(ctx, rdb, stream, group)
	if err != nil {
		return nil, err
	}

	consumers, err := rdb.XInfoConsumers(ctx, stream, group).Result()
	if err != nil {
		return nil, fmt.Errorf("xinfo consumers %s/%s: %w", stream, group, err)
	}
	for _, m := range consumers {
		info.Members = append(info.Members, ConsumerInfo{
			Name:    m.Name,
			Pending: m.Pending,
			Idle:    m.Idle,
		})
	}
	return info, nil
}

// readGroupSummary reads group counters without listing members.
func readGroupSummary(ctx context.Context, rdb redis.Cmdable, stream, group string) (*GroupInfo, error) {
	groups, err := rdb.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return nil, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}
	for _, g := range groups {
		if g.Name != group {
			continue
		}
		return &GroupInfo{
			Stream:          stream,
			Name:            g.Name,
			Consumers:       g.Consumers,
			Pending:         g.Pending,
			LastDeliveredID: g.LastDeliveredID,
			Lag:             g.Lag,
		}, nil
	}
	return nil, fmt.Errorf("consumer group %s not found on %s", group, stream)
}
