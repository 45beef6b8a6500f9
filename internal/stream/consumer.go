package stream

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vel5id/mnemosyne/internal/types"
)

// Consumer turns raw stream messages into deduplicated EventGroups.
type Consumer struct {
	provider *Provider
	logger   *zap.Logger
}

// NewConsumer wraps a Provider.
func NewConsumer(provider *Provider, logger *zap.Logger) *Consumer {
	return &Consumer{provider: provider, logger: logger.Named("consumer")}
}

// FetchGroups reads one batch and groups it by (process, title), most
// active group first.
func (c *Consumer) FetchGroups(ctx context.Context, limit int64) ([]*types.EventGroup, error) {
	messages, err := c.provider.ReadBatch(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}
	groups := GroupMessages(messages)
	c.logger.Debug("fetched batch",
		zap.Int("messages", len(messages)), zap.Int("groups", len(groups)))
	return groups, nil
}

// AckGroup acknowledges every message id the group carries.
func (c *Consumer) AckGroup(ctx context.Context, group *types.EventGroup) error {
	return c.provider.Ack(ctx, group.StreamIDs...)
}

// GroupMessages groups stream messages by (process, title) fingerprint and
// computes aggregates. Groups are sorted descending by event count so the
// most active windows are processed first within the cycle budget.
func GroupMessages(messages []redis.XMessage) []*types.EventGroup {
	byKey := make(map[[2]string]*types.EventGroup)
	var order [][2]string

	for _, msg := range messages {
		ev := parseMessage(msg)
		key := [2]string{ev.ProcessName, ev.WindowTitle}

		group, ok := byKey[key]
		if !ok {
			group = &types.EventGroup{
				ProcessName: ev.ProcessName,
				WindowTitle: ev.WindowTitle,
				FirstSeen:   ev.UnixTime,
				LastSeen:    ev.UnixTime,
			}
			byKey[key] = group
			order = append(order, key)
		}

		group.Events = append(group.Events, ev)
		group.StreamIDs = append(group.StreamIDs, msg.ID)
		group.EventCount++
		if ev.UnixTime < group.FirstSeen {
			group.FirstSeen = ev.UnixTime
		}
		if ev.UnixTime > group.LastSeen {
			group.LastSeen = ev.UnixTime
		}
	}

	groups := make([]*types.EventGroup, 0, len(order))
	for _, key := range order {
		g := byKey[key]
		var sum int64
		for _, ev := range g.Events {
			sum += int64(ev.InputIntensity)
		}
		if g.EventCount > 0 {
			g.AvgIntensity = float64(sum) / float64(g.EventCount)
		}
		groups = append(groups, g)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].EventCount > groups[j].EventCount
	})
	return groups
}

// parseMessage maps the string-valued message fields onto an Event. Missing
// or malformed fields default rather than fail.
func parseMessage(msg redis.XMessage) *types.Event {
	ev := &types.Event{
		SessionUUID: stringField(msg.Values, "session_uuid"),
		ProcessName: stringField(msg.Values, "process_name"),
		WindowTitle: stringField(msg.Values, "window_title"),
	}
	if ev.ProcessName == "" {
		ev.ProcessName = "unknown"
	}

	ev.UnixTime = intField(msg.Values, "unix_time")
	if ev.UnixTime == 0 {
		ev.UnixTime = time.Now().Unix()
	}
	ev.TimestampUTC = time.Unix(ev.UnixTime, 0).UTC().Format(time.RFC3339)

	ev.WindowHWND = intField(msg.Values, "window_hwnd")
	ev.InputIdleMS = intField(msg.Values, "input_idle")
	ev.InputIntensity = int(intField(msg.Values, "intensity"))

	if hash := stringField(msg.Values, "screenshot_hash"); hash != "" {
		ev.HasScreenshot = true
		ev.ScreenshotHash = hash
	}
	return ev
}

func stringField(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intField(values map[string]any, key string) int64 {
	raw := stringField(values, key)
	if raw == "" {
		return 0
	}
	// Producers emit floats for some numeric fields.
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int64(f)
	}
	return 0
}
