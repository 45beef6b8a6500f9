package stream

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id, process, title, unixTime, intensity string) redis.XMessage {
	return redis.XMessage{
		ID: id,
		Values: map[string]any{
			"session_uuid": "u-1",
			"unix_time":    unixTime,
			"process_name": process,
			"window_title": title,
			"intensity":    intensity,
		},
	}
}

func TestGroupMessagesByFingerprint(t *testing.T) {
	messages := []redis.XMessage{
		msg("1-0", "code.exe", "main.go", "100", "40"),
		msg("2-0", "firefox.exe", "docs", "105", "20"),
		msg("3-0", "code.exe", "main.go", "110", "60"),
		msg("4-0", "code.exe", "main.go", "120", "50"),
	}

	groups := GroupMessages(messages)
	require.Len(t, groups, 2)

	// Descending event count.
	g := groups[0]
	assert.Equal(t, "code.exe", g.ProcessName)
	assert.Equal(t, "main.go", g.WindowTitle)
	assert.Equal(t, 3, g.EventCount)
	assert.Equal(t, []string{"1-0", "3-0", "4-0"}, g.StreamIDs)
	assert.Equal(t, int64(100), g.FirstSeen)
	assert.Equal(t, int64(120), g.LastSeen)
	assert.InDelta(t, 50.0, g.AvgIntensity, 0.01)
	assert.Len(t, g.Events, 3)

	assert.Equal(t, "firefox.exe", groups[1].ProcessName)
	assert.Equal(t, 1, groups[1].EventCount)
}

func TestGroupMessagesEmpty(t *testing.T) {
	assert.Empty(t, GroupMessages(nil))
}

func TestParseMessageDefaults(t *testing.T) {
	ev := parseMessage(redis.XMessage{ID: "1-0", Values: map[string]any{}})
	assert.Equal(t, "unknown", ev.ProcessName)
	assert.NotZero(t, ev.UnixTime)
	assert.False(t, ev.HasScreenshot)
}

func TestParseMessageFloatNumeric(t *testing.T) {
	ev := parseMessage(redis.XMessage{ID: "1-0", Values: map[string]any{
		"process_name": "code.exe",
		"unix_time":    "1700000000.5",
		"intensity":    "42",
	}})
	assert.Equal(t, int64(1700000000), ev.UnixTime)
	assert.Equal(t, 42, ev.InputIntensity)
}

func TestParseMessageScreenshotRef(t *testing.T) {
	ev := parseMessage(redis.XMessage{ID: "1-0", Values: map[string]any{
		"process_name":    "code.exe",
		"unix_time":       "100",
		"screenshot_hash": "abc123",
	}})
	assert.True(t, ev.HasScreenshot)
	assert.Equal(t, "abc123", ev.ScreenshotHash)
	assert.True(t, ev.HasScreenshotRef())
}
