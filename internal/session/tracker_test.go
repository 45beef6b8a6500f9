package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vel5id/mnemosyne/internal/types"
)

func ev(t int64, process, title string, intensity int) *types.Event {
	return &types.Event{
		UnixTime:       t,
		ProcessName:    process,
		WindowTitle:    title,
		InputIntensity: intensity,
	}
}

func newTracker() *Tracker {
	return NewTracker(0, 0, zap.NewNop())
}

func TestWindowChangeCloses(t *testing.T) {
	tr := newTracker()

	require.Nil(t, tr.ProcessEvent(ev(0, "A", "win1", 50)))
	closed := tr.ProcessEvent(ev(5, "A", "win2", 50))

	require.NotNil(t, closed)
	assert.Equal(t, types.CloseWindowChange, closed.CloseReason)
	assert.Equal(t, "win1", closed.PrimaryWindow)
	assert.Equal(t, int64(5), closed.DurationSeconds())
	assert.Equal(t, 1, closed.EventCount)

	// New active session seeded from the triggering event.
	assert.True(t, tr.Active())
	forced := tr.ForceClose()
	require.NotNil(t, forced)
	assert.Equal(t, "win2", forced.PrimaryWindow)
}

func TestIdleTimeoutCloses(t *testing.T) {
	tr := newTracker()

	require.Nil(t, tr.ProcessEvent(ev(0, "A", "w", 60)))
	closed := tr.ProcessEvent(ev(500, "A", "w", 60))

	require.NotNil(t, closed)
	assert.Equal(t, types.CloseIdleTimeout, closed.CloseReason)
	// End time is the triggering event; only the first event was appended.
	assert.Equal(t, 1, closed.EventCount)
	assert.True(t, tr.Active())
}

func TestMaxDurationCloses(t *testing.T) {
	tr := newTracker()

	var closed *types.Session
	for ts := int64(0); ts <= 1900; ts += 60 {
		if s := tr.ProcessEvent(ev(ts, "A", "w", 70)); s != nil {
			closed = s
			break
		}
	}

	require.NotNil(t, closed)
	assert.Equal(t, types.CloseMaxDuration, closed.CloseReason)
	// First event past the 1800s budget triggers the close.
	assert.Equal(t, int64(1860), closed.EndTime)
	assert.InDelta(t, 1860, closed.DurationSeconds(), 0)
}

func TestMicroSessionShape(t *testing.T) {
	tr := newTracker()
	require.Nil(t, tr.ProcessEvent(ev(0, "A", "w", 0)))
	closed := tr.ProcessEvent(ev(2, "A", "w2", 0))

	require.NotNil(t, closed)
	assert.Equal(t, int64(2), closed.DurationSeconds())
}

func TestForceClose(t *testing.T) {
	tr := newTracker()
	now := time.Now().Unix()
	tr.now = func() time.Time { return time.Unix(now, 0) }

	require.Nil(t, tr.ProcessEvent(ev(0, "A", "w", 10)))
	closed := tr.ForceClose()

	require.NotNil(t, closed)
	assert.Equal(t, types.CloseForced, closed.CloseReason)
	assert.Equal(t, now, closed.EndTime)
	// No new session after an explicit force-close.
	assert.False(t, tr.Active())
	assert.Nil(t, tr.ForceClose())
}

func TestTrackerProperties(t *testing.T) {
	tr := newTracker()
	require.Nil(t, tr.ProcessEvent(ev(0, "A", "w", 20)))
	require.Nil(t, tr.ProcessEvent(ev(10, "A", "w", 40)))
	require.Nil(t, tr.ProcessEvent(ev(20, "A", "w", 60)))
	closed := tr.ProcessEvent(ev(30, "B", "x", 0))

	require.NotNil(t, closed)
	assert.Equal(t, len(closed.Events), closed.EventCount)
	assert.Equal(t, closed.DurationSeconds(), closed.EndTime-closed.StartTime)
	assert.Equal(t, "A", closed.PrimaryProcess)
	assert.InDelta(t, 40.0, closed.AvgInputIntensity, 0.01)
}

func TestNegativeDurationFloorsAtZero(t *testing.T) {
	s := &types.Session{StartTime: 100, EndTime: 50}
	assert.Zero(t, s.DurationSeconds())
}

func TestWindowTransitionsOrderedUnique(t *testing.T) {
	tr := newTracker()
	longTitle := strings.Repeat("t", 80)

	require.Nil(t, tr.ProcessEvent(ev(0, "A", "w", 0)))
	// Same fingerprint appended once.
	require.Nil(t, tr.ProcessEvent(ev(1, "A", "w", 0)))
	closed := tr.ProcessEvent(ev(2, "A", longTitle, 0))

	require.NotNil(t, closed)
	assert.Equal(t, []string{"A:w"}, closed.WindowTransitions)

	forced := tr.ForceClose()
	require.NotNil(t, forced)
	// Title truncated to 50 chars in the window key.
	assert.Equal(t, []string{"A:" + longTitle[:50]}, forced.WindowTransitions)
}
