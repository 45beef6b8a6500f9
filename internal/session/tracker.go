// Package session turns the event stream into finite activity sessions and
// archives them: summary, tags, row insert, screenshot cleanup, graph write.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vel5id/mnemosyne/internal/types"
)

// Tracker defaults.
const (
	DefaultIdleThreshold = 300 * time.Second
	DefaultMaxDuration   = 1800 * time.Second
)

// Tracker is a single-threaded state machine holding at most one active
// session. Not safe for concurrent use; the orchestrator owns it.
type Tracker struct {
	idleThreshold time.Duration
	maxDuration   time.Duration
	logger        *zap.Logger

	active        *types.Session
	lastEventTime int64

	// now is injectable for the force-close wallclock.
	now func() time.Time
}

// NewTracker creates a tracker; non-positive thresholds use defaults.
func NewTracker(idleThreshold, maxDuration time.Duration, logger *zap.Logger) *Tracker {
	if idleThreshold <= 0 {
		idleThreshold = DefaultIdleThreshold
	}
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	return &Tracker{
		idleThreshold: idleThreshold,
		maxDuration:   maxDuration,
		logger:        logger.Named("tracker"),
		now:           time.Now,
	}
}

// Active reports whether a session is open.
func (t *Tracker) Active() bool {
	return t.active != nil
}

// ProcessEvent feeds one event through the state machine. Returns the closed
// session when the event triggered a close, else nil. After any close except
// force-close, a new active session is seeded from the triggering event.
func (t *Tracker) ProcessEvent(ev *types.Event) *types.Session {
	if t.active == nil {
		t.startSession(ev)
		return nil
	}

	reason := t.closeReason(ev)
	if reason == "" {
		t.appendEvent(ev)
		return nil
	}

	closed := t.closeSession(ev.UnixTime, reason)
	t.startSession(ev)
	return closed
}

// closeReason evaluates the transition rules in order; empty means the event
// belongs to the active session.
func (t *Tracker) closeReason(ev *types.Event) string {
	s := t.active
	if ev.ProcessName != s.PrimaryProcess || ev.WindowTitle != s.PrimaryWindow {
		return types.CloseWindowChange
	}
	if ev.UnixTime-t.lastEventTime > int64(t.idleThreshold.Seconds()) {
		return types.CloseIdleTimeout
	}
	if ev.UnixTime-s.StartTime > int64(t.maxDuration.Seconds()) {
		return types.CloseMaxDuration
	}
	return ""
}

// ForceClose emits the active session with end time now, leaving the tracker
// empty. Returns nil when no session is open.
func (t *Tracker) ForceClose() *types.Session {
	if t.active == nil {
		return nil
	}
	return t.closeSession(t.now().Unix(), types.CloseForced)
}

func (t *Tracker) startSession(ev *types.Event) {
	t.active = &types.Session{
		UUID:           uuid.NewString(),
		StartTime:      ev.UnixTime,
		PrimaryProcess: ev.ProcessName,
		PrimaryWindow:  ev.WindowTitle,
	}
	t.lastEventTime = ev.UnixTime
	t.appendEvent(ev)
}

func (t *Tracker) appendEvent(ev *types.Event) {
	s := t.active
	s.Events = append(s.Events, ev)
	s.EventCount = len(s.Events)
	t.lastEventTime = ev.UnixTime

	key := windowKey(ev.ProcessName, ev.WindowTitle)
	for _, existing := range s.WindowTransitions {
		if existing == key {
			return
		}
	}
	s.WindowTransitions = append(s.WindowTransitions, key)
}

func (t *Tracker) closeSession(endTime int64, reason string) *types.Session {
	s := t.active
	t.active = nil

	s.EndTime = endTime
	s.CloseReason = reason

	var sum int64
	for _, ev := range s.Events {
		sum += int64(ev.InputIntensity)
	}
	if s.EventCount > 0 {
		s.AvgInputIntensity = float64(sum) / float64(s.EventCount)
	}

	t.logger.Debug("session closed",
		zap.String("uuid", s.UUID),
		zap.String("reason", reason),
		zap.Int64("duration_s", s.DurationSeconds()),
		zap.Int("events", s.EventCount))
	return s
}

// windowKey builds the "<process>:<title[:50]>" fingerprint used for the
// transition list.
func windowKey(process, title string) string {
	if len(title) > 50 {
		title = title[:50]
	}
	return fmt.Sprintf("%s:%s", process, title)
}
