package types

// Close reasons emitted by the session tracker.
const (
	CloseWindowChange = "window_change"
	CloseIdleTimeout  = "idle_timeout"
	CloseMaxDuration  = "max_duration"
	CloseForced       = "forced_close"
)

// Session is a time-bounded run of events judged to belong to one activity.
// Produced by the tracker, enriched and persisted by the session manager.
type Session struct {
	UUID      string
	StartTime int64
	EndTime   int64

	PrimaryProcess string
	PrimaryWindow  string

	// WindowTransitions is the ordered unique list of "<process>:<title[:50]>"
	// keys seen during the session.
	WindowTransitions []string

	Events            []*Event
	EventCount        int
	AvgInputIntensity float64

	CloseReason string

	// Filled during archival.
	ActivitySummary string
	Tags            []string
}

// DurationSeconds is end minus start, floored at zero so clock skew never
// yields a negative duration.
func (s *Session) DurationSeconds() int64 {
	d := s.EndTime - s.StartTime
	if d < 0 {
		return 0
	}
	return d
}
