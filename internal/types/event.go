// Package types holds the data model shared across the Mnemosyne pipeline:
// raw capture events, deduplicated event groups, and the ROI rectangle.
package types

import "time"

// Rect is a region-of-interest rectangle in screenshot pixel space.
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Event is a single capture record emitted by the watcher agent.
// Optional fields use pointers or zero values; consumers should go through
// the Has* capability helpers instead of probing fields directly.
type Event struct {
	ID           int64
	SessionUUID  string
	TimestampUTC string
	UnixTime     int64

	ProcessName string
	WindowTitle string
	WindowHWND  int64

	ROI *Rect

	InputIdleMS    int64
	InputIntensity int

	IsProcessed    bool
	HasScreenshot  bool
	ScreenshotHash string
	ScreenshotPath string
	// ScreenshotData carries in-memory image bytes when the producer ships
	// them over the stream instead of the disk path.
	ScreenshotData []byte

	// Enrichment fields filled by the perception pipeline.
	SanitizedTitle    string
	AccessibilityTree string
	OCRContent        string
	VLMDescription    string
}

// HasWindowHandle reports whether the event references a live window handle.
func (e *Event) HasWindowHandle() bool {
	return e.WindowHWND != 0
}

// HasScreenshotRef reports whether a screenshot can be resolved, either from
// memory or via the content hash on disk.
func (e *Event) HasScreenshotRef() bool {
	return len(e.ScreenshotData) > 0 || (e.HasScreenshot && e.ScreenshotHash != "")
}

// HasROI reports whether a crop rectangle was captured for the event.
func (e *Event) HasROI() bool {
	return e.ROI != nil
}

// Time returns the capture time as a time.Time.
func (e *Event) Time() time.Time {
	return time.Unix(e.UnixTime, 0)
}

// EventGroup is a set of events sharing (process, window title) within one
// fetch batch, collapsed so a single LLM call covers all members.
type EventGroup struct {
	ProcessName string
	WindowTitle string

	// EventIDs are row identifiers in store mode; empty in stream mode where
	// events originate from the broker and have no local rows yet.
	EventIDs   []int64
	EventCount int

	FirstSeen    int64
	LastSeen     int64
	AvgIntensity float64

	ScreenshotPath string

	// Events carries the raw member events in stream mode so archival can
	// re-insert them locally. Empty in store mode.
	Events []*Event

	// StreamIDs are the broker acknowledgment identifiers for the member
	// messages. Empty in store mode.
	StreamIDs []string
}

// LatestTime returns the best timestamp for session tracking: last seen,
// falling back to first seen.
func (g *EventGroup) LatestTime() int64 {
	if g.LastSeen > 0 {
		return g.LastSeen
	}
	return g.FirstSeen
}
