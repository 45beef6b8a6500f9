package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vel5id/mnemosyne/internal/types"
)

// ========== Raw Events ==========

// InsertRawEvent writes one pending capture event and returns its row id.
// The capture agent is the usual writer; this is the backfill/test entry.
func (s *Store) InsertRawEvent(ev *types.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var roiLeft, roiTop, roiRight, roiBottom any
	if ev.ROI != nil {
		roiLeft, roiTop, roiRight, roiBottom = ev.ROI.Left, ev.ROI.Top, ev.ROI.Right, ev.ROI.Bottom
	}
	res, err := s.db.Exec(`
		INSERT INTO raw_events (session_uuid, timestamp_utc, unix_time, process_name,
			window_title, window_hwnd, roi_left, roi_top, roi_right, roi_bottom,
			input_idle_ms, input_intensity, is_processed, has_screenshot,
			screenshot_hash, screenshot_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		ev.SessionUUID, ev.TimestampUTC, ev.UnixTime, ev.ProcessName, ev.WindowTitle,
		ev.WindowHWND, roiLeft, roiTop, roiRight, roiBottom, ev.InputIdleMS,
		ev.InputIntensity, boolToInt(ev.HasScreenshot), ev.ScreenshotHash, ev.ScreenshotPath)
	if err != nil {
		return 0, fmt.Errorf("failed to insert raw event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve event id: %w", err)
	}
	ev.ID = id
	return id, nil
}

// FetchPending returns unprocessed events ordered by capture time ascending.
func (s *Store) FetchPending(limit int) ([]*types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, session_uuid, timestamp_utc, unix_time, process_name, window_title,
		       window_hwnd, roi_left, roi_top, roi_right, roi_bottom,
		       input_idle_ms, input_intensity, has_screenshot, screenshot_hash, screenshot_path
		FROM raw_events
		WHERE is_processed = 0
		ORDER BY unix_time ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (*types.Event, error) {
	var (
		ev                                   types.Event
		sessionUUID, tsUTC, title            sql.NullString
		hwnd                                 sql.NullInt64
		roiLeft, roiTop, roiRight, roiBottom sql.NullInt64
		idleMS, intensity, hasShot           sql.NullInt64
		shotHash, shotPath                   sql.NullString
	)
	err := rows.Scan(&ev.ID, &sessionUUID, &tsUTC, &ev.UnixTime, &ev.ProcessName, &title,
		&hwnd, &roiLeft, &roiTop, &roiRight, &roiBottom,
		&idleMS, &intensity, &hasShot, &shotHash, &shotPath)
	if err != nil {
		return nil, err
	}
	ev.SessionUUID = sessionUUID.String
	ev.TimestampUTC = tsUTC.String
	ev.WindowTitle = title.String
	ev.WindowHWND = hwnd.Int64
	if roiLeft.Valid && roiTop.Valid && roiRight.Valid && roiBottom.Valid {
		ev.ROI = &types.Rect{
			Left:   int(roiLeft.Int64),
			Top:    int(roiTop.Int64),
			Right:  int(roiRight.Int64),
			Bottom: int(roiBottom.Int64),
		}
	}
	ev.InputIdleMS = idleMS.Int64
	ev.InputIntensity = int(intensity.Int64)
	ev.HasScreenshot = hasShot.Int64 != 0
	ev.ScreenshotHash = shotHash.String
	ev.ScreenshotPath = shotPath.String
	return &ev, nil
}

// MarkProcessed flips is_processed for the given ids in one transaction.
func (s *Store) MarkProcessed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE raw_events SET is_processed = 1 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare update: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return fmt.Errorf("failed to mark event %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// BatchMarkProcessed flips is_processed for the given ids with one IN query.
func (s *Store) BatchMarkProcessed(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	query := fmt.Sprintf(`UPDATE raw_events SET is_processed = 1 WHERE id IN (%s)`, placeholders)
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to batch mark processed: %w", err)
	}
	return nil
}

// HistoryEntry is a compact row for prompt-history context.
type HistoryEntry struct {
	UnixTime    int64
	ProcessName string
	WindowTitle string
}

// GetHistoryTail returns events within [ts-window, ts+window] inclusive,
// ordered by time ascending.
func (s *Store) GetHistoryTail(ts int64, window time.Duration) ([]HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	half := int64(window.Seconds())
	rows, err := s.db.Query(`
		SELECT unix_time, process_name, COALESCE(window_title, '')
		FROM raw_events
		WHERE unix_time >= ? AND unix_time <= ?
		ORDER BY unix_time ASC`, ts-half, ts+half)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history tail: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.UnixTime, &e.ProcessName, &e.WindowTitle); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FetchUniqueGroups aggregates pending events by (process, title) in SQL,
// most active groups first.
func (s *Store) FetchUniqueGroups(limit int) ([]*types.EventGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT process_name, COALESCE(window_title, ''),
		       GROUP_CONCAT(id), COUNT(*),
		       MIN(unix_time), MAX(unix_time), AVG(input_intensity),
		       MAX(COALESCE(screenshot_path, ''))
		FROM raw_events
		WHERE is_processed = 0
		GROUP BY process_name, window_title
		ORDER BY COUNT(*) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch groups: %w", err)
	}
	defer rows.Close()

	var groups []*types.EventGroup
	for rows.Next() {
		var (
			g      types.EventGroup
			idsCSV string
		)
		err := rows.Scan(&g.ProcessName, &g.WindowTitle, &idsCSV, &g.EventCount,
			&g.FirstSeen, &g.LastSeen, &g.AvgIntensity, &g.ScreenshotPath)
		if err != nil {
			continue
		}
		for _, raw := range strings.Split(idsCSV, ",") {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			g.EventIDs = append(g.EventIDs, id)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// ArchiveEnrichedGroup inserts the group's raw events and their context rows
// in one transaction. Used on the stream path, where events exist only in
// broker messages until archived here. Accessibility, OCR and VLM columns
// stay NULL on this path; the stream pipeline infers intent and tags only.
func (s *Store) ArchiveEnrichedGroup(group *types.EventGroup, intent string, tags []string) error {
	if len(group.Events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertRaw, err := tx.Prepare(`
		INSERT INTO raw_events (session_uuid, timestamp_utc, unix_time, process_name,
			window_title, window_hwnd, input_idle_ms, input_intensity,
			is_processed, has_screenshot, screenshot_hash, user_intent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare raw insert: %w", err)
	}
	defer insertRaw.Close()

	insertCtx, err := tx.Prepare(`
		INSERT OR REPLACE INTO context_enrichment
			(event_id, user_intent, generated_tags)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare context insert: %w", err)
	}
	defer insertCtx.Close()

	for _, ev := range group.Events {
		res, err := insertRaw.Exec(ev.SessionUUID, ev.TimestampUTC, ev.UnixTime,
			ev.ProcessName, ev.WindowTitle, ev.WindowHWND, ev.InputIdleMS,
			ev.InputIntensity, boolToInt(ev.HasScreenshot), ev.ScreenshotHash, intent)
		if err != nil {
			return fmt.Errorf("failed to archive event: %w", err)
		}
		eventID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to resolve archived event id: %w", err)
		}
		if _, err := insertCtx.Exec(eventID, intent, string(tagsJSON)); err != nil {
			return fmt.Errorf("failed to archive context: %w", err)
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
