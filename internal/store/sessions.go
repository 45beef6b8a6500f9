package store

import (
	"encoding/json"
	"fmt"

	"github.com/vel5id/mnemosyne/internal/types"
)

// ========== Sessions ==========

// EnsureSessionsTable creates the sessions table and its time index.
func (s *Store) EnsureSessionsTable() error {
	table := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_uuid TEXT UNIQUE NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		duration_seconds INTEGER NOT NULL,
		primary_process TEXT,
		primary_window TEXT,
		window_transitions TEXT,
		event_count INTEGER DEFAULT 0,
		avg_input_intensity REAL DEFAULT 0,
		activity_summary TEXT,
		generated_tags TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_time ON sessions(start_time, end_time);
	`
	if _, err := s.db.Exec(table); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	return nil
}

// InsertSession persists an archived session row.
func (s *Store) InsertSession(session *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transitionsJSON, err := json.Marshal(session.WindowTransitions)
	if err != nil {
		return fmt.Errorf("failed to encode transitions: %w", err)
	}
	tagsJSON, err := json.Marshal(session.Tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (session_uuid, start_time, end_time, duration_seconds,
			primary_process, primary_window, window_transitions, event_count,
			avg_input_intensity, activity_summary, generated_tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.UUID, session.StartTime, session.EndTime, session.DurationSeconds(),
		session.PrimaryProcess, session.PrimaryWindow, string(transitionsJSON),
		session.EventCount, session.AvgInputIntensity, session.ActivitySummary,
		string(tagsJSON))
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", session.UUID, err)
	}
	return nil
}

// SessionRecord is a persisted session row.
type SessionRecord struct {
	ID                int64
	UUID              string
	StartTime         int64
	EndTime           int64
	DurationSeconds   int64
	PrimaryProcess    string
	PrimaryWindow     string
	WindowTransitions []string
	EventCount        int
	AvgInputIntensity float64
	ActivitySummary   string
	Tags              []string
}

// GetRecentSessions returns the newest sessions, most recent first.
func (s *Store) GetRecentSessions(limit int) ([]*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, session_uuid, start_time, end_time, duration_seconds,
		       COALESCE(primary_process, ''), COALESCE(primary_window, ''),
		       COALESCE(window_transitions, ''), event_count, avg_input_intensity,
		       COALESCE(activity_summary, ''), COALESCE(generated_tags, '')
		FROM sessions
		ORDER BY start_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recent sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		var (
			r                       SessionRecord
			transitionsRaw, tagsRaw string
		)
		err := rows.Scan(&r.ID, &r.UUID, &r.StartTime, &r.EndTime, &r.DurationSeconds,
			&r.PrimaryProcess, &r.PrimaryWindow, &transitionsRaw, &r.EventCount,
			&r.AvgInputIntensity, &r.ActivitySummary, &tagsRaw)
		if err != nil {
			continue
		}
		r.WindowTransitions = decodeStringList(transitionsRaw)
		r.Tags = decodeStringList(tagsRaw)
		records = append(records, &r)
	}
	return records, rows.Err()
}
