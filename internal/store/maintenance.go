package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ========== Maintenance ==========

// Retention defaults.
const (
	SessionRetention    = 30 * 24 * time.Hour
	RawEventRetention   = 7 * 24 * time.Hour
	ScreenshotRetention = time.Hour
)

// MaintenanceReport summarizes one retention pass.
type MaintenanceReport struct {
	SessionsDeleted    int64
	RawEventsDeleted   int64
	ScreenshotsDeleted int
	SizeBeforeBytes    int64
	SizeAfterBytes     int64
}

// PruneSessions deletes sessions older than the cutoff.
func (s *Store) PruneSessions(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.Exec(`DELETE FROM sessions WHERE end_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneRawEvents deletes raw events (and their context rows) older than the
// cutoff.
func (s *Store) PruneRawEvents(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM context_enrichment
		WHERE event_id IN (SELECT id FROM raw_events WHERE unix_time < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to prune context rows: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM raw_events WHERE unix_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune raw events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// CleanupScreenshots removes screenshot files older than the cutoff.
func CleanupScreenshots(dir string, olderThan time.Duration, logger *zap.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read screenshots dir: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	deleted := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Debug("screenshot removal failed", zap.String("path", path), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Vacuum compacts the database file.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum: %w", err)
	}
	return nil
}

// RunMaintenance performs the full retention pass: prune sessions and raw
// events, remove stale screenshots, compact, and report sizes.
func (s *Store) RunMaintenance(screenshotsDir string) (*MaintenanceReport, error) {
	report := &MaintenanceReport{}

	if size, err := s.FileSizeBytes(); err == nil {
		report.SizeBeforeBytes = size
	}

	sessions, err := s.PruneSessions(SessionRetention)
	if err != nil {
		return report, err
	}
	report.SessionsDeleted = sessions

	events, err := s.PruneRawEvents(RawEventRetention)
	if err != nil {
		return report, err
	}
	report.RawEventsDeleted = events

	shots, err := CleanupScreenshots(screenshotsDir, ScreenshotRetention, s.logger)
	if err != nil {
		s.logger.Warn("screenshot cleanup failed", zap.Error(err))
	}
	report.ScreenshotsDeleted = shots

	if err := s.Vacuum(); err != nil {
		return report, err
	}

	if size, err := s.FileSizeBytes(); err == nil {
		report.SizeAfterBytes = size
	}

	s.logger.Info("maintenance complete",
		zap.Int64("sessions_deleted", report.SessionsDeleted),
		zap.Int64("raw_events_deleted", report.RawEventsDeleted),
		zap.Int("screenshots_deleted", report.ScreenshotsDeleted),
		zap.Int64("size_before", report.SizeBeforeBytes),
		zap.Int64("size_after", report.SizeAfterBytes))
	return report, nil
}
