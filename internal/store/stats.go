package store

import "go.uber.org/zap"

// ========== Statistics ==========

// Stats is the basic event/session census for the status surface.
type Stats struct {
	TotalEvents   int64
	PendingEvents int64
	EnrichedCount int64
	SessionCount  int64
}

// GetStats returns the basic census. Individual query failures degrade to
// zero counts rather than failing the whole call; the schema may predate
// this process.
func (s *Store) GetStats() (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &Stats{}
	stats.TotalEvents = s.countQuery(`SELECT COUNT(*) FROM raw_events`)
	stats.PendingEvents = s.countQuery(`SELECT COUNT(*) FROM raw_events WHERE is_processed = 0`)
	stats.EnrichedCount = s.countQuery(`SELECT COUNT(*) FROM context_enrichment`)
	stats.SessionCount = s.countQuery(`SELECT COUNT(*) FROM sessions`)
	return stats, nil
}

// DetailedAnalytics splits the census by enrichment source.
type DetailedAnalytics struct {
	TelemetryEvents  int64
	LLMEnrichedCount int64
	ScreenshotCount  int64
	VLMCount         int64
}

// GetDetailedAnalytics returns the per-source census. Each query degrades in
// isolation so a missing migration-added column zeroes one counter instead
// of failing the report.
func (s *Store) GetDetailedAnalytics() (*DetailedAnalytics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := &DetailedAnalytics{}
	a.TelemetryEvents = s.countQuery(`SELECT COUNT(*) FROM raw_events`)
	a.LLMEnrichedCount = s.countQuery(
		`SELECT COUNT(*) FROM context_enrichment WHERE user_intent IS NOT NULL AND user_intent != ''`)
	a.ScreenshotCount = s.countQuery(`SELECT COUNT(*) FROM raw_events WHERE has_screenshot = 1`)
	a.VLMCount = s.countQuery(
		`SELECT COUNT(*) FROM context_enrichment WHERE vlm_description IS NOT NULL AND vlm_description != ''`)
	return a, nil
}

// countQuery runs a single COUNT and degrades to zero on error.
func (s *Store) countQuery(query string) int64 {
	var count int64
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		s.logger.Debug("stats query degraded", zap.Error(err))
		return 0
	}
	return count
}
