package session

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/vel5id/mnemosyne/internal/cognition"
	"github.com/vel5id/mnemosyne/internal/graph"
	"github.com/vel5id/mnemosyne/internal/sanitize"
	"github.com/vel5id/mnemosyne/internal/store"
	"github.com/vel5id/mnemosyne/internal/types"
)

// DefaultMinDuration is the archival floor; shorter sessions are discarded.
const DefaultMinDuration = 5 * time.Second

// secondaryAnalysisFloor: summaries at or below this length carry too little
// signal for concept extraction.
const secondaryAnalysisFloor = 30

// Manager archives closed sessions: summary, tag extraction, row insert,
// screenshot cleanup, graph write, optional secondary analysis.
type Manager struct {
	store       *store.Store
	engine      *cognition.Engine
	graph       *graph.Graph
	sanitizer   *sanitize.Sanitizer
	minDuration time.Duration
	logger      *zap.Logger
}

// NewManager creates a manager. graph may be nil to disable graph writes;
// minDuration <= 0 uses the default.
func NewManager(st *store.Store, engine *cognition.Engine, g *graph.Graph,
	sanitizer *sanitize.Sanitizer, minDuration time.Duration, logger *zap.Logger) *Manager {
	if minDuration <= 0 {
		minDuration = DefaultMinDuration
	}
	return &Manager{
		store:       st,
		engine:      engine,
		graph:       g,
		sanitizer:   sanitizer,
		minDuration: minDuration,
		logger:      logger.Named("session"),
	}
}

// Archive persists one closed session. Sessions below the duration floor are
// discarded with no side effects.
func (m *Manager) Archive(ctx context.Context, session *types.Session) error {
	if session.DurationSeconds() < int64(m.minDuration.Seconds()) {
		m.logger.Debug("discarding micro-session",
			zap.String("uuid", session.UUID),
			zap.Int64("duration_s", session.DurationSeconds()))
		return nil
	}

	cleanWindow := m.sanitizer.CleanText(session.PrimaryWindow)
	summary := m.engine.SummarizeSession(ctx, cognition.SessionMeta{
		DurationMinutes:   float64(session.DurationSeconds()) / 60.0,
		PrimaryProcess:    session.PrimaryProcess,
		PrimaryWindow:     cleanWindow,
		WindowTransitions: m.sanitizer.CleanStrings(session.WindowTransitions),
		AvgIntensity:      session.AvgInputIntensity,
		EventCount:        session.EventCount,
	})

	session.ActivitySummary = summary
	session.Tags = cognition.ExtractWikilinks(summary)

	if err := m.store.InsertSession(session); err != nil {
		return err
	}

	m.cleanupScreenshots(session)

	if m.graph != nil {
		m.graph.IndexSession(session, session.Tags)
		m.runSecondaryAnalysis(ctx, session)
	}

	m.logger.Info("session archived",
		zap.String("uuid", session.UUID),
		zap.String("process", session.PrimaryProcess),
		zap.Int64("duration_s", session.DurationSeconds()),
		zap.Int("tags", len(session.Tags)))
	return nil
}

// cleanupScreenshots unlinks every screenshot the session's events
// reference. Failures are logged at debug and ignored.
func (m *Manager) cleanupScreenshots(session *types.Session) {
	for _, ev := range session.Events {
		if ev.ScreenshotPath == "" {
			continue
		}
		if err := os.Remove(ev.ScreenshotPath); err != nil {
			if !os.IsNotExist(err) {
				m.logger.Debug("screenshot unlink failed",
					zap.String("path", ev.ScreenshotPath), zap.Error(err))
			}
			continue
		}
	}
}

// runSecondaryAnalysis extracts concept triples from the summary.
// Best-effort: failures are logged and ignored.
func (m *Manager) runSecondaryAnalysis(ctx context.Context, session *types.Session) {
	if len(session.ActivitySummary) <= secondaryAnalysisFloor {
		return
	}
	triples, err := m.engine.SecondaryAnalysis(ctx, session.ActivitySummary,
		session.PrimaryProcess, session.EventCount,
		float64(session.DurationSeconds())/60.0)
	if err != nil {
		m.logger.Debug("secondary analysis failed", zap.Error(err))
		return
	}
	for _, triple := range triples {
		m.graph.AddTriple(triple.Subject, triple.Relation, triple.Object)
	}
}
