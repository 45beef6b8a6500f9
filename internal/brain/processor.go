package brain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/vel5id/mnemosyne/internal/cognition"
	"github.com/vel5id/mnemosyne/internal/perception"
	"github.com/vel5id/mnemosyne/internal/sanitize"
	"github.com/vel5id/mnemosyne/internal/store"
	"github.com/vel5id/mnemosyne/internal/types"
)

// historyWindow bounds the prompt-history tail around each event.
const historyWindow = 60 * time.Second

// EventProcessor is the deep store-mode path: per-event perception chain,
// history tail, per-event context rows. Slower than the grouped path but
// fills the accessibility/OCR/VLM columns.
type EventProcessor struct {
	store          *store.Store
	walker         *perception.TreeWalker
	ocr            *perception.OCREngine
	vision         *perception.VisionAgent
	engine         *cognition.Engine
	sanitizer      *sanitize.Sanitizer
	screenshotsDir string
	logger         *zap.Logger
}

// NewEventProcessor wires the deep enrichment path.
func NewEventProcessor(st *store.Store, walker *perception.TreeWalker,
	ocr *perception.OCREngine, vision *perception.VisionAgent,
	engine *cognition.Engine, sanitizer *sanitize.Sanitizer,
	screenshotsDir string, logger *zap.Logger) *EventProcessor {
	return &EventProcessor{
		store:          st,
		walker:         walker,
		ocr:            ocr,
		vision:         vision,
		engine:         engine,
		sanitizer:      sanitizer,
		screenshotsDir: screenshotsDir,
		logger:         logger.Named("processor"),
	}
}

// Process fetches pending events, runs the fallback chain on each, batches
// the vision calls, synthesizes intents, and persists context rows. Returns
// the successfully processed events in capture order.
func (p *EventProcessor) Process(ctx context.Context, limit int) ([]*types.Event, error) {
	events, err := p.store.FetchPending(limit)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	// Steps 1-3 of the chain per event: title, accessibility tree, OCR.
	for _, ev := range events {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.enrichEvent(ctx, ev)
	}

	// Step 4: one vision batch for the events carrying screenshots.
	p.describeScreenshots(ctx, events)

	var (
		processed []*types.Event
		doneIDs   []int64
	)
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if err := p.synthesizeAndPersist(ctx, ev); err != nil {
			p.logger.Warn("event enrichment failed",
				zap.Int64("event_id", ev.ID), zap.Error(err))
			continue
		}
		processed = append(processed, ev)
		doneIDs = append(doneIDs, ev.ID)
	}

	if err := p.store.BatchMarkProcessed(doneIDs); err != nil {
		return processed, err
	}
	return processed, nil
}

// enrichEvent runs title sanitization, the accessibility tree walk, and the
// OCR fallback. Each step is nullable; failures leave fields empty.
func (p *EventProcessor) enrichEvent(ctx context.Context, ev *types.Event) {
	ev.SanitizedTitle = p.sanitizer.CleanText(ev.WindowTitle)

	if ev.HasWindowHandle() {
		tree, err := p.walker.ExtractTree(ev.WindowHWND)
		if err != nil {
			if !errors.Is(err, perception.ErrPhantomWindow) {
				p.logger.Debug("tree extraction failed",
					zap.Int64("event_id", ev.ID), zap.Error(err))
			}
		} else {
			ev.AccessibilityTree = tree
		}
	}

	if ev.AccessibilityTree == "" && ev.HasScreenshotRef() {
		path := p.screenshotPath(ev)
		if path != "" {
			text, err := p.ocr.ExtractText(ctx, path)
			if err != nil {
				p.logger.Debug("ocr failed",
					zap.Int64("event_id", ev.ID), zap.Error(err))
			} else {
				ev.OCRContent = p.sanitizer.CleanText(text)
			}
		}
	}
}

// describeScreenshots issues one vision batch for the events with resolvable
// screenshots and writes the descriptions back.
func (p *EventProcessor) describeScreenshots(ctx context.Context, events []*types.Event) {
	var (
		items   []perception.BatchItem
		holders []*types.Event
	)
	for _, ev := range events {
		path := p.screenshotPath(ev)
		if path == "" {
			continue
		}
		items = append(items, perception.BatchItem{
			ScreenshotPath: path,
			ROI:            ev.ROI,
		})
		holders = append(holders, ev)
	}
	if len(items) == 0 {
		return
	}

	results := p.vision.ProcessBatch(ctx, items)
	for i, desc := range results {
		holders[i].VLMDescription = desc
	}
}

// screenshotPath resolves an event's screenshot to a file on disk, or ""
// when none exists.
func (p *EventProcessor) screenshotPath(ev *types.Event) string {
	if ev.ScreenshotPath != "" {
		if _, err := os.Stat(ev.ScreenshotPath); err == nil {
			return ev.ScreenshotPath
		}
	}
	if !ev.HasScreenshot || ev.ScreenshotHash == "" {
		return ""
	}
	for _, ext := range []string{".png", ".jpg"} {
		path := filepath.Join(p.screenshotsDir, ev.ScreenshotHash+ext)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// synthesizeAndPersist runs intent synthesis with the history tail and
// upserts the context row.
func (p *EventProcessor) synthesizeAndPersist(ctx context.Context, ev *types.Event) error {
	history, err := p.store.GetHistoryTail(ev.UnixTime, historyWindow)
	if err != nil {
		p.logger.Debug("history tail failed", zap.Int64("event_id", ev.ID), zap.Error(err))
	}
	historyLines := make([]string, 0, len(history))
	for _, h := range history {
		historyLines = append(historyLines, fmt.Sprintf("%s: %s",
			h.ProcessName, p.sanitizer.CleanText(h.WindowTitle)))
	}

	result := p.engine.Synthesize(ctx, cognition.SynthesisContext{
		SanitizedTitle: ev.SanitizedTitle,
		UITree:         ev.AccessibilityTree,
		OCRText:        ev.OCRContent,
		VLMDescription: ev.VLMDescription,
		Intensity:      ev.InputIntensity,
		History:        historyLines,
	})

	update := store.EventContextUpdate{
		UserIntent: &result.Intent,
		Tags:       result.Tags,
		Wikilinks:  cognition.ExtractWikilinks(result.Intent),
	}
	if ev.AccessibilityTree != "" {
		update.AccessibilityTree = &ev.AccessibilityTree
	}
	if ev.OCRContent != "" {
		update.OCRContent = &ev.OCRContent
	}
	if ev.VLMDescription != "" {
		update.VLMDescription = &ev.VLMDescription
	}
	return p.store.UpdateEventContext(ev.ID, update)
}
