// Package brain owns the pipeline lifecycle: initialization order, the
// periodic enrichment loop, duplicate suppression, and shutdown ordering.
package brain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vel5id/mnemosyne/internal/cognition"
	"github.com/vel5id/mnemosyne/internal/config"
	"github.com/vel5id/mnemosyne/internal/graph"
	"github.com/vel5id/mnemosyne/internal/guard"
	"github.com/vel5id/mnemosyne/internal/perception"
	"github.com/vel5id/mnemosyne/internal/sanitize"
	"github.com/vel5id/mnemosyne/internal/session"
	"github.com/vel5id/mnemosyne/internal/store"
	"github.com/vel5id/mnemosyne/internal/stream"
	"github.com/vel5id/mnemosyne/internal/types"
)

// Loop timing.
const (
	errorBackoff    = 5 * time.Second
	suppressorPrune = 60 * time.Second
)

// GraphFileName is the knowledge-graph file beside the database.
const GraphFileName = "knowledge_graph.json"

// Orchestrator wires the components and runs the periodic loop. One
// orchestrator, one goroutine; no two cycles overlap.
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	store     *store.Store
	provider  *stream.Provider
	consumer  *stream.Consumer
	guard     *guard.SystemGuard
	sanitizer *sanitize.Sanitizer
	vault     *cognition.Vault
	engine    *cognition.Engine
	reasoning *cognition.ReasoningClient
	vision    *perception.VisionAgent
	walker    *perception.TreeWalker
	ocr       *perception.OCREngine
	graph     *graph.Graph
	tracker   *session.Tracker
	manager   *session.Manager
	processor *EventProcessor

	streamMode bool
	graphPath  string

	// suppressor maps process name to last processing wallclock for the
	// short-horizon duplicate skip.
	suppressor map[string]time.Time
	now        func() time.Time
}

// New creates an orchestrator from configuration. Components are built in
// Initialize.
func New(cfg *config.Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("brain"),
		suppressor: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Initialize builds the components leaves-first. Only a failed store open is
// fatal; unreachable model endpoints log warnings and the loop degrades to
// fallback intents.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	st, err := store.Open(o.cfg.Database.Path, o.cfg.Database.ReadOnly, o.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	o.store = st

	o.graphPath = filepath.Join(filepath.Dir(o.cfg.Database.Path), GraphFileName)
	o.graph = graph.New(o.logger)
	if err := o.graph.Load(o.graphPath); err != nil {
		o.logger.Warn("graph load failed, starting empty", zap.Error(err))
	}

	o.sanitizer = sanitize.New()
	o.guard = guard.New(o.logger, o.cfg.Guard.VRAMThresholdMB, o.cfg.Guard.ProcessBlacklist)
	o.vault = cognition.NewVault(o.cfg.VaultPath, o.logger)
	o.engine = cognition.NewEngine(o.cfg.LLM.Host, o.cfg.LLM.HeavyModel, o.vault, o.logger)
	o.reasoning = cognition.NewReasoningClient(o.cfg.LLM.Host, o.cfg.LLM.HeavyModel,
		o.cfg.LLM.LightModel, o.logger)
	o.vision = perception.NewVisionAgent(o.cfg.Vision.Host, o.cfg.Vision.Model,
		o.cfg.Vision.Backend, o.guard, o.logger)
	o.walker = perception.NewTreeWalker(nil)
	o.ocr = perception.NewOCREngine(o.cfg.Perception.OCRLanguages)

	o.tracker = session.NewTracker(o.cfg.Tracker.IdleThreshold.Std(),
		o.cfg.Tracker.MaxSessionDuration.Std(), o.logger)
	o.manager = session.NewManager(o.store, o.engine, o.graph, o.sanitizer,
		o.cfg.Tracker.MinSessionDuration.Std(), o.logger)
	o.processor = NewEventProcessor(o.store, o.walker, o.ocr, o.vision,
		o.engine, o.sanitizer, o.cfg.Perception.ScreenshotsDir, o.logger)

	o.verifyEndpoints(ctx)

	if o.cfg.StreamMode() {
		provider := stream.NewProvider(o.cfg.Redis.Host, o.logger)
		if err := provider.Ping(ctx); err != nil {
			o.logger.Warn("broker unreachable, falling back to store mode", zap.Error(err))
			provider.Close()
		} else if err := provider.EnsureGroup(ctx); err != nil {
			o.logger.Warn("consumer group setup failed, falling back to store mode", zap.Error(err))
			provider.Close()
		} else {
			o.provider = provider
			o.consumer = stream.NewConsumer(provider, o.logger)
			o.streamMode = true
		}
	}

	o.logger.Info("initialized",
		zap.Bool("stream_mode", o.streamMode),
		zap.Bool("vault", o.vault.Enabled()),
		zap.Bool("deep_enrichment", o.cfg.Loop.DeepEnrichment))
	return nil
}

// verifyEndpoints checks the model endpoints in parallel; failures are
// warnings, not errors.
func (o *Orchestrator) verifyEndpoints(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	g, checkCtx := errgroup.WithContext(checkCtx)
	g.Go(func() error {
		if !o.engine.CheckConnection(checkCtx) {
			o.logger.Warn("LLM endpoint unreachable, intents will fall back",
				zap.String("host", o.cfg.LLM.Host))
		}
		return nil
	})
	g.Go(func() error {
		models, err := o.reasoning.ListModels(checkCtx)
		if err == nil {
			o.logger.Debug("models available", zap.Strings("models", models))
		}
		return nil
	})
	g.Wait()
}

// Run executes the periodic loop until the context is canceled. A cycle
// never propagates an error; failures are logged and the loop backs off
// briefly.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("loop started", zap.Duration("interval", o.cfg.Loop.Interval.Std()))

	if o.vault.Enabled() {
		go func() {
			if err := o.vault.Watch(ctx); err != nil {
				o.logger.Warn("vault watch stopped", zap.Error(err))
			}
		}()
	}

	for {
		if err := o.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("cycle failed", zap.Error(err))
			if !sleepCtx(ctx, errorBackoff) {
				return
			}
		}
		if !sleepCtx(ctx, o.cfg.Loop.Interval.Std()) {
			return
		}
	}
}

// RunCycle executes one cycle outside the loop, for one-shot invocations.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	return o.runCycle(ctx)
}

func (o *Orchestrator) runCycle(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !o.guard.SafeToRun(ctx) {
		o.logger.Info("cycle skipped, system busy")
		return nil
	}

	o.pruneSuppressor()

	if o.cfg.Loop.DeepEnrichment && !o.streamMode {
		processed, err := o.processor.Process(ctx, o.cfg.Loop.BatchLimit)
		if err != nil {
			return err
		}
		o.trackEvents(ctx, processed)
		o.logger.Info("cycle complete", zap.Int("events", len(processed)))
		return nil
	}

	groups, err := o.fetchGroups(ctx)
	if err != nil {
		return err
	}
	handled := o.processGroups(ctx, groups)
	o.logger.Info("cycle complete",
		zap.Int("groups", len(groups)), zap.Int("events", handled))
	return nil
}

// fetchGroups reads one batch from the configured source. Both modes yield
// the same EventGroup shape.
func (o *Orchestrator) fetchGroups(ctx context.Context) ([]*types.EventGroup, error) {
	if o.streamMode {
		return o.consumer.FetchGroups(ctx, int64(o.cfg.Loop.BatchLimit))
	}
	return o.store.FetchUniqueGroups(o.cfg.Loop.BatchLimit)
}

// processGroups runs the per-group pipeline and returns the handled event
// count. Per-group failures are logged; the failed group is neither
// acknowledged nor marked, so it returns next cycle.
//
// In stream mode each group is reduced to one synthesized event before the
// tracker, so session boundaries there are group-grained.
func (o *Orchestrator) processGroups(ctx context.Context, groups []*types.EventGroup) int {
	handled := 0
	for _, group := range groups {
		if ctx.Err() != nil {
			break
		}

		// Every group extends the session picture, suppressed or not, so a
		// busy window never idle-times-out under suppression.
		o.trackGroup(ctx, group)

		if o.shouldSkipProcess(group.ProcessName) {
			if err := o.finishGroup(ctx, group, "", nil); err != nil {
				o.logger.Warn("suppressed group finish failed",
					zap.String("process", group.ProcessName), zap.Error(err))
				continue
			}
			handled += group.EventCount
			continue
		}

		if err := o.processGroup(ctx, group); err != nil {
			o.logger.Error("group failed",
				zap.String("process", group.ProcessName),
				zap.String("window", group.WindowTitle),
				zap.Error(err))
			continue
		}
		o.suppressor[group.ProcessName] = o.now()
		handled += group.EventCount
	}
	return handled
}

// trackGroup feeds the tracker one synthesized event per group: last-seen
// time, mean intensity.
func (o *Orchestrator) trackGroup(ctx context.Context, group *types.EventGroup) {
	synthetic := &types.Event{
		UnixTime:       group.LatestTime(),
		ProcessName:    group.ProcessName,
		WindowTitle:    group.WindowTitle,
		InputIntensity: int(group.AvgIntensity),
	}
	if closed := o.tracker.ProcessEvent(synthetic); closed != nil {
		if err := o.manager.Archive(ctx, closed); err != nil {
			o.logger.Error("session archive failed",
				zap.String("uuid", closed.UUID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) processGroup(ctx context.Context, group *types.EventGroup) error {
	cleanTitle := o.sanitizer.CleanText(group.WindowTitle)
	result := o.engine.Synthesize(ctx, cognition.SynthesisContext{
		SanitizedTitle: cleanTitle,
		VLMDescription: o.describeGroup(ctx, group),
		Intensity:      int(group.AvgIntensity),
	})

	return o.finishGroup(ctx, group, result.Intent, result.Tags)
}

// describeGroup runs the vision model on the group's screenshot, when one
// exists on disk. Admission denial and failures degrade to an empty
// description rather than blocking synthesis.
func (o *Orchestrator) describeGroup(ctx context.Context, group *types.EventGroup) string {
	if group.ScreenshotPath == "" {
		return ""
	}
	if _, err := os.Stat(group.ScreenshotPath); err != nil {
		return ""
	}
	descs := o.vision.ProcessBatch(ctx, []perception.BatchItem{
		{ScreenshotPath: group.ScreenshotPath},
	})
	if descs[0] == perception.VRAMSkippedSentinel {
		return ""
	}
	return descs[0]
}

// finishGroup commits the group's outcome: archive+ack in stream mode,
// context rows+mark in store mode. An empty intent still acknowledges the
// group (the suppressed-duplicate path).
func (o *Orchestrator) finishGroup(ctx context.Context, group *types.EventGroup, intent string, tags []string) error {
	if o.streamMode {
		if intent != "" {
			if err := o.store.ArchiveEnrichedGroup(group, intent, tags); err != nil {
				return err
			}
		}
		return o.consumer.AckGroup(ctx, group)
	}

	if intent != "" {
		if err := o.store.BatchInsertContext(group.EventIDs, intent, tags); err != nil {
			return err
		}
	}
	return o.store.BatchMarkProcessed(group.EventIDs)
}

// trackEvents feeds deep-path events through the tracker in order.
func (o *Orchestrator) trackEvents(ctx context.Context, events []*types.Event) {
	for _, ev := range events {
		if closed := o.tracker.ProcessEvent(ev); closed != nil {
			if err := o.manager.Archive(ctx, closed); err != nil {
				o.logger.Error("session archive failed",
					zap.String("uuid", closed.UUID), zap.Error(err))
			}
		}
	}
}

// shouldSkipProcess implements the short-horizon duplicate suppressor: the
// same process within the dedup window is skipped but still acknowledged.
// After a crash-restart the map is empty, so one replayed pending group is
// re-processed; context upserts keep that idempotent.
func (o *Orchestrator) shouldSkipProcess(process string) bool {
	last, seen := o.suppressor[process]
	if !seen {
		return false
	}
	return o.now().Sub(last) < o.cfg.Loop.DedupWindow.Std()
}

func (o *Orchestrator) pruneSuppressor() {
	cutoff := o.now().Add(-suppressorPrune)
	for process, last := range o.suppressor {
		if last.Before(cutoff) {
			delete(o.suppressor, process)
		}
	}
}

// Shutdown tears down in reverse init order. Each step is best-effort and
// isolated; a failure in one never blocks the next.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	if o.tracker != nil && o.manager != nil {
		if closed := o.tracker.ForceClose(); closed != nil {
			if err := o.manager.Archive(ctx, closed); err != nil {
				o.logger.Warn("final session archive failed", zap.Error(err))
			}
		}
	}

	if o.vision != nil {
		o.vision.Shutdown(ctx)
	}

	if o.provider != nil {
		if err := o.provider.Close(); err != nil {
			o.logger.Warn("broker close failed", zap.Error(err))
		}
	}

	if o.store != nil {
		if err := o.store.Close(); err != nil {
			o.logger.Warn("store close failed", zap.Error(err))
		}
	}

	if o.graph != nil {
		if err := o.graph.Save(o.graphPath); err != nil {
			o.logger.Warn("graph save failed", zap.Error(err))
		}
	}

	o.logger.Info("shutdown complete")
}

// sleepCtx sleeps for d or until cancellation; false means canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
