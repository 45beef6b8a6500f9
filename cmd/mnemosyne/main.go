package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vel5id/mnemosyne/internal/brain"
	"github.com/vel5id/mnemosyne/internal/cognition"
	"github.com/vel5id/mnemosyne/internal/config"
	"github.com/vel5id/mnemosyne/internal/graph"
	"github.com/vel5id/mnemosyne/internal/guard"
	"github.com/vel5id/mnemosyne/internal/store"
	"github.com/vel5id/mnemosyne/internal/stream"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// Logger
	logger *zap.Logger
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mnemosyne",
	Short: "Mnemosyne - on-device activity intelligence",
	Long: `Mnemosyne turns raw desktop capture events into enriched context,
inferred intents, activity sessions, and a knowledge graph.

Everything runs locally: events come from a Redis stream or the capture
database, enrichment uses accessibility trees, OCR and a local vision
model, and intent synthesis talks to an Ollama-compatible endpoint.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the enrichment daemon
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the enrichment loop until interrupted",
	Long: `Starts the Brain orchestrator:
  1. Ingest: read pending events from Redis stream or SQLite
  2. Perceive: sanitize, accessibility tree, OCR, vision model
  3. Infer: synthesize user intent via the local LLM
  4. Track: aggregate events into activity sessions
  5. Archive: persist sessions and update the knowledge graph

Stops cleanly on SIGINT/SIGTERM, force-closing the active session.`,
	RunE: runDaemon,
}

// statusCmd reports database and endpoint health
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database counts and endpoint health",
	RunE:  showStatus,
}

// sessionsCmd lists recent activity sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent activity sessions",
	RunE:  listSessions,
}

// maintainCmd runs the retention pass
var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Prune old sessions, raw events and screenshots, then vacuum",
	RunE:  runMaintenance,
}

// graphCmd inspects the knowledge graph
var graphCmd = &cobra.Command{
	Use:   "graph [entity-id]",
	Short: "Show knowledge graph stats, or entities related to a node",
	Long: `Without arguments, prints node and edge counts. With an entity id
(e.g. "app:code.exe" or "concept:rust"), prints entities reachable
within two hops.`,
	Args: cobra.MaximumNArgs(1),
	RunE: inspectGraph,
}

// initCmd writes a default config file
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		fmt.Println("Wrote", configPath)
		return nil
	},
}

var sessionsLimit int

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to config file")

	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 10, "Number of sessions to show")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// runDaemon runs the orchestrator loop with graceful shutdown.
func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	orch := brain.New(cfg, logger)
	if err := orch.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	orch.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	orch.Shutdown(shutdownCtx)
	return nil
}

// showStatus prints the database census and probes the model endpoints.
func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lines []string
	lines = append(lines, titleStyle.Render("Mnemosyne Status"))

	if _, err := os.Stat(cfg.Database.Path); err != nil {
		lines = append(lines, badStyle.Render("database: not found at "+cfg.Database.Path))
	} else {
		st, err := store.Open(cfg.Database.Path, true, logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()

		stats, _ := st.GetStats()
		analytics, _ := st.GetDetailedAnalytics()
		size, _ := st.FileSizeBytes()

		lines = append(lines,
			fmt.Sprintf("database       %s (%.1f MB)", cfg.Database.Path, float64(size)/(1<<20)),
			fmt.Sprintf("events         %d total, %d pending", stats.TotalEvents, stats.PendingEvents),
			fmt.Sprintf("enriched       %d rows (%d LLM, %d VLM)",
				stats.EnrichedCount, analytics.LLMEnrichedCount, analytics.VLMCount),
			fmt.Sprintf("screenshots    %d captured", analytics.ScreenshotCount),
			fmt.Sprintf("sessions       %d archived", stats.SessionCount),
		)
	}

	lines = append(lines, "")
	lines = append(lines, endpointLine(ctx, "llm", cfg.LLM.Host, cfg.LLM.HeavyModel, cfg.LLM.LightModel))
	lines = append(lines, endpointLine(ctx, "vision", cfg.Vision.Host, cfg.Vision.Model))
	lines = append(lines, redisLine(ctx, cfg.Redis.Host))
	lines = append(lines, vramLine(ctx, cfg.Guard.VRAMThresholdMB))

	fmt.Println(boxStyle.Render(strings.Join(lines, "\n")))
	return nil
}

func endpointLine(ctx context.Context, name, host string, models ...string) string {
	client := cognition.NewReasoningClient(host, "", "", logger)
	if !client.CheckConnection(ctx) {
		return fmt.Sprintf("%-14s %s", name, badStyle.Render("unreachable at "+host))
	}
	available, _ := client.ListModels(ctx)
	loaded := make(map[string]bool, len(available))
	for _, m := range available {
		loaded[m] = true
	}
	var missing []string
	for _, m := range models {
		if m != "" && !loaded[m] {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("%-14s %s", name,
			badStyle.Render("up, missing models: "+strings.Join(missing, ", ")))
	}
	return fmt.Sprintf("%-14s %s", name, okStyle.Render("up at "+host))
}

func redisLine(ctx context.Context, host string) string {
	if host == "" {
		return fmt.Sprintf("%-14s %s", "redis", dimStyle.Render("not configured (store mode)"))
	}
	provider := stream.NewProvider(host, logger)
	defer provider.Close()
	if err := provider.Ping(ctx); err != nil {
		return fmt.Sprintf("%-14s %s", "redis", badStyle.Render("unreachable at "+host))
	}
	return fmt.Sprintf("%-14s %s", "redis", okStyle.Render("up at "+host))
}

func vramLine(ctx context.Context, thresholdMB int) string {
	g := guard.New(logger, thresholdMB, nil)
	free, ok := g.FreeVRAMBytes(ctx)
	if !ok {
		return fmt.Sprintf("%-14s %s", "gpu", dimStyle.Render("nvidia-smi unavailable"))
	}
	freeMB := free / (1 << 20)
	line := fmt.Sprintf("%d MB free (threshold %d MB)", freeMB, thresholdMB)
	if freeMB < int64(thresholdMB) {
		return fmt.Sprintf("%-14s %s", "gpu", badStyle.Render(line))
	}
	return fmt.Sprintf("%-14s %s", "gpu", okStyle.Render(line))
}

// listSessions prints the most recent archived sessions.
func listSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path, true, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	records, err := st.GetRecentSessions(sessionsLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No sessions archived yet.")
		return nil
	}

	for _, rec := range records {
		start := time.Unix(rec.StartTime, 0).Format("2006-01-02 15:04")
		header := fmt.Sprintf("%s  %s  %s", start,
			formatDuration(rec.DurationSeconds), rec.PrimaryProcess)
		fmt.Println(titleStyle.Render(header))
		if rec.ActivitySummary != "" {
			fmt.Println("  " + rec.ActivitySummary)
		}
		detail := fmt.Sprintf("%d events, intensity %.0f", rec.EventCount, rec.AvgInputIntensity)
		if len(rec.Tags) > 0 {
			detail += "  #" + strings.Join(rec.Tags, " #")
		}
		fmt.Println("  " + dimStyle.Render(detail))
	}
	return nil
}

func formatDuration(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d < time.Minute {
		return fmt.Sprintf("%ds", seconds)
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}

// runMaintenance executes the retention pass and prints the report.
func runMaintenance(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database.Path, false, logger)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	report, err := st.RunMaintenance(cfg.Perception.ScreenshotsDir)
	if err != nil {
		return fmt.Errorf("maintenance failed: %w", err)
	}

	fmt.Printf("Pruned %d sessions, %d raw events, %d screenshots\n",
		report.SessionsDeleted, report.RawEventsDeleted, report.ScreenshotsDeleted)
	fmt.Printf("Database size: %.1f MB -> %.1f MB\n",
		float64(report.SizeBeforeBytes)/(1<<20), float64(report.SizeAfterBytes)/(1<<20))
	return nil
}

// inspectGraph loads the persisted graph and prints stats or neighbors.
func inspectGraph(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	g := graph.New(logger)
	graphPath := filepath.Join(filepath.Dir(cfg.Database.Path), brain.GraphFileName)
	if err := g.Load(graphPath); err != nil {
		return fmt.Errorf("failed to load graph: %w", err)
	}

	if len(args) == 0 {
		nodes, edges := g.Stats()
		fmt.Printf("Knowledge graph: %d nodes, %d edges (%s)\n", nodes, edges, graphPath)
		return nil
	}

	related := g.FindRelated(args[0], 2)
	if len(related) == 0 {
		fmt.Printf("No entities related to %s\n", args[0])
		return nil
	}
	fmt.Println(titleStyle.Render("Related to " + args[0]))
	for _, id := range related {
		fmt.Println("  " + id)
	}
	return nil
}
