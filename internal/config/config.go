// Package config holds the Mnemosyne configuration: YAML file overlay on
// defaults, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can use "300s"-style strings.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML parses either a duration string or a bare second count.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		secs, secErr := time.ParseDuration(raw + "s")
		if secErr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		parsed = secs
	}
	*d = Duration(parsed)
	return nil
}

// Config holds all Mnemosyne configuration.
type Config struct {
	// Database holds the local row-store settings.
	Database DatabaseConfig `yaml:"database"`

	// Redis enables stream-mode ingestion when a host is set.
	Redis RedisConfig `yaml:"redis"`

	// LLM configures the language-model endpoint and tiers.
	LLM LLMConfig `yaml:"llm"`

	// Vision configures the vision-model endpoint and backend.
	Vision VisionConfig `yaml:"vision"`

	// Tracker configures the session state machine.
	Tracker TrackerConfig `yaml:"tracker"`

	// Loop configures the periodic cycle.
	Loop LoopConfig `yaml:"loop"`

	// Guard configures resource admission.
	Guard GuardConfig `yaml:"guard"`

	// Perception configures OCR and screenshots.
	Perception PerceptionConfig `yaml:"perception"`

	// VaultPath points at a directory of markdown notes used for wikilink
	// augmentation. Empty disables augmentation.
	VaultPath string `yaml:"vault_path"`
}

// DatabaseConfig configures the SQLite row store.
type DatabaseConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"read_only"`
}

// RedisConfig configures the event stream broker.
type RedisConfig struct {
	// Host is "host:port". Empty disables stream mode.
	Host string `yaml:"host"`
}

// LLMConfig configures the language-model endpoint.
type LLMConfig struct {
	Host       string `yaml:"host"` // base URL, e.g. http://localhost:11434
	HeavyModel string `yaml:"heavy_model"`
	LightModel string `yaml:"light_model"`
}

// VisionConfig configures the vision-model endpoint.
type VisionConfig struct {
	// Backend is "server" (plain per-image POST) or "managed" (explicit
	// load/unload bracketing each batch).
	Backend string `yaml:"backend"`
	Host    string `yaml:"host"`
	Model   string `yaml:"model"`
}

// TrackerConfig configures the session state machine.
type TrackerConfig struct {
	IdleThreshold      Duration `yaml:"idle_threshold"`
	MaxSessionDuration Duration `yaml:"max_session_duration"`
	MinSessionDuration Duration `yaml:"min_session_duration"`
}

// LoopConfig configures the periodic cycle.
type LoopConfig struct {
	Interval    Duration `yaml:"interval"`
	DedupWindow Duration `yaml:"dedup_window"`
	BatchLimit  int      `yaml:"batch_limit"`

	// DeepEnrichment selects the per-event perception path in store mode
	// instead of the grouped fast path.
	DeepEnrichment bool `yaml:"deep_enrichment"`
}

// GuardConfig configures resource admission.
type GuardConfig struct {
	VRAMThresholdMB  int      `yaml:"vram_threshold_mb"`
	ProcessBlacklist []string `yaml:"process_blacklist"`
}

// PerceptionConfig configures OCR and screenshot handling.
type PerceptionConfig struct {
	OCRLanguages   string `yaml:"ocr_languages"`
	ScreenshotsDir string `yaml:"screenshots_dir"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(".mnemosyne", "activity.db"),
		},

		LLM: LLMConfig{
			Host:       "http://localhost:11434",
			HeavyModel: "qwen2.5:14b",
			LightModel: "qwen2.5:3b",
		},

		Vision: VisionConfig{
			Backend: "server",
			Host:    "http://localhost:11434",
			Model:   "qwen2.5vl:7b",
		},

		Tracker: TrackerConfig{
			IdleThreshold:      Duration(300 * time.Second),
			MaxSessionDuration: Duration(1800 * time.Second),
			MinSessionDuration: Duration(5 * time.Second),
		},

		Loop: LoopConfig{
			Interval:    Duration(30 * time.Second),
			DedupWindow: Duration(15 * time.Second),
			BatchLimit:  100,
		},

		Guard: GuardConfig{
			VRAMThresholdMB:  4096,
			ProcessBlacklist: DefaultProcessBlacklist(),
		},

		Perception: PerceptionConfig{
			OCRLanguages:   "eng+rus",
			ScreenshotsDir: "screenshots",
		},
	}
}

// DefaultProcessBlacklist lists well-known games and heavy-CPU applications
// whose presence marks the user as actively loading the machine.
func DefaultProcessBlacklist() []string {
	return []string{
		"dota2.exe", "csgo.exe", "cs2.exe", "valorant.exe", "valorant-win64-shipping.exe",
		"gta5.exe", "rdr2.exe", "cyberpunk2077.exe", "witcher3.exe", "eldenring.exe",
		"league of legends.exe", "fortniteclient-win64-shipping.exe", "overwatch.exe",
		"wow.exe", "destiny2.exe", "apex_legends.exe", "r5apex.exe", "tarkov.exe",
		"escapefromtarkov.exe", "rust.exe", "pubg.exe", "starfield.exe",
		"baldursgate3.exe", "bg3.exe", "helldivers2.exe",
		"blender.exe", "premiere.exe", "afterfx.exe", "resolve.exe",
		"obs64.exe", "handbrake.exe",
	}
}

// Load reads configuration from a YAML file overlaid on defaults, then
// applies environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ApplyEnv applies environment variable overrides.
func (c *Config) ApplyEnv() {
	if path := os.Getenv("MNEMOSYNE_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if v := os.Getenv("MNEMOSYNE_DB_READONLY"); v == "1" || v == "true" {
		c.Database.ReadOnly = true
	}
	if host := os.Getenv("MNEMOSYNE_REDIS_HOST"); host != "" {
		c.Redis.Host = host
	}
	if host := os.Getenv("OLLAMA_LLM_HOST"); host != "" {
		c.LLM.Host = host
	}
	if host := os.Getenv("OLLAMA_VLM_HOST"); host != "" {
		c.Vision.Host = host
	}
	if model := os.Getenv("LLM_MODEL_HEAVY"); model != "" {
		c.LLM.HeavyModel = model
	}
	if model := os.Getenv("LLM_MODEL_LIGHT"); model != "" {
		c.LLM.LightModel = model
	}
	if backend := os.Getenv("VLM_BACKEND"); backend != "" {
		c.Vision.Backend = backend
	}
	if model := os.Getenv("VLM_MODEL"); model != "" {
		c.Vision.Model = model
	}
	if path := os.Getenv("MNEMOSYNE_VAULT_PATH"); path != "" {
		c.VaultPath = path
	}
}

// StreamMode reports whether the broker-backed ingest path is configured.
func (c *Config) StreamMode() bool {
	return c.Redis.Host != ""
}
