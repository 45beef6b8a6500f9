package perception

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vel5id/mnemosyne/internal/types"
)

// VRAMSkippedSentinel marks a vision description denied by resource
// admission. Stored values carrying it are not real model output.
const VRAMSkippedSentinel = "[VRAM Limit] Skipped"

// Vision backends.
const (
	BackendServer  = "server"  // plain per-image POST, server owns the model
	BackendManaged = "managed" // explicit load/unload brackets each batch
)

const visionTimeout = 120 * time.Second

// Admitter answers whether enough GPU memory is free for the vision model.
type Admitter interface {
	CanRunVisionModel(ctx context.Context) bool
}

// BatchItem is one vision request inside a batch.
type BatchItem struct {
	ScreenshotPath string
	Prompt         string
	ROI            *types.Rect
}

// VisionAgent describes screenshots through the vision-model endpoint. The
// batch is the GPU unit: items are served sequentially while the model is
// resident, never in parallel.
type VisionAgent struct {
	host    string
	model   string
	backend string
	guard   Admitter
	client  *http.Client
	logger  *zap.Logger
}

// NewVisionAgent creates an agent. backend is "server" or "managed".
func NewVisionAgent(host, model, backend string, guard Admitter, logger *zap.Logger) *VisionAgent {
	if backend == "" {
		backend = BackendServer
	}
	return &VisionAgent{
		host:    strings.TrimRight(host, "/"),
		model:   model,
		backend: backend,
		guard:   guard,
		client:  &http.Client{Timeout: visionTimeout},
		logger:  logger.Named("vision"),
	}
}

// ProcessBatch describes each item, returning one description per item in
// order. A denied guard yields the VRAM sentinel for every item; an
// out-of-memory failure mid-batch yields it for the remainder.
func (a *VisionAgent) ProcessBatch(ctx context.Context, items []BatchItem) []string {
	results := make([]string, len(items))
	if len(items) == 0 {
		return results
	}

	if a.guard != nil && !a.guard.CanRunVisionModel(ctx) {
		a.logger.Info("vision batch denied, insufficient GPU memory",
			zap.Int("items", len(items)))
		for i := range results {
			results[i] = VRAMSkippedSentinel
		}
		return results
	}

	if a.backend == BackendManaged {
		if err := a.setResidency(ctx, "5m"); err != nil {
			a.logger.Warn("vision model load failed", zap.Error(err))
		}
		defer func() {
			if err := a.setResidency(ctx, "0"); err != nil {
				a.logger.Debug("vision model unload failed", zap.Error(err))
			}
		}()
	}

	for i, item := range items {
		if ctx.Err() != nil {
			for j := i; j < len(results); j++ {
				results[j] = VRAMSkippedSentinel
			}
			break
		}
		desc, err := a.describe(ctx, item)
		if err != nil {
			a.logger.Warn("vision call failed",
				zap.String("image", item.ScreenshotPath), zap.Error(err))
			if isOutOfMemory(err) {
				for j := i; j < len(results); j++ {
					results[j] = VRAMSkippedSentinel
				}
				break
			}
			continue
		}
		results[i] = desc
	}
	return results
}

// Describe runs a single vision request outside batch bookkeeping.
func (a *VisionAgent) Describe(ctx context.Context, item BatchItem) (string, error) {
	return a.describe(ctx, item)
}

func (a *VisionAgent) describe(ctx context.Context, item BatchItem) (string, error) {
	data, err := os.ReadFile(item.ScreenshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to read screenshot: %w", err)
	}
	if item.ROI != nil {
		cropped, err := CropROI(data, item.ROI)
		if err != nil {
			a.logger.Debug("roi crop failed, using full image", zap.Error(err))
		} else {
			data = cropped
		}
	}

	prompt := item.Prompt
	if prompt == "" {
		prompt = "Describe what the user is doing on this screen in one sentence."
	}

	body := map[string]any{
		"model":  a.model,
		"prompt": prompt,
		"stream": false,
		"images": []string{base64.StdEncoding.EncodeToString(data)},
		"options": map[string]any{
			"temperature": 0.3,
			"num_predict": 200,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vision request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vision endpoint returned %s", resp.Status)
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return strings.TrimSpace(parsed.Response), nil
}

// Shutdown unloads the model when this process manages residency.
func (a *VisionAgent) Shutdown(ctx context.Context) {
	if a.backend != BackendManaged {
		return
	}
	if err := a.setResidency(ctx, "0"); err != nil {
		a.logger.Debug("vision model unload failed", zap.Error(err))
	}
}

// setResidency asks the endpoint to load (keepAlive "5m") or unload
// (keepAlive "0") the model.
func (a *VisionAgent) setResidency(ctx context.Context, keepAlive string) error {
	body := map[string]any{
		"model":      a.model,
		"prompt":     "",
		"stream":     false,
		"keep_alive": keepAlive,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("residency request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("residency request returned %s", resp.Status)
	}
	return nil
}

func isOutOfMemory(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "out of memory") || strings.Contains(msg, "cuda")
}
