package cognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Tier selects the model for a reasoning call.
type Tier int

const (
	// TierAuto tries the heavy model and falls back to the light one.
	TierAuto Tier = iota
	TierHeavy
	TierLight
)

const reasoningTimeout = 120 * time.Second

// ReasoningClient is the chat-endpoint client with heavy/light model tiers.
type ReasoningClient struct {
	host       string
	heavyModel string
	lightModel string
	client     *http.Client
	logger     *zap.Logger
}

// NewReasoningClient creates a client for the LLM endpoint.
func NewReasoningClient(host, heavyModel, lightModel string, logger *zap.Logger) *ReasoningClient {
	return &ReasoningClient{
		host:       strings.TrimRight(host, "/"),
		heavyModel: heavyModel,
		lightModel: lightModel,
		client:     &http.Client{Timeout: reasoningTimeout},
		logger:     logger.Named("reasoning"),
	}
}

// Reason runs one chat completion. With TierAuto a heavy-model failure is
// retried once on the light model; the error is returned only when both
// fail.
func (c *ReasoningClient) Reason(ctx context.Context, prompt, system string, tier Tier, temperature float64, maxTokens int) (string, error) {
	model := c.heavyModel
	if tier == TierLight {
		model = c.lightModel
	}

	out, err := c.chat(ctx, model, prompt, system, temperature, maxTokens)
	if err == nil {
		return out, nil
	}
	if tier != TierAuto {
		return "", err
	}

	c.logger.Warn("heavy model failed, retrying light",
		zap.String("model", c.heavyModel), zap.Error(err))
	out, lightErr := c.chat(ctx, c.lightModel, prompt, system, temperature, maxTokens)
	if lightErr != nil {
		return "", fmt.Errorf("both tiers failed: heavy: %v; light: %w", err, lightErr)
	}
	return out, nil
}

func (c *ReasoningClient) chat(ctx context.Context, model, prompt, system string, temperature float64, maxTokens int) (string, error) {
	var messages []map[string]string
	if system != "" {
		messages = append(messages, map[string]string{"role": "system", "content": system})
	}
	messages = append(messages, map[string]string{"role": "user", "content": prompt})

	body := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   false,
		"options": map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.host+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat endpoint returned %s", resp.Status)
	}

	var parsed struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	content := strings.TrimSpace(parsed.Message.Content)
	if content == "" {
		return "", fmt.Errorf("model %s returned empty content", model)
	}
	return content, nil
}

// CheckConnection reports whether the endpoint answers at all.
func (c *ReasoningClient) CheckConnection(ctx context.Context) bool {
	_, err := c.ListModels(ctx)
	return err == nil
}

// ListModels returns the model names the endpoint advertises.
func (c *ReasoningClient) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tags request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tags endpoint returned %s", resp.Status)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// AnalyzeActivity asks the model for a short free-form read of an activity
// log.
func (c *ReasoningClient) AnalyzeActivity(ctx context.Context, activityLog string) (string, error) {
	prompt := "Analyze this activity log and describe what the user was working on:\n\n" + activityLog
	return c.Reason(ctx, prompt, "", TierAuto, 0.5, 256)
}
