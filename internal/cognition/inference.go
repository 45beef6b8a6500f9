package cognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Prompt-assembly limits and call parameters.
const (
	uiTreeTruncate = 2000
	ocrTruncate    = 1500
	windowTruncate = 100
	maxTransitions = 5

	synthesisTimeout     = 60 * time.Second
	synthesisTemperature = 0.3
	synthesisMaxTokens   = 200

	summaryTemperature = 0.4
	summaryMaxTokens   = 150

	maxTriples = 5
)

const analystSystemPrompt = "You are an activity analyst. From desktop telemetry " +
	"for one application window, state in a single short sentence what the user " +
	"is doing. Be specific and factual; do not speculate beyond the evidence."

// SynthesisContext carries the enrichment fields feeding one intent call.
// Text fields must already be sanitized.
type SynthesisContext struct {
	SanitizedTitle string
	UITree         string
	OCRText        string
	VLMDescription string
	Intensity      int
	History        []string
}

// InferenceResult is the outcome of intent synthesis. A fallback result has
// Confidence 0.3 and an empty RawResponse.
type InferenceResult struct {
	Intent      string
	Tags        []string
	Confidence  float64
	RawResponse string
}

// Engine synthesizes per-event intent through the generate endpoint and
// produces session summaries and concept triples.
type Engine struct {
	host   string
	model  string
	vault  *Vault
	client *http.Client
	logger *zap.Logger
}

// NewEngine creates an inference engine against the heavy model.
func NewEngine(host, model string, vault *Vault, logger *zap.Logger) *Engine {
	return &Engine{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		vault:  vault,
		client: &http.Client{Timeout: synthesisTimeout},
		logger: logger.Named("inference"),
	}
}

// CheckConnection reports whether the generate endpoint answers.
func (e *Engine) CheckConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.host+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Synthesize infers the user's intent for one context. Never fails: on any
// model error it falls back to a template intent with low confidence and
// keyword-derived tags.
func (e *Engine) Synthesize(ctx context.Context, sctx SynthesisContext) *InferenceResult {
	prompt := buildSynthesisPrompt(sctx)

	raw, err := e.generate(ctx, prompt, analystSystemPrompt, synthesisTemperature, synthesisMaxTokens)
	if err != nil || raw == "" {
		if err != nil {
			e.logger.Warn("intent synthesis failed, using fallback", zap.Error(err))
		}
		return fallbackResult(sctx.SanitizedTitle)
	}

	intent := raw
	if e.vault != nil {
		intent = e.vault.Augment(intent)
	}

	tags := extractActivityTags(intent)
	tags = append(tags, ExtractWikilinks(intent)...)

	return &InferenceResult{
		Intent:      intent,
		Tags:        dedupeTags(tags),
		Confidence:  0.8,
		RawResponse: raw,
	}
}

func buildSynthesisPrompt(sctx SynthesisContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Window title: %s\n", sctx.SanitizedTitle)
	if sctx.UITree != "" {
		fmt.Fprintf(&b, "UI elements: %s\n", truncate(sctx.UITree, uiTreeTruncate))
	}
	if sctx.OCRText != "" {
		fmt.Fprintf(&b, "Visible text: %s\n", truncate(sctx.OCRText, ocrTruncate))
	}
	if sctx.VLMDescription != "" {
		fmt.Fprintf(&b, "Screen description: %s\n", sctx.VLMDescription)
	}
	fmt.Fprintf(&b, "Input intensity: %d/100\n", sctx.Intensity)
	if len(sctx.History) > 0 {
		b.WriteString("Recent activity:\n")
		for _, h := range sctx.History {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	b.WriteString("\nWhat is the user doing?")
	return b.String()
}

// generate runs one completion against the generate endpoint.
func (e *Engine) generate(ctx context.Context, prompt, system string, temperature float64, maxTokens int) (string, error) {
	body := map[string]any{
		"model":  e.model,
		"prompt": prompt,
		"stream": false,
		"options": map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	}
	if system != "" {
		body["system"] = system
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.host+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generate endpoint returned %s", resp.Status)
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return strings.TrimSpace(parsed.Response), nil
}

// SessionMeta is the metadata feeding a session summary.
type SessionMeta struct {
	DurationMinutes   float64
	PrimaryProcess    string
	PrimaryWindow     string
	WindowTransitions []string
	AvgIntensity      float64
	EventCount        int
}

// SummarizeSession produces a one-line activity summary, falling back to a
// template on model failure.
func (e *Engine) SummarizeSession(ctx context.Context, meta SessionMeta) string {
	prompt := buildSummaryPrompt(meta)

	raw, err := e.generate(ctx, prompt, analystSystemPrompt, summaryTemperature, summaryMaxTokens)
	if err != nil || raw == "" {
		if err != nil {
			e.logger.Warn("session summary failed, using fallback", zap.Error(err))
		}
		return fmt.Sprintf("Activity in %s - %s",
			meta.PrimaryProcess, truncate(meta.PrimaryWindow, 50))
	}
	if e.vault != nil {
		raw = e.vault.Augment(raw)
	}
	return raw
}

func buildSummaryPrompt(meta SessionMeta) string {
	transitions := meta.WindowTransitions
	suffix := ""
	if len(transitions) > maxTransitions {
		suffix = fmt.Sprintf(" (+%d more)", len(transitions)-maxTransitions)
		transitions = transitions[:maxTransitions]
	}

	var b strings.Builder
	b.WriteString("Summarize this work session in one sentence.\n\n")
	fmt.Fprintf(&b, "Duration: %.1f minutes\n", meta.DurationMinutes)
	fmt.Fprintf(&b, "Application: %s\n", meta.PrimaryProcess)
	fmt.Fprintf(&b, "Window: %s\n", truncate(meta.PrimaryWindow, windowTruncate))
	if len(transitions) > 0 {
		fmt.Fprintf(&b, "Windows visited: %s%s\n", strings.Join(transitions, ", "), suffix)
	}
	fmt.Fprintf(&b, "Input intensity: %s\n", intensityBucket(meta.AvgIntensity))
	fmt.Fprintf(&b, "Events: %d\n", meta.EventCount)
	return b.String()
}

func intensityBucket(avg float64) string {
	switch {
	case avg < 30:
		return "low"
	case avg < 70:
		return "medium"
	default:
		return "high"
	}
}

// ConceptTriple is one (concept, relation, concept) edge from secondary
// analysis.
type ConceptTriple struct {
	Subject  string
	Relation string
	Object   string
}

// SecondaryAnalysis asks the model for up to five concept triples describing
// the session. Best-effort; parse failures return an error the caller logs
// and ignores.
func (e *Engine) SecondaryAnalysis(ctx context.Context, summary, process string, eventCount int, minutes float64) ([]ConceptTriple, error) {
	prompt := fmt.Sprintf(
		"Session summary: %s\nApplication: %s\nEvents: %d over %.1f minutes\n\n"+
			"Extract up to 5 concept relationships as JSON:\n"+
			`{"concept_relationships": [["concept", "relation", "concept"], ...]}`,
		summary, process, eventCount, minutes)

	raw, err := e.generate(ctx, prompt, "", synthesisTemperature, synthesisMaxTokens)
	if err != nil {
		return nil, err
	}

	payload := extractJSONObject(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var parsed struct {
		ConceptRelationships [][]string `json:"concept_relationships"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse triples: %w", err)
	}

	var triples []ConceptTriple
	for _, rel := range parsed.ConceptRelationships {
		if len(rel) != 3 || rel[0] == "" || rel[1] == "" || rel[2] == "" {
			continue
		}
		triples = append(triples, ConceptTriple{Subject: rel[0], Relation: rel[1], Object: rel[2]})
		if len(triples) == maxTriples {
			break
		}
	}
	return triples, nil
}

// extractJSONObject returns the first balanced {...} span in the text.
func extractJSONObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

// ========== Tag extraction ==========

var activityPatterns = []struct {
	re  *regexp.Regexp
	tag string
}{
	{regexp.MustCompile(`(?i)\b(edit|editing|modif)`), "editing"},
	{regexp.MustCompile(`(?i)\b(read|reading|brows)`), "reading"},
	{regexp.MustCompile(`(?i)\b(writ|draft|compos)`), "writing"},
	{regexp.MustCompile(`(?i)\b(debug|fix|troubleshoot)`), "debugging"},
	{regexp.MustCompile(`(?i)\b(review|inspect)`), "reviewing"},
	{regexp.MustCompile(`(?i)\b(meet|call|conference)`), "meeting"},
	{regexp.MustCompile(`(?i)\b(chat|messag|communicat|email)`), "communication"},
}

// extractActivityTags maps verbs in the intent text onto coarse activity
// tags.
func extractActivityTags(text string) []string {
	var tags []string
	for _, p := range activityPatterns {
		if p.re.MatchString(text) {
			tags = append(tags, p.tag)
		}
	}
	return tags
}

var appKeywordTags = []struct {
	keyword string
	tag     string
}{
	{"code", "development"},
	{"studio", "development"},
	{"pycharm", "development"},
	{"intellij", "development"},
	{"terminal", "development"},
	{"powershell", "development"},
	{"chrome", "browsing"},
	{"firefox", "browsing"},
	{"edge", "browsing"},
	{"slack", "communication"},
	{"discord", "communication"},
	{"telegram", "communication"},
	{"teams", "communication"},
	{"outlook", "email"},
	{"word", "writing"},
	{"notion", "writing"},
	{"obsidian", "writing"},
	{"excel", "analysis"},
	{"photoshop", "design"},
	{"figma", "design"},
	{"youtube", "media"},
	{"vlc", "media"},
	{"spotify", "media"},
}

// fallbackResult builds the low-confidence template result used when the
// model is unreachable.
func fallbackResult(sanitizedTitle string) *InferenceResult {
	lower := strings.ToLower(sanitizedTitle)
	var tags []string
	for _, kw := range appKeywordTags {
		if strings.Contains(lower, kw.keyword) {
			tags = append(tags, kw.tag)
		}
	}
	return &InferenceResult{
		Intent:     fmt.Sprintf("Activity in %s", sanitizedTitle),
		Tags:       dedupeTags(tags),
		Confidence: 0.3,
	}
}

func dedupeTags(tags []string) []string {
	var (
		out  []string
		seen = make(map[string]struct{})
	)
	for _, tag := range tags {
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
