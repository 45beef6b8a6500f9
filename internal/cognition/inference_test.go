package cognition

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func generateServer(t *testing.T, response string, capture *[]map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if capture != nil {
			*capture = append(*capture, body)
		}
		json.NewEncoder(w).Encode(map[string]string{"response": response})
	}))
}

func TestSynthesizeSuccess(t *testing.T) {
	var requests []map[string]any
	srv := generateServer(t, "Editing Go source in the main module", &requests)
	defer srv.Close()

	e := NewEngine(srv.URL, "heavy", nil, zap.NewNop())
	res := e.Synthesize(context.Background(), SynthesisContext{
		SanitizedTitle: "main.go - code",
		UITree:         `[{"control_type":"Edit"}]`,
		Intensity:      60,
		History:        []string{"code.exe: main.go"},
	})

	assert.Equal(t, "Editing Go source in the main module", res.Intent)
	assert.InDelta(t, 0.8, res.Confidence, 0.001)
	assert.Contains(t, res.Tags, "editing")
	assert.NotEmpty(t, res.RawResponse)

	require.Len(t, requests, 1)
	prompt := requests[0]["prompt"].(string)
	assert.Contains(t, prompt, "Window title: main.go - code")
	assert.Contains(t, prompt, "Recent activity:")
	assert.Equal(t, analystSystemPrompt, requests[0]["system"])
	opts := requests[0]["options"].(map[string]any)
	assert.InDelta(t, 0.3, opts["temperature"].(float64), 0.001)
	assert.EqualValues(t, 200, opts["num_predict"])
}

func TestSynthesizeTruncatesLongFields(t *testing.T) {
	var requests []map[string]any
	srv := generateServer(t, "ok", &requests)
	defer srv.Close()

	e := NewEngine(srv.URL, "heavy", nil, zap.NewNop())
	e.Synthesize(context.Background(), SynthesisContext{
		SanitizedTitle: "t",
		UITree:         strings.Repeat("a", 5000),
		OCRText:        strings.Repeat("b", 5000),
	})

	prompt := requests[0]["prompt"].(string)
	assert.Contains(t, prompt, strings.Repeat("a", uiTreeTruncate))
	assert.NotContains(t, prompt, strings.Repeat("a", uiTreeTruncate+1))
	assert.Contains(t, prompt, strings.Repeat("b", ocrTruncate))
	assert.NotContains(t, prompt, strings.Repeat("b", ocrTruncate+1))
}

func TestSynthesizeFallback(t *testing.T) {
	e := NewEngine("http://127.0.0.1:1", "heavy", nil, zap.NewNop())
	res := e.Synthesize(context.Background(), SynthesisContext{
		SanitizedTitle: "main.go - Visual Studio Code",
	})

	assert.Equal(t, "Activity in main.go - Visual Studio Code", res.Intent)
	assert.InDelta(t, 0.3, res.Confidence, 0.001)
	assert.Contains(t, res.Tags, "development")
	assert.Empty(t, res.RawResponse)
}

func TestSynthesizeAugmentsWikilinks(t *testing.T) {
	srv := generateServer(t, "Editing Mnemosyne pipeline code", nil)
	defer srv.Close()

	vault := newTestVault(t, "Mnemosyne")
	e := NewEngine(srv.URL, "heavy", vault, zap.NewNop())
	res := e.Synthesize(context.Background(), SynthesisContext{SanitizedTitle: "t"})

	assert.Equal(t, "Editing [[Mnemosyne]] pipeline code", res.Intent)
	assert.Contains(t, res.Tags, "Mnemosyne")
}

func TestSummarizeSessionPrompt(t *testing.T) {
	var requests []map[string]any
	srv := generateServer(t, "Focused coding session", &requests)
	defer srv.Close()

	e := NewEngine(srv.URL, "heavy", nil, zap.NewNop())
	out := e.SummarizeSession(context.Background(), SessionMeta{
		DurationMinutes: 12.5,
		PrimaryProcess:  "code.exe",
		PrimaryWindow:   strings.Repeat("w", 300),
		WindowTransitions: []string{
			"a:1", "a:2", "a:3", "a:4", "a:5", "a:6", "a:7",
		},
		AvgIntensity: 45,
		EventCount:   20,
	})
	assert.Equal(t, "Focused coding session", out)

	prompt := requests[0]["prompt"].(string)
	assert.Contains(t, prompt, "Duration: 12.5 minutes")
	assert.Contains(t, prompt, "(+2 more)")
	assert.NotContains(t, prompt, "a:6")
	assert.Contains(t, prompt, "Input intensity: medium")
	assert.Contains(t, prompt, strings.Repeat("w", windowTruncate))
	assert.NotContains(t, prompt, strings.Repeat("w", windowTruncate+1))
	opts := requests[0]["options"].(map[string]any)
	assert.InDelta(t, 0.4, opts["temperature"].(float64), 0.001)
	assert.EqualValues(t, 150, opts["num_predict"])
}

func TestSummarizeSessionFallback(t *testing.T) {
	e := NewEngine("http://127.0.0.1:1", "heavy", nil, zap.NewNop())
	out := e.SummarizeSession(context.Background(), SessionMeta{
		PrimaryProcess: "code.exe",
		PrimaryWindow:  strings.Repeat("x", 80),
	})
	assert.Equal(t, "Activity in code.exe - "+strings.Repeat("x", 50), out)
}

func TestIntensityBuckets(t *testing.T) {
	assert.Equal(t, "low", intensityBucket(0))
	assert.Equal(t, "low", intensityBucket(29.9))
	assert.Equal(t, "medium", intensityBucket(30))
	assert.Equal(t, "medium", intensityBucket(69.9))
	assert.Equal(t, "high", intensityBucket(70))
}

func TestSecondaryAnalysisParsesTriples(t *testing.T) {
	reply := "Here you go:\n" +
		`{"concept_relationships": [["Go", "used_for", "backend"], ["tests", "verify", "pipeline"], ` +
		`["a","b","c"], ["d","e","f"], ["g","h","i"], ["j","k","l"]]}`
	srv := generateServer(t, reply, nil)
	defer srv.Close()

	e := NewEngine(srv.URL, "heavy", nil, zap.NewNop())
	triples, err := e.SecondaryAnalysis(context.Background(), "summary", "code.exe", 10, 5)
	require.NoError(t, err)
	// Capped at five.
	require.Len(t, triples, 5)
	assert.Equal(t, ConceptTriple{Subject: "Go", Relation: "used_for", Object: "backend"}, triples[0])
}

func TestSecondaryAnalysisMalformed(t *testing.T) {
	srv := generateServer(t, "no json here", nil)
	defer srv.Close()

	e := NewEngine(srv.URL, "heavy", nil, zap.NewNop())
	_, err := e.SecondaryAnalysis(context.Background(), "s", "p", 1, 1)
	assert.Error(t, err)
}

func TestExtractActivityTags(t *testing.T) {
	tags := extractActivityTags("Editing and debugging the review queue")
	assert.ElementsMatch(t, []string{"editing", "debugging", "reviewing"}, tags)
}

func TestFallbackTagsFromAppKeywords(t *testing.T) {
	res := fallbackResult("Weekly sync - Slack")
	assert.Equal(t, []string{"communication"}, res.Tags)
}
