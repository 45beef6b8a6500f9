package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vel5id/mnemosyne/internal/cognition"
	"github.com/vel5id/mnemosyne/internal/perception"
	"github.com/vel5id/mnemosyne/internal/sanitize"
	"github.com/vel5id/mnemosyne/internal/store"
	"github.com/vel5id/mnemosyne/internal/types"
)

type admitAll struct{}

func (admitAll) CanRunVisionModel(context.Context) bool { return true }

type admitNone struct{}

func (admitNone) CanRunVisionModel(context.Context) bool { return false }

func newTestProcessor(t *testing.T, srvURL, shotsDir string, admitter perception.Admitter) (*EventProcessor, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "activity.db"), false, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := cognition.NewEngine(srvURL, "heavy", nil, zap.NewNop())
	vision := perception.NewVisionAgent(srvURL, "vlm", perception.BackendServer, admitter, zap.NewNop())
	walker := perception.NewTreeWalker(nil)
	ocr := perception.NewOCREngine("eng")

	p := NewEventProcessor(st, walker, ocr, vision, engine, sanitize.New(), shotsDir, zap.NewNop())
	return p, st
}

func modelServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if _, hasImages := body["images"]; hasImages {
			json.NewEncoder(w).Encode(map[string]string{"response": "a code editor"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "Editing source files"})
	}))
}

func TestProcessTitleOnlyEvents(t *testing.T) {
	srv := modelServer(t)
	defer srv.Close()

	p, st := newTestProcessor(t, srv.URL, t.TempDir(), admitAll{})

	id, err := st.InsertRawEvent(&types.Event{
		UnixTime: 100, ProcessName: "code.exe",
		WindowTitle: "main.go - contact user@example.com",
	})
	require.NoError(t, err)

	processed, err := p.Process(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, processed, 1)
	assert.Equal(t, "main.go - contact [REDACTED]", processed[0].SanitizedTitle)

	ctx, err := st.GetEventContext(id)
	require.NoError(t, err)
	require.NotNil(t, ctx)
	assert.Equal(t, "Editing source files", ctx.UserIntent)
	assert.Empty(t, ctx.AccessibilityTree)
	assert.Empty(t, ctx.VLMDescription)

	stats, err := st.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.PendingEvents)
}

func TestProcessScreenshotGetsVLMDescription(t *testing.T) {
	srv := modelServer(t)
	defer srv.Close()

	shotsDir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(filepath.Join(shotsDir, "abc123.png"), buf.Bytes(), 0644))

	p, st := newTestProcessor(t, srv.URL, shotsDir, admitAll{})

	id, err := st.InsertRawEvent(&types.Event{
		UnixTime: 100, ProcessName: "code.exe", WindowTitle: "main.go",
		HasScreenshot: true, ScreenshotHash: "abc123",
	})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), 10)
	require.NoError(t, err)

	ctx, err := st.GetEventContext(id)
	require.NoError(t, err)
	require.NotNil(t, ctx)
	assert.Equal(t, "a code editor", ctx.VLMDescription)
}

func TestProcessGuardDeniedStoresSentinel(t *testing.T) {
	srv := modelServer(t)
	defer srv.Close()

	shotsDir := t.TempDir()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(filepath.Join(shotsDir, "abc123.png"), buf.Bytes(), 0644))

	p, st := newTestProcessor(t, srv.URL, shotsDir, admitNone{})

	id, err := st.InsertRawEvent(&types.Event{
		UnixTime: 100, ProcessName: "code.exe", WindowTitle: "main.go",
		HasScreenshot: true, ScreenshotHash: "abc123",
	})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), 10)
	require.NoError(t, err)

	// The stored column records the denial, not model output.
	ctx, err := st.GetEventContext(id)
	require.NoError(t, err)
	require.NotNil(t, ctx)
	assert.Equal(t, perception.VRAMSkippedSentinel, ctx.VLMDescription)
}

func TestProcessEmptyQueue(t *testing.T) {
	srv := modelServer(t)
	defer srv.Close()

	p, _ := newTestProcessor(t, srv.URL, t.TempDir(), admitAll{})
	processed, err := p.Process(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, processed)
}

func TestProcessHistoryTailInPrompt(t *testing.T) {
	var prompts []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if prompt, ok := body["prompt"].(string); ok {
			prompts = append(prompts, prompt)
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "ok"})
	}))
	defer srv.Close()

	p, st := newTestProcessor(t, srv.URL, t.TempDir(), admitAll{})

	// A processed neighbor inside the 60s window shows up as history.
	neighborID, err := st.InsertRawEvent(&types.Event{
		UnixTime: 80, ProcessName: "firefox.exe", WindowTitle: "docs",
	})
	require.NoError(t, err)
	require.NoError(t, st.BatchMarkProcessed([]int64{neighborID}))

	_, err = st.InsertRawEvent(&types.Event{
		UnixTime: 100, ProcessName: "code.exe", WindowTitle: "main.go",
	})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), 10)
	require.NoError(t, err)

	require.NotEmpty(t, prompts)
	assert.Contains(t, prompts[len(prompts)-1], "firefox.exe: docs")
}
