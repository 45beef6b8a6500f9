package perception

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

	"github.com/vel5id/mnemosyne/internal/types"
)

type fixedAdmitter bool

func (f fixedAdmitter) CanRunVisionModel(context.Context) bool { return bool(f) }

func writeTestPNG(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestProcessBatchGuardDenied(t *testing.T) {
	a := NewVisionAgent("http://localhost:1", "vlm", BackendServer, fixedAdmitter(false), zap.NewNop())

	results := a.ProcessBatch(context.Background(), []BatchItem{
		{ScreenshotPath: "a.png"}, {ScreenshotPath: "b.png"},
	})
	require.Len(t, results, 2)
	assert.Equal(t, VRAMSkippedSentinel, results[0])
	assert.Equal(t, VRAMSkippedSentinel, results[1])
}

func TestProcessBatchServerBackend(t *testing.T) {
	var requests []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		requests = append(requests, body)
		json.NewEncoder(w).Encode(map[string]string{"response": "user is coding"})
	}))
	defer srv.Close()

	path := writeTestPNG(t, 10, 10)
	a := NewVisionAgent(srv.URL, "vlm", BackendServer, fixedAdmitter(true), zap.NewNop())

	results := a.ProcessBatch(context.Background(), []BatchItem{{ScreenshotPath: path}})
	require.Len(t, results, 1)
	assert.Equal(t, "user is coding", results[0])

	require.Len(t, requests, 1)
	assert.Equal(t, "vlm", requests[0]["model"])
	images, ok := requests[0]["images"].([]any)
	require.True(t, ok)
	assert.Len(t, images, 1)
}

func TestProcessBatchManagedBackendBrackets(t *testing.T) {
	var keepAlives []any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if ka, ok := body["keep_alive"]; ok {
			keepAlives = append(keepAlives, ka)
		}
		json.NewEncoder(w).Encode(map[string]string{"response": "desc"})
	}))
	defer srv.Close()

	path := writeTestPNG(t, 10, 10)
	a := NewVisionAgent(srv.URL, "vlm", BackendManaged, fixedAdmitter(true), zap.NewNop())

	results := a.ProcessBatch(context.Background(), []BatchItem{{ScreenshotPath: path}})
	assert.Equal(t, "desc", results[0])
	// Load before the batch, unload after.
	assert.Equal(t, []any{"5m", "0"}, keepAlives)
}

func TestProcessBatchMissingFileContinues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"response": "ok"})
	}))
	defer srv.Close()

	path := writeTestPNG(t, 10, 10)
	a := NewVisionAgent(srv.URL, "vlm", BackendServer, fixedAdmitter(true), zap.NewNop())

	results := a.ProcessBatch(context.Background(), []BatchItem{
		{ScreenshotPath: filepath.Join(t.TempDir(), "missing.png")},
		{ScreenshotPath: path},
	})
	assert.Empty(t, results[0])
	assert.Equal(t, "ok", results[1])
}

func TestCropROIClamps(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 50))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	out, err := CropROI(buf.Bytes(), &types.Rect{Left: -10, Top: -10, Right: 500, Bottom: 500})
	require.NoError(t, err)

	decoded, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 100, decoded.Bounds().Dx())
	assert.Equal(t, 50, decoded.Bounds().Dy())
}

func TestCropROISubregion(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 50))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	out, err := CropROI(buf.Bytes(), &types.Rect{Left: 10, Top: 10, Right: 60, Bottom: 40})
	require.NoError(t, err)

	decoded, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 50, decoded.Bounds().Dx())
	assert.Equal(t, 30, decoded.Bounds().Dy())
}

func TestCropROINilPassthrough(t *testing.T) {
	data := []byte("raw")
	out, err := CropROI(data, nil)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}
