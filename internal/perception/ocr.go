package perception

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultOCRLanguages covers latin and cyrillic desktops.
const DefaultOCRLanguages = "eng+rus"

// ocrRunner executes the OCR binary. Injectable for tests.
type ocrRunner func(ctx context.Context, args ...string) ([]byte, error)

// OCREngine extracts text from screenshots via tesseract.
type OCREngine struct {
	languages string
	run       ocrRunner
}

// NewOCREngine creates an engine for the given language pack, empty for the
// default.
func NewOCREngine(languages string) *OCREngine {
	if languages == "" {
		languages = DefaultOCRLanguages
	}
	return &OCREngine{languages: languages, run: runTesseract}
}

// ExtractText runs OCR on the image and returns the raw text. The caller
// sanitizes before use.
func (e *OCREngine) ExtractText(ctx context.Context, imagePath string) (string, error) {
	out, err := e.run(ctx, imagePath, "stdout", "-l", e.languages)
	if err != nil {
		return "", fmt.Errorf("ocr failed for %s: %w", imagePath, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ExtractWithConfidence runs OCR in TSV mode and returns the text plus the
// mean per-word confidence in [0,1].
func (e *OCREngine) ExtractWithConfidence(ctx context.Context, imagePath string) (string, float64, error) {
	out, err := e.run(ctx, imagePath, "stdout", "-l", e.languages, "tsv")
	if err != nil {
		return "", 0, fmt.Errorf("ocr failed for %s: %w", imagePath, err)
	}
	text, confidence := parseTSV(string(out))
	return text, confidence, nil
}

// parseTSV extracts word texts and confidences from tesseract TSV output.
// Confidence -1 marks non-word rows and is skipped.
func parseTSV(raw string) (string, float64) {
	var (
		words     []string
		confSum   float64
		confCount int
	)
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		if i == 0 { // header
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) < 12 {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		words = append(words, word)
		confSum += conf
		confCount++
	}
	if confCount == 0 {
		return "", 0
	}
	return strings.Join(words, " "), confSum / float64(confCount) / 100.0
}

func runTesseract(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "tesseract", args...).Output()
}
