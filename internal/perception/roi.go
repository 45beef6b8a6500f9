package perception

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"github.com/vel5id/mnemosyne/internal/types"
)

// CropROI crops the image to the region of interest, clamping the rectangle
// to image bounds, and re-encodes as JPEG. A nil ROI returns the input
// unchanged.
func CropROI(data []byte, roi *types.Rect) ([]byte, error) {
	if roi == nil {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	rect := image.Rect(
		clamp(roi.Left, bounds.Min.X, bounds.Max.X),
		clamp(roi.Top, bounds.Min.Y, bounds.Max.Y),
		clamp(roi.Right, bounds.Min.X, bounds.Max.X),
		clamp(roi.Bottom, bounds.Min.Y, bounds.Max.Y),
	)
	if rect.Empty() {
		return data, nil
	}

	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	src, ok := img.(subImager)
	if !ok {
		return data, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src.SubImage(rect), &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
