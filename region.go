package main

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

const (
	// DefaultTargetHeight puts typical single-line crops in the 20-40px
	// character height band Tesseract reads best.
	DefaultTargetHeight = 800

	// minCropSide is the smallest crop edge, in source pixels, sent on to OCR.
	// Smaller crops are stretched up to it.
	minCropSide = 50
)

// cropRect converts a normalized crop into a pixel rectangle clamped to bounds.
func cropRect(bounds image.Rectangle, crop CropRegion) image.Rectangle {
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	x0 := bounds.Min.X + int(math.Round(crop.X*w))
	y0 := bounds.Min.Y + int(math.Round(crop.Y*h))
	x1 := x0 + int(math.Round(crop.Width*w))
	y1 := y0 + int(math.Round(crop.Height*h))
	return image.Rect(x0, y0, x1, y1).Intersect(bounds)
}

// Extract cuts crop out of frame and resamples it to targetHeight pixels tall,
// keeping the aspect ratio. The crop is clamped to the frame, so a region
// reaching past the right or bottom edge reads only the pixels that exist.
//
// A frame without pixels, or a crop that misses the frame entirely, yields
// ErrCaptureNotReady. A targetHeight of zero or less disables resampling.
func Extract(frame image.Image, crop CropRegion, targetHeight int) (*image.NRGBA, error) {
	if frame == nil {
		return nil, ErrCaptureNotReady
	}
	bounds := frame.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, ErrCaptureNotReady
	}

	rect := cropRect(bounds, crop)
	if rect.Empty() {
		return nil, fmt.Errorf("crop %+v outside %dx%d frame: %w", crop, bounds.Dx(), bounds.Dy(), ErrCaptureNotReady)
	}

	outW := max(rect.Dx(), minCropSide)
	outH := max(rect.Dy(), minCropSide)
	if targetHeight > 0 && outH != targetHeight {
		outW = max(1, int(math.Round(float64(targetHeight)*float64(outW)/float64(outH))))
		outH = targetHeight
	}

	cropped := imaging.Crop(frame, rect)
	if outW == rect.Dx() && outH == rect.Dy() {
		return cropped, nil
	}
	return imaging.Resize(cropped, outW, outH, imaging.Linear), nil
}
