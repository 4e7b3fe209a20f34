package main

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// DebugSink receives the exact buffer handed to OCR and the raw result before
// validation, for visual inspection.
type DebugSink interface {
	Frame(id string, img *image.NRGBA)
	Result(id string, res RecognitionResult)
	Close() error
}

// multiDebugSink forwards to every sink in order.
type multiDebugSink []DebugSink

func (m multiDebugSink) Frame(id string, img *image.NRGBA) {
	for _, s := range m {
		s.Frame(id, img)
	}
}

func (m multiDebugSink) Result(id string, res RecognitionResult) {
	for _, s := range m {
		s.Result(id, res)
	}
}

func (m multiDebugSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// DirDebugSink saves each binarized buffer as <dir>/<id>.png and the raw
// result next to it as <id>.txt.
type DirDebugSink struct {
	dir    string
	logger *slog.Logger
}

// NewDirDebugSink creates dir if needed.
func NewDirDebugSink(dir string, logger *slog.Logger) (*DirDebugSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create debug directory: %w", err)
	}
	return &DirDebugSink{dir: dir, logger: logger}, nil
}

func (d *DirDebugSink) Frame(id string, img *image.NRGBA) {
	path := filepath.Join(d.dir, id+".png")
	if err := imaging.Save(img, path); err != nil {
		d.logger.Warn("Failed to save debug frame", "path", path, "error", err)
	}
}

func (d *DirDebugSink) Result(id string, res RecognitionResult) {
	path := filepath.Join(d.dir, id+".txt")
	body := fmt.Sprintf("engine: %s\nfallback: %t\nconfidence: %.1f\nprocessing_time_ms: %d\n\n%s\n",
		res.Engine, res.Fallback, res.Confidence, res.ProcessingTimeMs(), res.Text)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		d.logger.Warn("Failed to save debug result", "path", path, "error", err)
	}
}

func (d *DirDebugSink) Close() error { return nil }

// WindowDebugSink shows the latest binarized buffer in an OpenCV window and
// overlays the raw recognized text once it arrives.
type WindowDebugSink struct {
	logger *slog.Logger

	mu     sync.Mutex
	window *gocv.Window
	last   gocv.Mat
	lastID string
}

// NewWindowDebugSink opens a preview window titled name.
func NewWindowDebugSink(name string, logger *slog.Logger) *WindowDebugSink {
	return &WindowDebugSink{
		logger: logger,
		window: gocv.NewWindow(name),
		last:   gocv.NewMat(),
	}
}

func (w *WindowDebugSink) Frame(id string, img *image.NRGBA) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		w.logger.Warn("Failed to convert debug frame", "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.last.Close()
	w.last, w.lastID = mat, id
	w.show()
}

func (w *WindowDebugSink) Result(id string, res RecognitionResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id != w.lastID || w.last.Empty() {
		return
	}

	overlay := w.last.Clone()
	defer overlay.Close()
	label := fmt.Sprintf("%s %.0f%%", res.Engine, res.Confidence)
	gocv.PutText(&overlay, label, image.Pt(10, 40), gocv.FontHersheySimplex, 1.2, color.RGBA{R: 255, A: 255}, 2)
	for i, line := range strings.Split(strings.TrimSpace(res.Text), "\n") {
		gocv.PutText(&overlay, line, image.Pt(10, 90+i*40), gocv.FontHersheySimplex, 1.0, color.RGBA{B: 255, A: 255}, 2)
	}
	w.window.IMShow(overlay)
	w.window.WaitKey(1)
}

// show must be called with mu held.
func (w *WindowDebugSink) show() {
	w.window.IMShow(w.last)
	w.window.WaitKey(1)
}

func (w *WindowDebugSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Join(w.last.Close(), w.window.Close())
}
