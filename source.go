package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
)

// FrameSource supplies the current camera frame on demand.
// Frame returns an error wrapping ErrCaptureNotReady while no frame is available.
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// CameraSource reads frames from a camera device or video stream through OpenCV.
// After repeated read failures it drops the connection and reopens it once the
// breaker's cool-down has passed.
type CameraSource struct {
	// device is a camera index ("0") or a stream/file URL.
	device string
	logger *slog.Logger

	breaker *CircuitBreaker

	mu      sync.Mutex
	capture *gocv.VideoCapture
	// img is reused between reads.
	img    gocv.Mat
	closed bool
}

// NewCameraSource opens device and verifies that it is readable.
func NewCameraSource(device string, logger *slog.Logger) (*CameraSource, error) {
	c := &CameraSource{
		device:  device,
		logger:  logger,
		breaker: NewCircuitBreaker("camera", 5, 5*time.Second, 1, logger),
		img:     gocv.NewMat(),
	}
	if err := c.open(); err != nil {
		c.img.Close()
		return nil, err
	}
	return c, nil
}

// open must be called with mu held or before c is shared.
func (c *CameraSource) open() error {
	capture, err := gocv.OpenVideoCapture(c.device)
	if err != nil {
		return fmt.Errorf("failed to open video capture: %w", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("video capture %q is not opened", c.device)
	}
	c.capture = capture
	return nil
}

// Frame reads the next frame. Failures are reported as not ready so the
// scheduler skips the invocation instead of failing it.
func (c *CameraSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("camera released: %w", ErrCaptureNotReady)
	}
	if err := c.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureNotReady, err)
	}

	if c.capture == nil {
		c.logger.Info("Attempting camera reconnection", "device", c.device)
		if err := c.open(); err != nil {
			c.breaker.Failure()
			return nil, fmt.Errorf("%w: %w", ErrCaptureNotReady, err)
		}
		c.logger.Info("Camera reconnection successful", "device", c.device)
	}

	if !c.capture.Read(&c.img) || c.img.Empty() {
		c.breaker.Failure()
		if c.breaker.State() == BreakerOpen {
			c.logger.Warn("Camera keeps failing, dropping connection",
				"device", c.device,
				"failure_count", c.breaker.Failures())
			c.capture.Close()
			c.capture = nil
		}
		return nil, fmt.Errorf("failed to read frame from %s: %w", c.device, ErrCaptureNotReady)
	}
	c.breaker.Success()

	frame, err := c.img.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return frame, nil
}

// Close releases the camera. Later Frame calls report not ready.
// It is safe to call more than once.
func (c *CameraSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.capture != nil {
		if err := c.capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close video capture: %w", err))
		}
		c.capture = nil
	}
	if err := c.img.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close frame buffer: %w", err))
	}
	return errors.Join(errs...)
}

// StillSource serves the same image on every read. It backs one-shot runs
// against a saved photo.
type StillSource struct {
	mu  sync.Mutex
	img image.Image
}

// NewStillSource returns a source serving img.
func NewStillSource(img image.Image) *StillSource {
	return &StillSource{img: img}
}

// OpenStillSource loads the image at path.
func OpenStillSource(path string) (*StillSource, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return NewStillSource(img), nil
}

func (s *StillSource) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		return nil, ErrCaptureNotReady
	}
	return s.img, nil
}

func (s *StillSource) Close() error {
	s.mu.Lock()
	s.img = nil
	s.mu.Unlock()
	return nil
}
