package main

import (
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
)

// CropRegion is a rectangle expressed as fractions of the source frame size.
// A valid region has positive width and height and stays inside [0,1] on both axes.
type CropRegion struct {
	X      float64 `yaml:"x"`
	Y      float64 `yaml:"y"`
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// DefaultCrop is the centered half-frame region used until the operator picks one.
var DefaultCrop = CropRegion{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5}

// Validate reports whether the region satisfies its bounds invariants.
// The extractor clamps invalid regions anyway; this is for settings input.
func (c CropRegion) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("crop width and height must be positive, got %gx%g", c.Width, c.Height)
	case c.X < 0 || c.Y < 0:
		return fmt.Errorf("crop origin must not be negative, got (%g,%g)", c.X, c.Y)
	case c.X+c.Width > 1 || c.Y+c.Height > 1:
		return fmt.Errorf("crop exceeds frame: x+width=%g y+height=%g", c.X+c.Width, c.Y+c.Height)
	}
	return nil
}

// EngineKind names an OCR backend variant.
type EngineKind string

const (
	// EngineFast is the low-latency general-purpose Tesseract configuration.
	EngineFast EngineKind = "fast"
	// EngineAccurate is the higher-accuracy configuration backed by a downloaded model.
	EngineAccurate EngineKind = "accurate"
)

// ParseEngineKind accepts the canonical names plus the backend aliases the
// operator is likely to type.
func ParseEngineKind(s string) (EngineKind, error) {
	switch s {
	case "fast", "tesseract":
		return EngineFast, nil
	case "accurate", "best", "paddle":
		return EngineAccurate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEngine, s)
	}
}

// RecognitionRequest is a single buffer handed to the engine gateway.
// It is discarded once a RecognitionResult has been produced.
type RecognitionRequest struct {
	// ID correlates every log line and event of one invocation.
	ID uuid.UUID

	// Image is the binarized buffer to recognize.
	Image image.Image

	// Engine is the engine that was active when the request was created.
	// The gateway may still fall back to EngineFast.
	Engine EngineKind

	// Timestamp records when the frame was captured.
	Timestamp time.Time
}

// RecognitionResult is the raw, unvalidated output of one OCR call.
type RecognitionResult struct {
	// Text is the recognized text as returned by the engine, untrimmed.
	Text string

	// Confidence is the engine's self-reported certainty in the range 0-100.
	Confidence float64

	// ProcessingTime is the wall time spent inside the engine.
	ProcessingTime time.Duration

	// Engine identifies the backend that produced the result.
	Engine EngineKind

	// Fallback is set when the active engine failed and EngineFast answered instead.
	Fallback bool
}

// ProcessingTimeMs reports ProcessingTime in whole milliseconds.
func (r RecognitionResult) ProcessingTimeMs() int64 {
	return r.ProcessingTime.Milliseconds()
}

// PipelineState is the only state kept between invocations.
type PipelineState struct {
	LastAcceptedText string
	IsRunning        bool
}

// RunContext carries everything one invocation needs from the current settings.
type RunContext struct {
	Crop         CropRegion
	Sensitivity  float64
	TargetHeight int
	BlockSize    int
	Bias         int
	Debug        bool
}

// Trigger records what started an invocation.
type Trigger string

const (
	TriggerTick    Trigger = "tick"
	TriggerReadNow Trigger = "read_now"
)

// OutcomeStatus is the terminal state of one invocation.
type OutcomeStatus string

const (
	StatusAccepted OutcomeStatus = "accepted"
	StatusRejected OutcomeStatus = "rejected"
	StatusSkipped  OutcomeStatus = "skipped"
	StatusFailed   OutcomeStatus = "failed"
)

// Outcome describes how one invocation ended.
type Outcome struct {
	ID        uuid.UUID
	Trigger   Trigger
	Status    OutcomeStatus
	Verdict   Verdict
	Result    RecognitionResult
	Err       error
	Message   string
	Timestamp time.Time
}
