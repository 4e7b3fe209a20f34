package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pipeline turns the current camera frame into a validated recognition.
//
// One invocation runs, strictly in order:
//  1. read a frame from the source
//  2. cut out and resample the crop region
//  3. binarize with a local-mean threshold
//  4. recognize through the engine gateway
//  5. validate against the previous accepted text and the sensitivity
//
// A Pipeline holds the only state shared between invocations, the last
// accepted text, and must not run two invocations at once. The Scheduler
// enforces that.
type Pipeline struct {
	// source supplies frames. It can be released and replaced at runtime.
	source FrameSource

	// binarizer owns the pooled scratch planes used for thresholding.
	binarizer *Binarizer

	// gateway routes recognition to the active engine.
	gateway *Gateway

	// validator applies noise, duplicate and confidence filters.
	validator *Validator

	// debug, when set, receives the binarized buffer and the raw result.
	debug DebugSink

	metrics *PipelineMetrics
	logger  *slog.Logger

	// mu guards source, debug and state against the operator console.
	mu    sync.Mutex
	state PipelineState
}

// NewPipeline wires the stages together. debug may be nil.
func NewPipeline(source FrameSource, gateway *Gateway, validator *Validator, debug DebugSink, metrics *PipelineMetrics, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		source:    source,
		binarizer: NewBinarizer(newBufferPool(2)),
		gateway:   gateway,
		validator: validator,
		debug:     debug,
		metrics:   metrics,
		logger:    logger,
	}
}

// State returns a copy of the cross-invocation state.
func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ResetState forgets the last accepted text so it can be spoken again.
func (p *Pipeline) ResetState() {
	p.mu.Lock()
	p.state.LastAcceptedText = ""
	p.mu.Unlock()
}

// SetSource replaces the frame source and closes the previous one.
// A nil source leaves the pipeline without a camera; invocations then skip.
func (p *Pipeline) SetSource(source FrameSource) error {
	p.mu.Lock()
	old := p.source
	p.source = source
	p.mu.Unlock()

	if old != nil && old != source {
		if err := old.Close(); err != nil {
			return fmt.Errorf("failed to release frame source: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) frameSource() FrameSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

// Run executes one invocation and describes how it ended. Errors never escape:
// a source that is not ready yields StatusSkipped, stage failures yield
// StatusFailed with Err set.
func (p *Pipeline) Run(ctx context.Context, trigger Trigger, rc RunContext) Outcome {
	out := Outcome{ID: uuid.New(), Trigger: trigger, Timestamp: time.Now()}
	logger := p.logger.With("request_id", out.ID.String(), "trigger", trigger)

	p.mu.Lock()
	p.state.IsRunning = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.state.IsRunning = false
		p.mu.Unlock()
	}()

	source := p.frameSource()
	if source == nil {
		return p.skip(out, logger, fmt.Errorf("no camera: %w", ErrCaptureNotReady))
	}
	frame, err := source.Frame(ctx)
	if err != nil {
		if errors.Is(err, ErrCaptureNotReady) {
			return p.skip(out, logger, err)
		}
		return p.fail(out, logger, fmt.Errorf("failed to capture frame: %w", err))
	}

	crop, err := Extract(frame, rc.Crop, rc.TargetHeight)
	if err != nil {
		if errors.Is(err, ErrCaptureNotReady) {
			return p.skip(out, logger, err)
		}
		return p.fail(out, logger, fmt.Errorf("failed to extract crop: %w", err))
	}

	binary := p.binarizer.Binarize(crop, rc.BlockSize, rc.Bias)
	logger.Debug("Crop prepared for OCR",
		"frame_width", frame.Bounds().Dx(),
		"frame_height", frame.Bounds().Dy(),
		"crop_width", binary.Rect.Dx(),
		"crop_height", binary.Rect.Dy())

	debug := p.debugSink(rc)
	if debug != nil {
		debug.Frame(out.ID.String(), binary)
	}

	req := RecognitionRequest{
		ID:        out.ID,
		Image:     binary,
		Engine:    p.gateway.Active(),
		Timestamp: out.Timestamp,
	}
	res, err := p.gateway.Recognize(ctx, req.Image)
	if err != nil {
		return p.fail(out, logger, err)
	}
	out.Result = res
	p.metrics.UpdateProcessingTime(res.ProcessingTime)

	logger.Debug("OCR result",
		"requested_engine", req.Engine,
		"engine", res.Engine,
		"fallback", res.Fallback,
		"text", res.Text,
		"confidence", res.Confidence,
		"processing_time_ms", res.ProcessingTimeMs())
	if debug != nil {
		debug.Result(out.ID.String(), res)
	}

	p.mu.Lock()
	out.Verdict = p.validator.Validate(res, &p.state, rc.Sensitivity)
	p.mu.Unlock()

	out.Status = StatusRejected
	if out.Verdict.Accept {
		out.Status = StatusAccepted
	}
	out.Message = StatusMessage(out.Verdict, res.Confidence, rc.Sensitivity)
	if res.Fallback {
		out.Message += fmt.Sprintf(" (%s engine unavailable, used %s)", req.Engine, res.Engine)
	}
	return out
}

func (p *Pipeline) debugSink(rc RunContext) DebugSink {
	if !rc.Debug {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.debug
}

func (p *Pipeline) skip(out Outcome, logger *slog.Logger, err error) Outcome {
	logger.Debug("Frame not ready, skipping", "reason", err)
	out.Status = StatusSkipped
	out.Err = err
	out.Message = "Camera not ready"
	return out
}

func (p *Pipeline) fail(out Outcome, logger *slog.Logger, err error) Outcome {
	logger.Error("Recognition invocation failed", "code", errorCode(err), "error", err)
	out.Status = StatusFailed
	out.Err = err
	out.Message = "OCR processing error"
	return out
}

// Close releases the frame source, the engines and the debug sink.
func (p *Pipeline) Close() error {
	var errs []error
	if err := p.SetSource(nil); err != nil {
		errs = append(errs, err)
	}
	if err := p.gateway.Close(); err != nil {
		errs = append(errs, err)
	}
	p.mu.Lock()
	debug := p.debug
	p.debug = nil
	p.mu.Unlock()
	if debug != nil {
		if err := debug.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close debug sink: %w", err))
		}
	}
	return errors.Join(errs...)
}
