package main

import (
	"errors"
	"fmt"
)

// ErrorCode classifies pipeline failures for logging and user feedback.
type ErrorCode string

const (
	// CodeCaptureNotReady means the frame had no pixels yet. It is skipped silently.
	CodeCaptureNotReady ErrorCode = "capture_not_ready"
	// CodeEngineInit means an OCR backend could not be initialized.
	CodeEngineInit ErrorCode = "engine_init_failure"
	// CodeRecognition means an OCR backend failed while recognizing.
	CodeRecognition ErrorCode = "recognition_failure"
)

var (
	// ErrCaptureNotReady is returned when the frame source has nothing to read.
	ErrCaptureNotReady = errors.New("capture not ready")
	// ErrBusy is returned by ReadNow while another recognition is in flight.
	ErrBusy = errors.New("recognition already in flight")
	// ErrUnknownEngine is returned for an engine kind with no registered factory.
	ErrUnknownEngine = errors.New("unknown engine")
	// ErrCircuitOpen is returned while a circuit breaker blocks calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// PipelineError carries the failure code of a terminated invocation.
type PipelineError struct {
	Code    ErrorCode
	Engine  EngineKind
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	prefix := string(e.Code)
	if e.Engine != "" {
		prefix = fmt.Sprintf("%s [%s]", e.Code, e.Engine)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func newEngineInitError(kind EngineKind, cause error) *PipelineError {
	return &PipelineError{
		Code:    CodeEngineInit,
		Engine:  kind,
		Message: "failed to initialize OCR engine",
		Cause:   cause,
	}
}

func newRecognitionError(kind EngineKind, cause error) *PipelineError {
	return &PipelineError{
		Code:    CodeRecognition,
		Engine:  kind,
		Message: "recognition failed",
		Cause:   cause,
	}
}

// errorCode extracts the failure code from err, if any.
func errorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrCaptureNotReady) {
		return CodeCaptureNotReady
	}
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}
