package main

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// TextEvent is emitted for every accepted recognition.
type TextEvent struct {
	ID               string     `json:"id"`
	Text             string     `json:"text"`
	Confidence       float64    `json:"confidence"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
	Engine           EngineKind `json:"engine"`
	Fallback         bool       `json:"fallback,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// StatusEvent is emitted for rejected and failed invocations. Nothing is spoken for it.
type StatusEvent struct {
	ID         string        `json:"id"`
	Status     OutcomeStatus `json:"status"`
	Reason     Reason        `json:"reason,omitempty"`
	Code       ErrorCode     `json:"code,omitempty"`
	Message    string        `json:"message"`
	Confidence float64       `json:"confidence"`
	Timestamp  time.Time     `json:"timestamp"`
}

func newTextEvent(out Outcome) TextEvent {
	return TextEvent{
		ID:               out.ID.String(),
		Text:             strings.TrimSpace(out.Result.Text),
		Confidence:       out.Result.Confidence,
		ProcessingTimeMs: out.Result.ProcessingTimeMs(),
		Engine:           out.Result.Engine,
		Fallback:         out.Result.Fallback,
		Timestamp:        out.Timestamp,
	}
}

func newStatusEvent(out Outcome) StatusEvent {
	ev := StatusEvent{
		ID:         out.ID.String(),
		Status:     out.Status,
		Code:       errorCode(out.Err),
		Message:    out.Message,
		Confidence: out.Result.Confidence,
		Timestamp:  out.Timestamp,
	}
	if out.Status == StatusRejected {
		ev.Reason = out.Verdict.Reason
	}
	return ev
}

// Sink consumes pipeline output.
type Sink interface {
	Accepted(ctx context.Context, ev TextEvent)
	Status(ctx context.Context, ev StatusEvent)
}

// MultiSink forwards every event to each sink in order.
type MultiSink []Sink

func (m MultiSink) Accepted(ctx context.Context, ev TextEvent) {
	for _, s := range m {
		s.Accepted(ctx, ev)
	}
}

func (m MultiSink) Status(ctx context.Context, ev StatusEvent) {
	for _, s := range m {
		s.Status(ctx, ev)
	}
}

// LogSink writes events as structured log lines.
type LogSink struct {
	logger *slog.Logger
	// verbose adds rejected text to status lines.
	verbose bool
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *slog.Logger, verbose bool) *LogSink {
	return &LogSink{logger: logger, verbose: verbose}
}

func (s *LogSink) Accepted(ctx context.Context, ev TextEvent) {
	s.logger.Info("Text detected",
		"timestamp", ev.Timestamp.Format(time.RFC3339),
		"request_id", ev.ID,
		"text", ev.Text,
		"confidence", ev.Confidence,
		"processing_time_ms", ev.ProcessingTimeMs,
		"engine", ev.Engine,
		"fallback", ev.Fallback)
}

func (s *LogSink) Status(ctx context.Context, ev StatusEvent) {
	if ev.Status == StatusFailed {
		s.logger.Error("Recognition failed",
			"request_id", ev.ID,
			"code", ev.Code,
			"message", ev.Message)
		return
	}
	level := slog.LevelInfo
	if !s.verbose {
		level = slog.LevelDebug
	}
	s.logger.Log(ctx, level, "No text accepted",
		"timestamp", ev.Timestamp.Format(time.RFC3339),
		"request_id", ev.ID,
		"reason", ev.Reason,
		"confidence", ev.Confidence,
		"status", ev.Message)
}
