package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acceptedOutcome() Outcome {
	return Outcome{
		ID:      uuid.MustParse("7f4c2a3e-8d7b-4a52-9c4f-3b1a0e6d5c21"),
		Trigger: TriggerTick,
		Status:  StatusAccepted,
		Verdict: Verdict{Accept: true, Reason: ReasonAccepted},
		Result: RecognitionResult{
			Text:           " Exit only\n",
			Confidence:     87.5,
			ProcessingTime: 120 * time.Millisecond,
			Engine:         EngineFast,
			Fallback:       true,
		},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewTextEvent(t *testing.T) {
	ev := newTextEvent(acceptedOutcome())
	assert.Equal(t, TextEvent{
		ID:               "7f4c2a3e-8d7b-4a52-9c4f-3b1a0e6d5c21",
		Text:             "Exit only",
		Confidence:       87.5,
		ProcessingTimeMs: 120,
		Engine:           EngineFast,
		Fallback:         true,
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, ev)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "7f4c2a3e-8d7b-4a52-9c4f-3b1a0e6d5c21",
		"text": "Exit only",
		"confidence": 87.5,
		"processing_time_ms": 120,
		"engine": "fast",
		"fallback": true,
		"timestamp": "2026-03-01T12:00:00Z"
	}`, string(data))
}

func TestNewStatusEvent(t *testing.T) {
	tests := []struct {
		name       string
		outcome    Outcome
		wantReason Reason
		wantCode   ErrorCode
	}{
		{
			name: "rejection carries reason",
			outcome: Outcome{
				Status:  StatusRejected,
				Verdict: Verdict{Reason: ReasonLowConfidence},
				Result:  RecognitionResult{Confidence: 41},
				Message: "low",
			},
			wantReason: ReasonLowConfidence,
		},
		{
			name: "failure carries code",
			outcome: Outcome{
				Status:  StatusFailed,
				Err:     fmt.Errorf("run: %w", newRecognitionError(EngineAccurate, errors.New("boom"))),
				Message: "OCR processing error",
			},
			wantCode: CodeRecognition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := newStatusEvent(tt.outcome)
			assert.Equal(t, tt.outcome.Status, ev.Status)
			assert.Equal(t, tt.wantReason, ev.Reason)
			assert.Equal(t, tt.wantCode, ev.Code)
			assert.Equal(t, tt.outcome.Message, ev.Message)
		})
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	m := MultiSink{a, b}

	m.Accepted(context.Background(), newTextEvent(acceptedOutcome()))
	m.Status(context.Background(), StatusEvent{Status: StatusRejected})

	for _, s := range []*recordingSink{a, b} {
		accepted, statuses := s.counts()
		assert.Equal(t, 1, accepted)
		assert.Equal(t, 1, statuses)
	}
}

func TestLogSink(t *testing.T) {
	tests := []struct {
		name     string
		verbose  bool
		emit     func(s *LogSink)
		contains []string
		empty    bool
	}{
		{
			name: "accepted text",
			emit: func(s *LogSink) { s.Accepted(context.Background(), newTextEvent(acceptedOutcome())) },
			contains: []string{
				`"msg":"Text detected"`,
				`"text":"Exit only"`,
				`"request_id":"7f4c2a3e-8d7b-4a52-9c4f-3b1a0e6d5c21"`,
			},
		},
		{
			name:  "rejection hidden when quiet",
			emit:  func(s *LogSink) { s.Status(context.Background(), StatusEvent{Status: StatusRejected, Reason: ReasonNoise}) },
			empty: true,
		},
		{
			name:     "rejection shown when verbose",
			verbose:  true,
			emit:     func(s *LogSink) { s.Status(context.Background(), StatusEvent{Status: StatusRejected, Reason: ReasonNoise}) },
			contains: []string{`"reason":"noise"`},
		},
		{
			name:     "failure always logged",
			emit:     func(s *LogSink) { s.Status(context.Background(), StatusEvent{Status: StatusFailed, Code: CodeEngineInit}) },
			contains: []string{`"level":"ERROR"`, `"code":"engine_init_failure"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))
			tt.emit(NewLogSink(logger, tt.verbose))

			if tt.empty {
				assert.Empty(t, buf.String())
				return
			}
			for _, want := range tt.contains {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestDirDebugSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "debug")
	sink, err := NewDirDebugSink(dir, discardLogger())
	require.NoError(t, err)

	sink.Frame("req-1", testFrame())
	sink.Result("req-1", RecognitionResult{Text: "Exit only", Confidence: 91, Engine: EngineAccurate})

	_, err = os.Stat(filepath.Join(dir, "req-1.png"))
	assert.NoError(t, err)
	body, err := os.ReadFile(filepath.Join(dir, "req-1.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "engine: accurate")
	assert.Contains(t, string(body), "Exit only")
	assert.NoError(t, sink.Close())
}

func TestMultiDebugSink(t *testing.T) {
	a, b := newRecordingDebugSink(), newRecordingDebugSink()
	m := multiDebugSink{a, b}

	m.Frame("x", testFrame())
	m.Result("x", RecognitionResult{Text: "hi"})
	require.NoError(t, m.Close())

	for _, s := range []*recordingDebugSink{a, b} {
		assert.Contains(t, s.frames, "x")
		assert.Equal(t, "hi", s.results["x"].Text)
		assert.True(t, s.closed)
	}
}

func TestRedisSink(t *testing.T) {
	url := os.Getenv("STR_REDIS_URL")
	if url == "" {
		t.Skip("STR_REDIS_URL not set")
	}

	ctx := context.Background()
	sink, err := NewRedisSink(ctx, url, "str-test:"+uuid.NewString(), discardLogger())
	require.NoError(t, err)
	defer sink.Close()

	sub := sink.client.Subscribe(ctx, sink.channel)
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	sink.Accepted(ctx, newTextEvent(acceptedOutcome()))

	select {
	case msg := <-sub.Channel():
		var ev TextEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, "Exit only", ev.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}
}

func TestNewRedisSinkInvalidURL(t *testing.T) {
	_, err := NewRedisSink(context.Background(), "not a url", "chan", discardLogger())
	assert.Error(t, err)
}
