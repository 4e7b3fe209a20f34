package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// baseWordsPerMinute is the speaking rate at SpeechRate 1.0.
const baseWordsPerMinute = 175

// SpeechConfig describes the text-to-speech command. The text is written to
// the command's stdin; "{wpm}" in Args is replaced by the speaking rate.
type SpeechConfig struct {
	Command string
	Args    []string
}

// DefaultSpeechConfig uses espeak-ng reading from stdin.
func DefaultSpeechConfig() SpeechConfig {
	return SpeechConfig{
		Command: "espeak-ng",
		Args:    []string{"--stdin", "-s", "{wpm}"},
	}
}

// SpeechSink speaks accepted text when auto-read is on. A new utterance
// interrupts the one being spoken.
type SpeechSink struct {
	cfg    SpeechConfig
	prefs  func() Settings
	logger *slog.Logger

	// speak runs one utterance and returns when it ends or ctx is cancelled.
	speak func(ctx context.Context, text string, rate float64) error

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSpeechSink returns a SpeechSink reading auto-read and rate from prefs.
func NewSpeechSink(cfg SpeechConfig, prefs func() Settings, logger *slog.Logger) *SpeechSink {
	s := &SpeechSink{cfg: cfg, prefs: prefs, logger: logger}
	s.speak = s.runCommand
	return s
}

func (s *SpeechSink) Accepted(ctx context.Context, ev TextEvent) {
	prefs := s.prefs()
	if !prefs.AutoRead {
		return
	}
	s.Speak(ev.Text, prefs.SpeechRate)
}

// Status is a no-op: rejected results are never spoken.
func (s *SpeechSink) Status(ctx context.Context, ev StatusEvent) {}

// Speak interrupts any utterance in progress and starts text in the background.
func (s *SpeechSink) Speak(text string, rate float64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		s.logger.Debug("Speaking", "text", truncate(text, 50), "rate", rate)
		err := s.speak(ctx, text, rate)
		if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
			s.logger.Error("Speech error", "error", err)
		}
	}()
}

// Stop interrupts the current utterance and waits for it to end.
func (s *SpeechSink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *SpeechSink) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}

func (s *SpeechSink) runCommand(ctx context.Context, text string, rate float64) error {
	if rate <= 0 {
		rate = 1
	}
	wpm := strconv.Itoa(int(rate * baseWordsPerMinute))
	args := make([]string, len(s.cfg.Args))
	for i, a := range s.cfg.Args {
		args[i] = strings.ReplaceAll(a, "{wpm}", wpm)
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, args...)
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", s.cfg.Command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
