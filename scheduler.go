package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the time between monitoring ticks.
const DefaultInterval = 2 * time.Second

// runner executes one pipeline invocation.
type runner interface {
	Run(ctx context.Context, trigger Trigger, rc RunContext) Outcome
}

// Scheduler drives the pipeline from a ticker while monitoring is on, or on
// demand through ReadNow. At most one invocation is in flight; a tick that
// arrives meanwhile is dropped, not queued.
type Scheduler struct {
	runner   runner
	snapshot func() RunContext
	sink     Sink
	metrics  *PipelineMetrics
	logger   *slog.Logger

	interval   atomic.Int64
	monitoring atomic.Bool
	inFlight   atomic.Bool

	// retime carries interval changes to the ticker loop.
	retime chan time.Duration
	// runs tracks tick-triggered invocations so Run can wait for them.
	runs sync.WaitGroup
}

// NewScheduler returns an idle scheduler with monitoring off. snapshot is
// called at the start of every invocation to pick up the current settings.
func NewScheduler(r runner, snapshot func() RunContext, sink Sink, interval time.Duration, metrics *PipelineMetrics, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Scheduler{
		runner:   r,
		snapshot: snapshot,
		sink:     sink,
		metrics:  metrics,
		logger:   logger,
		retime:   make(chan time.Duration, 1),
	}
	s.interval.Store(int64(interval))
	return s
}

// Interval returns the current tick interval.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// SetInterval changes the tick interval. A running ticker is stopped and
// restarted with the new value.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("interval must be positive, got %v", d)
	}
	if time.Duration(s.interval.Swap(int64(d))) == d {
		return nil
	}
	// Keep only the newest pending change.
	select {
	case <-s.retime:
	default:
	}
	s.retime <- d
	return nil
}

// Monitoring reports whether ticks start invocations.
func (s *Scheduler) Monitoring() bool {
	return s.monitoring.Load()
}

// SetMonitoring turns periodic recognition on or off. Turning it off does not
// interrupt an invocation in flight, but its result is discarded.
func (s *Scheduler) SetMonitoring(on bool) {
	if s.monitoring.Swap(on) != on {
		s.logger.Info("Monitoring toggled", "monitoring", on, "interval", s.Interval())
	}
}

// Capturing reports whether an invocation is in flight.
func (s *Scheduler) Capturing() bool {
	return s.inFlight.Load()
}

// Run drives ticks until ctx is cancelled, then waits for the invocation in
// flight to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval())
	defer func() {
		ticker.Stop()
		s.runs.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Scheduler stopped")
			return nil
		case d := <-s.retime:
			ticker.Stop()
			ticker = time.NewTicker(d)
			s.logger.Debug("Ticker restarted", "interval", d)
		case <-ticker.C:
			if !s.monitoring.Load() {
				continue
			}
			s.metrics.ticks.Add(1)
			if !s.inFlight.CompareAndSwap(false, true) {
				s.metrics.ticksDropped.Add(1)
				s.logger.Debug("Recognition in flight, dropping tick")
				continue
			}
			s.runs.Add(1)
			go func() {
				defer s.runs.Done()
				defer s.inFlight.Store(false)
				s.execute(ctx, TriggerTick)
			}()
		}
	}
}

// ReadNow runs one invocation immediately and returns its outcome. It returns
// ErrBusy without running when another invocation is in flight.
func (s *Scheduler) ReadNow(ctx context.Context) (Outcome, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return Outcome{}, ErrBusy
	}
	defer s.inFlight.Store(false)
	return s.execute(ctx, TriggerReadNow), nil
}

// execute is the failure boundary: whatever happens inside the pipeline,
// including a panic, ends as an Outcome.
func (s *Scheduler) execute(ctx context.Context, trigger Trigger) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recognition panicked", "trigger", trigger, "panic", r)
			out = Outcome{
				Trigger:   trigger,
				Status:    StatusFailed,
				Err:       fmt.Errorf("recognition panicked: %v", r),
				Message:   "OCR processing error",
				Timestamp: time.Now(),
			}
		}
		s.metrics.lastRunTime.Store(time.Now().UnixNano())
		s.record(out)
		if trigger == TriggerTick && !s.monitoring.Load() {
			s.logger.Debug("Monitoring turned off during recognition, discarding result",
				"request_id", out.ID.String())
			return
		}
		s.dispatch(ctx, out)
	}()

	return s.runner.Run(ctx, trigger, s.snapshot())
}

func (s *Scheduler) record(out Outcome) {
	switch out.Status {
	case StatusAccepted:
		s.metrics.accepted.Add(1)
	case StatusRejected:
		s.metrics.recordRejection(out.Verdict.Reason)
	case StatusSkipped:
		s.metrics.captureSkips.Add(1)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, out Outcome) {
	switch out.Status {
	case StatusAccepted:
		s.sink.Accepted(ctx, newTextEvent(out))
	case StatusRejected, StatusFailed:
		s.sink.Status(ctx, newStatusEvent(out))
	}
}
