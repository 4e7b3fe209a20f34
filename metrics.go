package main

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PipelineMetrics counts what happened to recognition invocations.
type PipelineMetrics struct {
	// ticks counts timer firings while monitoring was on.
	ticks atomic.Int64
	// ticksDropped counts firings that arrived while a recognition was in flight.
	ticksDropped atomic.Int64
	// captureSkips counts invocations that found no frame to read.
	captureSkips atomic.Int64
	// accepted counts results handed to the output sinks.
	accepted atomic.Int64
	// engineErrors counts init and recognition failures of any engine.
	engineErrors atomic.Int64
	// fallbacks counts requests answered by the fast engine on behalf of another.
	fallbacks atomic.Int64
	// avgProcessingTimeNs is an exponential moving average of OCR time.
	avgProcessingTimeNs atomic.Int64
	// lastRunTime is the UnixNano completion time of the latest invocation.
	lastRunTime atomic.Int64

	mu         sync.Mutex
	rejections map[Reason]int64
}

// NewPipelineMetrics returns zeroed metrics.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{rejections: make(map[Reason]int64)}
}

func (m *PipelineMetrics) recordRejection(reason Reason) {
	m.mu.Lock()
	m.rejections[reason]++
	m.mu.Unlock()
}

// Rejections returns a copy of the rejection counters keyed by reason.
func (m *PipelineMetrics) Rejections() map[Reason]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Reason]int64, len(m.rejections))
	for k, v := range m.rejections {
		out[k] = v
	}
	return out
}

func (m *PipelineMetrics) Ticks() int64        { return m.ticks.Load() }
func (m *PipelineMetrics) TicksDropped() int64 { return m.ticksDropped.Load() }
func (m *PipelineMetrics) CaptureSkips() int64 { return m.captureSkips.Load() }
func (m *PipelineMetrics) Accepted() int64     { return m.accepted.Load() }
func (m *PipelineMetrics) EngineErrors() int64 { return m.engineErrors.Load() }
func (m *PipelineMetrics) Fallbacks() int64    { return m.fallbacks.Load() }

// AvgProcessingTimeMs returns the moving average OCR time in milliseconds.
func (m *PipelineMetrics) AvgProcessingTimeMs() float64 {
	return float64(m.avgProcessingTimeNs.Load()) / 1e6
}

// UpdateProcessingTime folds d into the moving average with alpha 0.1.
func (m *PipelineMetrics) UpdateProcessingTime(d time.Duration) {
	for {
		current := m.avgProcessingTimeNs.Load()
		next := d.Nanoseconds()
		if current != 0 {
			next = int64(float64(current)*0.9 + float64(next)*0.1)
		}
		if m.avgProcessingTimeNs.CompareAndSwap(current, next) {
			return
		}
	}
}

// LastRunAge returns how long ago the latest invocation finished, or zero.
func (m *PipelineMetrics) LastRunAge() time.Duration {
	last := m.lastRunTime.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Report logs a snapshot of the counters.
func (m *PipelineMetrics) Report(logger *slog.Logger) {
	rejections := m.Rejections()
	logger.Info("Recognition metrics report",
		"ticks", m.Ticks(),
		"ticks_dropped", m.TicksDropped(),
		"capture_skips", m.CaptureSkips(),
		"accepted", m.Accepted(),
		"rejected_too_short", rejections[ReasonTooShort],
		"rejected_no_alnum", rejections[ReasonNoAlnum],
		"rejected_noise", rejections[ReasonNoise],
		"rejected_duplicate", rejections[ReasonDuplicate],
		"rejected_low_confidence", rejections[ReasonLowConfidence],
		"engine_errors", m.EngineErrors(),
		"fallbacks", m.Fallbacks(),
		"avg_processing_time_ms", m.AvgProcessingTimeMs(),
		"last_run_age_ms", m.LastRunAge().Milliseconds())
}

// reportMetrics logs the counters every interval until ctx is cancelled and
// warns when OCR gets slow or ticks are being dropped.
func (m *PipelineMetrics) reportMetrics(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastDropped int64
	for {
		select {
		case <-ctx.Done():
			logger.Debug("Metrics reporting stopped")
			return
		case <-ticker.C:
			m.Report(logger)

			if avg := m.AvgProcessingTimeMs(); avg > 1000 {
				logger.Warn("Slow OCR processing detected",
					"avg_processing_time_ms", avg,
					"consider_smaller_crop_or_fast_engine", true)
			}
			if dropped := m.TicksDropped(); dropped > lastDropped {
				logger.Warn("Timer ticks dropped while recognition was in flight",
					"dropped_since_last_report", dropped-lastDropped,
					"consider_longer_interval", true)
				lastDropped = dropped
			}
		}
	}
}
