package main

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPipelineMetricsProcessingTime(t *testing.T) {
	m := NewPipelineMetrics()
	assert.Zero(t, m.AvgProcessingTimeMs())

	m.UpdateProcessingTime(100 * time.Millisecond)
	assert.InDelta(t, 100, m.AvgProcessingTimeMs(), 0.001, "first sample seeds the average")

	m.UpdateProcessingTime(200 * time.Millisecond)
	assert.InDelta(t, 110, m.AvgProcessingTimeMs(), 0.001)
}

func TestPipelineMetricsConcurrentUpdates(t *testing.T) {
	m := NewPipelineMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.UpdateProcessingTime(50 * time.Millisecond)
			m.recordRejection(ReasonNoise)
			m.ticks.Add(1)
		}()
	}
	wg.Wait()

	assert.InDelta(t, 50, m.AvgProcessingTimeMs(), 0.001)
	assert.Equal(t, int64(50), m.Rejections()[ReasonNoise])
	assert.Equal(t, int64(50), m.Ticks())
}

func TestPipelineMetricsRejectionsIsCopy(t *testing.T) {
	m := NewPipelineMetrics()
	m.recordRejection(ReasonDuplicate)

	snapshot := m.Rejections()
	snapshot[ReasonDuplicate] = 99
	assert.Equal(t, int64(1), m.Rejections()[ReasonDuplicate])
}

func TestPipelineMetricsLastRunAge(t *testing.T) {
	m := NewPipelineMetrics()
	assert.Zero(t, m.LastRunAge())

	m.lastRunTime.Store(time.Now().Add(-time.Minute).UnixNano())
	assert.InDelta(t, time.Minute, m.LastRunAge(), float64(time.Second))
}

func TestReportMetrics(t *testing.T) {
	m := NewPipelineMetrics()
	m.accepted.Add(3)
	m.ticksDropped.Add(2)
	m.UpdateProcessingTime(1500 * time.Millisecond)

	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{w: &buf, mu: &mu}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	m.reportMetrics(ctx, logger, 20*time.Millisecond)

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	assert.Contains(t, out, `"msg":"Recognition metrics report"`)
	assert.Contains(t, out, `"accepted":3`)
	assert.Contains(t, out, "Slow OCR processing detected")
	assert.Contains(t, out, "Timer ticks dropped while recognition was in flight")
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
