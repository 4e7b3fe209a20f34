package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettingsFile(t *testing.T, path, body string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestLoadSettings(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    func(s *Settings)
		wantErr bool
	}{
		{
			name: "missing keys keep defaults",
			body: "sensitivity: 75\nprocessing_interval: 500\n",
			want: func(s *Settings) {
				s.Sensitivity = 75
				s.ProcessingIntervalMs = 500
			},
		},
		{
			name: "engine alias is normalized",
			body: "active_engine: best\n",
			want: func(s *Settings) { s.ActiveEngine = EngineAccurate },
		},
		{
			name: "full crop",
			body: "crop:\n  x: 0.1\n  y: 0.2\n  width: 0.8\n  height: 0.3\nauto_read: false\n",
			want: func(s *Settings) {
				s.Crop = CropRegion{X: 0.1, Y: 0.2, Width: 0.8, Height: 0.3}
				s.AutoRead = false
			},
		},
		{name: "unknown key", body: "sensitivty: 75\n", wantErr: true},
		{name: "sensitivity out of range", body: "sensitivity: 120\n", wantErr: true},
		{name: "zero interval", body: "processing_interval: 0\n", wantErr: true},
		{name: "unknown engine", body: "active_engine: paddle-v9\n", wantErr: true},
		{name: "crop past edge", body: "crop:\n  x: 0.6\n  y: 0\n  width: 0.6\n  height: 0.5\n", wantErr: true},
		{name: "malformed yaml", body: "sensitivity: [\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))

			store, err := LoadSettings(path, discardLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)

			want := DefaultSettings()
			tt.want(&want)
			assert.Equal(t, want, store.Get())
		})
	}
}

func TestLoadSettingsMissingFile(t *testing.T) {
	store, err := LoadSettings(filepath.Join(t.TempDir(), "none", "settings.yaml"), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), store.Get())
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, 2*time.Second, s.Interval())
	rc := s.RunContext()
	assert.Equal(t, RunContext{
		Crop:         DefaultCrop,
		Sensitivity:  60,
		TargetHeight: 800,
		BlockSize:    32,
		Bias:         5,
		Debug:        true,
	}, rc)
	assert.True(t, s.AutoRead)
	assert.False(t, s.Monitoring)
}

func TestSettingsStoreUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "settings.yaml")
	store, err := LoadSettings(path, discardLogger())
	require.NoError(t, err)

	var changes [][2]Settings
	store.OnChange(func(old, updated Settings) {
		changes = append(changes, [2]Settings{old, updated})
	})

	updated, err := store.Update(func(s *Settings) {
		s.Sensitivity = 80
		s.ActiveEngine = "paddle"
	})
	require.NoError(t, err)
	assert.Equal(t, EngineAccurate, updated.ActiveEngine)
	require.Len(t, changes, 1)
	assert.Equal(t, float64(60), changes[0][0].Sensitivity)
	assert.Equal(t, float64(80), changes[0][1].Sensitivity)

	reloaded, err := LoadSettings(path, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, updated, reloaded.Get())

	// No-op updates do not notify.
	_, err = store.Update(func(s *Settings) { s.Sensitivity = 80 })
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestSettingsStoreUpdateRejectsInvalid(t *testing.T) {
	store, err := LoadSettings("", discardLogger())
	require.NoError(t, err)

	notified := false
	store.OnChange(func(old, updated Settings) { notified = true })

	got, err := store.Update(func(s *Settings) { s.BlockSize = 0 })
	assert.Error(t, err)
	assert.Equal(t, DefaultSettings(), got)
	assert.Equal(t, DefaultSettings(), store.Get())
	assert.False(t, notified)
}

func TestSettingsStoreReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	base := time.Now().Add(-time.Hour)
	writeSettingsFile(t, path, "sensitivity: 70\n", base)

	store, err := LoadSettings(path, discardLogger())
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Settings
	store.OnChange(func(old, updated Settings) {
		mu.Lock()
		got = append(got, updated)
		mu.Unlock()
	})

	changed, err := store.reload()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged file is not reloaded")

	writeSettingsFile(t, path, "sensitivity: 70\nprocessing_interval: 750\n", base.Add(time.Minute))
	changed, err = store.reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 750, store.Get().ProcessingIntervalMs)

	writeSettingsFile(t, path, "sensitivity: 700\n", base.Add(2*time.Minute))
	changed, err = store.reload()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, float64(70), store.Get().Sensitivity, "invalid file keeps previous settings")

	_, err = store.reload()
	assert.NoError(t, err, "a bad revision is reported once")

	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestSettingsStoreWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	base := time.Now().Add(-time.Hour)
	writeSettingsFile(t, path, "monitoring: false\n", base)

	store, err := LoadSettings(path, discardLogger())
	require.NoError(t, err)

	changed := make(chan Settings, 1)
	store.OnChange(func(old, updated Settings) { changed <- updated })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, 5*time.Millisecond) }()

	writeSettingsFile(t, path, "monitoring: true\n", base.Add(time.Minute))
	select {
	case s := <-changed:
		assert.True(t, s.Monitoring)
	case <-time.After(2 * time.Second):
		t.Fatal("settings change was not picked up")
	}

	cancel()
	assert.NoError(t, <-done)
}
