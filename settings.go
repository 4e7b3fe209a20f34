package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// Settings are the operator preferences. Every field can change while the
// pipeline runs; each invocation reads a fresh snapshot.
type Settings struct {
	Sensitivity          float64    `yaml:"sensitivity"`
	ProcessingIntervalMs int        `yaml:"processing_interval"`
	TargetHeight         int        `yaml:"target_height"`
	ActiveEngine         EngineKind `yaml:"active_engine"`
	ShowDebugCanvas      bool       `yaml:"show_debug_canvas"`
	BlockSize            int        `yaml:"block_size"`
	Bias                 int        `yaml:"bias"`
	Crop                 CropRegion `yaml:"crop"`
	AutoRead             bool       `yaml:"auto_read"`
	SpeechRate           float64    `yaml:"speech_rate"`
	Monitoring           bool       `yaml:"monitoring"`
}

// DefaultSettings returns the values used for keys missing from the file.
func DefaultSettings() Settings {
	return Settings{
		Sensitivity:          DefaultSensitivity,
		ProcessingIntervalMs: int(DefaultInterval / time.Millisecond),
		TargetHeight:         DefaultTargetHeight,
		ActiveEngine:         EngineFast,
		ShowDebugCanvas:      true,
		BlockSize:            DefaultBlockSize,
		Bias:                 DefaultBias,
		Crop:                 DefaultCrop,
		AutoRead:             true,
		SpeechRate:           1.0,
	}
}

// Validate reports the first out-of-range field.
func (s Settings) Validate() error {
	switch {
	case s.Sensitivity < 0 || s.Sensitivity > 100:
		return fmt.Errorf("sensitivity must be within 0-100, got %g", s.Sensitivity)
	case s.ProcessingIntervalMs <= 0:
		return fmt.Errorf("processing_interval must be positive, got %d", s.ProcessingIntervalMs)
	case s.TargetHeight < 0:
		return fmt.Errorf("target_height must not be negative, got %d", s.TargetHeight)
	case s.BlockSize < 1:
		return fmt.Errorf("block_size must be at least 1, got %d", s.BlockSize)
	case s.SpeechRate <= 0 || s.SpeechRate > 10:
		return fmt.Errorf("speech_rate must be within (0,10], got %g", s.SpeechRate)
	}
	if _, err := ParseEngineKind(string(s.ActiveEngine)); err != nil {
		return fmt.Errorf("active_engine: %w", err)
	}
	if err := s.Crop.Validate(); err != nil {
		return fmt.Errorf("crop: %w", err)
	}
	return nil
}

// normalize validates s and rewrites engine aliases to their canonical name.
func (s *Settings) normalize() error {
	if err := s.Validate(); err != nil {
		return err
	}
	kind, _ := ParseEngineKind(string(s.ActiveEngine))
	s.ActiveEngine = kind
	return nil
}

// Interval returns the tick interval.
func (s Settings) Interval() time.Duration {
	return time.Duration(s.ProcessingIntervalMs) * time.Millisecond
}

// RunContext snapshots what one pipeline invocation needs.
func (s Settings) RunContext() RunContext {
	return RunContext{
		Crop:         s.Crop,
		Sensitivity:  s.Sensitivity,
		TargetHeight: s.TargetHeight,
		BlockSize:    s.BlockSize,
		Bias:         s.Bias,
		Debug:        s.ShowDebugCanvas,
	}
}

// SettingsStore holds the current settings, persists operator changes to a
// YAML file and reloads the file when it is edited by hand.
type SettingsStore struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	current   Settings
	modTime   time.Time
	listeners []func(old, updated Settings)
}

// LoadSettings reads path over the defaults. A missing file is not an error;
// it is created on the first Update. An empty path keeps settings in memory.
func LoadSettings(path string, logger *slog.Logger) (*SettingsStore, error) {
	s := &SettingsStore{path: path, logger: logger, current: DefaultSettings()}
	if path == "" {
		return s, nil
	}

	settings, modTime, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	s.current, s.modTime = settings, modTime
	return s, nil
}

func readSettings(path string) (Settings, time.Time, error) {
	settings := DefaultSettings()

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return settings, time.Time{}, nil
	}
	if err != nil {
		return Settings{}, time.Time{}, fmt.Errorf("failed to stat settings: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, time.Time{}, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &settings); err != nil {
		return Settings{}, time.Time{}, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if err := settings.normalize(); err != nil {
		return Settings{}, time.Time{}, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return settings, info.ModTime(), nil
}

// Get returns a snapshot of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers fn to be called after every change, with the previous
// and the new settings. Listeners run in registration order.
func (s *SettingsStore) OnChange(fn func(old, updated Settings)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Update applies fn to a copy of the current settings, validates the result,
// saves it and notifies listeners. Nothing changes when validation fails.
func (s *SettingsStore) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	old := s.current
	updated := old
	fn(&updated)
	if err := updated.normalize(); err != nil {
		s.mu.Unlock()
		return old, err
	}
	if updated == old {
		s.mu.Unlock()
		return old, nil
	}
	if err := s.save(updated); err != nil {
		s.mu.Unlock()
		return old, err
	}
	s.current = updated
	listeners := s.listeners
	s.mu.Unlock()

	s.notify(listeners, old, updated)
	return updated, nil
}

// save must be called with mu held.
func (s *SettingsStore) save(settings Settings) error {
	if s.path == "" {
		return nil
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to save settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
	}
	return nil
}

// Watch polls the settings file every poll and reloads it when its
// modification time changes. A file that fails to parse or validate is
// logged and ignored; the previous settings stay in effect.
func (s *SettingsStore) Watch(ctx context.Context, poll time.Duration) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.reload(); err != nil {
				s.logger.Warn("Ignoring settings file", "path", s.path, "error", err)
			}
		}
	}
}

// reload re-reads the file if it changed since the last load or save.
func (s *SettingsStore) reload() (bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat settings: %w", err)
	}

	s.mu.RLock()
	unchanged := info.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	settings, modTime, err := readSettings(s.path)
	if err != nil {
		// Remember the bad revision so it is reported once.
		s.mu.Lock()
		s.modTime = info.ModTime()
		s.mu.Unlock()
		return false, err
	}

	s.mu.Lock()
	old := s.current
	s.current, s.modTime = settings, modTime
	listeners := s.listeners
	s.mu.Unlock()

	if settings == old {
		return false, nil
	}
	s.logger.Info("Settings reloaded", "path", s.path)
	s.notify(listeners, old, settings)
	return true, nil
}

func (s *SettingsStore) notify(listeners []func(old, updated Settings), old, updated Settings) {
	for _, fn := range listeners {
		fn(old, updated)
	}
}
