package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseFlags(t *testing.T) {
	t.Setenv("STR_REDIS_URL", "")
	t.Setenv("STR_MODEL_URL", "")
	t.Setenv("TESSDATA_PREFIX", "")

	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		check   func(t *testing.T, c *Config)
		wantErr bool
	}{
		{
			name: "defaults",
			args: nil,
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "0", c.Source)
				assert.Equal(t, defaultSettingsPath(), c.SettingsPath)
				assert.Equal(t, "json", c.LogFormat)
				assert.True(t, c.Console)
				assert.False(t, c.Monitor)
				assert.Equal(t, defaultSpeechCmd, c.SpeechCmd)
				assert.Equal(t, defaultModelURL, c.ModelURL)
				assert.Equal(t, defaultRedisChannel, c.RedisChannel)
				assert.Empty(t, c.RedisURL)
				assert.Equal(t, 30*time.Second, c.MetricsInterval)
			},
		},
		{
			name: "all options",
			args: []string{
				"-source", "rtsp://camera.local/stream",
				"-settings", "/tmp/str.yaml",
				"-logfmt", "kv",
				"-debug",
				"-monitor",
				"-console=false",
				"-redis-url", "redis://localhost:6379/0",
				"-redis-channel", "captions",
				"-speech-cmd", "say -r {wpm}",
				"-model-url", "https://example.com/eng.traineddata",
				"-model-dir", "/tmp/models",
				"-tessdata", "/usr/share/tessdata",
				"-debug-dir", "/tmp/debug",
				"-debug-window",
				"-metrics-interval", "1m",
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, &Config{
					Source:          "rtsp://camera.local/stream",
					SettingsPath:    "/tmp/str.yaml",
					LogFormat:       "kv",
					Debug:           true,
					Monitor:         true,
					Console:         false,
					RedisURL:        "redis://localhost:6379/0",
					RedisChannel:    "captions",
					SpeechCmd:       "say -r {wpm}",
					ModelURL:        "https://example.com/eng.traineddata",
					ModelDir:        "/tmp/models",
					TessdataPrefix:  "/usr/share/tessdata",
					DebugDir:        "/tmp/debug",
					DebugWindow:     true,
					MetricsInterval: time.Minute,
				}, c)
			},
		},
		{
			name: "environment provides defaults",
			env: map[string]string{
				"STR_REDIS_URL":   "redis://cache:6379",
				"STR_MODEL_URL":   "https://mirror.example.com/eng.traineddata",
				"TESSDATA_PREFIX": "/opt/tessdata",
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "redis://cache:6379", c.RedisURL)
				assert.Equal(t, "https://mirror.example.com/eng.traineddata", c.ModelURL)
				assert.Equal(t, "/opt/tessdata", c.TessdataPrefix)
			},
		},
		{
			name: "still image",
			args: []string{"-image", "sign.jpg", "-speech-cmd", ""},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "sign.jpg", c.Image)
				assert.Empty(t, c.SpeechCmd)
			},
		},
		{
			name:    "no source",
			args:    []string{"-source", ""},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			args:    []string{"-logfmt", "xml"},
			wantErr: true,
		},
		{
			name:    "invalid metrics interval",
			args:    []string{"-metrics-interval", "0s"},
			wantErr: true,
		},
		{
			name:    "empty redis channel",
			args:    []string{"-redis-url", "redis://localhost", "-redis-channel", ""},
			wantErr: true,
		},
		{
			name:    "unknown flag",
			args:    []string{"-url", "rtsp://example.com"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			origArgs := os.Args
			defer func() { os.Args = origArgs }()
			os.Args = append([]string{"test"}, tt.args...)

			got, err := parseFlags()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, got)
		})
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name      string
		format    string
		debug     bool
		wantDebug bool
	}{
		{name: "json logger", format: "json"},
		{name: "kv logger", format: "kv"},
		{name: "default to json", format: "invalid"},
		{name: "debug level", format: "json", debug: true, wantDebug: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := setupLogger(tt.format, tt.debug)
			require.NotNil(t, logger)
			assert.Equal(t, tt.wantDebug, logger.Enabled(context.Background(), slog.LevelDebug))
			assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo))
		})
	}
}

func TestSpeechConfig(t *testing.T) {
	cfg, ok := speechConfig(defaultSpeechCmd)
	require.True(t, ok)
	assert.Equal(t, SpeechConfig{Command: "espeak-ng", Args: []string{"--stdin", "-s", "{wpm}"}}, cfg)
	assert.Equal(t, DefaultSpeechConfig(), cfg)

	_, ok = speechConfig("  ")
	assert.False(t, ok)
}

func TestEngineFactories(t *testing.T) {
	factories := engineFactories(&Config{ModelURL: defaultModelURL}, discardLogger())
	assert.Contains(t, factories, EngineFast)
	assert.Contains(t, factories, EngineAccurate)

	factories = engineFactories(&Config{}, discardLogger())
	assert.Contains(t, factories, EngineFast)
	assert.NotContains(t, factories, EngineAccurate)
}

func TestOpenDebugSink(t *testing.T) {
	sink, err := openDebugSink(&Config{}, discardLogger())
	require.NoError(t, err)
	assert.Nil(t, sink)

	sink, err = openDebugSink(&Config{DebugDir: t.TempDir()}, discardLogger())
	require.NoError(t, err)
	require.NotNil(t, sink)
	assert.NoError(t, sink.Close())
}
