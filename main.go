// Package main implements Stream Text Reader, a CLI application that reads
// printed text held up to a camera.
//
// On a timer or on demand the application grabs the current frame, cuts out
// the configured region, binarizes it, runs it through a Tesseract engine and
// validates the result. Accepted text is logged, optionally spoken and
// published to Redis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRedisChannel = "stream-text-reader:text"
	defaultSpeechCmd    = "espeak-ng --stdin -s {wpm}"
	defaultModelURL     = "https://github.com/tesseract-ocr/tessdata_best/raw/main/eng.traineddata"
	settingsPoll        = time.Second
)

// Config holds the application configuration parsed from command-line flags.
type Config struct {
	Source          string
	Image           string
	SettingsPath    string
	LogFormat       string
	Debug           bool
	Monitor         bool
	Console         bool
	RedisURL        string
	RedisChannel    string
	SpeechCmd       string
	ModelURL        string
	ModelDir        string
	TessdataPrefix  string
	DebugDir        string
	DebugWindow     bool
	MetricsInterval time.Duration
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "stream-text-reader.yaml"
	}
	return filepath.Join(dir, "stream-text-reader", "settings.yaml")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseFlags parses command-line arguments and returns the application configuration.
// Environment variables, including those from .env, provide flag defaults.
func parseFlags() (*Config, error) {
	fs := flag.NewFlagSet("str", flag.ContinueOnError)

	var (
		source          = fs.String("source", "0", "Camera index or video stream URL")
		image           = fs.String("image", "", "Recognize a still image once and exit")
		settingsPath    = fs.String("settings", defaultSettingsPath(), "Settings file (YAML), reloaded on change")
		logfmt          = fs.String("logfmt", "json", "Log format: json or kv")
		debug           = fs.Bool("debug", false, "Enable debug logging")
		monitor         = fs.Bool("monitor", false, "Start with monitoring on")
		console         = fs.Bool("console", true, "Run the interactive operator console")
		redisURL        = fs.String("redis-url", os.Getenv("STR_REDIS_URL"), "Publish events to this Redis server")
		redisChannel    = fs.String("redis-channel", defaultRedisChannel, "Redis channel for accepted text")
		speechCmd       = fs.String("speech-cmd", defaultSpeechCmd, "Text-to-speech command reading stdin; empty disables speech")
		modelURL        = fs.String("model-url", envOr("STR_MODEL_URL", defaultModelURL), "Model downloaded for the accurate engine")
		modelDir        = fs.String("model-dir", "", "Model cache directory (default: user cache dir)")
		tessdataPrefix  = fs.String("tessdata", os.Getenv("TESSDATA_PREFIX"), "Tessdata directory for the fast engine")
		debugDir        = fs.String("debug-dir", "", "Save binarized crops and raw results to this directory")
		debugWindow     = fs.Bool("debug-window", false, "Show binarized crops in a preview window")
		metricsInterval = fs.Duration("metrics-interval", 30*time.Second, "Metrics report interval")
	)

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, err
	}

	if *source == "" && *image == "" {
		return nil, fmt.Errorf("source or image flag is required")
	}

	if *logfmt != "json" && *logfmt != "kv" {
		return nil, fmt.Errorf("logfmt must be 'json' or 'kv'")
	}

	if *metricsInterval <= 0 {
		return nil, fmt.Errorf("metrics-interval must be positive")
	}

	if *redisURL != "" && *redisChannel == "" {
		return nil, fmt.Errorf("redis-channel must not be empty")
	}

	return &Config{
		Source:          *source,
		Image:           *image,
		SettingsPath:    *settingsPath,
		LogFormat:       *logfmt,
		Debug:           *debug,
		Monitor:         *monitor,
		Console:         *console,
		RedisURL:        *redisURL,
		RedisChannel:    *redisChannel,
		SpeechCmd:       strings.TrimSpace(*speechCmd),
		ModelURL:        *modelURL,
		ModelDir:        *modelDir,
		TessdataPrefix:  *tessdataPrefix,
		DebugDir:        *debugDir,
		DebugWindow:     *debugWindow,
		MetricsInterval: *metricsInterval,
	}, nil
}

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string, debug bool) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if debug {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// engineFactories registers the fast engine and, when a model URL is
// configured, the accurate one.
func engineFactories(config *Config, logger *slog.Logger) map[EngineKind]EngineFactory {
	fast := DefaultFastConfig()
	fast.TessdataPrefix = config.TessdataPrefix

	factories := map[EngineKind]EngineFactory{
		EngineFast: TesseractFactory(EngineFast, fast, logger),
	}
	if config.ModelURL != "" {
		accurate := DefaultAccurateConfig(config.ModelURL, config.ModelDir)
		factories[EngineAccurate] = TesseractFactory(EngineAccurate, accurate, logger)
	}
	return factories
}

// speechConfig splits the -speech-cmd value into command and arguments.
func speechConfig(cmd string) (SpeechConfig, bool) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return SpeechConfig{}, false
	}
	return SpeechConfig{Command: fields[0], Args: fields[1:]}, true
}

// bindSettings applies settings changes, whether typed in the console or
// edited in the file, to the running scheduler and gateway.
func bindSettings(ctx context.Context, store *SettingsStore, scheduler *Scheduler, gateway *Gateway, logger *slog.Logger) {
	store.OnChange(func(old, updated Settings) {
		if updated.Monitoring != old.Monitoring {
			scheduler.SetMonitoring(updated.Monitoring)
		}
		if updated.ProcessingIntervalMs != old.ProcessingIntervalMs {
			if err := scheduler.SetInterval(updated.Interval()); err != nil {
				logger.Error("Failed to change interval", "error", err)
			}
		}
		if updated.ActiveEngine != gateway.Active() {
			if err := gateway.SetActive(ctx, updated.ActiveEngine); err != nil {
				if _, err := store.Update(func(s *Settings) { s.ActiveEngine = gateway.Active() }); err != nil {
					logger.Error("Failed to record engine fallback", "error", err)
				}
			}
		}
	})
}

func openSource(config *Config, logger *slog.Logger) (FrameSource, error) {
	if config.Image != "" {
		return OpenStillSource(config.Image)
	}
	return NewCameraSource(config.Source, logger)
}

func openDebugSink(config *Config, logger *slog.Logger) (DebugSink, error) {
	var sinks multiDebugSink
	if config.DebugDir != "" {
		dir, err := NewDirDebugSink(config.DebugDir, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, dir)
	}
	if config.DebugWindow {
		sinks = append(sinks, NewWindowDebugSink("Stream Text Reader", logger))
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func run(ctx context.Context, quit func(), config *Config, logger *slog.Logger) error {
	store, err := LoadSettings(config.SettingsPath, logger)
	if err != nil {
		return err
	}
	if config.Monitor {
		if _, err := store.Update(func(s *Settings) { s.Monitoring = true }); err != nil {
			return err
		}
	}
	settings := store.Get()

	metrics := NewPipelineMetrics()
	gateway, err := NewGateway(engineFactories(config, logger), DefaultGatewayOptions(), logger, metrics)
	if err != nil {
		return err
	}
	if settings.ActiveEngine != EngineFast {
		if err := gateway.SetActive(ctx, settings.ActiveEngine); err != nil {
			if _, err := store.Update(func(s *Settings) { s.ActiveEngine = gateway.Active() }); err != nil {
				return err
			}
		}
	}

	source, err := openSource(config, logger)
	if err != nil {
		if config.Image != "" {
			return err
		}
		logger.Warn("Camera not available, use 'camera' to retry", "source", config.Source, "error", err)
		source = nil
	}

	debug, err := openDebugSink(config, logger)
	if err != nil {
		return err
	}

	pipeline := NewPipeline(source, gateway, NewValidator(DefaultValidatorConfig()), debug, metrics, logger)
	defer func() {
		if err := pipeline.Close(); err != nil {
			logger.Error("Failed to release resources", "error", err)
		}
	}()

	sinks := MultiSink{NewLogSink(logger, config.Debug)}
	var speech *SpeechSink
	if cfg, ok := speechConfig(config.SpeechCmd); ok && config.Image == "" {
		speech = NewSpeechSink(cfg, store.Get, logger)
		defer speech.Stop()
		sinks = append(sinks, speech)
	}
	if config.RedisURL != "" {
		redisSink, err := NewRedisSink(ctx, config.RedisURL, config.RedisChannel, logger)
		if err != nil {
			return err
		}
		defer redisSink.Close()
		sinks = append(sinks, redisSink)
	}

	scheduler := NewScheduler(pipeline, func() RunContext { return store.Get().RunContext() },
		sinks, settings.Interval(), metrics, logger)

	if config.Image != "" {
		out, err := scheduler.ReadNow(ctx)
		if err != nil {
			return err
		}
		fmt.Println(describeOutcome(out))
		if out.Status == StatusFailed {
			return out.Err
		}
		return nil
	}

	scheduler.SetMonitoring(settings.Monitoring)
	bindSettings(ctx, store, scheduler, gateway, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return store.Watch(gctx, settingsPoll) })
	g.Go(func() error {
		metrics.reportMetrics(gctx, logger, config.MetricsInterval)
		return nil
	})
	if config.Console {
		console := NewConsole(ConsoleDeps{
			Scheduler:  scheduler,
			Pipeline:   pipeline,
			Gateway:    gateway,
			Store:      store,
			Metrics:    metrics,
			Speech:     speech,
			OpenSource: func() (FrameSource, error) { return NewCameraSource(config.Source, logger) },
			Quit:       quit,
		}, logger)
		g.Go(func() error { return console.Run(gctx) })
	}
	return g.Wait()
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}

	config, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(config.LogFormat, config.Debug)
	slog.SetDefault(logger)

	logger.Info("Starting Stream Text Reader",
		"source", config.Source,
		"image", config.Image,
		"settings", config.SettingsPath,
		"log_format", config.LogFormat,
		"console", config.Console,
		"redis", config.RedisURL != "",
		"speech", config.SpeechCmd != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, config, logger); err != nil {
		logger.Error("Stream Text Reader failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Stream Text Reader stopped")
}
