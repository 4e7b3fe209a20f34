package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"
)

// Console is the interactive operator shell. Each command is a plain method
// returning the text to print, so the shell layer stays a thin adapter.
type Console struct {
	scheduler *Scheduler
	pipeline  *Pipeline
	gateway   *Gateway
	store     *SettingsStore
	metrics   *PipelineMetrics
	logger    *slog.Logger

	// speech is nil when text-to-speech is disabled.
	speech *SpeechSink

	// openSource reacquires the camera after a release. Nil disables "camera".
	openSource func() (FrameSource, error)

	// quit is called when the operator leaves the shell.
	quit func()
}

// ConsoleDeps groups what the console drives.
type ConsoleDeps struct {
	Scheduler  *Scheduler
	Pipeline   *Pipeline
	Gateway    *Gateway
	Store      *SettingsStore
	Metrics    *PipelineMetrics
	Speech     *SpeechSink
	OpenSource func() (FrameSource, error)
	Quit       func()
}

func NewConsole(deps ConsoleDeps, logger *slog.Logger) *Console {
	return &Console{
		scheduler:  deps.Scheduler,
		pipeline:   deps.Pipeline,
		gateway:    deps.Gateway,
		store:      deps.Store,
		metrics:    deps.Metrics,
		speech:     deps.Speech,
		openSource: deps.OpenSource,
		quit:       deps.Quit,
		logger:     logger,
	}
}

// Run serves the shell on the terminal until the operator exits or ctx is
// cancelled.
func (c *Console) Run(ctx context.Context) error {
	shell := c.shell(ctx)
	go func() {
		<-ctx.Done()
		shell.Close()
	}()

	shell.Println("Stream text reader. Type 'help' for commands.")
	shell.Run()
	if c.quit != nil {
		c.quit()
	}
	return nil
}

func (c *Console) shell(ctx context.Context) *ishell.Shell {
	shell := ishell.New()
	shell.SetPrompt("str> ")

	shell.AddCmd(command("read", "recognize the current frame now", func(args []string) (string, error) {
		return c.Read(ctx)
	}))
	shell.AddCmd(command("monitor", "monitor [on|off]: toggle periodic recognition", func(args []string) (string, error) {
		return c.Monitor(firstArg(args))
	}))
	shell.AddCmd(command("engine", "engine [fast|accurate]: show or switch the OCR engine", func(args []string) (string, error) {
		return c.Engine(ctx, firstArg(args))
	}))
	shell.AddCmd(command("interval", "interval <ms>: set the time between recognitions", func(args []string) (string, error) {
		return c.Interval(firstArg(args))
	}))
	shell.AddCmd(command("sensitivity", "sensitivity <0-100>: minimum confidence to accept text", func(args []string) (string, error) {
		return c.Sensitivity(firstArg(args))
	}))
	shell.AddCmd(command("crop", "crop <x> <y> <width> <height>: set the region as frame fractions", c.Crop))
	shell.AddCmd(command("debug", "debug [on|off]: toggle the debug view", func(args []string) (string, error) {
		return c.Debug(firstArg(args))
	}))
	shell.AddCmd(command("autoread", "autoread [on|off]: toggle speaking accepted text", func(args []string) (string, error) {
		return c.AutoRead(firstArg(args))
	}))
	shell.AddCmd(command("rate", "rate <0.1-10>: set the speaking rate", func(args []string) (string, error) {
		return c.Rate(firstArg(args))
	}))
	shell.AddCmd(command("status", "show settings, engine state and counters", func(args []string) (string, error) {
		return c.Status(), nil
	}))
	shell.AddCmd(command("release", "release the camera and stop monitoring", func(args []string) (string, error) {
		return c.Release()
	}))
	shell.AddCmd(command("camera", "reacquire the camera after a release", func(args []string) (string, error) {
		return c.Camera()
	}))
	shell.AddCmd(command("reset", "forget the last accepted text", func(args []string) (string, error) {
		return c.Reset(), nil
	}))
	shell.AddCmd(command("stop", "stop speaking", func(args []string) (string, error) {
		return c.StopSpeech(), nil
	}))
	return shell
}

func command(name, help string, fn func(args []string) (string, error)) *ishell.Cmd {
	return &ishell.Cmd{
		Name: name,
		Help: help,
		Func: func(ic *ishell.Context) {
			msg, err := fn(ic.Args)
			if err != nil {
				ic.Err(err)
				return
			}
			if msg != "" {
				ic.Println(msg)
			}
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// parseToggle reads on/off. An empty argument flips current.
func parseToggle(arg string, current bool) (bool, error) {
	switch strings.ToLower(arg) {
	case "":
		return !current, nil
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	default:
		return current, fmt.Errorf("expected on or off, got %q", arg)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// Read runs one recognition immediately.
func (c *Console) Read(ctx context.Context) (string, error) {
	out, err := c.scheduler.ReadNow(ctx)
	if errors.Is(err, ErrBusy) {
		return "Recognition already in progress", nil
	}
	if err != nil {
		return "", err
	}
	return describeOutcome(out), nil
}

func describeOutcome(out Outcome) string {
	if out.Status != StatusAccepted {
		return out.Message
	}
	res := out.Result
	text := fmt.Sprintf("%s\n(%.0f%%, %s engine, %dms)",
		strings.TrimSpace(res.Text), res.Confidence, res.Engine, res.ProcessingTimeMs())
	if res.Fallback {
		text += " fallback"
	}
	return text
}

func (c *Console) Monitor(arg string) (string, error) {
	on, err := parseToggle(arg, c.store.Get().Monitoring)
	if err != nil {
		return "", err
	}
	if _, err := c.store.Update(func(s *Settings) { s.Monitoring = on }); err != nil {
		return "", err
	}
	if on {
		return fmt.Sprintf("Monitoring every %v", c.scheduler.Interval()), nil
	}
	return "Monitoring stopped", nil
}

// Engine shows the active engine or switches to another one. A failed switch
// leaves the fast engine active and says so.
func (c *Console) Engine(ctx context.Context, arg string) (string, error) {
	if arg == "" {
		var b strings.Builder
		active := c.gateway.Active()
		for _, kind := range c.gateway.Kinds() {
			marker := " "
			if kind == active {
				marker = "*"
			}
			state := "not loaded"
			if c.gateway.Ready(kind) {
				state = "ready"
			}
			fmt.Fprintf(&b, "%s %s (%s)\n", marker, kind, state)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}

	kind, err := ParseEngineKind(arg)
	if err != nil {
		return "", err
	}
	switchErr := c.gateway.SetActive(ctx, kind)
	if _, err := c.store.Update(func(s *Settings) { s.ActiveEngine = c.gateway.Active() }); err != nil {
		return "", err
	}
	if switchErr != nil {
		return fmt.Sprintf("Failed to load %s engine, using %s engine: %v", kind, c.gateway.Active(), switchErr), nil
	}
	return fmt.Sprintf("Switched to %s engine", kind), nil
}

func (c *Console) Interval(arg string) (string, error) {
	ms, err := strconv.Atoi(arg)
	if err != nil {
		return "", fmt.Errorf("interval must be a number of milliseconds: %w", err)
	}
	s, err := c.store.Update(func(s *Settings) { s.ProcessingIntervalMs = ms })
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Interval set to %v", s.Interval()), nil
}

func (c *Console) Sensitivity(arg string) (string, error) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return "", fmt.Errorf("sensitivity must be a number: %w", err)
	}
	s, err := c.store.Update(func(s *Settings) { s.Sensitivity = v })
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Sensitivity set to %g%%", s.Sensitivity), nil
}

func (c *Console) Crop(args []string) (string, error) {
	if len(args) == 0 {
		crop := c.store.Get().Crop
		return fmt.Sprintf("Crop x=%g y=%g width=%g height=%g", crop.X, crop.Y, crop.Width, crop.Height), nil
	}
	if len(args) != 4 {
		return "", errors.New("crop needs x, y, width and height")
	}
	var v [4]float64
	for i, a := range args {
		f, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return "", fmt.Errorf("crop value %q: %w", a, err)
		}
		v[i] = f
	}
	crop := CropRegion{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	if _, err := c.store.Update(func(s *Settings) { s.Crop = crop }); err != nil {
		return "", err
	}
	return "Crop updated", nil
}

func (c *Console) Debug(arg string) (string, error) {
	on, err := parseToggle(arg, c.store.Get().ShowDebugCanvas)
	if err != nil {
		return "", err
	}
	if _, err := c.store.Update(func(s *Settings) { s.ShowDebugCanvas = on }); err != nil {
		return "", err
	}
	return "Debug view " + onOff(on), nil
}

func (c *Console) AutoRead(arg string) (string, error) {
	on, err := parseToggle(arg, c.store.Get().AutoRead)
	if err != nil {
		return "", err
	}
	if _, err := c.store.Update(func(s *Settings) { s.AutoRead = on }); err != nil {
		return "", err
	}
	return "Auto-read " + onOff(on), nil
}

func (c *Console) Rate(arg string) (string, error) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return "", fmt.Errorf("rate must be a number: %w", err)
	}
	s, err := c.store.Update(func(s *Settings) { s.SpeechRate = v })
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Speech rate set to %g", s.SpeechRate), nil
}

// Status summarizes settings, engine state and counters.
func (c *Console) Status() string {
	s := c.store.Get()
	state := c.pipeline.State()

	var b strings.Builder
	fmt.Fprintf(&b, "monitoring:   %s (every %v)\n", onOff(c.scheduler.Monitoring()), c.scheduler.Interval())
	fmt.Fprintf(&b, "capturing:    %t\n", c.scheduler.Capturing())
	fmt.Fprintf(&b, "engine:       %s\n", c.gateway.Active())
	fmt.Fprintf(&b, "sensitivity:  %g%%\n", s.Sensitivity)
	fmt.Fprintf(&b, "crop:         x=%g y=%g w=%g h=%g\n", s.Crop.X, s.Crop.Y, s.Crop.Width, s.Crop.Height)
	fmt.Fprintf(&b, "debug view:   %s\n", onOff(s.ShowDebugCanvas))
	fmt.Fprintf(&b, "auto-read:    %s (rate %g)\n", onOff(s.AutoRead), s.SpeechRate)
	fmt.Fprintf(&b, "last text:    %q\n", state.LastAcceptedText)
	fmt.Fprintf(&b, "accepted:     %d\n", c.metrics.Accepted())
	fmt.Fprintf(&b, "rejected:     %v\n", c.metrics.Rejections())
	fmt.Fprintf(&b, "skipped:      %d\n", c.metrics.CaptureSkips())
	fmt.Fprintf(&b, "ticks:        %d (%d dropped)\n", c.metrics.Ticks(), c.metrics.TicksDropped())
	fmt.Fprintf(&b, "engine errs:  %d (%d fallbacks)\n", c.metrics.EngineErrors(), c.metrics.Fallbacks())
	fmt.Fprintf(&b, "avg ocr time: %.0fms", c.metrics.AvgProcessingTimeMs())
	if age := c.metrics.LastRunAge(); age > 0 {
		fmt.Fprintf(&b, "\nlast run:     %v ago", age.Truncate(time.Second))
	}
	return b.String()
}

// Release closes the camera and stops monitoring. Reads afterwards are
// skipped until the camera is reacquired.
func (c *Console) Release() (string, error) {
	if _, err := c.store.Update(func(s *Settings) { s.Monitoring = false }); err != nil {
		return "", err
	}
	if err := c.pipeline.SetSource(nil); err != nil {
		return "", err
	}
	c.logger.Info("Camera released")
	return "Camera released", nil
}

func (c *Console) Camera() (string, error) {
	if c.openSource == nil {
		return "", errors.New("camera cannot be reacquired for this source")
	}
	source, err := c.openSource()
	if err != nil {
		return "", err
	}
	if err := c.pipeline.SetSource(source); err != nil {
		return "", err
	}
	c.logger.Info("Camera acquired")
	return "Camera acquired", nil
}

func (c *Console) Reset() string {
	c.pipeline.ResetState()
	return "Last accepted text cleared"
}

func (c *Console) StopSpeech() string {
	if c.speech == nil {
		return "Speech is disabled"
	}
	c.speech.Stop()
	return "Speech stopped"
}
