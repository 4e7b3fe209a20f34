package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Gateway owns the OCR engine handles and routes each recognition to the
// active engine. Handles are created lazily on first use and cached, one per
// kind. EngineFast is the default and the fallback for every other kind.
type Gateway struct {
	factories map[EngineKind]EngineFactory
	breakers  map[EngineKind]*CircuitBreaker
	logger    *slog.Logger
	metrics   *PipelineMetrics

	// inits collapses concurrent first uses of one kind into one factory call.
	inits singleflight.Group

	mu      sync.Mutex
	handles map[EngineKind]Engine
	active  EngineKind
	// fastInitFailing is set while the fast engine keeps failing to start,
	// so the failure is logged once per streak.
	fastInitFailing bool
}

// GatewayOptions tunes how quickly a failing non-default engine is skipped.
type GatewayOptions struct {
	MaxFailures int
	Cooldown    time.Duration
}

// DefaultGatewayOptions skips a failing engine for 30s after 3 failures.
func DefaultGatewayOptions() GatewayOptions {
	return GatewayOptions{MaxFailures: 3, Cooldown: 30 * time.Second}
}

// NewGateway returns a gateway over factories. A factory for EngineFast is required.
func NewGateway(factories map[EngineKind]EngineFactory, opts GatewayOptions, logger *slog.Logger, metrics *PipelineMetrics) (*Gateway, error) {
	if factories[EngineFast] == nil {
		return nil, fmt.Errorf("gateway needs a %q engine factory", EngineFast)
	}
	g := &Gateway{
		factories: factories,
		breakers:  make(map[EngineKind]*CircuitBreaker),
		logger:    logger,
		metrics:   metrics,
		handles:   make(map[EngineKind]Engine),
		active:    EngineFast,
	}
	for kind := range factories {
		if kind != EngineFast {
			g.breakers[kind] = NewCircuitBreaker(string(kind)+"_engine", opts.MaxFailures, opts.Cooldown, 1, logger)
		}
	}
	return g, nil
}

// Kinds lists the registered engine kinds in name order.
func (g *Gateway) Kinds() []EngineKind {
	kinds := make([]EngineKind, 0, len(g.factories))
	for kind := range g.factories {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Active returns the engine new requests are routed to.
func (g *Gateway) Active() EngineKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Ready reports whether a handle for kind is initialized.
func (g *Gateway) Ready(kind EngineKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handles[kind] != nil
}

// SetActive switches to kind, initializing it if needed. When initialization
// fails the error is returned and EngineFast becomes active.
func (g *Gateway) SetActive(ctx context.Context, kind EngineKind) error {
	if g.factories[kind] == nil {
		return fmt.Errorf("%w: %q", ErrUnknownEngine, kind)
	}

	if _, err := g.handle(ctx, kind); err != nil {
		g.metrics.engineErrors.Add(1)
		g.setActive(EngineFast)
		g.logger.Error("OCR engine failed to initialize, using fast engine",
			"engine", kind,
			"error", err)
		return err
	}

	if br := g.breakers[kind]; br != nil {
		br.Reset()
	}
	g.setActive(kind)
	g.logger.Info("OCR engine switched", "engine", kind)
	return nil
}

func (g *Gateway) setActive(kind EngineKind) {
	g.mu.Lock()
	g.active = kind
	g.mu.Unlock()
}

// Recognize runs img through the active engine. If that is not EngineFast
// and it cannot start, is tripped, or fails, EngineFast answers this one
// request and the result is marked as a fallback. The failed engine is not
// retried within the request.
func (g *Gateway) Recognize(ctx context.Context, img image.Image) (RecognitionResult, error) {
	kind := g.Active()
	if kind == EngineFast {
		return g.recognizeFast(ctx, img)
	}

	res, err := g.recognizeWith(ctx, kind, img)
	if err == nil {
		return res, nil
	}

	g.logger.Warn("OCR engine unavailable, falling back to fast engine",
		"engine", kind,
		"error", err)
	res, err = g.recognizeFast(ctx, img)
	if err != nil {
		return RecognitionResult{}, err
	}
	res.Fallback = true
	g.metrics.fallbacks.Add(1)
	return res, nil
}

// recognizeWith runs one attempt on a non-default engine behind its breaker.
func (g *Gateway) recognizeWith(ctx context.Context, kind EngineKind, img image.Image) (RecognitionResult, error) {
	br := g.breakers[kind]
	if err := br.Allow(); err != nil {
		return RecognitionResult{}, err
	}

	engine, err := g.handle(ctx, kind)
	if err != nil {
		br.Failure()
		g.metrics.engineErrors.Add(1)
		return RecognitionResult{}, err
	}

	res, err := engine.Recognize(ctx, img)
	if err != nil {
		br.Failure()
		g.metrics.engineErrors.Add(1)
		return RecognitionResult{}, newRecognitionError(kind, err)
	}
	br.Success()
	res.Engine = kind
	return res, nil
}

func (g *Gateway) recognizeFast(ctx context.Context, img image.Image) (RecognitionResult, error) {
	engine, err := g.handle(ctx, EngineFast)
	if err != nil {
		g.metrics.engineErrors.Add(1)
		g.mu.Lock()
		first := !g.fastInitFailing
		g.fastInitFailing = true
		g.mu.Unlock()
		if first {
			g.logger.Error("Fast OCR engine failed to initialize", "error", err)
		}
		return RecognitionResult{}, err
	}

	g.mu.Lock()
	g.fastInitFailing = false
	g.mu.Unlock()

	res, err := engine.Recognize(ctx, img)
	if err != nil {
		g.metrics.engineErrors.Add(1)
		return RecognitionResult{}, newRecognitionError(EngineFast, err)
	}
	res.Engine = EngineFast
	return res, nil
}

// handle returns the cached handle for kind, creating it on first use.
// Failed initializations are not cached, so the next use tries again.
func (g *Gateway) handle(ctx context.Context, kind EngineKind) (Engine, error) {
	g.mu.Lock()
	if h := g.handles[kind]; h != nil {
		g.mu.Unlock()
		return h, nil
	}
	g.mu.Unlock()

	factory := g.factories[kind]
	if factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, kind)
	}

	v, err, _ := g.inits.Do(string(kind), func() (interface{}, error) {
		g.mu.Lock()
		if h := g.handles[kind]; h != nil {
			g.mu.Unlock()
			return h, nil
		}
		g.mu.Unlock()

		start := time.Now()
		engine, err := factory(ctx)
		if err != nil {
			return nil, newEngineInitError(kind, err)
		}

		g.mu.Lock()
		g.handles[kind] = engine
		g.mu.Unlock()
		g.logger.Info("OCR engine ready", "engine", kind, "init_time", time.Since(start))
		return engine, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Engine), nil
}

// Release closes the handle for kind. The next use initializes it again.
func (g *Gateway) Release(kind EngineKind) error {
	g.mu.Lock()
	h := g.handles[kind]
	delete(g.handles, kind)
	g.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Close(); err != nil {
		return fmt.Errorf("failed to release %s engine: %w", kind, err)
	}
	g.logger.Debug("OCR engine released", "engine", kind)
	return nil
}

// Close releases every handle.
func (g *Gateway) Close() error {
	var errs []error
	for _, kind := range g.Kinds() {
		if err := g.Release(kind); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
