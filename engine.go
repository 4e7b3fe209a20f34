package main

import (
	"context"
	"image"
)

// Engine recognizes text in a prepared buffer. Implementations need not be
// safe for concurrent use; the gateway serializes calls per handle.
type Engine interface {
	Kind() EngineKind
	Recognize(ctx context.Context, img image.Image) (RecognitionResult, error)
	Close() error
}

// EngineFactory creates and initializes an engine handle. It may block on
// network downloads and must honour ctx.
type EngineFactory func(ctx context.Context) (Engine, error)
