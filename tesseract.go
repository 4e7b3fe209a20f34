package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"
)

// TesseractConfig holds the backend tuning applied on every recognition.
type TesseractConfig struct {
	// Language is the Tesseract language code, e.g. "eng" or "eng+deu".
	Language string `yaml:"language"`

	// PageSegMode is the Tesseract page segmentation mode. 6 assumes one uniform block of text.
	PageSegMode int `yaml:"page_seg_mode"`

	// Whitelist restricts the characters Tesseract may emit. Empty allows all.
	Whitelist string `yaml:"whitelist"`

	// Variables are passed to Tesseract as-is.
	Variables map[string]string `yaml:"variables"`

	// TessdataPrefix overrides where models are loaded from.
	TessdataPrefix string `yaml:"tessdata_prefix"`

	// ModelURL, when set, is downloaded as <Language>.traineddata into ModelDir
	// before the engine starts, and ModelDir becomes the tessdata prefix.
	ModelURL string `yaml:"model_url"`

	// ModelDir caches downloaded models between runs.
	ModelDir string `yaml:"model_dir"`
}

const defaultWhitelist = `ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789 .,"'`

// DefaultFastConfig returns the settings tuned for short printed text.
func DefaultFastConfig() TesseractConfig {
	return TesseractConfig{
		Language:    "eng",
		PageSegMode: int(gosseract.PSM_SINGLE_BLOCK),
		Whitelist:   defaultWhitelist,
		Variables: map[string]string{
			"preserve_interword_spaces":        "1",
			"tessedit_do_invert":               "0",
			"classify_enable_adaptive_matcher": "1",
		},
	}
}

// DefaultAccurateConfig returns the fast settings backed by the model at modelURL.
func DefaultAccurateConfig(modelURL, modelDir string) TesseractConfig {
	cfg := DefaultFastConfig()
	cfg.ModelURL = modelURL
	cfg.ModelDir = modelDir
	return cfg
}

// modelHTTPClient downloads model files. Models are tens of megabytes.
var modelHTTPClient = &http.Client{Timeout: 5 * time.Minute}

// TesseractEngine is an Engine backed by one gosseract client.
type TesseractEngine struct {
	kind   EngineKind
	cfg    TesseractConfig
	logger *slog.Logger

	mu     sync.Mutex
	client *gosseract.Client
}

// TesseractFactory returns an EngineFactory building a TesseractEngine of kind.
func TesseractFactory(kind EngineKind, cfg TesseractConfig, logger *slog.Logger) EngineFactory {
	return func(ctx context.Context) (Engine, error) {
		return NewTesseractEngine(ctx, kind, cfg, logger)
	}
}

// NewTesseractEngine configures a client, downloading the model first when
// cfg.ModelURL is set, and runs one warm-up recognition so a missing or broken
// model fails here rather than on the first frame.
func NewTesseractEngine(ctx context.Context, kind EngineKind, cfg TesseractConfig, logger *slog.Logger) (*TesseractEngine, error) {
	prefix := cfg.TessdataPrefix
	if cfg.ModelURL != "" {
		dir, err := fetchModel(ctx, cfg.ModelURL, cfg.ModelDir, cfg.Language, logger)
		if err != nil {
			return nil, err
		}
		prefix = dir
	}

	client := gosseract.NewClient()
	if err := configureClient(client, cfg, prefix); err != nil {
		client.Close()
		return nil, fmt.Errorf("%s engine: %w", kind, err)
	}

	e := &TesseractEngine{kind: kind, cfg: cfg, logger: logger, client: client}
	if err := e.warmUp(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%s engine warm-up: %w", kind, err)
	}

	logger.Debug("OCR engine initialized",
		"engine", kind,
		"language", cfg.Language,
		"page_seg_mode", cfg.PageSegMode,
		"tessdata_prefix", prefix,
		"tesseract_version", gosseract.Version())
	return e, nil
}

func configureClient(client *gosseract.Client, cfg TesseractConfig, prefix string) error {
	if prefix != "" {
		if err := client.SetTessdataPrefix(prefix); err != nil {
			return fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(cfg.Language); err != nil {
		return fmt.Errorf("failed to set OCR language: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PageSegMode(cfg.PageSegMode)); err != nil {
		return fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if cfg.Whitelist != "" {
		if err := client.SetWhitelist(cfg.Whitelist); err != nil {
			return fmt.Errorf("failed to set character whitelist: %w", err)
		}
	}
	for key, value := range cfg.Variables {
		if err := client.SetVariable(gosseract.SettableVariable(key), value); err != nil {
			return fmt.Errorf("failed to set variable %s: %w", key, err)
		}
	}
	return nil
}

// warmUp forces Tesseract to load its model by reading a blank image.
func (e *TesseractEngine) warmUp() error {
	blank := imaging.New(minCropSide, minCropSide, image.White)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, blank, imaging.PNG); err != nil {
		return err
	}
	if err := e.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return err
	}
	_, err := e.client.Text()
	return err
}

func (e *TesseractEngine) Kind() EngineKind { return e.kind }

// Recognize runs OCR on img. Confidence is the mean confidence of the
// recognized words, or zero when no word was found.
func (e *TesseractEngine) Recognize(ctx context.Context, img image.Image) (RecognitionResult, error) {
	if err := ctx.Err(); err != nil {
		return RecognitionResult{}, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return RecognitionResult{}, fmt.Errorf("failed to encode image: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return RecognitionResult{}, fmt.Errorf("%s engine is closed", e.kind)
	}

	start := time.Now()
	if err := e.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return RecognitionResult{}, fmt.Errorf("failed to set OCR image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return RecognitionResult{}, fmt.Errorf("failed to extract text: %w", err)
	}

	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		e.logger.Warn("Failed to get word confidences", "engine", e.kind, "error", err)
	}

	return RecognitionResult{
		Text:           text,
		Confidence:     meanWordConfidence(boxes),
		ProcessingTime: time.Since(start),
		Engine:         e.kind,
	}, nil
}

func meanWordConfidence(boxes []gosseract.BoundingBox) float64 {
	var total float64
	var words int
	for _, box := range boxes {
		if box.Confidence > 0 {
			total += box.Confidence
			words++
		}
	}
	if words == 0 {
		return 0
	}
	return total / float64(words)
}

// Close releases the Tesseract client. It is safe to call more than once.
func (e *TesseractEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// fetchModel makes sure dir holds <lang>.traineddata, downloading it from url
// when missing, and returns dir.
func fetchModel(ctx context.Context, url, dir, lang string, logger *slog.Logger) (string, error) {
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("no model directory configured: %w", err)
		}
		dir = filepath.Join(cache, "stream-text-reader", "tessdata")
	}
	path := filepath.Join(dir, lang+".traineddata")
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return dir, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create model directory: %w", err)
	}

	logger.Info("Downloading OCR model", "url", url, "path", path)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create model request: %w", err)
	}
	res, err := modelHTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download model: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download model: status %d", res.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, lang+".*.part")
	if err != nil {
		return "", fmt.Errorf("failed to create model file: %w", err)
	}
	n, copyErr := io.Copy(tmp, res.Body)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write model: %w", err)
	}
	if n == 0 {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to download model: empty body")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to install model: %w", err)
	}

	logger.Info("OCR model downloaded", "path", path, "bytes", n, "duration", time.Since(start))
	return dir, nil
}
