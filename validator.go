package main

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Reason explains a validation verdict.
type Reason string

const (
	ReasonAccepted      Reason = "accepted"
	ReasonTooShort      Reason = "too_short"
	ReasonNoAlnum       Reason = "no_alnum"
	ReasonNoise         Reason = "noise"
	ReasonDuplicate     Reason = "duplicate"
	ReasonLowConfidence Reason = "low_confidence"
)

// Verdict is the outcome of validating one recognition result.
type Verdict struct {
	Accept bool
	Reason Reason
}

const (
	// DefaultSensitivity is the minimum confidence, exclusive, for accepting text.
	DefaultSensitivity = 60
	// clearTextConfidence separates "nothing readable" from "readable but weak".
	clearTextConfidence = 20
)

// ValidatorConfig holds the thresholds of the noise and quality filters.
type ValidatorConfig struct {
	// MinLength is the smallest accepted trimmed length, in runes.
	MinLength int
	// MinAlnumRatio is the smallest accepted share of [a-zA-Z0-9] characters.
	MinAlnumRatio float64
	// InclusiveConfidence accepts results whose confidence equals the sensitivity.
	InclusiveConfidence bool
}

// DefaultValidatorConfig returns the thresholds observed on real captures.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinLength:     3,
		MinAlnumRatio: 0.3,
	}
}

var (
	alnumPattern = regexp.MustCompile(`[a-zA-Z0-9]`)

	// Strings OCR commonly produces from edges, specks and glare.
	noisePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[\s\-_|\\/.,;:!?'"` + "`" + `~@#$%^&*()\[\]{}<>=+]+$`),
		regexp.MustCompile(`^[lI1|]{1,3}$`),
		regexp.MustCompile(`^[oO0]{1,3}$`),
		regexp.MustCompile(`^[.\s]+$`),
		regexp.MustCompile(`^[\-\s]+$`),
		regexp.MustCompile(`^[_\s]+$`),
		regexp.MustCompile(`^[,\s]+$`),
		regexp.MustCompile(`^\s*$`),
	}
)

// Validator gates raw OCR output before it reaches speech.
type Validator struct {
	cfg ValidatorConfig
}

// NewValidator returns a Validator using cfg.
func NewValidator(cfg ValidatorConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Validate classifies result. The first failing check decides the reason:
// length, noise patterns, alphanumeric content, alphanumeric ratio,
// duplicate of the last accepted text, then confidence. Noise patterns run
// before the alphanumeric check so a misread like "|||" is labeled noise.
// Accepting records the trimmed text as state.LastAcceptedText.
func (v *Validator) Validate(result RecognitionResult, state *PipelineState, sensitivity float64) Verdict {
	text := strings.TrimSpace(result.Text)

	switch {
	case utf8.RuneCountInString(text) < v.cfg.MinLength:
		return Verdict{Reason: ReasonTooShort}
	case isNoise(text):
		return Verdict{Reason: ReasonNoise}
	case !alnumPattern.MatchString(text):
		return Verdict{Reason: ReasonNoAlnum}
	case alnumRatio(text) < v.cfg.MinAlnumRatio:
		return Verdict{Reason: ReasonNoise}
	case text == state.LastAcceptedText:
		return Verdict{Reason: ReasonDuplicate}
	case !v.confident(result.Confidence, sensitivity):
		return Verdict{Reason: ReasonLowConfidence}
	}

	state.LastAcceptedText = text
	return Verdict{Accept: true, Reason: ReasonAccepted}
}

func (v *Validator) confident(confidence, sensitivity float64) bool {
	if v.cfg.InclusiveConfidence {
		return confidence >= sensitivity
	}
	return confidence > sensitivity
}

// isNoise reports whether text looks like a misread artifact rather than words.
func isNoise(text string) bool {
	for _, p := range noisePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return repeatsOneRune(text)
}

// repeatsOneRune reports whether every non-space rune of text is the same.
func repeatsOneRune(text string) bool {
	if utf8.RuneCountInString(text) < 2 {
		return false
	}
	var first rune = -1
	for _, r := range text {
		if r == ' ' {
			continue
		}
		if first == -1 {
			first = r
		} else if r != first {
			return false
		}
	}
	return true
}

func alnumRatio(text string) float64 {
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return 0
	}
	return float64(len(alnumPattern.FindAllStringIndex(text, -1))) / float64(total)
}

// StatusMessage turns a verdict into the line shown to the operator.
// Low-confidence rejections under 20% are reported as "no clear text" so the
// operator adjusts the scene rather than the sensitivity.
func StatusMessage(verdict Verdict, confidence, sensitivity float64) string {
	c := math.Round(confidence)
	switch verdict.Reason {
	case ReasonAccepted:
		return fmt.Sprintf("Text detected (%.0f%% confidence)", c)
	case ReasonTooShort:
		return "No readable text found: too short"
	case ReasonNoAlnum:
		return "No readable text found: no letters or digits"
	case ReasonNoise:
		return "No readable text found: looks like noise"
	case ReasonDuplicate:
		return "Same text as before, skipping"
	case ReasonLowConfidence:
		if confidence < clearTextConfidence {
			return "No clear text detected. Try adjusting lighting, focus, or crop area."
		}
		return fmt.Sprintf("Text detected but low quality: confidence %.0f%% below threshold %.0f%%", c, sensitivity)
	default:
		return "Unknown result"
	}
}
