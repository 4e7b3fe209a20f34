package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorValidate(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		confidence  float64
		sensitivity float64
		last        string
		want        Verdict
		wantLast    string
	}{
		{
			name:        "accept printed sentence",
			text:        `This year we put a "12" on the box.`,
			confidence:  87,
			sensitivity: 60,
			want:        Verdict{Accept: true, Reason: ReasonAccepted},
			wantLast:    `This year we put a "12" on the box.`,
		},
		{
			name:        "accepted text is stored trimmed",
			text:        "  Hello World \n",
			confidence:  90,
			sensitivity: 60,
			want:        Verdict{Accept: true, Reason: ReasonAccepted},
			wantLast:    "Hello World",
		},
		{
			name:        "pipes are noise",
			text:        "|||",
			confidence:  95,
			sensitivity: 60,
			want:        Verdict{Reason: ReasonNoise},
		},
		{
			name:        "round shapes are noise",
			text:        "oO0",
			confidence:  95,
			sensitivity: 60,
			want:        Verdict{Reason: ReasonNoise},
		},
		{
			name:        "repeated letter is noise",
			text:        "aaaa",
			confidence:  95,
			sensitivity: 60,
			want:        Verdict{Reason: ReasonNoise},
		},
		{
			name:        "low alphanumeric ratio is noise",
			text:        "a~~~~~~~~~~~~~",
			confidence:  95,
			sensitivity: 60,
			want:        Verdict{Reason: ReasonNoise},
		},
		{
			name:        "symbols outside the punctuation set have no alphanumerics",
			text:        "§§€",
			confidence:  95,
			sensitivity: 60,
			want:        Verdict{Reason: ReasonNoAlnum},
		},
		{
			name:        "too short",
			text:        " ab ",
			confidence:  99,
			sensitivity: 60,
			want:        Verdict{Reason: ReasonTooShort},
		},
		{
			name:        "duplicate of last accepted",
			text:        "Hello World",
			confidence:  99,
			sensitivity: 60,
			last:        "Hello World",
			want:        Verdict{Reason: ReasonDuplicate},
			wantLast:    "Hello World",
		},
		{
			name:        "confidence equal to sensitivity is rejected",
			text:        "Hello World",
			confidence:  60,
			sensitivity: 60,
			want:        Verdict{Reason: ReasonLowConfidence},
		},
		{
			name:        "confidence one above sensitivity is accepted",
			text:        "Hello World",
			confidence:  61,
			sensitivity: 60,
			want:        Verdict{Accept: true, Reason: ReasonAccepted},
			wantLast:    "Hello World",
		},
	}

	v := NewValidator(DefaultValidatorConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &PipelineState{LastAcceptedText: tt.last}
			got := v.Validate(RecognitionResult{Text: tt.text, Confidence: tt.confidence}, state, tt.sensitivity)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantLast, state.LastAcceptedText)
		})
	}
}

func TestValidatorRejectsJunkAtAnyConfidence(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())
	junk := []string{"", "   ", "...", "-- --", "!?!?", "__", "~~~~~x~~~~~~"}

	for _, text := range junk {
		for _, confidence := range []float64{0, 50, 60.5, 99, 100} {
			state := &PipelineState{}
			got := v.Validate(RecognitionResult{Text: text, Confidence: confidence}, state, 0)
			assert.False(t, got.Accept, "text %q at confidence %v", text, confidence)
			assert.Empty(t, state.LastAcceptedText)
		}
	}
}

func TestValidatorDuplicateSuppression(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())
	state := &PipelineState{}
	res := RecognitionResult{Text: "Exit only", Confidence: 100}

	first := v.Validate(res, state, DefaultSensitivity)
	require.True(t, first.Accept)

	second := v.Validate(res, state, DefaultSensitivity)
	assert.Equal(t, Verdict{Reason: ReasonDuplicate}, second)

	*state = PipelineState{}
	third := v.Validate(res, state, DefaultSensitivity)
	assert.True(t, third.Accept, "text is accepted again after a state reset")
}

func TestValidatorInclusiveConfidence(t *testing.T) {
	cfg := DefaultValidatorConfig()
	cfg.InclusiveConfidence = true
	v := NewValidator(cfg)

	got := v.Validate(RecognitionResult{Text: "Hello World", Confidence: 60}, &PipelineState{}, 60)
	assert.True(t, got.Accept)
}

func TestStatusMessage(t *testing.T) {
	reasons := []Reason{ReasonAccepted, ReasonTooShort, ReasonNoAlnum, ReasonNoise, ReasonDuplicate, ReasonLowConfidence}

	seen := make(map[string]Reason)
	for _, r := range reasons {
		msg := StatusMessage(Verdict{Accept: r == ReasonAccepted, Reason: r}, 45, 60)
		require.NotEmpty(t, msg)
		if prev, ok := seen[msg]; ok {
			t.Errorf("reasons %s and %s share message %q", prev, r, msg)
		}
		seen[msg] = r
	}

	assert.Equal(t, "No clear text detected. Try adjusting lighting, focus, or crop area.",
		StatusMessage(Verdict{Reason: ReasonLowConfidence}, 12, 60))
	assert.Contains(t, StatusMessage(Verdict{Reason: ReasonLowConfidence}, 45, 60), "45%")
}
