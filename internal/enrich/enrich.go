// Package enrich defines the external-collaborator boundaries of the
// engine: context lookups (weather, social, user preferences), image
// sub-event detection, and entry validation/trimming. The engine depends
// only on the interfaces; hosts swap in real backends.
package enrich

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
)

// EventContext is the looked-up background handed to prompt builders.
type EventContext struct {
	Weather     string
	Social      string
	Preferences map[string]string
}

// ContextProvider looks up per-subject background for prompt construction.
type ContextProvider interface {
	Lookup(ctx context.Context, subjectID string) (*EventContext, error)
}

// StaticProvider is the built-in ContextProvider with fixed values.
// Useful for tests and hosts that wire real lookups later.
type StaticProvider struct {
	Weather     string
	Social      string
	Preferences map[string]string
}

func (p *StaticProvider) Lookup(ctx context.Context, subjectID string) (*EventContext, error) {
	return &EventContext{
		Weather:     p.Weather,
		Social:      p.Social,
		Preferences: p.Preferences,
	}, nil
}

// ── Image detection ─────────────────────────────────────────

// DetectedEvent is one sub-event reported by an image detector.
type DetectedEvent struct {
	Type       string
	Confidence float64
}

// ImageDetector inspects decoded image bytes and reports sub-events.
type ImageDetector interface {
	Detect(ctx context.Context, data []byte) ([]DetectedEvent, error)
}

// NopDetector reports nothing. The image trigger rule never fires with it.
type NopDetector struct{}

func (NopDetector) Detect(ctx context.Context, data []byte) ([]DetectedEvent, error) {
	return nil, nil
}

// DecodeImagePayload extracts and base64-decodes the "image" field of an
// event payload. Returns an error when absent or undecodable.
func DecodeImagePayload(payload map[string]interface{}) ([]byte, error) {
	raw, ok := payload["image"]
	if !ok {
		return nil, errors.New("payload has no image field")
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("image payload is %T, want base64 string", raw)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	return data, nil
}

// ── Validation / trimming ───────────────────────────────────

// ErrValidation is returned when generated content is rejected.
var ErrValidation = errors.New("generated content rejected")

// Validator checks and optionally reshapes generated text before it is
// persisted. A rejection surfaces to the host without committing quota.
type Validator interface {
	Validate(text string) (string, error)
}

// LengthTrimmer rejects empty output and trims overlong output to
// MaxRunes, cutting at the last sentence boundary when one exists.
type LengthTrimmer struct {
	MaxRunes int
}

func (t *LengthTrimmer) Validate(text string) (string, error) {
	if text == "" {
		return "", fmt.Errorf("%w: empty output", ErrValidation)
	}
	max := t.MaxRunes
	if max <= 0 {
		max = 600
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text, nil
	}
	trimmed := runes[:max]
	for i := len(trimmed) - 1; i > max/2; i-- {
		switch trimmed[i] {
		case '.', '!', '?', '。', '！', '？':
			return string(trimmed[:i+1]), nil
		}
	}
	return string(trimmed), nil
}
