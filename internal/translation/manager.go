package translation

import (
	"context"
	"fmt"
	"strings"

	"newsriver/internal/langdetect"
	"newsriver/internal/language"
)

// Text below this length carries too little signal for detection or
// translation and is skipped.
const minTranslatableChars = 40

// SkipReason explains why a text was not translated.
type SkipReason string

const (
	SkipNone            SkipReason = ""
	SkipEmpty           SkipReason = "empty"
	SkipTooShort        SkipReason = "too_short"
	SkipAlreadyInTarget SkipReason = "already_in_target"
)

// Manager resolves providers and applies the skip rules for item text.
type Manager struct {
	registry *Registry
}

func NewManager(registry *Registry) *Manager {
	return &Manager{registry: registry}
}

func (m *Manager) DefaultProvider() string {
	if m == nil || m.registry == nil {
		return ""
	}
	return m.registry.DefaultProvider()
}

// ShouldTranslate applies the skip rules and, when translation is warranted,
// returns the detected source language.
func ShouldTranslate(text, targetLang string) (sourceLang string, reason SkipReason) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", SkipEmpty
	}
	if len([]rune(trimmed)) < minTranslatableChars {
		return "", SkipTooShort
	}

	detected := langdetect.DetectISO6391(trimmed)
	if detected != "" && detected == normalizeLangCode(targetLang) {
		return detected, SkipAlreadyInTarget
	}
	return detected, SkipNone
}

// TranslateText translates one text into targetLang through the requested
// provider (empty selects the default). Skipped texts return an empty
// response with the skip reason, not an error.
func (m *Manager) TranslateText(ctx context.Context, text, targetLang, providerName string) (*TranslateResponse, SkipReason, error) {
	if m == nil || m.registry == nil {
		return nil, SkipNone, fmt.Errorf("translation manager is not initialized")
	}

	sourceLang, reason := ShouldTranslate(text, targetLang)
	if reason != SkipNone {
		return nil, reason, nil
	}

	provider, err := m.registry.Provider(providerName)
	if err != nil {
		return nil, SkipNone, err
	}

	resp, err := provider.Translate(ctx, TranslateRequest{
		Text:       text,
		SourceLang: sourceLang,
		TargetLang: targetLang,
	})
	if err != nil {
		return nil, SkipNone, fmt.Errorf("translate via %s: %w", provider.Name(), err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, SkipNone, fmt.Errorf("translate via %s: empty translation", provider.Name())
	}
	return resp, SkipNone, nil
}

func normalizeLangCode(raw string) string {
	return language.NormalizeCode(raw)
}
