package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"newsriver/internal/db"
)

// Completer produces a raw assistant response for one prompt pair.
// *ai.CompletionClient satisfies it.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Analysis is what a processor derives from an item: a field-level partial
// update plus free-form enrichments merged into the platform metadata bag.
type Analysis struct {
	Update      db.EnrichmentUpdate
	Enrichments map[string]any
}

// Processor is one platform variant of the enrichment pipeline. Analyze must
// be safe to re-run: it computes from current item state, never by appending.
type Processor interface {
	SourceType() string
	Analyze(ctx context.Context, item *db.Item) (*Analysis, error)
	Highlights(ctx context.Context, item *db.Item) (map[string]any, bool, error)
}

// NewProcessorSet builds the closed set of platform variants keyed by source
// type. Unknown source types dispatch to the default variant.
func NewProcessorSet(completer Completer, targetLang string, logger zerolog.Logger) map[string]Processor {
	base := baseProcessor{completer: completer, targetLang: targetLang, log: logger}
	return map[string]Processor{
		db.SourceTypeDefault:    &defaultProcessor{baseProcessor: base},
		db.SourceTypeRSS:        &defaultProcessor{baseProcessor: base, sourceType: db.SourceTypeRSS},
		db.SourceTypeWeb:        &webProcessor{baseProcessor: base},
		db.SourceTypeTwitter:    &twitterProcessor{baseProcessor: base},
		db.SourceTypeHackerNews: &hackernewsProcessor{baseProcessor: base},
		db.SourceTypeYouTube:    &youtubeProcessor{baseProcessor: base},
	}
}

const analysisSystemPrompt = `You are a news analyst. Given an article, respond with a single JSON object and nothing else, using exactly these keys:
{"tags": ["..."], "keywords": ["..."], "title_localized": "...", "summary": "...", "summary_localized": "..."}
tags are 2-5 short topical labels, keywords are 3-8 salient terms, summary is 1-3 sentences in English, the _localized fields are in the target language.`

const analysisBodyMaxChars = 4000

type analysisResponse struct {
	Tags             []string `json:"tags"`
	Keywords         []string `json:"keywords"`
	TitleLocalized   string   `json:"title_localized"`
	Summary          string   `json:"summary"`
	SummaryLocalized string   `json:"summary_localized"`
}

type baseProcessor struct {
	completer  Completer
	targetLang string
	log        zerolog.Logger
}

// analyze runs the shared tag/summary enrichment. A transport failure is
// returned for retry; a response that fails the shape check falls back to a
// deterministic default derived from the item's own fields.
func (p *baseProcessor) analyze(ctx context.Context, item *db.Item) (*Analysis, error) {
	if p.completer == nil {
		return fallbackAnalysis(item), nil
	}

	raw, err := p.completer.Complete(ctx, analysisSystemPrompt, buildAnalysisPrompt(item, p.targetLang))
	if err != nil {
		return nil, fmt.Errorf("analysis completion: %w", err)
	}

	parsed, ok := parseAnalysisResponse(raw)
	if !ok {
		p.log.Warn().Int64("item_id", item.ItemID).Msg("malformed analysis response, using deterministic fallback")
		return fallbackAnalysis(item), nil
	}

	analysis := &Analysis{Enrichments: map[string]any{}}
	if len(parsed.Tags) > 0 {
		analysis.Update.Tags = parsed.Tags
	}
	if len(parsed.Keywords) > 0 {
		analysis.Update.Keywords = parsed.Keywords
	}
	if title := strings.TrimSpace(parsed.TitleLocalized); title != "" {
		analysis.Update.TitleLocalized = &title
	}
	if summary := strings.TrimSpace(parsed.Summary); summary != "" {
		analysis.Update.Summary = &summary
	}
	if localized := strings.TrimSpace(parsed.SummaryLocalized); localized != "" {
		analysis.Update.SummaryLocalized = &localized
	}
	return analysis, nil
}

func buildAnalysisPrompt(item *db.Item, targetLang string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target language for localized fields: %s\n\n", targetLang)
	fmt.Fprintf(&b, "Title: %s\n", item.Title)
	fmt.Fprintf(&b, "Source: %s\n", item.Source)
	if item.Summary != nil && strings.TrimSpace(*item.Summary) != "" {
		fmt.Fprintf(&b, "Summary: %s\n", *item.Summary)
	}
	if item.Content != nil && strings.TrimSpace(*item.Content) != "" {
		body := strings.TrimSpace(*item.Content)
		runes := []rune(body)
		if len(runes) > analysisBodyMaxChars {
			body = string(runes[:analysisBodyMaxChars])
		}
		fmt.Fprintf(&b, "\n%s\n", body)
	}
	return b.String()
}

func parseAnalysisResponse(raw string) (*analysisResponse, bool) {
	text := strings.TrimSpace(raw)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, false
	}

	var parsed analysisResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, false
	}
	if len(parsed.Tags) == 0 && len(parsed.Keywords) == 0 && parsed.Summary == "" {
		return nil, false
	}
	for _, tag := range parsed.Tags {
		if strings.TrimSpace(tag) == "" {
			return nil, false
		}
	}
	return &parsed, true
}

// fallbackAnalysis derives a minimal enrichment from the item itself, so an
// LLM formatting slip never blocks the pipeline.
func fallbackAnalysis(item *db.Item) *Analysis {
	analysis := &Analysis{Enrichments: map[string]any{"analysis_fallback": true}}
	analysis.Update.Tags = []string{item.SourceType}

	if item.Summary == nil || strings.TrimSpace(*item.Summary) == "" {
		if item.Content != nil {
			if head := summaryHead(*item.Content); head != "" {
				analysis.Update.Summary = &head
			}
		}
	}
	return analysis
}

func summaryHead(content string) string {
	trimmed := strings.Join(strings.Fields(strings.TrimSpace(content)), " ")
	runes := []rune(trimmed)
	if len(runes) <= 280 {
		return trimmed
	}
	return strings.TrimSpace(string(runes[:280])) + "…"
}

type defaultProcessor struct {
	baseProcessor
	sourceType string
}

func (p *defaultProcessor) SourceType() string {
	if p.sourceType != "" {
		return p.sourceType
	}
	return db.SourceTypeDefault
}

func (p *defaultProcessor) Analyze(ctx context.Context, item *db.Item) (*Analysis, error) {
	return p.analyze(ctx, item)
}

func (p *defaultProcessor) Highlights(context.Context, *db.Item) (map[string]any, bool, error) {
	return nil, false, nil
}

type webProcessor struct {
	baseProcessor
}

func (p *webProcessor) SourceType() string { return db.SourceTypeWeb }

func (p *webProcessor) Analyze(ctx context.Context, item *db.Item) (*Analysis, error) {
	analysis, err := p.analyze(ctx, item)
	if err != nil {
		return nil, err
	}
	if host := metadataString(item.PlatformMetadata, "site_name"); host != "" {
		analysis.Enrichments["site_name"] = host
	}
	return analysis, nil
}

func (p *webProcessor) Highlights(context.Context, *db.Item) (map[string]any, bool, error) {
	return nil, false, nil
}

type twitterProcessor struct {
	baseProcessor
}

func (p *twitterProcessor) SourceType() string { return db.SourceTypeTwitter }

func (p *twitterProcessor) Analyze(ctx context.Context, item *db.Item) (*Analysis, error) {
	analysis, err := p.analyze(ctx, item)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"author_handle", "like_count", "repost_count"} {
		if value := metadataValue(item.PlatformMetadata, key); value != nil {
			analysis.Enrichments[key] = value
		}
	}
	return analysis, nil
}

func (p *twitterProcessor) Highlights(context.Context, *db.Item) (map[string]any, bool, error) {
	return nil, false, nil
}

type hackernewsProcessor struct {
	baseProcessor
}

func (p *hackernewsProcessor) SourceType() string { return db.SourceTypeHackerNews }

func (p *hackernewsProcessor) Analyze(ctx context.Context, item *db.Item) (*Analysis, error) {
	analysis, err := p.analyze(ctx, item)
	if err != nil {
		return nil, err
	}
	if discussion := metadataString(item.PlatformMetadata, "discussion_url"); discussion != "" {
		analysis.Enrichments["discussion_url"] = discussion
	}
	if points := metadataValue(item.PlatformMetadata, "points"); points != nil {
		analysis.Enrichments["points"] = points
	}
	return analysis, nil
}

func (p *hackernewsProcessor) Highlights(context.Context, *db.Item) (map[string]any, bool, error) {
	return nil, false, nil
}

const highlightsSystemPrompt = `You are a video editor. Given a video transcript, respond with a single JSON object and nothing else:
{"chapters": [{"title": "...", "offset_seconds": 0}]}
Produce 3-8 chapters covering the transcript in order.`

type youtubeProcessor struct {
	baseProcessor
}

func (p *youtubeProcessor) SourceType() string { return db.SourceTypeYouTube }

func (p *youtubeProcessor) Analyze(ctx context.Context, item *db.Item) (*Analysis, error) {
	analysis, err := p.analyze(ctx, item)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"channel", "duration_seconds"} {
		if value := metadataValue(item.PlatformMetadata, key); value != nil {
			analysis.Enrichments[key] = value
		}
	}
	return analysis, nil
}

// Highlights derives chapter markers from the transcript. Videos without a
// transcript are not applicable; a malformed response degrades to a single
// full-length chapter named after the item.
func (p *youtubeProcessor) Highlights(ctx context.Context, item *db.Item) (map[string]any, bool, error) {
	if item.Content == nil || strings.TrimSpace(*item.Content) == "" {
		return nil, false, nil
	}
	if p.completer == nil {
		return nil, false, nil
	}

	raw, err := p.completer.Complete(ctx, highlightsSystemPrompt, buildAnalysisPrompt(item, p.targetLang))
	if err != nil {
		return nil, true, fmt.Errorf("highlights completion: %w", err)
	}

	var parsed struct {
		Chapters []struct {
			Title         string  `json:"title"`
			OffsetSeconds float64 `json:"offset_seconds"`
		} `json:"chapters"`
	}
	text := strings.TrimSpace(raw)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		_ = json.Unmarshal([]byte(text[start:end+1]), &parsed)
	}
	if len(parsed.Chapters) == 0 {
		p.log.Warn().Int64("item_id", item.ItemID).Msg("malformed highlights response, using single-chapter fallback")
		return map[string]any{
			"chapters": []map[string]any{{"title": item.Title, "offset_seconds": 0}},
		}, true, nil
	}

	chapters := make([]map[string]any, 0, len(parsed.Chapters))
	for _, chapter := range parsed.Chapters {
		if strings.TrimSpace(chapter.Title) == "" {
			continue
		}
		chapters = append(chapters, map[string]any{
			"title":          strings.TrimSpace(chapter.Title),
			"offset_seconds": chapter.OffsetSeconds,
		})
	}
	return map[string]any{"chapters": chapters}, true, nil
}

func metadataValue(raw json.RawMessage, key string) any {
	if len(raw) == 0 {
		return nil
	}
	var bag map[string]any
	if err := json.Unmarshal(raw, &bag); err != nil {
		return nil
	}
	return bag[key]
}

func metadataString(raw json.RawMessage, key string) string {
	value, _ := metadataValue(raw, key).(string)
	return value
}
