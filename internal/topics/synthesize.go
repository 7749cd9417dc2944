package topics

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"newsriver/internal/db"
	"newsriver/internal/globaltime"
	aischema "newsriver/schema"
)

const (
	promptSummaryMaxChars = 300
	promptTitleMaxChars   = 160
)

const synthesisSystemPrompt = `You are a news editor. Given a set of related articles, produce a concise topic headline and description.
Respond with a single JSON object and nothing else, using exactly these keys:
{"title": "...", "title_localized": "...", "description": "...", "description_localized": "..."}
title and description are in English; the _localized variants are in the target language.`

// SynthesizeTopicSummary regenerates a topic's display fields from its most
// recent members. All four fields are overwritten together on success; any
// call or parse failure leaves the topic completely unchanged.
func (e *Engine) SynthesizeTopicSummary(ctx context.Context, topicID int64, targetLang string) error {
	if e == nil || e.store == nil {
		return fmt.Errorf("topic engine is not initialized")
	}
	if e.completer == nil {
		return fmt.Errorf("no summarizer is configured")
	}

	if _, err := e.store.GetTopic(ctx, topicID); err != nil {
		return err
	}

	members, err := e.store.RecentTopicMembers(ctx, topicID, maxSynthesisMembers)
	if err != nil {
		return fmt.Errorf("load members for topic_id=%d: %w", topicID, err)
	}
	if len(members) == 0 {
		return fmt.Errorf("topic_id=%d has no members to summarize", topicID)
	}

	userPrompt := buildSynthesisPrompt(members, targetLang)
	raw, err := e.completer.Complete(ctx, synthesisSystemPrompt, userPrompt)
	if err != nil {
		return fmt.Errorf("summarize topic_id=%d: %w", topicID, err)
	}

	summary, err := aischema.ValidateTopicSummaryPayload(json.RawMessage(extractJSONObject(raw)))
	if err != nil {
		return fmt.Errorf("summarizer response for topic_id=%d: %w", topicID, err)
	}

	now := globaltime.Now().UTC()
	if err := e.store.UpdateTopicSummary(
		ctx,
		topicID,
		summary.Title,
		summary.TitleLocalized,
		summary.Description,
		summary.DescriptionLocalized,
		now,
	); err != nil {
		return err
	}

	e.log.Info().
		Int64("topic_id", topicID).
		Str("title", summary.Title).
		Int("members", len(members)).
		Msg("synthesized topic summary")
	return nil
}

func buildSynthesisPrompt(members []db.TopicMember, targetLang string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target language for localized fields: %s\n\n", targetLang)
	fmt.Fprintf(&b, "Articles (%d):\n", len(members))

	for i, member := range members {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, clip(member.Title, promptTitleMaxChars))
		fmt.Fprintf(&b, "   source: %s\n", member.Source)
		if member.Summary != nil && strings.TrimSpace(*member.Summary) != "" {
			fmt.Fprintf(&b, "   summary: %s\n", clip(*member.Summary, promptSummaryMaxChars))
		}
		if tags := decodeTags(member.Tags); len(tags) > 0 {
			fmt.Fprintf(&b, "   tags: %s\n", strings.Join(tags, ", "))
		}
	}
	return b.String()
}

func decodeTags(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return tags
}

func clip(text string, maxChars int) string {
	trimmed := strings.Join(strings.Fields(strings.TrimSpace(text)), " ")
	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed
	}
	return strings.TrimSpace(string(runes[:maxChars])) + "…"
}

// extractJSONObject tolerates markdown code fences and prose around the JSON
// object a model returns, and hands back the outermost {...} span.
func extractJSONObject(raw string) string {
	text := strings.TrimSpace(raw)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
