package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"newsriver/internal/ai"
	"newsriver/internal/db"
	"newsriver/internal/globaltime"
	"newsriver/internal/topics"
	"newsriver/internal/translation"
)

// Step names, in execution order.
const (
	StepFetchItem          = "fetch-item"
	StepAIAnalysis         = "ai-analysis"
	StepTranslateContent   = "translate-content"
	StepUpdateStore        = "update-store"
	StepGenerateHighlights = "generate-highlights"
	StepGenerateEmbedding  = "generate-embedding"
	StepSaveEmbedding      = "save-embedding"
	StepAssignTopic        = "assign-topic"
	StepSynthesizeTopic    = "synthesize-topic"
)

// StepOrder is the total order of steps within one instance.
var StepOrder = []string{
	StepFetchItem,
	StepAIAnalysis,
	StepTranslateContent,
	StepUpdateStore,
	StepGenerateHighlights,
	StepGenerateEmbedding,
	StepSaveEmbedding,
	StepAssignTopic,
	StepSynthesizeTopic,
}

// Instance outcomes.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunNotFound  = "not_found"
)

// Store is the slice of the datastore the orchestrator mutates.
// *db.Pool satisfies it.
type Store interface {
	GetItem(ctx context.Context, itemID int64) (*db.Item, error)
	ApplyEnrichment(ctx context.Context, itemID int64, update db.EnrichmentUpdate, now time.Time) error
	MergeEnrichmentBag(ctx context.Context, itemID int64, enrichments map[string]any, now time.Time) error
	SaveEmbedding(ctx context.Context, itemID int64, vectorLiteral string, now time.Time) error
}

// Embedder computes one embedding vector. *ai.EmbeddingClient satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// TopicService is the clustering engine surface the orchestrator delegates to.
// *topics.Engine satisfies it.
type TopicService interface {
	AssignTopic(ctx context.Context, itemID int64) (*topics.Assignment, error)
	SynthesizeTopicSummary(ctx context.Context, topicID int64, targetLang string) error
}

// Translator translates long-form content. *translation.Manager satisfies it.
type Translator interface {
	TranslateText(ctx context.Context, text, targetLang, providerName string) (*translation.TranslateResponse, translation.SkipReason, error)
}

// DefaultPolicies returns the per-step retry budgets.
func DefaultPolicies() map[string]RetryPolicy {
	return map[string]RetryPolicy{
		StepFetchItem:          {MaxAttempts: 3, Delay: 200 * time.Millisecond, BackoffFactor: 2, Timeout: 10 * time.Second},
		StepAIAnalysis:         {MaxAttempts: 3, Delay: time.Second, BackoffFactor: 2, Timeout: 2 * time.Minute},
		StepTranslateContent:   {MaxAttempts: 3, Delay: time.Second, BackoffFactor: 2, Timeout: 3 * time.Minute},
		StepUpdateStore:        {MaxAttempts: 3, Delay: 500 * time.Millisecond, BackoffFactor: 2, Timeout: 15 * time.Second},
		StepGenerateHighlights: {MaxAttempts: 2, Delay: time.Second, BackoffFactor: 2, Timeout: 2 * time.Minute},
		StepGenerateEmbedding:  {MaxAttempts: 1, Delay: 0, BackoffFactor: 1, Timeout: time.Minute},
		StepSaveEmbedding:      {MaxAttempts: 3, Delay: 500 * time.Millisecond, BackoffFactor: 2, Timeout: 15 * time.Second},
		StepAssignTopic:        {MaxAttempts: 3, Delay: time.Second, BackoffFactor: 2, Timeout: 30 * time.Second},
		StepSynthesizeTopic:    {MaxAttempts: 2, Delay: 2 * time.Second, BackoffFactor: 2, Timeout: 2 * time.Minute},
	}
}

// Engine drives one item through the ordered enrichment steps, committing a
// checkpoint after each so a replayed instance resumes instead of redoing work.
type Engine struct {
	store       Store
	checkpoints CheckpointStore
	processors  map[string]Processor
	translator  Translator
	embedder    Embedder
	topics      TopicService
	policies    map[string]RetryPolicy
	targetLang  string

	// synthesisEnabled is false when no summarizer credential is configured;
	// the synthesize-topic step then always skips.
	synthesisEnabled bool

	sleep sleeper
	log   zerolog.Logger
}

type EngineConfig struct {
	Store            Store
	Checkpoints      CheckpointStore
	Processors       map[string]Processor
	Translator       Translator
	Embedder         Embedder
	Topics           TopicService
	Policies         map[string]RetryPolicy
	TargetLang       string
	SynthesisEnabled bool
	Logger           zerolog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Engine{
		store:            cfg.Store,
		checkpoints:      cfg.Checkpoints,
		processors:       cfg.Processors,
		translator:       cfg.Translator,
		embedder:         cfg.Embedder,
		topics:           cfg.Topics,
		policies:         policies,
		targetLang:       cfg.TargetLang,
		synthesisEnabled: cfg.SynthesisEnabled,
		sleep:            contextSleep,
		log:              cfg.Logger,
	}
}

// RunResult is the outcome of one instance invocation.
type RunResult struct {
	Key        Key
	Status     string
	FailedStep string
}

type step struct {
	name     string
	nonFatal bool
	run      func(ctx context.Context) (json.RawMessage, error)
	restore  func(ctx context.Context, result json.RawMessage) error
}

// runtime is the in-flight state one instance accumulates across steps.
// Restore hooks rebuild it from checkpoints when an instance is replayed.
type runtime struct {
	item             *db.Item
	analysis         *Analysis
	contentLocalized *string
	vectorLiteral    string
	embeddingSaved   bool
	assignment       *topics.Assignment
}

// Run executes or resumes the instance for (itemID, sourceType). Already-done
// steps are restored, never re-executed.
func (e *Engine) Run(ctx context.Context, itemID int64, sourceType string) (*RunResult, error) {
	if e == nil || e.store == nil || e.checkpoints == nil {
		return nil, fmt.Errorf("workflow engine is not initialized")
	}
	if !db.KnownSourceType(sourceType) {
		sourceType = db.SourceTypeDefault
	}
	key := Key{ItemID: itemID, SourceType: sourceType}

	existing, err := e.checkpoints.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints for item_id=%d: %w", itemID, err)
	}

	rt := &runtime{}
	for _, st := range e.buildSteps(key, rt) {
		if cp, ok := existing[st.name]; ok && cp.Status == StatusDone {
			if st.restore != nil {
				if rerr := st.restore(ctx, cp.Result); rerr != nil {
					return e.failInstance(ctx, key, st.name, fmt.Errorf("restore %s: %w", st.name, rerr))
				}
			}
			continue
		}

		result, rerr := e.runWithRetry(ctx, st)
		if rerr != nil {
			if st.name == StepFetchItem && errors.Is(rerr, db.ErrItemNotFound) {
				e.saveCheckpoint(ctx, key, st.name, StatusFailed, errorResult(rerr))
				e.log.Warn().Int64("item_id", itemID).Msg("item vanished before processing")
				return &RunResult{Key: key, Status: RunNotFound, FailedStep: st.name}, nil
			}
			if st.nonFatal {
				e.saveCheckpoint(ctx, key, st.name, StatusDone, errorResult(rerr))
				e.log.Warn().Err(rerr).Int64("item_id", itemID).Str("step", st.name).Msg("non-fatal step failed")
				continue
			}
			return e.failInstance(ctx, key, st.name, rerr)
		}

		if serr := e.saveCheckpoint(ctx, key, st.name, StatusDone, result); serr != nil {
			return nil, serr
		}
	}

	e.log.Info().Int64("item_id", itemID).Str("source_type", sourceType).Msg("workflow instance completed")
	return &RunResult{Key: key, Status: RunCompleted}, nil
}

func (e *Engine) failInstance(ctx context.Context, key Key, stepName string, cause error) (*RunResult, error) {
	e.saveCheckpoint(ctx, key, stepName, StatusFailed, errorResult(cause))
	e.log.Error().Err(cause).Int64("item_id", key.ItemID).Str("step", stepName).Msg("workflow instance failed")
	return &RunResult{Key: key, Status: RunFailed, FailedStep: stepName}, nil
}

func (e *Engine) saveCheckpoint(ctx context.Context, key Key, stepName, status string, result json.RawMessage) error {
	if err := e.checkpoints.Save(ctx, key, stepName, Checkpoint{Status: status, Result: result}); err != nil {
		return fmt.Errorf("save checkpoint %s for item_id=%d: %w", stepName, key.ItemID, err)
	}
	return nil
}

// runWithRetry drives one step through its retry budget. Terminal errors and
// context cancellation fail immediately; everything else waits out the
// backoff schedule.
func (e *Engine) runWithRetry(ctx context.Context, st step) (json.RawMessage, error) {
	policy := e.policies[st.name].normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}

		result, err := st.run(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}

		lastErr = err
		if IsTerminal(err) || ctx.Err() != nil {
			break
		}
		if attempt < policy.MaxAttempts {
			if serr := e.sleep(ctx, policy.delayFor(attempt)); serr != nil {
				break
			}
		}
	}
	return nil, lastErr
}

type skipResult struct {
	Skipped string `json:"skipped"`
}

func skippedResult(reason string) json.RawMessage {
	encoded, _ := json.Marshal(skipResult{Skipped: reason})
	return encoded
}

func errorResult(err error) json.RawMessage {
	encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
	return encoded
}

type analysisCheckpoint struct {
	Update      db.EnrichmentUpdate `json:"update"`
	Enrichments map[string]any      `json:"enrichments,omitempty"`
}

type translationCheckpoint struct {
	Skipped          string `json:"skipped,omitempty"`
	ContentLocalized string `json:"content_localized,omitempty"`
}

type embeddingCheckpoint struct {
	Vector string `json:"vector,omitempty"`
}

type saveEmbeddingCheckpoint struct {
	Saved   bool   `json:"saved"`
	Skipped string `json:"skipped,omitempty"`
}

func (e *Engine) processorFor(sourceType string) Processor {
	if proc, ok := e.processors[sourceType]; ok {
		return proc
	}
	return e.processors[db.SourceTypeDefault]
}

func (e *Engine) buildSteps(key Key, rt *runtime) []step {
	loadItem := func(ctx context.Context) error {
		item, err := e.store.GetItem(ctx, key.ItemID)
		if err != nil {
			return err
		}
		rt.item = item
		return nil
	}

	return []step{
		{
			name: StepFetchItem,
			run: func(ctx context.Context) (json.RawMessage, error) {
				if err := loadItem(ctx); err != nil {
					if errors.Is(err, db.ErrItemNotFound) {
						return nil, Terminal(err)
					}
					return nil, err
				}
				encoded, _ := json.Marshal(map[string]any{"url": rt.item.URL})
				return encoded, nil
			},
			// Loading is read-only, so restoring simply fetches current state.
			restore: func(ctx context.Context, _ json.RawMessage) error {
				return loadItem(ctx)
			},
		},
		{
			name: StepAIAnalysis,
			run: func(ctx context.Context) (json.RawMessage, error) {
				analysis, err := e.processorFor(key.SourceType).Analyze(ctx, rt.item)
				if err != nil {
					return nil, err
				}
				rt.analysis = analysis
				encoded, err := json.Marshal(analysisCheckpoint{Update: analysis.Update, Enrichments: analysis.Enrichments})
				if err != nil {
					return nil, fmt.Errorf("marshal analysis result: %w", err)
				}
				return encoded, nil
			},
			restore: func(_ context.Context, result json.RawMessage) error {
				var cp analysisCheckpoint
				if err := json.Unmarshal(result, &cp); err != nil {
					return err
				}
				rt.analysis = &Analysis{Update: cp.Update, Enrichments: cp.Enrichments}
				return nil
			},
		},
		{
			name: StepTranslateContent,
			run: func(ctx context.Context) (json.RawMessage, error) {
				if rt.item.Content == nil || strings.TrimSpace(*rt.item.Content) == "" {
					return skippedResult("no_content"), nil
				}
				if rt.item.ContentLocalized != nil && strings.TrimSpace(*rt.item.ContentLocalized) != "" {
					return skippedResult("already_translated"), nil
				}
				if e.translator == nil {
					return skippedResult("no_translator"), nil
				}

				resp, reason, err := e.translator.TranslateText(ctx, *rt.item.Content, e.targetLang, "")
				if err != nil {
					return nil, err
				}
				if reason != translation.SkipNone {
					encoded, _ := json.Marshal(translationCheckpoint{Skipped: string(reason)})
					return encoded, nil
				}

				rt.contentLocalized = &resp.Text
				encoded, err := json.Marshal(translationCheckpoint{ContentLocalized: resp.Text})
				if err != nil {
					return nil, fmt.Errorf("marshal translation result: %w", err)
				}
				return encoded, nil
			},
			restore: func(_ context.Context, result json.RawMessage) error {
				var cp translationCheckpoint
				if err := json.Unmarshal(result, &cp); err != nil {
					return nil
				}
				if cp.ContentLocalized != "" {
					rt.contentLocalized = &cp.ContentLocalized
				}
				return nil
			},
		},
		{
			name: StepUpdateStore,
			run: func(ctx context.Context) (json.RawMessage, error) {
				update := db.EnrichmentUpdate{}
				enrichments := map[string]any{}
				if rt.analysis != nil {
					update = rt.analysis.Update
					enrichments = rt.analysis.Enrichments
				}
				if rt.contentLocalized != nil {
					update.ContentLocalized = rt.contentLocalized
				}
				if update.IsEmpty() && len(enrichments) == 0 {
					return skippedResult("nothing_to_merge"), nil
				}

				now := globaltime.Now().UTC()
				if !update.IsEmpty() {
					if err := e.store.ApplyEnrichment(ctx, key.ItemID, update, now); err != nil {
						if errors.Is(err, db.ErrItemNotFound) {
							return nil, Terminal(err)
						}
						return nil, err
					}
				}
				if len(enrichments) > 0 {
					if err := e.store.MergeEnrichmentBag(ctx, key.ItemID, enrichments, now); err != nil {
						if errors.Is(err, db.ErrItemNotFound) {
							return nil, Terminal(err)
						}
						return nil, err
					}
				}
				encoded, _ := json.Marshal(map[string]bool{"merged": true})
				return encoded, nil
			},
		},
		{
			name: StepGenerateHighlights,
			run: func(ctx context.Context) (json.RawMessage, error) {
				if highlightsAlreadyGenerated(rt.item) {
					return skippedResult("already_generated"), nil
				}

				artifact, applicable, err := e.processorFor(key.SourceType).Highlights(ctx, rt.item)
				if err != nil {
					return nil, err
				}
				if !applicable {
					return skippedResult("not_applicable"), nil
				}
				if len(artifact) > 0 {
					if err := e.store.MergeEnrichmentBag(ctx, key.ItemID, artifact, globaltime.Now().UTC()); err != nil {
						return nil, err
					}
				}
				encoded, err := json.Marshal(artifact)
				if err != nil {
					return nil, fmt.Errorf("marshal highlights result: %w", err)
				}
				return encoded, nil
			},
		},
		{
			name: StepGenerateEmbedding,
			run: func(ctx context.Context) (json.RawMessage, error) {
				text := embeddingInput(rt.item, rt.analysis)
				if text == "" {
					return skippedResult("no_usable_text"), nil
				}
				if e.embedder == nil {
					return skippedResult("no_embedder"), nil
				}

				vector, err := e.embedder.Embed(ctx, text)
				if err != nil {
					// Fail-soft: an unavailable embedding service yields a
					// null embedding, not an instance failure.
					e.log.Warn().Err(err).Int64("item_id", key.ItemID).Msg("embedding unavailable")
					encoded, _ := json.Marshal(embeddingCheckpoint{})
					return encoded, nil
				}

				literal, err := ai.ToVectorLiteral(vector)
				if err != nil {
					e.log.Warn().Err(err).Int64("item_id", key.ItemID).Msg("embedding vector rejected")
					encoded, _ := json.Marshal(embeddingCheckpoint{})
					return encoded, nil
				}

				rt.vectorLiteral = literal
				encoded, merr := json.Marshal(embeddingCheckpoint{Vector: literal})
				if merr != nil {
					return nil, fmt.Errorf("marshal embedding result: %w", merr)
				}
				return encoded, nil
			},
			restore: func(_ context.Context, result json.RawMessage) error {
				var cp embeddingCheckpoint
				if err := json.Unmarshal(result, &cp); err != nil {
					return nil
				}
				rt.vectorLiteral = cp.Vector
				return nil
			},
		},
		{
			name: StepSaveEmbedding,
			run: func(ctx context.Context) (json.RawMessage, error) {
				if rt.vectorLiteral == "" {
					encoded, _ := json.Marshal(saveEmbeddingCheckpoint{Skipped: "no_embedding"})
					return encoded, nil
				}
				if err := e.store.SaveEmbedding(ctx, key.ItemID, rt.vectorLiteral, globaltime.Now().UTC()); err != nil {
					if errors.Is(err, db.ErrItemNotFound) {
						return nil, Terminal(err)
					}
					return nil, err
				}
				rt.embeddingSaved = true
				encoded, _ := json.Marshal(saveEmbeddingCheckpoint{Saved: true})
				return encoded, nil
			},
			restore: func(_ context.Context, result json.RawMessage) error {
				var cp saveEmbeddingCheckpoint
				if err := json.Unmarshal(result, &cp); err != nil {
					return nil
				}
				rt.embeddingSaved = cp.Saved
				return nil
			},
		},
		{
			name: StepAssignTopic,
			run: func(ctx context.Context) (json.RawMessage, error) {
				if !rt.embeddingSaved {
					return skippedResult("no_embedding"), nil
				}
				if e.topics == nil {
					return skippedResult("no_topic_engine"), nil
				}

				assignment, err := e.topics.AssignTopic(ctx, key.ItemID)
				if err != nil {
					if errors.Is(err, db.ErrItemNotFound) {
						return nil, Terminal(err)
					}
					return nil, err
				}
				rt.assignment = assignment
				encoded, merr := json.Marshal(assignment)
				if merr != nil {
					return nil, fmt.Errorf("marshal assignment result: %w", merr)
				}
				return encoded, nil
			},
			restore: func(_ context.Context, result json.RawMessage) error {
				var assignment topics.Assignment
				if err := json.Unmarshal(result, &assignment); err != nil {
					return nil
				}
				rt.assignment = &assignment
				return nil
			},
		},
		{
			name:     StepSynthesizeTopic,
			nonFatal: true,
			run: func(ctx context.Context) (json.RawMessage, error) {
				if rt.assignment == nil || !rt.assignment.Assigned || !rt.assignment.NeedsSynthesis {
					return skippedResult("not_flagged"), nil
				}
				if !e.synthesisEnabled || e.topics == nil {
					return skippedResult("no_summarizer_credential"), nil
				}

				if err := e.topics.SynthesizeTopicSummary(ctx, rt.assignment.TopicID, e.targetLang); err != nil {
					return nil, err
				}
				encoded, _ := json.Marshal(map[string]any{"topic_id": rt.assignment.TopicID})
				return encoded, nil
			},
		},
	}
}

func highlightsAlreadyGenerated(item *db.Item) bool {
	if item == nil || len(item.PlatformMetadata) == 0 {
		return false
	}
	var bag map[string]json.RawMessage
	if err := json.Unmarshal(item.PlatformMetadata, &bag); err != nil {
		return false
	}
	enrichments, ok := bag["enrichments"]
	if !ok {
		return false
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(enrichments, &inner); err != nil {
		return false
	}
	_, generated := inner["chapters"]
	return generated
}

// embeddingInput concatenates the item's title, summary and tags into the
// text the embedding is computed from.
func embeddingInput(item *db.Item, analysis *Analysis) string {
	parts := make([]string, 0, 3)
	if title := strings.TrimSpace(item.Title); title != "" {
		parts = append(parts, title)
	}

	summary := ""
	if analysis != nil && analysis.Update.Summary != nil {
		summary = strings.TrimSpace(*analysis.Update.Summary)
	}
	if summary == "" && item.Summary != nil {
		summary = strings.TrimSpace(*item.Summary)
	}
	if summary != "" {
		parts = append(parts, summary)
	}

	var tags []string
	if analysis != nil && len(analysis.Update.Tags) > 0 {
		tags = analysis.Update.Tags
	} else if len(item.Tags) > 0 {
		_ = json.Unmarshal(item.Tags, &tags)
	}
	if len(tags) > 0 {
		parts = append(parts, strings.Join(tags, ", "))
	}

	return strings.Join(parts, "\n\n")
}
