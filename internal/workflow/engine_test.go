package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"newsriver/internal/db"
	"newsriver/internal/topics"
	"newsriver/internal/translation"
)

type fakeStore struct {
	items map[int64]*db.Item

	enrichmentCalls int
	bagCalls        int
	saveCalls       int

	saveEmbeddingErr   error
	applyEnrichmentErr error

	lastUpdate db.EnrichmentUpdate
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[int64]*db.Item)}
}

func (s *fakeStore) addItem(item *db.Item) {
	s.items[item.ItemID] = item
}

func (s *fakeStore) GetItem(_ context.Context, itemID int64) (*db.Item, error) {
	item, ok := s.items[itemID]
	if !ok {
		return nil, db.ErrItemNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *fakeStore) ApplyEnrichment(_ context.Context, itemID int64, update db.EnrichmentUpdate, _ time.Time) error {
	if s.applyEnrichmentErr != nil {
		return s.applyEnrichmentErr
	}
	if _, ok := s.items[itemID]; !ok {
		return db.ErrItemNotFound
	}
	s.enrichmentCalls++
	s.lastUpdate = update
	return nil
}

func (s *fakeStore) MergeEnrichmentBag(_ context.Context, itemID int64, _ map[string]any, _ time.Time) error {
	if _, ok := s.items[itemID]; !ok {
		return db.ErrItemNotFound
	}
	s.bagCalls++
	return nil
}

func (s *fakeStore) SaveEmbedding(_ context.Context, itemID int64, literal string, _ time.Time) error {
	if s.saveEmbeddingErr != nil {
		return s.saveEmbeddingErr
	}
	item, ok := s.items[itemID]
	if !ok {
		return db.ErrItemNotFound
	}
	item.Embedding = &literal
	s.saveCalls++
	return nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (e *fakeEmbedder) Embed(context.Context, string) ([]float64, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	vector := make([]float64, 1024)
	vector[0] = 1
	return vector, nil
}

type fakeTopics struct {
	assignment    *topics.Assignment
	assignErr     error
	assignCalls   int
	synthErr      error
	synthCalls    int
	lastSynthesis int64
}

func (t *fakeTopics) AssignTopic(context.Context, int64) (*topics.Assignment, error) {
	t.assignCalls++
	if t.assignErr != nil {
		return nil, t.assignErr
	}
	if t.assignment == nil {
		return &topics.Assignment{}, nil
	}
	return t.assignment, nil
}

func (t *fakeTopics) SynthesizeTopicSummary(_ context.Context, topicID int64, _ string) error {
	t.synthCalls++
	t.lastSynthesis = topicID
	return t.synthErr
}

type fakeTranslator struct {
	calls int
}

func (f *fakeTranslator) TranslateText(_ context.Context, text, _, _ string) (*translation.TranslateResponse, translation.SkipReason, error) {
	f.calls++
	return &translation.TranslateResponse{Text: "translated: " + text}, translation.SkipNone, nil
}

type fixture struct {
	store       *fakeStore
	checkpoints *MemoryCheckpointStore
	embedder    *fakeEmbedder
	topics      *fakeTopics
	engine      *Engine
	sleeps      []time.Duration
}

func fastPolicies() map[string]RetryPolicy {
	policies := DefaultPolicies()
	for name, policy := range policies {
		policy.Delay = time.Millisecond
		policy.Timeout = time.Second
		policies[name] = policy
	}
	return policies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:       newFakeStore(),
		checkpoints: NewMemoryCheckpointStore(),
		embedder:    &fakeEmbedder{},
		topics:      &fakeTopics{},
	}
	f.engine = NewEngine(EngineConfig{
		Store:            f.store,
		Checkpoints:      f.checkpoints,
		Processors:       NewProcessorSet(nil, "en", zerolog.Nop()),
		Embedder:         f.embedder,
		Topics:           f.topics,
		Policies:         fastPolicies(),
		TargetLang:       "en",
		SynthesisEnabled: true,
		Logger:           zerolog.Nop(),
	})
	f.engine.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	return f
}

func seedItem(f *fixture, itemID int64, sourceType string) {
	content := "A reasonably long body of article text used by the enrichment steps."
	f.store.addItem(&db.Item{
		ItemID:     itemID,
		URL:        "https://example.com/a",
		SourceType: sourceType,
		Source:     "feed/example",
		Title:      "Example headline",
		Content:    &content,
	})
}

func TestRunExecutesAllStepsInOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedItem(f, 1, db.SourceTypeWeb)
	f.topics.assignment = &topics.Assignment{Assigned: true, TopicID: 9, MemberCount: 2, NeedsSynthesis: true}

	result, err := f.engine.Run(context.Background(), 1, db.SourceTypeWeb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("status = %q, want completed", result.Status)
	}

	checkpoints, _ := f.checkpoints.Load(context.Background(), result.Key)
	for _, name := range StepOrder {
		cp, ok := checkpoints[name]
		if !ok {
			t.Fatalf("step %s has no checkpoint", name)
		}
		if cp.Status != StatusDone {
			t.Fatalf("step %s status = %q, want done", name, cp.Status)
		}
	}

	if f.store.enrichmentCalls != 1 {
		t.Fatalf("enrichment writes = %d, want 1", f.store.enrichmentCalls)
	}
	if f.store.saveCalls != 1 {
		t.Fatalf("embedding writes = %d, want 1", f.store.saveCalls)
	}
	if f.topics.assignCalls != 1 {
		t.Fatalf("assign calls = %d, want 1", f.topics.assignCalls)
	}
	if f.topics.synthCalls != 1 || f.topics.lastSynthesis != 9 {
		t.Fatalf("synthesis calls = %d topic = %d, want 1 call for topic 9", f.topics.synthCalls, f.topics.lastSynthesis)
	}
}

func TestRunResumesAfterCrashWithoutRepeatingSideEffects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedItem(f, 1, db.SourceTypeWeb)
	f.topics.assignment = &topics.Assignment{Assigned: true, TopicID: 3, MemberCount: 2, NeedsSynthesis: false}

	// First invocation dies at save-embedding: everything before it is done.
	f.store.saveEmbeddingErr = errors.New("datastore hiccup")
	result, err := f.engine.Run(context.Background(), 1, db.SourceTypeWeb)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if result.Status != RunFailed || result.FailedStep != StepSaveEmbedding {
		t.Fatalf("first run = %+v, want failure at save-embedding", result)
	}
	if f.store.enrichmentCalls != 1 {
		t.Fatalf("enrichment writes before crash = %d, want 1", f.store.enrichmentCalls)
	}

	// Replay with the store healthy again: earlier side effects must not rerun.
	f.store.saveEmbeddingErr = nil
	result, err = f.engine.Run(context.Background(), 1, db.SourceTypeWeb)
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("resumed status = %q, want completed", result.Status)
	}

	if f.store.enrichmentCalls != 1 {
		t.Fatalf("enrichment writes after resume = %d, a done step re-ran its side effect", f.store.enrichmentCalls)
	}
	if f.embedder.calls != 1 {
		t.Fatalf("embedder calls = %d, a done generate-embedding must restore from its checkpoint", f.embedder.calls)
	}
	if f.store.saveCalls != 1 {
		t.Fatalf("embedding writes = %d, want exactly 1", f.store.saveCalls)
	}
	if f.topics.assignCalls != 1 {
		t.Fatalf("assign calls = %d, want exactly 1", f.topics.assignCalls)
	}
}

func TestRunRetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedItem(f, 1, db.SourceTypeWeb)
	f.store.applyEnrichmentErr = errors.New("write failed")
	f.engine.policies[StepUpdateStore] = RetryPolicy{MaxAttempts: 3, Delay: 100 * time.Millisecond, BackoffFactor: 2, Timeout: time.Second}

	result, err := f.engine.Run(context.Background(), 1, db.SourceTypeWeb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunFailed || result.FailedStep != StepUpdateStore {
		t.Fatalf("result = %+v, want failure at update-store", result)
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(f.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", f.sleeps, want)
	}
	for i, d := range want {
		if f.sleeps[i] != d {
			t.Fatalf("sleep[%d] = %v, want %v", i, f.sleeps[i], d)
		}
	}
}

func TestRunFailedInstanceNeverSkipsAhead(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedItem(f, 1, db.SourceTypeWeb)
	f.store.applyEnrichmentErr = errors.New("write failed")

	result, err := f.engine.Run(context.Background(), 1, db.SourceTypeWeb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}

	if f.embedder.calls != 0 {
		t.Fatal("later steps ran after an earlier step exhausted its retries")
	}
	if f.topics.assignCalls != 0 {
		t.Fatal("assign-topic ran after instance failure")
	}
}

func TestRunMissingItemShortCircuits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	result, err := f.engine.Run(context.Background(), 404, db.SourceTypeWeb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunNotFound {
		t.Fatalf("status = %q, want not_found", result.Status)
	}
	if len(f.sleeps) != 0 {
		t.Fatal("a vanished item must not be retried")
	}
	if f.store.enrichmentCalls != 0 || f.embedder.calls != 0 {
		t.Fatal("no later step may run after not_found")
	}
}

func TestRunEmbeddingFailSoft(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedItem(f, 1, db.SourceTypeWeb)
	f.embedder.err = errors.New("embedding service down")

	result, err := f.engine.Run(context.Background(), 1, db.SourceTypeWeb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("status = %q, an unavailable embedder must not fail the instance", result.Status)
	}
	if f.store.saveCalls != 0 {
		t.Fatal("save-embedding must skip a null embedding")
	}
	if f.topics.assignCalls != 0 {
		t.Fatal("assign-topic must skip without a saved embedding")
	}
}

func TestRunSynthesisFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedItem(f, 1, db.SourceTypeWeb)
	f.topics.assignment = &topics.Assignment{Assigned: true, TopicID: 5, MemberCount: 2, NeedsSynthesis: true}
	f.topics.synthErr = errors.New("summarizer down")

	result, err := f.engine.Run(context.Background(), 1, db.SourceTypeWeb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("status = %q, synthesis failure must not fail the instance", result.Status)
	}

	status, err := f.engine.Status(context.Background(), result.Key)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != InstanceCompleted {
		t.Fatalf("derived status = %q, want completed", status.Status)
	}
}

func TestRunSkipsSynthesisWithoutCredential(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedItem(f, 1, db.SourceTypeWeb)
	f.topics.assignment = &topics.Assignment{Assigned: true, TopicID: 5, MemberCount: 2, NeedsSynthesis: true}
	f.engine.synthesisEnabled = false

	result, err := f.engine.Run(context.Background(), 1, db.SourceTypeWeb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("status = %q, want completed", result.Status)
	}
	if f.topics.synthCalls != 0 {
		t.Fatal("synthesis must skip without a summarizer credential")
	}
}

func TestRunTranslatesLongFormContent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	translator := &fakeTranslator{}
	f.engine.translator = translator
	seedItem(f, 1, db.SourceTypeWeb)

	result, err := f.engine.Run(context.Background(), 1, db.SourceTypeWeb)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("status = %q, want completed", result.Status)
	}
	if translator.calls != 1 {
		t.Fatalf("translator calls = %d, want 1", translator.calls)
	}
	if f.store.lastUpdate.ContentLocalized == nil {
		t.Fatal("translated content was not merged into the store update")
	}
}

func TestStatusDerivation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	key := Key{ItemID: 7, SourceType: db.SourceTypeWeb}

	status, err := f.engine.Status(ctx, key)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Status != InstancePending {
		t.Fatalf("empty instance status = %q, want pending", status.Status)
	}

	_ = f.checkpoints.Save(ctx, key, StepFetchItem, Checkpoint{Status: StatusDone})
	status, _ = f.engine.Status(ctx, key)
	if status.Status != InstanceRunning {
		t.Fatalf("partial instance status = %q, want running", status.Status)
	}

	_ = f.checkpoints.Save(ctx, key, StepAIAnalysis, Checkpoint{Status: StatusFailed})
	status, _ = f.engine.Status(ctx, key)
	if status.Status != InstanceFailed {
		t.Fatalf("failed instance status = %q, want failed", status.Status)
	}
}

func TestUnknownSourceTypeFallsBackToDefaultProcessor(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	seedItem(f, 1, "mastodon")

	result, err := f.engine.Run(context.Background(), 1, "mastodon")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != RunCompleted {
		t.Fatalf("status = %q, want completed", result.Status)
	}
	if result.Key.SourceType != db.SourceTypeDefault {
		t.Fatalf("instance source type = %q, want default", result.Key.SourceType)
	}
}
