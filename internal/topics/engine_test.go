package topics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"newsriver/internal/db"
	"newsriver/internal/globaltime"
)

type memoryStore struct {
	items  map[int64]*db.Item
	topics map[int64]*db.Topic
	nextID int64

	assignBatchErr error
	deletedTopics  []int64
	updatedSummary *db.Topic
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		items:  make(map[int64]*db.Item),
		topics: make(map[int64]*db.Topic),
		nextID: 1000,
	}
}

func (s *memoryStore) addItem(itemID int64, title string, vector []float64, ingestedAt time.Time) {
	literal := vectorLiteral(vector)
	s.items[itemID] = &db.Item{
		ItemID:     itemID,
		Title:      title,
		Embedding:  &literal,
		IngestedAt: ingestedAt,
	}
}

func (s *memoryStore) GetItem(_ context.Context, itemID int64) (*db.Item, error) {
	item, ok := s.items[itemID]
	if !ok {
		return nil, db.ErrItemNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *memoryStore) FindSimilarItems(
	_ context.Context,
	itemID int64,
	literal string,
	window time.Duration,
	threshold float64,
	limit int,
	now time.Time,
) ([]db.NeighborItem, error) {
	probe := parseVector(literal)
	cutoff := now.Add(-window)

	neighbors := make([]db.NeighborItem, 0)
	for _, item := range s.items {
		if item.ItemID == itemID || item.Embedding == nil {
			continue
		}
		if item.IngestedAt.Before(cutoff) {
			continue
		}
		cos := cosine(probe, parseVector(*item.Embedding))
		if cos < threshold {
			continue
		}
		neighbors = append(neighbors, db.NeighborItem{ItemID: item.ItemID, TopicID: item.TopicID, Cosine: cos})
	}

	sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].Cosine > neighbors[j].Cosine })
	if len(neighbors) > limit {
		neighbors = neighbors[:limit]
	}
	return neighbors, nil
}

func (s *memoryStore) CreateTopic(_ context.Context, title string, canonicalItemID int64, now time.Time) (int64, error) {
	s.nextID++
	s.topics[s.nextID] = &db.Topic{
		TopicID:         s.nextID,
		Title:           title,
		CanonicalItemID: canonicalItemID,
		FirstSeenAt:     now,
		LastSeenAt:      now,
	}
	return s.nextID, nil
}

func (s *memoryStore) DeleteTopic(_ context.Context, topicID int64) error {
	delete(s.topics, topicID)
	s.deletedTopics = append(s.deletedTopics, topicID)
	return nil
}

func (s *memoryStore) AssignTopicBatch(_ context.Context, topicID int64, itemIDs []int64, _ time.Time) error {
	if s.assignBatchErr != nil {
		return s.assignBatchErr
	}
	for _, id := range itemIDs {
		item, ok := s.items[id]
		if ok && item.TopicID == nil {
			assigned := topicID
			item.TopicID = &assigned
		}
	}
	return nil
}

func (s *memoryStore) RecomputeTopicStats(_ context.Context, topicID int64, _ time.Time) (int, error) {
	topic, ok := s.topics[topicID]
	if !ok {
		return 0, db.ErrTopicNotFound
	}
	count := 0
	for _, item := range s.items {
		if item.TopicID != nil && *item.TopicID == topicID {
			count++
		}
	}
	topic.MemberCount = count
	return count, nil
}

func (s *memoryStore) GetTopic(_ context.Context, topicID int64) (*db.Topic, error) {
	topic, ok := s.topics[topicID]
	if !ok {
		return nil, db.ErrTopicNotFound
	}
	copied := *topic
	return &copied, nil
}

func (s *memoryStore) RecentTopicMembers(_ context.Context, topicID int64, limit int) ([]db.TopicMember, error) {
	members := make([]db.TopicMember, 0)
	for _, item := range s.items {
		if item.TopicID != nil && *item.TopicID == topicID {
			members = append(members, db.TopicMember{
				ItemID:  item.ItemID,
				Title:   item.Title,
				Source:  item.Source,
				Summary: item.Summary,
			})
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ItemID > members[j].ItemID })
	if len(members) > limit {
		members = members[:limit]
	}
	return members, nil
}

func (s *memoryStore) UpdateTopicSummary(_ context.Context, topicID int64, title, titleLocalized, description, descriptionLocalized string, now time.Time) error {
	topic, ok := s.topics[topicID]
	if !ok {
		return db.ErrTopicNotFound
	}
	topic.Title = title
	topic.TitleLocalized = &titleLocalized
	topic.Description = &description
	topic.DescriptionLocalized = &descriptionLocalized
	topic.SynthesizedAt = &now
	s.updatedSummary = topic
	return nil
}

func vectorLiteral(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func parseVector(literal string) []float64 {
	trimmed := strings.Trim(strings.TrimSpace(literal), "[]")
	parts := strings.Split(trimmed, ",")
	values := make([]float64, len(parts))
	for i, part := range parts {
		values[i], _ = strconv.ParseFloat(strings.TrimSpace(part), 64)
	}
	return values
}

func cosine(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// unitAt builds a vector whose cosine against the first axis is exactly sim,
// with its residual mass on the given spare axis so vectors built on distinct
// spare axes stay dissimilar from each other.
func unitAt(sim float64, spareAxis int) []float64 {
	v := make([]float64, 8)
	v[0] = sim
	v[spareAxis] = math.Sqrt(1 - sim*sim)
	return v
}

func testEngine(store Store) *Engine {
	return NewEngine(store, nil, zerolog.Nop())
}

func TestAssignTopicEndToEndScenario(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(now)
	defer globaltime.ResetTime()

	store := newMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()

	axis := make([]float64, 8)
	axis[0] = 1

	// A: no neighbors yet.
	store.addItem(1, "item A", axis, now.Add(-time.Hour))
	a, err := engine.AssignTopic(ctx, 1)
	if err != nil {
		t.Fatalf("assign A: %v", err)
	}
	if a.Assigned {
		t.Fatal("A should remain topicless with no neighbors")
	}

	// B: similarity 0.90 to A inside the window, no topic-bearing neighbor.
	store.addItem(2, "item B", unitAt(0.90, 1), now.Add(-30*time.Minute))
	b, err := engine.AssignTopic(ctx, 2)
	if err != nil {
		t.Fatalf("assign B: %v", err)
	}
	if !b.Assigned || !b.IsNewTopic {
		t.Fatalf("B should found a new topic, got %+v", b)
	}
	if b.MemberCount != 2 {
		t.Fatalf("member count = %d, want 2", b.MemberCount)
	}
	if !b.NeedsSynthesis {
		t.Fatal("a new 2-member topic needs synthesis")
	}
	if store.items[1].TopicID == nil || *store.items[1].TopicID != b.TopicID {
		t.Fatal("A was not pulled into the founding batch")
	}

	// C: similarity 0.90 to A; A now carries a topic, so C joins it.
	store.addItem(3, "item C", unitAt(0.90, 2), now.Add(-10*time.Minute))
	c, err := engine.AssignTopic(ctx, 3)
	if err != nil {
		t.Fatalf("assign C: %v", err)
	}
	if !c.Assigned || c.IsNewTopic {
		t.Fatalf("C should join the existing topic, got %+v", c)
	}
	if c.TopicID != b.TopicID {
		t.Fatalf("C joined topic %d, want %d", c.TopicID, b.TopicID)
	}
	if c.MemberCount != 3 {
		t.Fatalf("member count = %d, want 3", c.MemberCount)
	}
	if !c.NeedsSynthesis {
		t.Fatal("count 3 is a synthesis mark")
	}

	// D: similarity 0.80 to A, below threshold against every member.
	store.addItem(4, "item D", unitAt(0.80, 3), now.Add(-5*time.Minute))
	d, err := engine.AssignTopic(ctx, 4)
	if err != nil {
		t.Fatalf("assign D: %v", err)
	}
	if d.Assigned {
		t.Fatal("D should remain topicless below the similarity threshold")
	}
	if store.items[4].TopicID != nil {
		t.Fatal("D must not carry a topic")
	}
}

func TestAssignTopicThresholdBoundary(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(now)
	defer globaltime.ResetTime()

	store := newMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()

	axis := make([]float64, 8)
	axis[0] = 1
	store.addItem(1, "anchor", axis, now.Add(-time.Hour))

	store.addItem(2, "just below", unitAt(0.84, 1), now.Add(-time.Minute))
	below, err := engine.AssignTopic(ctx, 2)
	if err != nil {
		t.Fatalf("assign below-threshold: %v", err)
	}
	if below.Assigned {
		t.Fatal("similarity 0.84 must not cluster")
	}

	store.addItem(3, "at threshold", unitAt(0.86, 2), now.Add(-time.Minute))
	at, err := engine.AssignTopic(ctx, 3)
	if err != nil {
		t.Fatalf("assign at-threshold: %v", err)
	}
	if !at.Assigned {
		t.Fatal("similarity above 0.85 must cluster")
	}
}

func TestAssignTopicTimeWindow(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(now)
	defer globaltime.ResetTime()

	store := newMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()

	axis := make([]float64, 8)
	axis[0] = 1

	// Anchor ingested 8 days ago falls outside the trailing window.
	store.addItem(1, "stale anchor", axis, now.Add(-8*24*time.Hour))
	store.addItem(2, "fresh", unitAt(0.90, 1), now.Add(-time.Hour))

	fresh, err := engine.AssignTopic(ctx, 2)
	if err != nil {
		t.Fatalf("assign fresh: %v", err)
	}
	if fresh.Assigned {
		t.Fatal("a neighbor outside the 7-day window must not cluster")
	}
}

func TestAssignTopicPreconditions(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(now)
	defer globaltime.ResetTime()

	store := newMemoryStore()
	engine := testEngine(store)
	ctx := context.Background()

	// No embedding.
	store.items[1] = &db.Item{ItemID: 1, Title: "no embedding", IngestedAt: now}
	result, err := engine.AssignTopic(ctx, 1)
	if err != nil {
		t.Fatalf("assign without embedding: %v", err)
	}
	if result.Assigned {
		t.Fatal("items without an embedding are a no-op")
	}

	// Topic already assigned.
	existing := int64(55)
	literal := vectorLiteral(unitAt(1, 1))
	store.items[2] = &db.Item{ItemID: 2, Title: "clustered", Embedding: &literal, TopicID: &existing, IngestedAt: now}
	result, err = engine.AssignTopic(ctx, 2)
	if err != nil {
		t.Fatalf("assign already-clustered: %v", err)
	}
	if result.Assigned {
		t.Fatal("re-clustering must never happen")
	}

	// Missing item surfaces the store error.
	if _, err := engine.AssignTopic(ctx, 404); !errors.Is(err, db.ErrItemNotFound) {
		t.Fatalf("err = %v, want ErrItemNotFound", err)
	}
}

func TestCreateTopicCompensatesOnBatchFailure(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	globaltime.SetMockTime(now)
	defer globaltime.ResetTime()

	store := newMemoryStore()
	store.assignBatchErr = errors.New("datastore write failed")
	engine := testEngine(store)
	ctx := context.Background()

	axis := make([]float64, 8)
	axis[0] = 1
	store.addItem(1, "anchor", axis, now.Add(-time.Hour))
	store.addItem(2, "joiner", unitAt(0.92, 1), now.Add(-time.Minute))

	result, err := engine.AssignTopic(ctx, 2)
	if err != nil {
		t.Fatalf("assign with failing batch: %v", err)
	}
	if result.Assigned {
		t.Fatal("failed founding batch must report a no-op")
	}
	if len(store.deletedTopics) != 1 {
		t.Fatalf("deleted topics = %v, want the just-created topic removed", store.deletedTopics)
	}
	if len(store.topics) != 0 {
		t.Fatal("no orphan topic may survive a failed founding batch")
	}
}

func TestNeedsSynthesisCadence(t *testing.T) {
	t.Parallel()

	synthCounts := map[int]bool{2: true, 3: true, 5: true, 10: true}
	for count := 1; count <= 12; count++ {
		want := synthCounts[count]
		if got := needsSynthesis(false, count); got != want {
			t.Fatalf("needsSynthesis(false, %d) = %v, want %v", count, got, want)
		}
	}

	// A new topic always synthesizes once it has a second member.
	for count := 2; count <= 12; count++ {
		if !needsSynthesis(true, count) {
			t.Fatalf("needsSynthesis(true, %d) = false, want true", count)
		}
	}
	if needsSynthesis(true, 1) {
		t.Fatal("a single-member topic never synthesizes")
	}
}

type scriptedCompleter struct {
	response string
	err      error
	prompts  []string
}

func (c *scriptedCompleter) Complete(_ context.Context, _ string, userPrompt string) (string, error) {
	c.prompts = append(c.prompts, userPrompt)
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

func synthesisFixture(t *testing.T) (*memoryStore, int64) {
	t.Helper()

	store := newMemoryStore()
	topicID, err := store.CreateTopic(context.Background(), "seed title", 1, time.Now())
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	summary := "what happened"
	for i := int64(1); i <= 3; i++ {
		assigned := topicID
		store.items[i] = &db.Item{
			ItemID:  i,
			Title:   fmt.Sprintf("member %d", i),
			Source:  "feed/example",
			Summary: &summary,
			TopicID: &assigned,
		}
	}
	return store, topicID
}

func TestSynthesizeTopicSummaryAppliesValidResponse(t *testing.T) {
	store, topicID := synthesisFixture(t)
	completer := &scriptedCompleter{
		response: "```json\n{\"title\":\"New Headline\",\"title_localized\":\"新标题\",\"description\":\"What happened.\",\"description_localized\":\"发生了什么。\"}\n```",
	}
	engine := NewEngine(store, completer, zerolog.Nop())

	if err := engine.SynthesizeTopicSummary(context.Background(), topicID, "zh"); err != nil {
		t.Fatalf("SynthesizeTopicSummary: %v", err)
	}

	topic := store.topics[topicID]
	if topic.Title != "New Headline" {
		t.Fatalf("title = %q", topic.Title)
	}
	if topic.TitleLocalized == nil || *topic.TitleLocalized != "新标题" {
		t.Fatal("localized title not applied")
	}
	if topic.SynthesizedAt == nil {
		t.Fatal("synthesized_at not set")
	}
	if len(completer.prompts) != 1 || !strings.Contains(completer.prompts[0], "member 1") {
		t.Fatalf("prompt did not enumerate members: %q", completer.prompts)
	}
}

func TestSynthesizeTopicSummaryRejectsMalformedResponse(t *testing.T) {
	store, topicID := synthesisFixture(t)
	completer := &scriptedCompleter{response: `{"title":"only a title"}`}
	engine := NewEngine(store, completer, zerolog.Nop())

	if err := engine.SynthesizeTopicSummary(context.Background(), topicID, "zh"); err == nil {
		t.Fatal("expected malformed response to fail")
	}

	topic := store.topics[topicID]
	if topic.Title != "seed title" {
		t.Fatalf("title = %q, a malformed result must never partially apply", topic.Title)
	}
	if topic.SynthesizedAt != nil {
		t.Fatal("synthesized_at must stay unset on failure")
	}
}

func TestSynthesizeTopicSummaryFailsWithoutCompleter(t *testing.T) {
	store, topicID := synthesisFixture(t)
	engine := testEngine(store)

	if err := engine.SynthesizeTopicSummary(context.Background(), topicID, "zh"); err == nil {
		t.Fatal("expected error when no summarizer is configured")
	}
}
