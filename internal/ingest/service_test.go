package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"newsriver/internal/db"
	"newsriver/internal/extract"
)

type fakeStore struct {
	mu       sync.Mutex
	existing map[string]db.ExistingItem
	nextID   int64

	inserted []db.Item
	enqueued []db.ItemProcessPayload
	upgrades []string

	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{existing: make(map[string]db.ExistingItem), nextID: 100}
}

func (f *fakeStore) FindItemsByURLs(_ context.Context, urls []string) (map[string]db.ExistingItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := make(map[string]db.ExistingItem)
	for _, u := range urls {
		if item, ok := f.existing[u]; ok {
			found[u] = item
		}
	}
	return found, nil
}

func (f *fakeStore) InsertItem(_ context.Context, item *db.Item) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	if _, ok := f.existing[item.URL]; ok {
		return 0, db.ErrDuplicateItem
	}
	f.nextID++
	f.existing[item.URL] = db.ExistingItem{ItemID: f.nextID, URL: item.URL, Source: item.Source}
	f.inserted = append(f.inserted, *item)
	return f.nextID, nil
}

func (f *fakeStore) UpgradeItemSource(_ context.Context, itemID int64, source string, _ json.RawMessage, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upgrades = append(f.upgrades, source)
	for u, item := range f.existing {
		if item.ItemID == itemID {
			item.Source = source
			f.existing[u] = item
		}
	}
	return nil
}

func (f *fakeStore) Enqueue(_ context.Context, kind string, payload any, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind != db.MessageKindItemProcess {
		return 0, errors.New("unexpected message kind")
	}
	f.enqueued = append(f.enqueued, payload.(db.ItemProcessPayload))
	return int64(len(f.enqueued)), nil
}

type staticExtractor struct {
	result *extract.Result
	err    error
	calls  int
	mu     sync.Mutex
}

func (e *staticExtractor) Extract(context.Context, string) (*extract.Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

func testService(store *fakeStore, extractor extract.Extractor) *Service {
	return NewService(store, extractor, zerolog.Nop())
}

func TestIngestBatchInsertsAndEnqueuesOncePerNewItem(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := testService(store, nil)

	report, err := svc.IngestBatch(context.Background(), []Entry{
		{URL: "https://example.com/a?utm_source=x", SourceLabel: "feed/one", SourceType: "rss", Title: "A", Content: "body a"},
		{URL: "https://example.com/b", SourceLabel: "feed/one", SourceType: "rss", Title: "B", Content: "body b"},
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	if len(report.InsertedIDs) != 2 {
		t.Fatalf("inserted = %d, want 2", len(report.InsertedIDs))
	}
	if len(store.enqueued) != 2 {
		t.Fatalf("enqueued = %d, want 2", len(store.enqueued))
	}
	for _, msg := range store.enqueued {
		if msg.SourceType != db.SourceTypeRSS {
			t.Fatalf("enqueued sourceType = %q, want %q", msg.SourceType, db.SourceTypeRSS)
		}
	}
	if store.inserted[0].URL != "https://example.com/a" && store.inserted[1].URL != "https://example.com/a" {
		t.Fatal("expected tracking params stripped before insert")
	}
}

func TestIngestBatchCollapsesInBatchDuplicates(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := testService(store, nil)

	report, err := svc.IngestBatch(context.Background(), []Entry{
		{URL: "https://example.com/story?utm_medium=rss", SourceLabel: "feed/one", SourceType: "rss", Title: "first", Content: "body"},
		{URL: "https://example.com/story", SourceLabel: "feed/two", SourceType: "rss", Title: "second", Content: "body"},
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	if len(report.InsertedIDs) != 1 {
		t.Fatalf("inserted = %d, want 1", len(report.InsertedIDs))
	}
	if report.Duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", report.Duplicates)
	}
	if len(store.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want exactly 1", len(store.enqueued))
	}
	if store.inserted[0].Title != "first" {
		t.Fatalf("kept title = %q, want first occurrence to win", store.inserted[0].Title)
	}
}

func TestIngestBatchUpgradesSourceWithoutEnqueue(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.existing["https://example.com/story"] = db.ExistingItem{ItemID: 7, URL: "https://example.com/story", Source: "hackernews"}
	svc := testService(store, nil)

	report, err := svc.IngestBatch(context.Background(), []Entry{
		{URL: "https://example.com/story", SourceLabel: "feed/frontpage", SourceType: "rss", Title: "t", Content: "c"},
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	if report.Upgraded != 1 {
		t.Fatalf("upgraded = %d, want 1", report.Upgraded)
	}
	if len(store.upgrades) != 1 || store.upgrades[0] != "feed/frontpage" {
		t.Fatalf("upgrades = %v, want [feed/frontpage]", store.upgrades)
	}
	if len(store.enqueued) != 0 {
		t.Fatalf("enqueued = %d, upgrades must never enqueue", len(store.enqueued))
	}
	if len(store.inserted) != 0 {
		t.Fatalf("inserted = %d, upgrades must never insert", len(store.inserted))
	}
}

func TestIngestBatchLowerPriorityRediscoveryIsNoOp(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.existing["https://example.com/story"] = db.ExistingItem{ItemID: 7, URL: "https://example.com/story", Source: "feed/frontpage"}
	svc := testService(store, nil)

	report, err := svc.IngestBatch(context.Background(), []Entry{
		{URL: "https://example.com/story", SourceLabel: "manual", SourceType: "web", Title: "t", Content: "c"},
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	if report.Upgraded != 0 {
		t.Fatalf("upgraded = %d, want 0", report.Upgraded)
	}
	if report.Duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", report.Duplicates)
	}
	if len(store.upgrades) != 0 {
		t.Fatalf("upgrades = %v, want none", store.upgrades)
	}
}

func TestIngestBatchSkipsFailedExtractionWithoutAbortingRun(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	extractor := &staticExtractor{err: errors.New("fetch status 503")}
	svc := testService(store, extractor)

	report, err := svc.IngestBatch(context.Background(), []Entry{
		{URL: "https://example.com/broken", SourceLabel: "manual", SourceType: "web"},
		{URL: "https://example.com/fine", SourceLabel: "manual", SourceType: "web", Title: "ok", Content: "already extracted"},
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	if report.Skipped != 1 {
		t.Fatalf("skipped = %d, want 1", report.Skipped)
	}
	if len(report.InsertedIDs) != 1 {
		t.Fatalf("inserted = %d, want the healthy entry to survive", len(report.InsertedIDs))
	}
}

func TestIngestBatchFillsMissingFieldsFromExtractor(t *testing.T) {
	t.Parallel()

	published := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := newFakeStore()
	extractor := &staticExtractor{result: &extract.Result{
		Title:       "Extracted Title",
		Content:     "long extracted body text",
		Summary:     "short take",
		OGImage:     "https://cdn.example.com/img.png",
		SiteName:    "Example News",
		PublishedAt: &published,
	}}
	svc := testService(store, extractor)

	report, err := svc.IngestBatch(context.Background(), []Entry{
		{URL: "https://example.com/piece", SourceLabel: "manual", SourceType: "web"},
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if len(report.InsertedIDs) != 1 {
		t.Fatalf("inserted = %d, want 1", len(report.InsertedIDs))
	}

	item := store.inserted[0]
	if item.Title != "Extracted Title" {
		t.Fatalf("title = %q", item.Title)
	}
	if item.Content == nil || *item.Content != "long extracted body text" {
		t.Fatal("content not filled from extractor")
	}
	if item.PublishedAt == nil || !item.PublishedAt.Equal(published) {
		t.Fatal("published_at not filled from extractor")
	}

	var bag map[string]any
	if err := json.Unmarshal(item.PlatformMetadata, &bag); err != nil {
		t.Fatalf("unmarshal platform metadata: %v", err)
	}
	if bag["og_image"] != "https://cdn.example.com/img.png" || bag["site_name"] != "Example News" {
		t.Fatalf("platform metadata = %v", bag)
	}
}

func TestIngestBatchUnknownSourceTypeFallsBackToDefault(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	svc := testService(store, nil)

	_, err := svc.IngestBatch(context.Background(), []Entry{
		{URL: "https://example.com/x", SourceLabel: "scraper-x", SourceType: "mastodon", Title: "t", Content: "c"},
	})
	if err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	if store.inserted[0].SourceType != db.SourceTypeDefault {
		t.Fatalf("source_type = %q, want %q", store.inserted[0].SourceType, db.SourceTypeDefault)
	}
	if store.enqueued[0].SourceType != db.SourceTypeDefault {
		t.Fatalf("enqueued sourceType = %q, want %q", store.enqueued[0].SourceType, db.SourceTypeDefault)
	}
}
