package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"newsriver/internal/db"
	"newsriver/internal/extract"
	"newsriver/internal/globaltime"
)

const defaultInsertConcurrency = 4

// Store is the slice of the datastore the ingestion path uses.
// *db.Pool satisfies it.
type Store interface {
	FindItemsByURLs(ctx context.Context, urls []string) (map[string]db.ExistingItem, error)
	InsertItem(ctx context.Context, item *db.Item) (int64, error)
	UpgradeItemSource(ctx context.Context, itemID int64, source string, platformMetadata json.RawMessage, now time.Time) error
	Enqueue(ctx context.Context, kind string, payload any, now time.Time) (int64, error)
}

// Entry is one raw producer tuple: the URL plus whatever metadata the
// producer already resolved. Missing fields are filled by the extractor.
type Entry struct {
	URL              string
	SourceLabel      string
	SourceType       string
	Title            string
	Summary          string
	Content          string
	PublishedAt      *time.Time
	PlatformMetadata map[string]any
}

// Outcome is the per-URL result of one ingestion run, keyed by normalized URL
// in Report.Outcomes. In-batch duplicates share the first occurrence's outcome.
type Outcome struct {
	ItemID        int64
	Title         string
	AlreadyExists bool
	Err           string
}

// Report summarizes one ingestion run.
type Report struct {
	Received    int
	InsertedIDs []int64
	Upgraded    int
	Duplicates  int
	Skipped     int
	Outcomes    map[string]Outcome
}

// Service runs batch ingestion: normalize, dedup against the store, insert
// new items and enqueue their processing, upgrade provenance on rediscovery.
type Service struct {
	store       Store
	extractor   extract.Extractor
	log         zerolog.Logger
	concurrency int
}

func NewService(store Store, extractor extract.Extractor, logger zerolog.Logger) *Service {
	return &Service{
		store:       store,
		extractor:   extractor,
		log:         logger,
		concurrency: defaultInsertConcurrency,
	}
}

// IngestBatch processes one producer batch. Failures are isolated per entry:
// a bad URL or a failed extraction skips that entry and never aborts the run.
func (s *Service) IngestBatch(ctx context.Context, entries []Entry) (*Report, error) {
	if s == nil || s.store == nil {
		return nil, fmt.Errorf("ingest service is not initialized")
	}

	report := &Report{Received: len(entries), Outcomes: make(map[string]Outcome, len(entries))}
	if len(entries) == 0 {
		return report, nil
	}

	// Normalize and collapse in-batch duplicates, first occurrence wins.
	unique := make([]Entry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		canonical, _ := NormalizeURL(entry.URL)
		if canonical == "" {
			report.Skipped++
			report.Outcomes[entry.URL] = Outcome{Err: "invalid url"}
			s.log.Warn().Str("url", entry.URL).Msg("skipping entry with unparseable url")
			continue
		}
		if _, dup := seen[canonical]; dup {
			report.Duplicates++
			continue
		}
		seen[canonical] = struct{}{}
		entry.URL = canonical
		unique = append(unique, entry)
	}
	if len(unique) == 0 {
		return report, nil
	}

	urls := make([]string, 0, len(unique))
	for _, entry := range unique {
		urls = append(urls, entry.URL)
	}

	existing, err := s.store.FindItemsByURLs(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("check existing items: %w", err)
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)

	for _, entry := range unique {
		if found, ok := existing[entry.URL]; ok {
			upgraded, uerr := s.maybeUpgrade(ctx, found, entry)
			mu.Lock()
			switch {
			case uerr != nil:
				report.Skipped++
				s.log.Error().Err(uerr).Str("url", entry.URL).Msg("source upgrade failed")
			case upgraded:
				report.Upgraded++
			default:
				report.Duplicates++
			}
			report.Outcomes[entry.URL] = Outcome{ItemID: found.ItemID, Title: found.Title, AlreadyExists: true}
			mu.Unlock()
			continue
		}

		entry := entry
		group.Go(func() error {
			itemID, title, ierr := s.insertOne(groupCtx, entry)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case ierr == nil:
				report.InsertedIDs = append(report.InsertedIDs, itemID)
				report.Outcomes[entry.URL] = Outcome{ItemID: itemID, Title: title}
			case errors.Is(ierr, db.ErrDuplicateItem):
				report.Duplicates++
				report.Outcomes[entry.URL] = Outcome{AlreadyExists: true}
			default:
				report.Skipped++
				report.Outcomes[entry.URL] = Outcome{Err: ierr.Error()}
				s.log.Error().Err(ierr).Str("url", entry.URL).Msg("item ingestion failed")
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return report, fmt.Errorf("ingest batch: %w", err)
	}
	return report, nil
}

// insertOne resolves metadata for a genuinely new URL, writes the item row and
// enqueues exactly one processing message for it. The returned title reflects
// extractor enrichment.
func (s *Service) insertOne(ctx context.Context, entry Entry) (int64, string, error) {
	if err := s.enrichFromExtractor(ctx, &entry); err != nil {
		return 0, "", err
	}

	sourceType := entry.SourceType
	if !db.KnownSourceType(sourceType) {
		sourceType = db.SourceTypeDefault
	}

	now := globaltime.Now().UTC()
	item := &db.Item{
		URL:         entry.URL,
		SourceType:  sourceType,
		Source:      entry.SourceLabel,
		Title:       entry.Title,
		PublishedAt: entry.PublishedAt,
		IngestedAt:  now,
	}
	if entry.Summary != "" {
		item.Summary = &entry.Summary
	}
	if entry.Content != "" {
		item.Content = &entry.Content
	}
	if len(entry.PlatformMetadata) > 0 {
		encoded, err := json.Marshal(entry.PlatformMetadata)
		if err != nil {
			return 0, "", fmt.Errorf("marshal platform metadata: %w", err)
		}
		item.PlatformMetadata = encoded
	}

	itemID, err := s.store.InsertItem(ctx, item)
	if err != nil {
		return 0, "", err
	}

	payload := db.ItemProcessPayload{ItemID: itemID, SourceType: sourceType}
	if _, err := s.store.Enqueue(ctx, db.MessageKindItemProcess, payload, now); err != nil {
		return 0, "", fmt.Errorf("enqueue processing for item_id=%d: %w", itemID, err)
	}
	return itemID, entry.Title, nil
}

// enrichFromExtractor fills entry fields the producer did not resolve. Entries
// that already carry content skip the fetch entirely.
func (s *Service) enrichFromExtractor(ctx context.Context, entry *Entry) error {
	if s.extractor == nil || entry.Content != "" {
		return nil
	}

	result, err := s.extractor.Extract(ctx, entry.URL)
	if err != nil {
		if errors.Is(err, extract.ErrContentTooShort) && entry.Title != "" {
			// Producer metadata is enough to store the item; the workflow
			// enriches from title and summary alone.
			return nil
		}
		return fmt.Errorf("extract metadata: %w", err)
	}

	if entry.Title == "" {
		entry.Title = result.Title
	}
	if entry.Summary == "" {
		entry.Summary = result.Summary
	}
	entry.Content = result.Content
	if entry.PublishedAt == nil {
		entry.PublishedAt = result.PublishedAt
	}
	if len(result.PlatformMetadata) > 0 || result.OGImage != "" || result.SiteName != "" {
		if entry.PlatformMetadata == nil {
			entry.PlatformMetadata = make(map[string]any)
		}
		for key, value := range result.PlatformMetadata {
			if _, taken := entry.PlatformMetadata[key]; !taken {
				entry.PlatformMetadata[key] = value
			}
		}
		if result.OGImage != "" {
			entry.PlatformMetadata["og_image"] = result.OGImage
		}
		if result.SiteName != "" {
			entry.PlatformMetadata["site_name"] = result.SiteName
		}
	}
	return nil
}

// maybeUpgrade applies the source-priority rule to an already-stored item.
// Upgrades mutate provenance only and never enqueue reprocessing.
func (s *Service) maybeUpgrade(ctx context.Context, found db.ExistingItem, entry Entry) (bool, error) {
	if !ShouldUpgradeSource(found.Source, entry.SourceLabel) {
		return false, nil
	}

	var metadata json.RawMessage
	if hasDiscussionLink(found.PlatformMetadata) && len(entry.PlatformMetadata) > 0 {
		encoded, err := json.Marshal(entry.PlatformMetadata)
		if err != nil {
			return false, fmt.Errorf("marshal upgrade metadata: %w", err)
		}
		metadata = encoded
	}

	now := globaltime.Now().UTC()
	if err := s.store.UpgradeItemSource(ctx, found.ItemID, entry.SourceLabel, metadata, now); err != nil {
		return false, err
	}

	s.log.Info().
		Int64("item_id", found.ItemID).
		Str("from", found.Source).
		Str("to", entry.SourceLabel).
		Msg("upgraded item source")
	return true, nil
}

// hasDiscussionLink reports whether stored platform metadata carries an
// external discussion URL, the signal that richer producer metadata is worth
// attaching during an upgrade.
func hasDiscussionLink(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var bag map[string]any
	if err := json.Unmarshal(raw, &bag); err != nil {
		return false
	}
	for _, key := range []string{"discussion_url", "discussionUrl", "comments_url"} {
		if value, ok := bag[key].(string); ok && value != "" {
			return true
		}
	}
	return false
}
