package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"newsriver/internal/db"
	"newsriver/internal/ingest"
)

const (
	defaultFetchTimeout    = 30 * time.Second
	defaultFeedConcurrency = 4
	maxEntriesPerFeed      = 200
)

// Ingestor accepts one producer batch. *ingest.Service satisfies it.
type Ingestor interface {
	IngestBatch(ctx context.Context, entries []ingest.Entry) (*ingest.Report, error)
}

// Poller fetches configured RSS/Atom feeds and hands their entries to the
// ingestion service as one batch per feed.
type Poller struct {
	urls        []string
	ingestor    Ingestor
	parser      *gofeed.Parser
	concurrency int
	log         zerolog.Logger
}

func NewPoller(urls []string, ingestor Ingestor, logger zerolog.Logger) *Poller {
	parser := gofeed.NewParser()
	parser.Client = &http.Client{Timeout: defaultFetchTimeout}
	return &Poller{
		urls:        urls,
		ingestor:    ingestor,
		parser:      parser,
		concurrency: defaultFeedConcurrency,
		log:         logger,
	}
}

// PollAll fetches every configured feed concurrently. A feed that fails to
// fetch or parse is logged and skipped; the run aggregates what succeeded.
func (p *Poller) PollAll(ctx context.Context) (*ingest.Report, error) {
	if p == nil || p.ingestor == nil {
		return nil, fmt.Errorf("feed poller is not initialized")
	}

	total := &ingest.Report{}
	if len(p.urls) == 0 {
		return total, nil
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)

	for _, feedURL := range p.urls {
		feedURL := feedURL
		group.Go(func() error {
			report, err := p.pollOne(groupCtx, feedURL)
			if err != nil {
				p.log.Error().Err(err).Str("feed_url", feedURL).Msg("feed poll failed")
				return nil
			}

			mu.Lock()
			total.Received += report.Received
			total.InsertedIDs = append(total.InsertedIDs, report.InsertedIDs...)
			total.Upgraded += report.Upgraded
			total.Duplicates += report.Duplicates
			total.Skipped += report.Skipped
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return total, fmt.Errorf("poll feeds: %w", err)
	}
	return total, nil
}

func (p *Poller) pollOne(ctx context.Context, feedURL string) (*ingest.Report, error) {
	parsed, err := p.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	entries := ConvertFeed(parsed)
	report, err := p.ingestor.IngestBatch(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("ingest feed batch: %w", err)
	}

	p.log.Info().
		Str("feed_url", feedURL).
		Str("feed_title", parsed.Title).
		Int("entries", len(entries)).
		Int("inserted", len(report.InsertedIDs)).
		Int("duplicates", report.Duplicates).
		Msg("feed polled")
	return report, nil
}

// RunEvery polls all feeds immediately and then on every tick until ctx is
// canceled.
func (p *Poller) RunEvery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollAll(ctx); err != nil {
			p.log.Error().Err(err).Msg("feed poll cycle failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ConvertFeed maps parsed feed items onto producer entries. Entries keep the
// feed-level provenance label so rediscovery by a feed outranks social pollers.
func ConvertFeed(parsed *gofeed.Feed) []ingest.Entry {
	if parsed == nil {
		return nil
	}

	label := FeedLabel(parsed.Title)
	entries := make([]ingest.Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil || strings.TrimSpace(item.Link) == "" {
			continue
		}
		if len(entries) == maxEntriesPerFeed {
			break
		}

		entry := ingest.Entry{
			URL:         strings.TrimSpace(item.Link),
			SourceLabel: label,
			SourceType:  db.SourceTypeRSS,
			Title:       strings.TrimSpace(item.Title),
			Summary:     strings.TrimSpace(item.Description),
			PublishedAt: item.PublishedParsed,
		}
		if item.Content != "" {
			entry.Content = strings.TrimSpace(item.Content)
		}

		metadata := map[string]any{}
		if len(item.Categories) > 0 {
			metadata["categories"] = item.Categories
		}
		if len(item.Authors) > 0 && item.Authors[0] != nil && item.Authors[0].Name != "" {
			metadata["author"] = item.Authors[0].Name
		}
		if item.Image != nil && item.Image.URL != "" {
			metadata["og_image"] = item.Image.URL
		}
		if len(metadata) > 0 {
			entry.PlatformMetadata = metadata
		}

		entries = append(entries, entry)
	}
	return entries
}

// FeedLabel derives the provenance label "feed/<slug>" from a feed title.
// Untitled feeds fall back to the bare "rss" label, which ranks the same.
func FeedLabel(title string) string {
	slug := strings.ToLower(strings.TrimSpace(title))
	slug = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ', r == '-', r == '_', r == '.':
			return '-'
		default:
			return -1
		}
	}, slug)
	slug = strings.Trim(slug, "-")
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	if slug == "" {
		return "rss"
	}
	return "feed/" + slug
}
