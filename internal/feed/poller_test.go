package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"newsriver/internal/db"
	"newsriver/internal/ingest"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Daily Signal Review</title>
    <item>
      <title>Grid storage hits a new price floor</title>
      <link>https://example.com/grid-storage</link>
      <description>Utility-scale batteries fell below the coal floor price.</description>
      <category>energy</category>
      <pubDate>Mon, 18 Aug 2025 09:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Untitled link is still ingestible</title>
      <link>https://example.com/second</link>
    </item>
    <item>
      <title>No link, dropped</title>
    </item>
  </channel>
</rss>`

type captureIngestor struct {
	mu      sync.Mutex
	batches [][]ingest.Entry
}

func (c *captureIngestor) IngestBatch(_ context.Context, entries []ingest.Entry) (*ingest.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, entries)
	report := &ingest.Report{Received: len(entries)}
	for range entries {
		report.InsertedIDs = append(report.InsertedIDs, int64(len(report.InsertedIDs)+1))
	}
	return report, nil
}

func TestPollAllConvertsFeedEntries(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	ingestor := &captureIngestor{}
	poller := NewPoller([]string{server.URL}, ingestor, zerolog.Nop())

	report, err := poller.PollAll(context.Background())
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if report.Received != 2 {
		t.Fatalf("received = %d, want 2 (the linkless item is dropped)", report.Received)
	}

	if len(ingestor.batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(ingestor.batches))
	}
	entries := ingestor.batches[0]

	first := entries[0]
	if first.URL != "https://example.com/grid-storage" {
		t.Fatalf("url = %q", first.URL)
	}
	if first.SourceType != db.SourceTypeRSS {
		t.Fatalf("source type = %q, want rss", first.SourceType)
	}
	if first.SourceLabel != "feed/daily-signal-review" {
		t.Fatalf("source label = %q", first.SourceLabel)
	}
	if first.PublishedAt == nil {
		t.Fatal("published date was not parsed")
	}
	if first.PlatformMetadata["categories"] == nil {
		t.Fatal("categories were not carried into platform metadata")
	}
	if ingest.SourceRank(first.SourceLabel) != 100 {
		t.Fatalf("feed label rank = %d, want 100", ingest.SourceRank(first.SourceLabel))
	}
}

func TestPollAllSkipsBrokenFeeds(t *testing.T) {
	t.Parallel()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(sampleRSS))
	}))
	defer healthy.Close()

	ingestor := &captureIngestor{}
	poller := NewPoller([]string{broken.URL, healthy.URL}, ingestor, zerolog.Nop())

	report, err := poller.PollAll(context.Background())
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if report.Received != 2 {
		t.Fatalf("received = %d, a broken feed must not sink the healthy one", report.Received)
	}
}

func TestFeedLabel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		title string
		want  string
	}{
		{"Daily Signal Review", "feed/daily-signal-review"},
		{"  Ars.Technica -- Policy  ", "feed/ars-technica-policy"},
		{"", "rss"},
		{"数字版", "rss"},
	}
	for _, tc := range cases {
		if got := FeedLabel(tc.title); got != tc.want {
			t.Fatalf("FeedLabel(%q) = %q, want %q", tc.title, got, tc.want)
		}
	}
}
