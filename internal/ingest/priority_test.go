package ingest

import "testing"

func TestSourceRank(t *testing.T) {
	t.Parallel()

	cases := []struct {
		label string
		rank  int
	}{
		{"feed/techmeme", 100},
		{"rss", 100},
		{"RSS", 100},
		{"manual", 10},
		{"web", 10},
		{"twitter", 20},
		{"hackernews", 30},
		{"youtube", 30},
		{"something-new", 0},
		{"", 0},
	}

	for _, tc := range cases {
		if got := SourceRank(tc.label); got != tc.rank {
			t.Fatalf("SourceRank(%q) = %d, want %d", tc.label, got, tc.rank)
		}
	}
}

func TestShouldUpgradeSource(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		existing string
		producer string
		upgrade  bool
	}{
		{"feed over social poller", "hackernews", "feed/hn-frontpage", true},
		{"feed over manual", "manual", "rss", true},
		{"social over unknown", "scraper-x", "twitter", true},
		{"manual never over feed", "feed/techmeme", "manual", false},
		{"equal rank is a no-op", "twitter", "twitter", false},
		{"unknown never upgrades", "manual", "scraper-x", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := ShouldUpgradeSource(tc.existing, tc.producer); got != tc.upgrade {
				t.Fatalf("ShouldUpgradeSource(%q, %q) = %v, want %v", tc.existing, tc.producer, got, tc.upgrade)
			}
		})
	}
}

func TestUpgradeIsIdempotent(t *testing.T) {
	t.Parallel()

	// After one upgrade the item carries the producer's label, so replaying
	// the same producer batch must not upgrade again.
	existing := "hackernews"
	producer := "feed/hn-frontpage"

	if !ShouldUpgradeSource(existing, producer) {
		t.Fatal("expected first pass to upgrade")
	}
	if ShouldUpgradeSource(producer, producer) {
		t.Fatal("expected replayed pass to be a no-op")
	}
}
