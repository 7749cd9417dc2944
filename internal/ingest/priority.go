package ingest

import "strings"

// Feed-style producers (RSS feed labels) carry the highest provenance rank:
// a feed rediscovery may re-attribute an item found earlier by a social
// poller or a manual submission, never the other way around.
const feedSourceRank = 100

// Explicitly ranked low-priority source labels. Labels absent from this map
// and not feed-style rank 0.
var lowPrioritySourceRanks = map[string]int{
	"manual":     10,
	"web":        10,
	"twitter":    20,
	"hackernews": 30,
	"youtube":    30,
}

// SourceRank returns the static priority rank for a producer source label.
func SourceRank(label string) int {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if normalized == "" {
		return 0
	}
	if rank, ok := lowPrioritySourceRanks[normalized]; ok {
		return rank
	}
	if strings.HasPrefix(normalized, "feed/") || normalized == "rss" {
		return feedSourceRank
	}
	return 0
}

// ShouldUpgradeSource reports whether rediscovery by producer should
// re-attribute an item currently labeled existing. Equal ranks never upgrade,
// so applying the same upgrade twice is a no-op the second time.
func ShouldUpgradeSource(existing, producer string) bool {
	return SourceRank(producer) > SourceRank(existing)
}
