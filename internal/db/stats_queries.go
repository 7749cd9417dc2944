package db

import (
	"context"
	"fmt"
	"time"
)

// Stats are the service-wide counters exposed by the stats endpoint.
type Stats struct {
	Items              int64            `json:"items"`
	ItemsWithEmbedding int64            `json:"items_with_embedding"`
	ClusteredItems     int64            `json:"clustered_items"`
	Topics             int64            `json:"topics"`
	SynthesizedTopics  int64            `json:"synthesized_topics"`
	PendingMessages    int64            `json:"pending_messages"`
	FailedMessages     int64            `json:"failed_messages"`
	LastIngestedAt     *time.Time       `json:"last_ingested_at,omitempty"`
	LastTopicSeenAt    *time.Time       `json:"last_topic_seen_at,omitempty"`
	ItemsBySourceType  map[string]int64 `json:"items_by_source_type"`
}

func (p *Pool) CollectStats(ctx context.Context) (*Stats, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	const q = `
SELECT
	(SELECT COUNT(*) FROM river.items) AS items,
	(SELECT COUNT(*) FROM river.items WHERE embedding IS NOT NULL) AS items_with_embedding,
	(SELECT COUNT(*) FROM river.items WHERE topic_id IS NOT NULL) AS clustered_items,
	(SELECT COUNT(*) FROM river.topics) AS topics,
	(SELECT COUNT(*) FROM river.topics WHERE synthesized_at IS NOT NULL) AS synthesized_topics,
	(SELECT COUNT(*) FROM river.queue_messages WHERE status = 'pending') AS pending_messages,
	(SELECT COUNT(*) FROM river.queue_messages WHERE status = 'failed') AS failed_messages,
	(SELECT MAX(ingested_at) FROM river.items) AS last_ingested_at,
	(SELECT MAX(last_seen_at) FROM river.topics) AS last_topic_seen_at
`

	var stats Stats
	if err := p.QueryRow(ctx, q).Scan(
		&stats.Items,
		&stats.ItemsWithEmbedding,
		&stats.ClusteredItems,
		&stats.Topics,
		&stats.SynthesizedTopics,
		&stats.PendingMessages,
		&stats.FailedMessages,
		&stats.LastIngestedAt,
		&stats.LastTopicSeenAt,
	); err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}

	const bySourceQuery = `
SELECT source_type, COUNT(*)::BIGINT
FROM river.items
GROUP BY source_type
ORDER BY source_type
`
	rows, err := p.Query(ctx, bySourceQuery)
	if err != nil {
		return nil, fmt.Errorf("query items by source type: %w", err)
	}
	defer rows.Close()

	stats.ItemsBySourceType = map[string]int64{}
	for rows.Next() {
		var sourceType string
		var count int64
		if err := rows.Scan(&sourceType, &count); err != nil {
			return nil, fmt.Errorf("scan source type count: %w", err)
		}
		stats.ItemsBySourceType[sourceType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source type counts: %w", err)
	}

	return &stats, nil
}
