package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrTopicNotFound = errors.New("topic not found")

// NeighborItem is one nearest-neighbor candidate for topic assignment.
type NeighborItem struct {
	ItemID  int64
	TopicID *int64
	Cosine  float64
}

// FindSimilarItems returns up to limit items, other than itemID, whose cosine
// similarity to the given vector is >= threshold and whose ingest time falls
// within the trailing window ending at now.
func (p *Pool) FindSimilarItems(
	ctx context.Context,
	itemID int64,
	vectorLiteral string,
	window time.Duration,
	threshold float64,
	limit int,
	now time.Time,
) ([]NeighborItem, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	if strings.TrimSpace(vectorLiteral) == "" {
		return nil, fmt.Errorf("embedding vector literal is empty")
	}

	cutoff := now.Add(-window)

	const q = `
SELECT
	i.item_id,
	i.topic_id,
	(1 - (i.embedding <=> $1::vector))::DOUBLE PRECISION AS cosine
FROM river.items i
WHERE i.item_id <> $2
  AND i.embedding IS NOT NULL
  AND i.ingested_at >= $3
  AND (1 - (i.embedding <=> $1::vector)) >= $4
ORDER BY i.embedding <=> $1::vector ASC
LIMIT $5
`

	rows, err := p.Query(ctx, q, vectorLiteral, itemID, cutoff, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("query similar items: %w", err)
	}
	defer rows.Close()

	neighbors := make([]NeighborItem, 0, limit)
	for rows.Next() {
		var n NeighborItem
		if err := rows.Scan(&n.ItemID, &n.TopicID, &n.Cosine); err != nil {
			return nil, fmt.Errorf("scan neighbor item: %w", err)
		}
		neighbors = append(neighbors, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbor items: %w", err)
	}
	return neighbors, nil
}

// CreateTopic inserts a topic seeded from its founding item and returns its id.
func (p *Pool) CreateTopic(ctx context.Context, title string, canonicalItemID int64, now time.Time) (int64, error) {
	if p == nil {
		return 0, fmt.Errorf("database pool is not initialized")
	}

	const q = `
INSERT INTO river.topics (
	title,
	canonical_item_id,
	member_count,
	first_seen_at,
	last_seen_at,
	created_at,
	updated_at
)
VALUES ($1, $2, 0, $3, $3, $3, $3)
RETURNING topic_id
`
	var topicID int64
	if err := p.QueryRow(ctx, q, title, canonicalItemID, now).Scan(&topicID); err != nil {
		return 0, fmt.Errorf("insert topic for item_id=%d: %w", canonicalItemID, err)
	}
	return topicID, nil
}

// DeleteTopic removes a topic row; the compensating inverse of CreateTopic.
func (p *Pool) DeleteTopic(ctx context.Context, topicID int64) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	if _, err := p.Exec(ctx, `DELETE FROM river.topics WHERE topic_id = $1`, topicID); err != nil {
		return fmt.Errorf("delete topic topic_id=%d: %w", topicID, err)
	}
	return nil
}

// AssignTopicBatch sets topic_id on every listed item in one statement.
// Items that already carry a topic are left alone: assignment is set-once.
func (p *Pool) AssignTopicBatch(ctx context.Context, topicID int64, itemIDs []int64, now time.Time) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	if len(itemIDs) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(itemIDs))
	args := []any{topicID, now}
	for _, id := range itemIDs {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	q := fmt.Sprintf(`
UPDATE river.items
SET topic_id = $1, updated_at = $2
WHERE item_id IN (%s)
  AND topic_id IS NULL
`, strings.Join(placeholders, ", "))

	if _, err := p.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("assign topic_id=%d to %d items: %w", topicID, len(itemIDs), err)
	}
	return nil
}

// RecomputeTopicStats refreshes member count and first/last-seen from the
// topic's actual members and returns the resulting member count.
func (p *Pool) RecomputeTopicStats(ctx context.Context, topicID int64, now time.Time) (int, error) {
	if p == nil {
		return 0, fmt.Errorf("database pool is not initialized")
	}

	const q = `
UPDATE river.topics t
SET
	member_count = agg.member_count,
	first_seen_at = agg.first_seen_at,
	last_seen_at = agg.last_seen_at,
	updated_at = $2
FROM (
	SELECT
		COUNT(*)::INT AS member_count,
		MIN(COALESCE(i.published_at, i.ingested_at)) AS first_seen_at,
		MAX(COALESCE(i.published_at, i.ingested_at)) AS last_seen_at
	FROM river.items i
	WHERE i.topic_id = $1
) agg
WHERE t.topic_id = $1
  AND agg.member_count > 0
RETURNING t.member_count
`

	var memberCount int
	err := p.QueryRow(ctx, q, topicID, now).Scan(&memberCount)
	if err != nil {
		if IsNoRows(err) {
			return 0, ErrTopicNotFound
		}
		return 0, fmt.Errorf("recompute topic stats topic_id=%d: %w", topicID, err)
	}
	return memberCount, nil
}

// GetTopic loads one topic row by id.
func (p *Pool) GetTopic(ctx context.Context, topicID int64) (*Topic, error) {
	return p.queryTopic(ctx, `WHERE topic_id = $1`, topicID)
}

// GetTopicByUUID loads one topic row by its public uuid.
func (p *Pool) GetTopicByUUID(ctx context.Context, topicUUID string) (*Topic, error) {
	return p.queryTopic(ctx, `WHERE topic_uuid = $1::uuid`, topicUUID)
}

func (p *Pool) queryTopic(ctx context.Context, where string, arg any) (*Topic, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	q := `
SELECT
	topic_id,
	topic_uuid::text,
	title,
	title_localized,
	description,
	description_localized,
	canonical_item_id,
	member_count,
	first_seen_at,
	last_seen_at,
	synthesized_at,
	created_at,
	updated_at
FROM river.topics
` + where

	var topic Topic
	err := p.QueryRow(ctx, q, arg).Scan(
		&topic.TopicID,
		&topic.TopicUUID,
		&topic.Title,
		&topic.TitleLocalized,
		&topic.Description,
		&topic.DescriptionLocalized,
		&topic.CanonicalItemID,
		&topic.MemberCount,
		&topic.FirstSeenAt,
		&topic.LastSeenAt,
		&topic.SynthesizedAt,
		&topic.CreatedAt,
		&topic.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrTopicNotFound
		}
		return nil, fmt.Errorf("query topic: %w", err)
	}
	return &topic, nil
}

// TopicMember is the slice of a member item used to build synthesis prompts
// and the topic detail API.
type TopicMember struct {
	ItemID      int64
	ItemUUID    string
	URL         string
	Source      string
	Title       string
	Summary     *string
	Tags        []byte
	PublishedAt *time.Time
	IngestedAt  time.Time
}

// RecentTopicMembers returns up to limit member items, most recent first.
func (p *Pool) RecentTopicMembers(ctx context.Context, topicID int64, limit int) ([]TopicMember, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	const q = `
SELECT
	item_id,
	item_uuid::text,
	url,
	source,
	title,
	summary,
	tags,
	published_at,
	ingested_at
FROM river.items
WHERE topic_id = $1
ORDER BY COALESCE(published_at, ingested_at) DESC, item_id DESC
LIMIT $2
`

	rows, err := p.Query(ctx, q, topicID, limit)
	if err != nil {
		return nil, fmt.Errorf("query topic members topic_id=%d: %w", topicID, err)
	}
	defer rows.Close()

	members := make([]TopicMember, 0, limit)
	for rows.Next() {
		var m TopicMember
		if err := rows.Scan(
			&m.ItemID,
			&m.ItemUUID,
			&m.URL,
			&m.Source,
			&m.Title,
			&m.Summary,
			&m.Tags,
			&m.PublishedAt,
			&m.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan topic member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topic members: %w", err)
	}
	return members, nil
}

// UpdateTopicSummary overwrites the synthesized display fields in one write.
func (p *Pool) UpdateTopicSummary(
	ctx context.Context,
	topicID int64,
	title, titleLocalized, description, descriptionLocalized string,
	now time.Time,
) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	const q = `
UPDATE river.topics
SET
	title = $2,
	title_localized = $3,
	description = $4,
	description_localized = $5,
	synthesized_at = $6,
	updated_at = $6
WHERE topic_id = $1
`
	tag, err := p.Exec(ctx, q, topicID, title, titleLocalized, description, descriptionLocalized, now)
	if err != nil {
		return fmt.Errorf("update topic summary topic_id=%d: %w", topicID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTopicNotFound
	}
	return nil
}

// ListTopics returns topics ordered by recency for the read API.
func (p *Pool) ListTopics(ctx context.Context, limit, offset int) (int64, []Topic, error) {
	if p == nil {
		return 0, nil, fmt.Errorf("database pool is not initialized")
	}

	var total int64
	if err := p.QueryRow(ctx, `SELECT COUNT(*) FROM river.topics`).Scan(&total); err != nil {
		return 0, nil, fmt.Errorf("count topics: %w", err)
	}

	const q = `
SELECT
	topic_id,
	topic_uuid::text,
	title,
	title_localized,
	description,
	description_localized,
	canonical_item_id,
	member_count,
	first_seen_at,
	last_seen_at,
	synthesized_at,
	created_at,
	updated_at
FROM river.topics
ORDER BY last_seen_at DESC, topic_id DESC
LIMIT $1
OFFSET $2
`

	rows, err := p.Query(ctx, q, limit, offset)
	if err != nil {
		return 0, nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	topics := make([]Topic, 0, limit)
	for rows.Next() {
		var topic Topic
		if err := rows.Scan(
			&topic.TopicID,
			&topic.TopicUUID,
			&topic.Title,
			&topic.TitleLocalized,
			&topic.Description,
			&topic.DescriptionLocalized,
			&topic.CanonicalItemID,
			&topic.MemberCount,
			&topic.FirstSeenAt,
			&topic.LastSeenAt,
			&topic.SynthesizedAt,
			&topic.CreatedAt,
			&topic.UpdatedAt,
		); err != nil {
			return 0, nil, fmt.Errorf("scan topic row: %w", err)
		}
		topics = append(topics, topic)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate topic rows: %w", err)
	}
	return total, topics, nil
}
