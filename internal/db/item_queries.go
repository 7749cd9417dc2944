package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrItemNotFound  = errors.New("item not found")
	ErrDuplicateItem = errors.New("item url already exists")
)

// existence checks are chunked to bound query size on large producer batches.
const urlLookupChunkSize = 50

// ExistingItem is the slice of an item row the dedup path needs.
type ExistingItem struct {
	ItemID           int64
	URL              string
	Source           string
	Title            string
	PlatformMetadata json.RawMessage
}

// FindItemsByURLs returns the stored items whose normalized URL appears in urls,
// keyed by URL. Lookups run in chunks of 50.
func (p *Pool) FindItemsByURLs(ctx context.Context, urls []string) (map[string]ExistingItem, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	found := make(map[string]ExistingItem, len(urls))
	for start := 0; start < len(urls); start += urlLookupChunkSize {
		end := min(start+urlLookupChunkSize, len(urls))
		chunk := urls[start:end]

		placeholders := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk))
		for i, u := range chunk {
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
			args = append(args, u)
		}

		q := fmt.Sprintf(`
SELECT item_id, url, source, title, platform_metadata
FROM river.items
WHERE url IN (%s)
`, strings.Join(placeholders, ", "))

		rows, err := p.Query(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("query items by url: %w", err)
		}
		for rows.Next() {
			var item ExistingItem
			if err := rows.Scan(&item.ItemID, &item.URL, &item.Source, &item.Title, &item.PlatformMetadata); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan existing item: %w", err)
			}
			found[item.URL] = item
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate existing items: %w", err)
		}
		rows.Close()
	}

	return found, nil
}

// InsertItem writes a new item row and returns its id. A concurrent insert of
// the same normalized URL surfaces as ErrDuplicateItem, never as a second row.
func (p *Pool) InsertItem(ctx context.Context, item *Item) (int64, error) {
	if p == nil {
		return 0, fmt.Errorf("database pool is not initialized")
	}
	if item == nil {
		return 0, fmt.Errorf("item is nil")
	}

	const q = `
INSERT INTO river.items (
	url,
	source_type,
	source,
	title,
	summary,
	content,
	tags,
	keywords,
	platform_metadata,
	published_at,
	ingested_at,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $11)
ON CONFLICT (url) DO NOTHING
RETURNING item_id
`

	var itemID int64
	err := p.QueryRow(
		ctx,
		q,
		item.URL,
		item.SourceType,
		item.Source,
		item.Title,
		item.Summary,
		item.Content,
		nullableJSON(item.Tags),
		nullableJSON(item.Keywords),
		nullableJSON(item.PlatformMetadata),
		item.PublishedAt,
		item.IngestedAt,
	).Scan(&itemID)
	if err != nil {
		if IsNoRows(err) {
			return 0, ErrDuplicateItem
		}
		return 0, fmt.Errorf("insert item url=%s: %w", item.URL, err)
	}
	return itemID, nil
}

// GetItem loads one item row by id.
func (p *Pool) GetItem(ctx context.Context, itemID int64) (*Item, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	const q = `
SELECT
	item_id,
	item_uuid::text,
	url,
	source_type,
	source,
	title,
	title_localized,
	summary,
	summary_localized,
	content,
	content_localized,
	tags,
	keywords,
	embedding::text,
	topic_id,
	platform_metadata,
	published_at,
	ingested_at,
	created_at,
	updated_at
FROM river.items
WHERE item_id = $1
`

	var item Item
	err := p.QueryRow(ctx, q, itemID).Scan(
		&item.ItemID,
		&item.ItemUUID,
		&item.URL,
		&item.SourceType,
		&item.Source,
		&item.Title,
		&item.TitleLocalized,
		&item.Summary,
		&item.SummaryLocalized,
		&item.Content,
		&item.ContentLocalized,
		&item.Tags,
		&item.Keywords,
		&item.Embedding,
		&item.TopicID,
		&item.PlatformMetadata,
		&item.PublishedAt,
		&item.IngestedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("query item id=%d: %w", itemID, err)
	}
	return &item, nil
}

// ResolveSourceType looks up an item's source type, used when fanning a batch
// message out into per-item workflow invocations.
func (p *Pool) ResolveSourceType(ctx context.Context, itemID int64) (string, error) {
	if p == nil {
		return "", fmt.Errorf("database pool is not initialized")
	}

	var sourceType string
	err := p.QueryRow(ctx, `SELECT source_type FROM river.items WHERE item_id = $1`, itemID).Scan(&sourceType)
	if err != nil {
		if IsNoRows(err) {
			return "", ErrItemNotFound
		}
		return "", fmt.Errorf("resolve source type item_id=%d: %w", itemID, err)
	}
	return sourceType, nil
}

// EnrichmentUpdate is a field-level partial merge; nil fields are left untouched.
type EnrichmentUpdate struct {
	TitleLocalized   *string
	Summary          *string
	SummaryLocalized *string
	ContentLocalized *string
	Tags             []string
	Keywords         []string
}

// IsEmpty reports whether the update would change nothing.
func (u EnrichmentUpdate) IsEmpty() bool {
	return u.TitleLocalized == nil &&
		u.Summary == nil &&
		u.SummaryLocalized == nil &&
		u.ContentLocalized == nil &&
		len(u.Tags) == 0 &&
		len(u.Keywords) == 0
}

// ApplyEnrichment merges enrichment fields into an item row. Only the provided
// fields are written; concurrent writers resolve last-write-wins per field.
func (p *Pool) ApplyEnrichment(ctx context.Context, itemID int64, update EnrichmentUpdate, now time.Time) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	if update.IsEmpty() {
		return nil
	}

	setClauses := make([]string, 0, 7)
	args := make([]any, 0, 8)

	addSet := func(column string, value any) {
		args = append(args, value)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.TitleLocalized != nil {
		addSet("title_localized", *update.TitleLocalized)
	}
	if update.Summary != nil {
		addSet("summary", *update.Summary)
	}
	if update.SummaryLocalized != nil {
		addSet("summary_localized", *update.SummaryLocalized)
	}
	if update.ContentLocalized != nil {
		addSet("content_localized", *update.ContentLocalized)
	}
	if len(update.Tags) > 0 {
		encoded, err := json.Marshal(update.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		addSet("tags", string(encoded))
	}
	if len(update.Keywords) > 0 {
		encoded, err := json.Marshal(update.Keywords)
		if err != nil {
			return fmt.Errorf("marshal keywords: %w", err)
		}
		addSet("keywords", string(encoded))
	}

	addSet("updated_at", now)
	args = append(args, itemID)

	q := fmt.Sprintf(`UPDATE river.items SET %s WHERE item_id = $%d`, strings.Join(setClauses, ", "), len(args))
	tag, err := p.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("apply enrichment item_id=%d: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

// MergeEnrichmentBag deep-merges new keys into platform_metadata.enrichments.
func (p *Pool) MergeEnrichmentBag(ctx context.Context, itemID int64, enrichments map[string]any, now time.Time) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	if len(enrichments) == 0 {
		return nil
	}

	encoded, err := json.Marshal(enrichments)
	if err != nil {
		return fmt.Errorf("marshal enrichments: %w", err)
	}

	const q = `
UPDATE river.items
SET
	platform_metadata = jsonb_set(
		COALESCE(platform_metadata, '{}'::jsonb),
		'{enrichments}',
		COALESCE(platform_metadata->'enrichments', '{}'::jsonb) || $2::jsonb,
		true
	),
	updated_at = $3
WHERE item_id = $1
`
	tag, err := p.Exec(ctx, q, itemID, string(encoded), now)
	if err != nil {
		return fmt.Errorf("merge enrichment bag item_id=%d: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

// UpgradeItemSource re-attributes provenance after a higher-priority producer
// rediscovered the item. Optionally replaces platform metadata in the same write.
func (p *Pool) UpgradeItemSource(ctx context.Context, itemID int64, source string, platformMetadata json.RawMessage, now time.Time) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	const q = `
UPDATE river.items
SET
	source = $2,
	platform_metadata = COALESCE($3::jsonb, platform_metadata),
	updated_at = $4
WHERE item_id = $1
`
	tag, err := p.Exec(ctx, q, itemID, source, nullableJSON(platformMetadata), now)
	if err != nil {
		return fmt.Errorf("upgrade item source item_id=%d: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

// SaveEmbedding persists an L2-normalized embedding vector literal.
func (p *Pool) SaveEmbedding(ctx context.Context, itemID int64, vectorLiteral string, now time.Time) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	if strings.TrimSpace(vectorLiteral) == "" {
		return fmt.Errorf("embedding vector literal is empty")
	}

	const q = `
UPDATE river.items
SET embedding = $2::vector, updated_at = $3
WHERE item_id = $1
`
	tag, err := p.Exec(ctx, q, itemID, vectorLiteral, now)
	if err != nil {
		return fmt.Errorf("save embedding item_id=%d: %w", itemID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
