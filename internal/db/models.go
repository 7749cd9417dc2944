package db

import (
	"encoding/json"
	"time"
)

// Closed set of platform variants an item can carry.
const (
	SourceTypeDefault    = "default"
	SourceTypeRSS        = "rss"
	SourceTypeTwitter    = "twitter"
	SourceTypeYouTube    = "youtube"
	SourceTypeHackerNews = "hackernews"
	SourceTypeWeb        = "web"
)

// KnownSourceType reports whether sourceType is one of the closed set;
// unknown values dispatch to the default processor.
func KnownSourceType(sourceType string) bool {
	switch sourceType {
	case SourceTypeDefault, SourceTypeRSS, SourceTypeTwitter, SourceTypeYouTube, SourceTypeHackerNews, SourceTypeWeb:
		return true
	default:
		return false
	}
}

// Item maps river.items. URL is stored normalized and is unique across all items.
// TopicID is assigned at most once; there is no automatic re-clustering.
type Item struct {
	ItemID           int64           `gorm:"column:item_id;primaryKey;autoIncrement"`
	ItemUUID         string          `gorm:"column:item_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	URL              string          `gorm:"column:url;type:text;not null;unique"`
	SourceType       string          `gorm:"column:source_type;type:text;not null;default:default"`
	Source           string          `gorm:"column:source;type:text;not null"`
	Title            string          `gorm:"column:title;type:text;not null;default:''"`
	TitleLocalized   *string         `gorm:"column:title_localized;type:text"`
	Summary          *string         `gorm:"column:summary;type:text"`
	SummaryLocalized *string         `gorm:"column:summary_localized;type:text"`
	Content          *string         `gorm:"column:content;type:text"`
	ContentLocalized *string         `gorm:"column:content_localized;type:text"`
	Tags             json.RawMessage `gorm:"column:tags;type:jsonb"`
	Keywords         json.RawMessage `gorm:"column:keywords;type:jsonb"`
	Embedding        *string         `gorm:"column:embedding;type:vector(1024)"`
	TopicID          *int64          `gorm:"column:topic_id;type:bigint"`
	PlatformMetadata json.RawMessage `gorm:"column:platform_metadata;type:jsonb"`
	PublishedAt      *time.Time      `gorm:"column:published_at;type:timestamptz"`
	IngestedAt       time.Time       `gorm:"column:ingested_at;type:timestamptz;not null;default:now()"`
	CreatedAt        time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt        time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Item) TableName() string { return "river.items" }

// Topic maps river.topics.
type Topic struct {
	TopicID              int64      `gorm:"column:topic_id;primaryKey;autoIncrement"`
	TopicUUID            string     `gorm:"column:topic_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Title                string     `gorm:"column:title;type:text;not null"`
	TitleLocalized       *string    `gorm:"column:title_localized;type:text"`
	Description          *string    `gorm:"column:description;type:text"`
	DescriptionLocalized *string    `gorm:"column:description_localized;type:text"`
	CanonicalItemID      int64      `gorm:"column:canonical_item_id;type:bigint;not null"`
	MemberCount          int        `gorm:"column:member_count;type:integer;not null;default:0"`
	FirstSeenAt          time.Time  `gorm:"column:first_seen_at;type:timestamptz;not null"`
	LastSeenAt           time.Time  `gorm:"column:last_seen_at;type:timestamptz;not null"`
	SynthesizedAt        *time.Time `gorm:"column:synthesized_at;type:timestamptz"`
	CreatedAt            time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt            time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Topic) TableName() string { return "river.topics" }

// WorkflowCheckpoint maps river.workflow_checkpoints.
// One row per (item, source type, step); a step whose status is done never
// re-runs its side effects on replay.
type WorkflowCheckpoint struct {
	ItemID     int64           `gorm:"column:item_id;type:bigint;primaryKey"`
	SourceType string          `gorm:"column:source_type;type:text;primaryKey"`
	StepName   string          `gorm:"column:step_name;type:text;primaryKey"`
	Status     string          `gorm:"column:status;type:text;not null;default:pending"`
	Result     json.RawMessage `gorm:"column:result;type:jsonb"`
	CreatedAt  time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (WorkflowCheckpoint) TableName() string { return "river.workflow_checkpoints" }

// QueueMessage maps river.queue_messages, the DB-backed processing queue
// between ingestion and the workflow orchestrator.
type QueueMessage struct {
	MessageID int64           `gorm:"column:message_id;primaryKey;autoIncrement"`
	Kind      string          `gorm:"column:kind;type:text;not null"`
	Payload   json.RawMessage `gorm:"column:payload;type:jsonb;not null"`
	Status    string          `gorm:"column:status;type:text;not null;default:pending"`
	Attempts  int             `gorm:"column:attempts;type:integer;not null;default:0"`
	ClaimedAt *time.Time      `gorm:"column:claimed_at;type:timestamptz"`
	CreatedAt time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (QueueMessage) TableName() string { return "river.queue_messages" }

func autoMigrateModels() []any {
	return []any{
		&Item{},
		&Topic{},
		&WorkflowCheckpoint{},
		&QueueMessage{},
	}
}
