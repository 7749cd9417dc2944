package topics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"newsriver/internal/db"
	"newsriver/internal/globaltime"
)

const (
	// MaxCandidates bounds the nearest-neighbor search per assignment.
	MaxCandidates = 10
	// TimeWindow is the trailing ingest window neighbors must fall in.
	TimeWindow = 7 * 24 * time.Hour
	// SimilarityThreshold is the minimum cosine similarity for membership.
	SimilarityThreshold = 0.85

	maxSynthesisMembers = 20
)

// Store is the slice of the datastore the clustering engine uses.
// *db.Pool satisfies it.
type Store interface {
	GetItem(ctx context.Context, itemID int64) (*db.Item, error)
	FindSimilarItems(ctx context.Context, itemID int64, vectorLiteral string, window time.Duration, threshold float64, limit int, now time.Time) ([]db.NeighborItem, error)
	CreateTopic(ctx context.Context, title string, canonicalItemID int64, now time.Time) (int64, error)
	DeleteTopic(ctx context.Context, topicID int64) error
	AssignTopicBatch(ctx context.Context, topicID int64, itemIDs []int64, now time.Time) error
	RecomputeTopicStats(ctx context.Context, topicID int64, now time.Time) (int, error)
	GetTopic(ctx context.Context, topicID int64) (*db.Topic, error)
	RecentTopicMembers(ctx context.Context, topicID int64, limit int) ([]db.TopicMember, error)
	UpdateTopicSummary(ctx context.Context, topicID int64, title, titleLocalized, description, descriptionLocalized string, now time.Time) error
}

// Completer produces a raw assistant response for one prompt pair.
// *ai.CompletionClient satisfies it.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Assignment is the outcome of one clustering call. Assigned is false for
// every no-op path: missing preconditions, no neighbors, failed founding batch.
type Assignment struct {
	Assigned       bool
	TopicID        int64
	IsNewTopic     bool
	MemberCount    int
	NeedsSynthesis bool
}

// Engine assigns embedded items to topics and synthesizes topic summaries.
type Engine struct {
	store     Store
	completer Completer
	log       zerolog.Logger
}

func NewEngine(store Store, completer Completer, logger zerolog.Logger) *Engine {
	return &Engine{store: store, completer: completer, log: logger}
}

// AssignTopic clusters one item by nearest-neighbor similarity. Items without
// an embedding or with a topic already assigned are left untouched.
func (e *Engine) AssignTopic(ctx context.Context, itemID int64) (*Assignment, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("topic engine is not initialized")
	}

	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Embedding == nil || *item.Embedding == "" || item.TopicID != nil {
		return &Assignment{}, nil
	}

	now := globaltime.Now().UTC()
	neighbors, err := e.store.FindSimilarItems(ctx, itemID, *item.Embedding, TimeWindow, SimilarityThreshold, MaxCandidates, now)
	if err != nil {
		return nil, fmt.Errorf("find similar items for item_id=%d: %w", itemID, err)
	}
	if len(neighbors) == 0 {
		// Singletons are never forced into a topic.
		return &Assignment{}, nil
	}

	for _, neighbor := range neighbors {
		if neighbor.TopicID != nil {
			return e.joinTopic(ctx, itemID, *neighbor.TopicID, now)
		}
	}
	return e.createTopic(ctx, item, neighbors, now)
}

func (e *Engine) joinTopic(ctx context.Context, itemID, topicID int64, now time.Time) (*Assignment, error) {
	if err := e.store.AssignTopicBatch(ctx, topicID, []int64{itemID}, now); err != nil {
		return nil, fmt.Errorf("join topic_id=%d: %w", topicID, err)
	}

	memberCount, err := e.store.RecomputeTopicStats(ctx, topicID, now)
	if err != nil {
		return nil, fmt.Errorf("recompute joined topic_id=%d: %w", topicID, err)
	}

	return &Assignment{
		Assigned:       true,
		TopicID:        topicID,
		IsNewTopic:     false,
		MemberCount:    memberCount,
		NeedsSynthesis: needsSynthesis(false, memberCount),
	}, nil
}

func (e *Engine) createTopic(ctx context.Context, item *db.Item, neighbors []db.NeighborItem, now time.Time) (*Assignment, error) {
	topicID, err := e.store.CreateTopic(ctx, item.Title, item.ItemID, now)
	if err != nil {
		return nil, fmt.Errorf("create topic for item_id=%d: %w", item.ItemID, err)
	}

	memberIDs := make([]int64, 0, len(neighbors)+1)
	memberIDs = append(memberIDs, item.ItemID)
	for _, neighbor := range neighbors {
		memberIDs = append(memberIDs, neighbor.ItemID)
	}

	if err := e.store.AssignTopicBatch(ctx, topicID, memberIDs, now); err != nil {
		// Founding batch failed: remove the topic so no zero-member topic
		// survives, and report a no-op rather than a partial cluster.
		if derr := e.store.DeleteTopic(ctx, topicID); derr != nil {
			e.log.Error().Err(derr).Int64("topic_id", topicID).Msg("compensating topic delete failed")
		}
		e.log.Error().Err(err).Int64("topic_id", topicID).Int64("item_id", item.ItemID).Msg("founding batch assignment failed")
		return &Assignment{}, nil
	}

	memberCount, err := e.store.RecomputeTopicStats(ctx, topicID, now)
	if err != nil {
		return nil, fmt.Errorf("recompute new topic_id=%d: %w", topicID, err)
	}

	return &Assignment{
		Assigned:       true,
		TopicID:        topicID,
		IsNewTopic:     true,
		MemberCount:    memberCount,
		NeedsSynthesis: needsSynthesis(true, memberCount),
	}, nil
}

// needsSynthesis decides when a topic's summary should be (re)generated: as
// soon as a new topic has a second member, then again at fixed growth marks.
func needsSynthesis(isNewTopic bool, memberCount int) bool {
	if isNewTopic && memberCount >= 2 {
		return true
	}
	switch memberCount {
	case 2, 3, 5, 10:
		return true
	default:
		return false
	}
}
