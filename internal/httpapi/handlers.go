package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"newsriver/internal/db"
	"newsriver/internal/globaltime"
	"newsriver/internal/ingest"
	"newsriver/internal/ratelimit"
	"newsriver/internal/workflow"
)

type submitRequest struct {
	URL    string   `json:"url,omitempty"`
	URLs   []string `json:"urls,omitempty"`
	Source string   `json:"source,omitempty"`
}

type submitResult struct {
	URL           string `json:"url"`
	ItemID        int64  `json:"item_id,omitempty"`
	Title         string `json:"title,omitempty"`
	AlreadyExists bool   `json:"already_exists"`
	Error         string `json:"error,omitempty"`
}

type itemView struct {
	ItemID           int64           `json:"item_id"`
	ItemUUID         string          `json:"item_uuid"`
	URL              string          `json:"url"`
	SourceType       string          `json:"source_type"`
	Source           string          `json:"source"`
	Title            string          `json:"title"`
	TitleLocalized   *string         `json:"title_localized,omitempty"`
	Summary          *string         `json:"summary,omitempty"`
	SummaryLocalized *string         `json:"summary_localized,omitempty"`
	Tags             json.RawMessage `json:"tags,omitempty"`
	Keywords         json.RawMessage `json:"keywords,omitempty"`
	TopicID          *int64          `json:"topic_id,omitempty"`
	PublishedAt      *time.Time      `json:"published_at,omitempty"`
	IngestedAt       time.Time       `json:"ingested_at"`
}

type topicView struct {
	TopicUUID            string     `json:"topic_uuid"`
	Title                string     `json:"title"`
	TitleLocalized       *string    `json:"title_localized,omitempty"`
	Description          *string    `json:"description,omitempty"`
	DescriptionLocalized *string    `json:"description_localized,omitempty"`
	MemberCount          int        `json:"member_count"`
	FirstSeenAt          time.Time  `json:"first_seen_at"`
	LastSeenAt           time.Time  `json:"last_seen_at"`
	SynthesizedAt        *time.Time `json:"synthesized_at,omitempty"`
}

type topicMemberView struct {
	ItemUUID    string          `json:"item_uuid"`
	URL         string          `json:"url"`
	Source      string          `json:"source"`
	Title       string          `json:"title"`
	Summary     *string         `json:"summary,omitempty"`
	Tags        json.RawMessage `json:"tags,omitempty"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
	IngestedAt  time.Time       `json:"ingested_at"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "newsriver",
		"time":    globaltime.UTC(),
	})
}

// handleSubmit accepts one URL or a batch, runs ingestion synchronously and
// returns per-URL results. Workflow processing happens asynchronously behind
// the queue, so a success here means accepted, not enriched.
func (s *Server) handleSubmit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return failValidation(c, map[string]string{"body": "must be a JSON object"})
	}

	urls := make([]string, 0, len(req.URLs)+1)
	if strings.TrimSpace(req.URL) != "" {
		urls = append(urls, strings.TrimSpace(req.URL))
	}
	for _, u := range req.URLs {
		if strings.TrimSpace(u) != "" {
			urls = append(urls, strings.TrimSpace(u))
		}
	}
	if len(urls) == 0 {
		return failValidation(c, map[string]string{"urls": "at least one url is required"})
	}
	if len(urls) > s.opts.SubmitMaxURLs {
		return failValidation(c, map[string]string{
			"urls": "at most " + strconv.Itoa(s.opts.SubmitMaxURLs) + " urls per request",
		})
	}

	key := ratelimit.ClientKey(c.Request().Header.Get("X-Client-Id"), c.RealIP())
	decision := s.limiter.Hit(key, s.opts.SubmitRateLimit, s.opts.SubmitRateWnd, len(urls))
	if !decision.Allowed {
		c.Response().Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds))
		return fail(c, http.StatusTooManyRequests, "Rate limit exceeded", map[string]any{
			"retry_after_seconds": decision.RetryAfterSeconds,
		})
	}

	label := strings.TrimSpace(req.Source)
	if label == "" {
		label = "manual"
	}
	entries := make([]ingest.Entry, 0, len(urls))
	for _, u := range urls {
		entries = append(entries, ingest.Entry{
			URL:         u,
			SourceLabel: label,
			SourceType:  db.SourceTypeWeb,
		})
	}

	report, err := s.ingestor.IngestBatch(c.Request().Context(), entries)
	if err != nil {
		s.logger.Error().Err(err).Msg("submit ingestion failed")
		return internalError(c, "Failed to ingest submitted urls")
	}

	results := make([]submitResult, 0, len(urls))
	for _, u := range urls {
		result := submitResult{URL: u}
		canonical, _ := ingest.NormalizeURL(u)
		outcome, ok := report.Outcomes[canonical]
		if !ok {
			outcome, ok = report.Outcomes[u]
		}
		if ok {
			result.ItemID = outcome.ItemID
			result.Title = outcome.Title
			result.AlreadyExists = outcome.AlreadyExists
			result.Error = outcome.Err
		}
		results = append(results, result)
	}

	return successWithStatus(c, http.StatusAccepted, map[string]any{
		"results":   results,
		"inserted":  len(report.InsertedIDs),
		"remaining": decision.Remaining,
	})
}

func (s *Server) handleWorkflowStatus(c echo.Context) error {
	itemID, err := strconv.ParseInt(strings.TrimSpace(c.Param("item_id")), 10, 64)
	if err != nil || itemID < 1 {
		return failValidation(c, map[string]string{"item_id": "must be a positive integer"})
	}

	item, err := s.store.GetItem(c.Request().Context(), itemID)
	if err != nil {
		if errors.Is(err, db.ErrItemNotFound) {
			return failNotFound(c, "Item not found")
		}
		s.logger.Error().Err(err).Int64("item_id", itemID).Msg("load item failed")
		return internalError(c, "Failed to load item")
	}

	sourceType := item.SourceType
	if !db.KnownSourceType(sourceType) {
		sourceType = db.SourceTypeDefault
	}
	status, err := s.status.Status(c.Request().Context(), workflow.Key{ItemID: itemID, SourceType: sourceType})
	if err != nil {
		s.logger.Error().Err(err).Int64("item_id", itemID).Msg("derive workflow status failed")
		return internalError(c, "Failed to derive workflow status")
	}

	payload := map[string]any{"status": status.Status}
	if status.Status == workflow.InstanceCompleted {
		payload["item"] = toItemView(item)
	}
	return success(c, payload)
}

func (s *Server) handleTopics(c echo.Context) error {
	page, err := parsePositiveInt(c.QueryParam("page"), 1, 1, 1_000_000)
	if err != nil {
		return failValidation(c, map[string]string{"page": err.Error()})
	}
	pageSize, err := parsePositiveInt(c.QueryParam("page_size"), defaultPageSize, 1, maxPageSize)
	if err != nil {
		return failValidation(c, map[string]string{"page_size": err.Error()})
	}

	total, topics, err := s.store.ListTopics(c.Request().Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("query topics failed")
		return internalError(c, "Failed to load topics")
	}

	items := make([]topicView, 0, len(topics))
	for i := range topics {
		items = append(items, toTopicView(&topics[i]))
	}

	totalPages := 0
	if total > 0 {
		totalPages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return success(c, map[string]any{
		"items": items,
		"pagination": map[string]any{
			"page":        page,
			"page_size":   pageSize,
			"total_items": total,
			"total_pages": totalPages,
		},
	})
}

func (s *Server) handleTopicDetail(c echo.Context) error {
	topicUUID := strings.TrimSpace(c.Param("topic_uuid"))
	if _, err := uuid.Parse(topicUUID); err != nil {
		return failValidation(c, map[string]string{"topic_uuid": "must be a valid uuid"})
	}

	topic, err := s.store.GetTopicByUUID(c.Request().Context(), topicUUID)
	if err != nil {
		if errors.Is(err, db.ErrTopicNotFound) {
			return failNotFound(c, "Topic not found")
		}
		s.logger.Error().Err(err).Str("topic_uuid", topicUUID).Msg("query topic failed")
		return internalError(c, "Failed to load topic")
	}

	members, err := s.store.RecentTopicMembers(c.Request().Context(), topic.TopicID, topicDetailMemberLimit)
	if err != nil {
		s.logger.Error().Err(err).Str("topic_uuid", topicUUID).Msg("query topic members failed")
		return internalError(c, "Failed to load topic members")
	}

	memberViews := make([]topicMemberView, 0, len(members))
	for _, member := range members {
		memberViews = append(memberViews, topicMemberView{
			ItemUUID:    member.ItemUUID,
			URL:         member.URL,
			Source:      member.Source,
			Title:       member.Title,
			Summary:     member.Summary,
			Tags:        json.RawMessage(member.Tags),
			PublishedAt: member.PublishedAt,
			IngestedAt:  member.IngestedAt,
		})
	}

	return success(c, map[string]any{
		"topic":   toTopicView(topic),
		"members": memberViews,
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.store.CollectStats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func toItemView(item *db.Item) itemView {
	return itemView{
		ItemID:           item.ItemID,
		ItemUUID:         item.ItemUUID,
		URL:              item.URL,
		SourceType:       item.SourceType,
		Source:           item.Source,
		Title:            item.Title,
		TitleLocalized:   item.TitleLocalized,
		Summary:          item.Summary,
		SummaryLocalized: item.SummaryLocalized,
		Tags:             item.Tags,
		Keywords:         item.Keywords,
		TopicID:          item.TopicID,
		PublishedAt:      item.PublishedAt,
		IngestedAt:       item.IngestedAt,
	}
}

func toTopicView(topic *db.Topic) topicView {
	return topicView{
		TopicUUID:            topic.TopicUUID,
		Title:                topic.Title,
		TitleLocalized:       topic.TitleLocalized,
		Description:          topic.Description,
		DescriptionLocalized: topic.DescriptionLocalized,
		MemberCount:          topic.MemberCount,
		FirstSeenAt:          topic.FirstSeenAt,
		LastSeenAt:           topic.LastSeenAt,
		SynthesizedAt:        topic.SynthesizedAt,
	}
}
