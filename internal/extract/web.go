package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	DefaultFetchTimeout  = 12 * time.Second
	DefaultBodyByteLimit = 2 * 1024 * 1024

	defaultUserAgent = "NewsRiver/1.0 (+https://newsriver.dev)"

	// Pages whose readable text is shorter than this are treated as
	// unextractable rather than stored as near-empty items.
	minContentChars = 80

	summaryMaxChars = 480
)

// WebExtractor resolves generic web pages: readable body text via the
// readability engine, page metadata via OpenGraph tags.
type WebExtractor struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	HTTPClient    *http.Client
}

// NewWebExtractor returns a WebExtractor with default fetch behavior.
func NewWebExtractor() *WebExtractor {
	return &WebExtractor{}
}

// Extract fetches pageURL and resolves its title, readable content and
// OpenGraph metadata.
func (e *WebExtractor) Extract(ctx context.Context, pageURL string) (*Result, error) {
	page := strings.TrimSpace(pageURL)
	if page == "" {
		return nil, fmt.Errorf("page URL is required")
	}

	parsedURL, err := url.Parse(page)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}

	body, contentType, err := e.fetch(ctx, page)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(contentType, "text/plain") {
		text := CleanText(string(body))
		if len([]rune(text)) < minContentChars {
			return nil, ErrContentTooShort
		}
		summary, _ := TruncateText(text, summaryMaxChars)
		return &Result{Content: text, Summary: summary}, nil
	}

	result := &Result{}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		result.Title = CleanText(doc.Find("title").First().Text())
		if ogTitle := metaContent(doc, "og:title"); ogTitle != "" {
			result.Title = ogTitle
		}
		result.SiteName = metaContent(doc, "og:site_name")
		result.OGImage = metaContent(doc, "og:image")
		if published := metaContent(doc, "article:published_time"); published != "" {
			if ts, perr := time.Parse(time.RFC3339, published); perr == nil {
				utc := ts.UTC()
				result.PublishedAt = &utc
			}
		}
	}

	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return nil, fmt.Errorf("readability parse: %w", err)
	}

	var renderedText bytes.Buffer
	if err := article.RenderText(&renderedText); err != nil {
		return nil, fmt.Errorf("render readability text: %w", err)
	}

	result.Content = CleanText(renderedText.String())
	result.Summary = CleanText(article.Excerpt())
	if result.Summary == "" {
		result.Summary, _ = TruncateText(result.Content, summaryMaxChars)
	}

	if len([]rune(result.Content)) < minContentChars {
		return nil, ErrContentTooShort
	}
	return result, nil
}

func (e *WebExtractor) fetch(ctx context.Context, page string) ([]byte, string, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	bodyLimit := e.BodyByteLimit
	if bodyLimit <= 0 {
		bodyLimit = DefaultBodyByteLimit
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, page, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	userAgent := strings.TrimSpace(e.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.8")

	client := e.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, bodyLimit))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	return body, contentType, nil
}

func metaContent(doc *goquery.Document, property string) string {
	selector := fmt.Sprintf(`meta[property=%q], meta[name=%q]`, property, property)
	return CleanText(doc.Find(selector).First().AttrOr("content", ""))
}

// CleanText normalizes line endings and collapses extra in-line whitespace.
func CleanText(raw string) string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	lines := strings.Split(normalized, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		clean := strings.Join(strings.Fields(strings.TrimSpace(line)), " ")
		if clean == "" {
			continue
		}
		paragraphs = append(paragraphs, clean)
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}

// TruncateText clips text to maxChars runes and appends a single ellipsis rune when truncated.
func TruncateText(raw string, maxChars int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if maxChars <= 0 {
		return trimmed, false
	}

	runes := []rune(trimmed)
	if len(runes) <= maxChars {
		return trimmed, false
	}
	if maxChars == 1 {
		return "…", true
	}

	clipped := strings.TrimSpace(string(runes[:maxChars-1]))
	if clipped == "" {
		return "…", true
	}

	return clipped + "…", true
}
