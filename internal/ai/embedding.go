package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultEmbeddingEndpoint = "http://127.0.0.1:8844/embed"
	DefaultEmbeddingModel    = "bge-m3"
	DefaultEmbeddingTimeout  = 45 * time.Second

	// Stored vectors are always this dimensionality; anything else from the
	// embedding service is a hard error.
	EmbeddingDimensions = 1024
)

// EmbeddingClient calls an embedding service that speaks either the
// {texts:[...]} shape or the OpenAI /v1/embeddings shape.
type EmbeddingClient struct {
	endpoint string
	model    string
	client   *http.Client
}

func NewEmbeddingClient(endpoint, model string, timeout time.Duration) *EmbeddingClient {
	trimmedModel := strings.TrimSpace(model)
	if trimmedModel == "" {
		trimmedModel = DefaultEmbeddingModel
	}
	if timeout <= 0 {
		timeout = DefaultEmbeddingTimeout
	}
	return &EmbeddingClient{
		endpoint: normalizeEmbeddingEndpoint(endpoint),
		model:    trimmedModel,
		client:   &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Texts []string `json:"texts,omitempty"`
	Input []string `json:"input,omitempty"`
	Model string   `json:"model,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed computes one L2-normalized embedding vector for text.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float64, error) {
	if c == nil {
		return nil, fmt.Errorf("embedding client is nil")
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text is required")
	}

	payload := embedRequest{Texts: []string{text}}
	parsedEndpoint, err := url.Parse(c.endpoint)
	if err == nil && strings.HasSuffix(parsedEndpoint.Path, "/v1/embeddings") {
		payload = embedRequest{Input: []string{text}, Model: c.model}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding service status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding response missing vectors")
	}

	vector := vectors[0]
	if len(vector) != EmbeddingDimensions {
		return nil, fmt.Errorf("expected %d dimensions, got %d", EmbeddingDimensions, len(vector))
	}
	return NormalizeVector(vector)
}

// NormalizeVector scales values to unit L2 norm, so stored cosine distances
// reduce to dot products.
func NormalizeVector(values []float64) ([]float64, error) {
	var sumSquares float64
	for i, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("vector has non-finite value at index %d", i)
		}
		sumSquares += value * value
	}
	if sumSquares == 0 {
		return nil, fmt.Errorf("vector has zero norm")
	}

	norm := math.Sqrt(sumSquares)
	normalized := make([]float64, len(values))
	for i, value := range values {
		normalized[i] = value / norm
	}
	return normalized, nil
}

// ToVectorLiteral renders values in the text form the vector column accepts.
func ToVectorLiteral(values []float64) (string, error) {
	if len(values) != EmbeddingDimensions {
		return "", fmt.Errorf("expected %d dimensions, got %d", EmbeddingDimensions, len(values))
	}

	var builder strings.Builder
	builder.Grow(len(values) * 8)
	builder.WriteByte('[')
	for i, value := range values {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return "", fmt.Errorf("vector has non-finite value at index %d", i)
		}
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(value, 'f', -1, 64))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}

func normalizeEmbeddingEndpoint(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultEmbeddingEndpoint
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/embed"
	}
	return parsed.String()
}
