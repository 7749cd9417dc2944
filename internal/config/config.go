package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"NR_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"NR_DB_MAX_CONNS" default:"8"`

	HTTPHost string `envconfig:"HTTP_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"HTTP_PORT" default:"8090"`

	// AI collaborators. The summarizer key gates topic synthesis: without it the
	// synthesize-topic step is skipped and topics keep their seed titles.
	CompletionEndpoint string        `envconfig:"COMPLETION_ENDPOINT" default:"http://127.0.0.1:8845/v1"`
	CompletionModel    string        `envconfig:"COMPLETION_MODEL" default:"qwen3-32b"`
	CompletionTimeout  time.Duration `envconfig:"COMPLETION_TIMEOUT" default:"90s"`
	SummarizerAPIKey   string        `envconfig:"SUMMARIZER_API_KEY" default:""`

	EmbeddingEndpoint string        `envconfig:"EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingModel    string        `envconfig:"EMBEDDING_MODEL" default:"Qwen3-Embedding-0.6B"`
	EmbeddingTimeout  time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"45s"`

	TargetLang string `envconfig:"TARGET_LANG" default:"en"`

	FeedURLs string `envconfig:"FEED_URLS" default:""`

	SubmitMaxURLs       int `envconfig:"SUBMIT_MAX_URLS" default:"20"`
	SubmitRateLimit     int `envconfig:"SUBMIT_RATE_LIMIT" default:"30"`
	SubmitRateWindowSec int `envconfig:"SUBMIT_RATE_WINDOW_SEC" default:"60"`

	WorkerPoolSize   int           `envconfig:"WORKER_POOL_SIZE" default:"4"`
	WorkerPollPeriod time.Duration `envconfig:"WORKER_POLL_PERIOD" default:"2s"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("NR_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("NR_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("NR_DB_MIN_CONNS (%d) cannot exceed NR_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535")
	}
	if c.SubmitMaxURLs < 1 {
		return fmt.Errorf("SUBMIT_MAX_URLS must be >= 1")
	}
	if c.SubmitRateLimit < 1 {
		return fmt.Errorf("SUBMIT_RATE_LIMIT must be >= 1")
	}
	if c.SubmitRateWindowSec < 1 {
		return fmt.Errorf("SUBMIT_RATE_WINDOW_SEC must be >= 1")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be >= 1")
	}
	if len(strings.TrimSpace(c.TargetLang)) != 2 {
		return fmt.Errorf("TARGET_LANG must be an ISO 639-1 code")
	}
	return nil
}

// FeedURLList splits FEED_URLS into trimmed, deduplicated entries.
func (c *Config) FeedURLList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.FeedURLs, ",")
	urls := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		u := strings.TrimSpace(part)
		if u == "" {
			continue
		}
		if _, exists := seen[u]; exists {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}
