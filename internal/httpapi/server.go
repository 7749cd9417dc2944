package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"newsriver/internal/db"
	"newsriver/internal/ingest"
	"newsriver/internal/ratelimit"
	"newsriver/internal/workflow"
)

const (
	defaultPageSize = 25
	maxPageSize     = 200

	topicDetailMemberLimit = 50
)

// Store is the read surface of the datastore the API serves from.
// *db.Pool satisfies it.
type Store interface {
	GetItem(ctx context.Context, itemID int64) (*db.Item, error)
	ListTopics(ctx context.Context, limit, offset int) (int64, []db.Topic, error)
	GetTopicByUUID(ctx context.Context, topicUUID string) (*db.Topic, error)
	RecentTopicMembers(ctx context.Context, topicID int64, limit int) ([]db.TopicMember, error)
	CollectStats(ctx context.Context) (*db.Stats, error)
}

// Ingestor accepts submitted URL batches. *ingest.Service satisfies it.
type Ingestor interface {
	IngestBatch(ctx context.Context, entries []ingest.Entry) (*ingest.Report, error)
}

// StatusReader derives workflow instance state. *workflow.Engine satisfies it.
type StatusReader interface {
	Status(ctx context.Context, key workflow.Key) (*workflow.InstanceStatus, error)
}

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	SubmitMaxURLs   int
	SubmitRateLimit int
	SubmitRateWnd   time.Duration
}

type Server struct {
	store    Store
	ingestor Ingestor
	status   StatusReader
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
	opts     Options
}

func NewServer(store Store, ingestor Ingestor, status StatusReader, logger zerolog.Logger, opts Options) *Server {
	if strings.TrimSpace(opts.Host) == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.Port <= 0 {
		opts.Port = 8090
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.SubmitMaxURLs <= 0 {
		opts.SubmitMaxURLs = 20
	}
	if opts.SubmitRateLimit <= 0 {
		opts.SubmitRateLimit = 30
	}
	if opts.SubmitRateWnd <= 0 {
		opts.SubmitRateWnd = time.Minute
	}

	return &Server{
		store:    store,
		ingestor: ingestor,
		status:   status,
		limiter:  ratelimit.NewLimiter(),
		logger:   logger,
		opts:     opts,
	}
}

// router builds the echo instance with all middleware and routes mounted.
// Tests drive it directly through httptest.
func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "X-Client-Id"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Info()
			if v.Error != nil {
				event = s.logger.Error().Err(v.Error)
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg("http request")
			return nil
		},
	}))

	e.GET("/health", s.handleHealth)

	api := e.Group("/api/v1")
	api.GET("/health", s.handleHealth)
	api.POST("/submit", s.handleSubmit)
	api.GET("/workflows/:item_id", s.handleWorkflowStatus)
	api.GET("/topics", s.handleTopics)
	api.GET("/topics/:topic_uuid", s.handleTopicDetail)
	api.GET("/stats", s.handleStats)

	return e
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.store == nil {
		return fmt.Errorf("server is not initialized")
	}

	e := s.router()
	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("api server started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("api server stopped")
	return nil
}

func (s *Server) httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	message := "Internal server error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		switch v := he.Message.(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				message = v
			}
		default:
			if text := strings.TrimSpace(http.StatusText(status)); text != "" {
				message = text
			}
		}
	} else if err != nil {
		message = err.Error()
	}

	if status >= 500 {
		_ = internalError(c, "Internal server error")
		return
	}
	_ = fail(c, status, message, nil)
}

func parsePositiveInt(raw string, defaultValue, minValue, maxValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, fmt.Errorf("must be an integer")
	}
	if value < minValue || value > maxValue {
		return 0, fmt.Errorf("must be between %d and %d", minValue, maxValue)
	}
	return value, nil
}
