package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"newsriver/internal/ai"
	"newsriver/internal/cli"
	"newsriver/internal/config"
	"newsriver/internal/db"
	"newsriver/internal/extract"
	"newsriver/internal/ingest"
	"newsriver/internal/topics"
	"newsriver/internal/translation"
	"newsriver/internal/workflow"
)

// runtime holds the shared collaborators a subcommand wires up.
type appRuntime struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *db.Pool
}

func loadRuntime(envLoader *cli.EnvLoader, logger func(environment, level string) (zerolog.Logger, error)) (*appRuntime, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	pool, err := db.NewPool(dbCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	return &appRuntime{cfg: cfg, logger: log, pool: pool}, nil
}

func (rt *appRuntime) close() {
	if rt != nil && rt.pool != nil {
		_ = rt.pool.Close()
	}
}

// newIngestService wires the ingestion path: normalization, dedup, extractor
// enrichment and queue handoff.
func (rt *appRuntime) newIngestService() *ingest.Service {
	return ingest.NewService(rt.pool, extract.NewWebExtractor(), rt.logger)
}

// newWorkflowEngine wires the full enrichment pipeline behind the queue:
// AI collaborators, translation, topic clustering and DB-backed checkpoints.
func (rt *appRuntime) newWorkflowEngine() *workflow.Engine {
	cfg := rt.cfg

	completer := ai.NewCompletionClient(cfg.CompletionEndpoint, cfg.CompletionModel, cfg.SummarizerAPIKey, cfg.CompletionTimeout)
	embedder := ai.NewEmbeddingClient(cfg.EmbeddingEndpoint, cfg.EmbeddingModel, cfg.EmbeddingTimeout)
	translator := translation.NewManager(translation.NewRegistryFromEnv())

	topicEngine := topics.NewEngine(rt.pool, completer, rt.logger)

	return workflow.NewEngine(workflow.EngineConfig{
		Store:            rt.pool,
		Checkpoints:      workflow.NewDBCheckpointStore(rt.pool),
		Processors:       workflow.NewProcessorSet(completer, cfg.TargetLang, rt.logger),
		Translator:       translator,
		Embedder:         embedder,
		Topics:           topicEngine,
		TargetLang:       cfg.TargetLang,
		SynthesisEnabled: cfg.SummarizerAPIKey != "",
		Logger:           rt.logger,
	})
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		signal.Stop(sigCh)
		cancel()
	}()

	return ctx, cancel
}
