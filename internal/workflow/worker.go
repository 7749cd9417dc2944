package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"newsriver/internal/db"
	"newsriver/internal/globaltime"
)

const (
	defaultWorkerPoolSize = 4
	defaultPollPeriod     = 2 * time.Second
)

// Queue is the processing-queue surface the worker consumes.
// *db.Pool satisfies it.
type Queue interface {
	ClaimNextMessage(ctx context.Context, now time.Time) (*db.QueueMessage, bool, error)
	FinishMessage(ctx context.Context, messageID int64, status string, now time.Time) error
	ResolveSourceType(ctx context.Context, itemID int64) (string, error)
}

// Worker drains the processing queue, dispatching each claimed message to a
// bounded goroutine pool. Different instances run fully concurrently.
type Worker struct {
	queue      Queue
	engine     *Engine
	poolSize   int
	pollPeriod time.Duration
	log        zerolog.Logger
}

func NewWorker(queue Queue, engine *Engine, poolSize int, pollPeriod time.Duration, logger zerolog.Logger) *Worker {
	if poolSize < 1 {
		poolSize = defaultWorkerPoolSize
	}
	if pollPeriod <= 0 {
		pollPeriod = defaultPollPeriod
	}
	return &Worker{
		queue:      queue,
		engine:     engine,
		poolSize:   poolSize,
		pollPeriod: pollPeriod,
		log:        logger,
	}
}

// Run claims and processes queue messages until ctx is canceled. In-flight
// messages are drained before returning.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil || w.queue == nil || w.engine == nil {
		return fmt.Errorf("queue worker is not initialized")
	}

	pool, err := ants.NewPool(w.poolSize)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	w.log.Info().Int("pool_size", w.poolSize).Dur("poll_period", w.pollPeriod).Msg("queue worker started")

	var inflight sync.WaitGroup
	for ctx.Err() == nil {
		msg, claimed, err := w.queue.ClaimNextMessage(ctx, globaltime.Now().UTC())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error().Err(err).Msg("claim queue message failed")
			_ = contextSleep(ctx, w.pollPeriod)
			continue
		}
		if !claimed {
			_ = contextSleep(ctx, w.pollPeriod)
			continue
		}

		inflight.Add(1)
		message := msg
		if serr := pool.Submit(func() {
			defer inflight.Done()
			w.handleMessage(ctx, message)
		}); serr != nil {
			// Pool is unavailable (released or overloaded): handle inline so
			// the claimed message is never dropped.
			w.handleMessage(ctx, message)
			inflight.Done()
		}
	}

	inflight.Wait()
	w.log.Info().Msg("queue worker stopped")
	return ctx.Err()
}

// handleMessage dispatches one claimed message by kind. Per-item workflow
// failures fail an item_process message; a batch message is finished as done
// even when individual items fail, since item isolation is per instance.
func (w *Worker) handleMessage(ctx context.Context, msg *db.QueueMessage) {
	status := db.MessageStatusDone

	switch msg.Kind {
	case db.MessageKindItemProcess:
		var payload db.ItemProcessPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			w.log.Error().Err(err).Int64("message_id", msg.MessageID).Msg("malformed item_process payload")
			status = db.MessageStatusFailed
			break
		}
		if w.runInstance(ctx, payload.ItemID, payload.SourceType) == RunFailed {
			status = db.MessageStatusFailed
		}

	case db.MessageKindBatchProcess:
		var payload db.BatchProcessPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			w.log.Error().Err(err).Int64("message_id", msg.MessageID).Msg("malformed batch_process payload")
			status = db.MessageStatusFailed
			break
		}
		for _, itemID := range payload.ItemIDs {
			sourceType, err := w.queue.ResolveSourceType(ctx, itemID)
			if err != nil {
				sourceType = db.SourceTypeDefault
			}
			w.runInstance(ctx, itemID, sourceType)
		}

	default:
		w.log.Error().Str("kind", msg.Kind).Int64("message_id", msg.MessageID).Msg("unknown queue message kind")
		status = db.MessageStatusFailed
	}

	if err := w.queue.FinishMessage(ctx, msg.MessageID, status, globaltime.Now().UTC()); err != nil {
		w.log.Error().Err(err).Int64("message_id", msg.MessageID).Msg("finish queue message failed")
	}
}

func (w *Worker) runInstance(ctx context.Context, itemID int64, sourceType string) string {
	result, err := w.engine.Run(ctx, itemID, sourceType)
	if err != nil {
		w.log.Error().Err(err).Int64("item_id", itemID).Msg("workflow invocation failed")
		return RunFailed
	}
	return result.Status
}
