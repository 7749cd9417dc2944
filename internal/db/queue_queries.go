package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Queue message kinds: the discriminated union between ingestion and the
// workflow orchestrator.
const (
	MessageKindItemProcess  = "item_process"
	MessageKindBatchProcess = "batch_process"
)

// Queue message lifecycle states.
const (
	MessageStatusPending    = "pending"
	MessageStatusProcessing = "processing"
	MessageStatusDone       = "done"
	MessageStatusFailed     = "failed"
)

// ItemProcessPayload triggers one workflow instance.
type ItemProcessPayload struct {
	ItemID     int64  `json:"itemId"`
	SourceType string `json:"sourceType"`
}

// BatchProcessPayload fans out into one workflow invocation per item.
type BatchProcessPayload struct {
	ItemIDs     []int64 `json:"itemIds"`
	TriggeredBy string  `json:"triggeredBy"`
}

// Enqueue appends one message to the processing queue.
func (p *Pool) Enqueue(ctx context.Context, kind string, payload any, now time.Time) (int64, error) {
	if p == nil {
		return 0, fmt.Errorf("database pool is not initialized")
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal queue payload: %w", err)
	}

	const q = `
INSERT INTO river.queue_messages (kind, payload, status, attempts, created_at, updated_at)
VALUES ($1, $2::jsonb, 'pending', 0, $3, $3)
RETURNING message_id
`
	var messageID int64
	if err := p.QueryRow(ctx, q, kind, string(encoded), now).Scan(&messageID); err != nil {
		return 0, fmt.Errorf("enqueue %s message: %w", kind, err)
	}
	return messageID, nil
}

// ClaimNextMessage claims the oldest pending queue message, if any. The claim
// uses SKIP LOCKED so concurrent workers never double-process a message.
func (p *Pool) ClaimNextMessage(ctx context.Context, now time.Time) (*QueueMessage, bool, error) {
	if p == nil {
		return nil, false, fmt.Errorf("database pool is not initialized")
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("begin claim tx: %w", err)
	}

	const claimQuery = `
SELECT message_id, kind, payload, attempts
FROM river.queue_messages
WHERE status = 'pending'
ORDER BY message_id
LIMIT 1
FOR UPDATE SKIP LOCKED
`

	var msg QueueMessage
	err = tx.QueryRow(ctx, claimQuery).Scan(&msg.MessageID, &msg.Kind, &msg.Payload, &msg.Attempts)
	if err != nil {
		_ = tx.Rollback(ctx)
		if IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim queue message: %w", err)
	}

	const markQuery = `
UPDATE river.queue_messages
SET status = 'processing', attempts = attempts + 1, claimed_at = $2, updated_at = $2
WHERE message_id = $1
`
	if _, err := tx.Exec(ctx, markQuery, msg.MessageID, now); err != nil {
		_ = tx.Rollback(ctx)
		return nil, false, fmt.Errorf("mark queue message processing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return nil, false, fmt.Errorf("commit claim tx: %w", err)
	}

	msg.Attempts++
	msg.Status = "processing"
	claimed := now
	msg.ClaimedAt = &claimed
	return &msg, true, nil
}

// FinishMessage records a terminal queue message status (done or failed).
func (p *Pool) FinishMessage(ctx context.Context, messageID int64, status string, now time.Time) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	const q = `
UPDATE river.queue_messages
SET status = $2, updated_at = $3
WHERE message_id = $1
`
	if _, err := p.Exec(ctx, q, messageID, status, now); err != nil {
		return fmt.Errorf("finish queue message message_id=%d: %w", messageID, err)
	}
	return nil
}
