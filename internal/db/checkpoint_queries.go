package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint step lifecycle states.
const (
	StepStatusPending = "pending"
	StepStatusDone    = "done"
	StepStatusFailed  = "failed"
)

// UpsertCheckpoint records one step's status and result for a workflow instance.
func (p *Pool) UpsertCheckpoint(
	ctx context.Context,
	itemID int64,
	sourceType, stepName, status string,
	result json.RawMessage,
	now time.Time,
) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	const q = `
INSERT INTO river.workflow_checkpoints (item_id, source_type, step_name, status, result, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $6)
ON CONFLICT (item_id, source_type, step_name)
DO UPDATE SET
	status = EXCLUDED.status,
	result = EXCLUDED.result,
	updated_at = EXCLUDED.updated_at
`
	if _, err := p.Exec(ctx, q, itemID, sourceType, stepName, status, nullableJSON(result), now); err != nil {
		return fmt.Errorf("upsert checkpoint item_id=%d step=%s: %w", itemID, stepName, err)
	}
	return nil
}

// GetCheckpoints loads every checkpoint of one workflow instance keyed by step name.
func (p *Pool) GetCheckpoints(ctx context.Context, itemID int64, sourceType string) (map[string]WorkflowCheckpoint, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	const q = `
SELECT item_id, source_type, step_name, status, result, created_at, updated_at
FROM river.workflow_checkpoints
WHERE item_id = $1
  AND source_type = $2
`

	rows, err := p.Query(ctx, q, itemID, sourceType)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints item_id=%d: %w", itemID, err)
	}
	defer rows.Close()

	checkpoints := make(map[string]WorkflowCheckpoint)
	for rows.Next() {
		var cp WorkflowCheckpoint
		if err := rows.Scan(&cp.ItemID, &cp.SourceType, &cp.StepName, &cp.Status, &cp.Result, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		checkpoints[cp.StepName] = cp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint rows: %w", err)
	}
	return checkpoints, nil
}
