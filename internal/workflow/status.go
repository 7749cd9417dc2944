package workflow

import (
	"context"
	"fmt"
)

// Instance status values derived from checkpoints.
const (
	InstancePending   = "pending"
	InstanceRunning   = "running"
	InstanceCompleted = "completed"
	InstanceFailed    = "failed"
)

// InstanceStatus is the externally visible state of one instance.
type InstanceStatus struct {
	Status string
	ItemID int64
}

// Status derives an instance's state from its checkpoints: no checkpoints
// means the instance has not started, any failed step fails it, all steps
// done completes it, anything in between is running.
func (e *Engine) Status(ctx context.Context, key Key) (*InstanceStatus, error) {
	if e == nil || e.checkpoints == nil {
		return nil, fmt.Errorf("workflow engine is not initialized")
	}

	checkpoints, err := e.checkpoints.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load checkpoints for item_id=%d: %w", key.ItemID, err)
	}

	if len(checkpoints) == 0 {
		return &InstanceStatus{Status: InstancePending, ItemID: key.ItemID}, nil
	}

	done := 0
	for _, name := range StepOrder {
		cp, ok := checkpoints[name]
		if !ok {
			continue
		}
		if cp.Status == StatusFailed {
			return &InstanceStatus{Status: InstanceFailed, ItemID: key.ItemID}, nil
		}
		if cp.Status == StatusDone {
			done++
		}
	}

	if done == len(StepOrder) {
		return &InstanceStatus{Status: InstanceCompleted, ItemID: key.ItemID}, nil
	}
	return &InstanceStatus{Status: InstanceRunning, ItemID: key.ItemID}, nil
}
