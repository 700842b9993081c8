package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileSnapshot computes the variance payload for one
	// pending reconciliation snapshot.
	TaskReconcileSnapshot = "reconcile:snapshot"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// ReconcileSnapshotPayload identifies the snapshot to process.
type ReconcileSnapshotPayload struct {
	SnapshotID string `json:"snapshot_id"`
}

// NewReconcileSnapshotTask constructs an Asynq task.
func NewReconcileSnapshotTask(payload ReconcileSnapshotPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileSnapshot, data), nil
}

// IdempotencyCleanupPayload bounds how far back keys are kept.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs an Asynq task.
func NewIdempotencyCleanupTask(payload IdempotencyCleanupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
