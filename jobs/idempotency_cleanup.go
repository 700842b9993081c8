package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/packtrace/packtrace/internal/shared"
)

// IdempotencyCleanupJob prunes expired idempotency keys on a schedule.
type IdempotencyCleanupJob struct {
	store  *shared.IdempotencyStore
	logger *slog.Logger
}

// NewIdempotencyCleanupJob constructs a job handler.
func NewIdempotencyCleanupJob(store *shared.IdempotencyStore, logger *slog.Logger) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{store: store, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, task *asynq.Task) error {
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionHours <= 0 {
		return asynq.SkipRetry
	}
	retention := time.Duration(payload.RetentionHours) * time.Hour
	if err := j.store.Cleanup(ctx, retention); err != nil {
		if j.logger != nil {
			j.logger.Error("idempotency cleanup", slog.Any("error", err))
		}
		return err
	}
	return nil
}
