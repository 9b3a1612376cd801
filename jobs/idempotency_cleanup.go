package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fleetwh/procurement/internal/jobs"
)

const (
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// IdempotencyCleanupPayload selects the keys to purge.
type IdempotencyCleanupPayload struct {
	Module    string        `json:"module"`
	Retention time.Duration `json:"retention"`
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(module string, retention time.Duration) (*asynq.Task, error) {
	if module == "" {
		return nil, fmt.Errorf("cleanup module required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("cleanup retention must be positive")
	}
	body, err := json.Marshal(IdempotencyCleanupPayload{Module: module, Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// KeyCleaner is implemented by shared.IdempotencyStore.
type KeyCleaner interface {
	Cleanup(ctx context.Context, module string, olderThan time.Duration) (int64, error)
}

// IdempotencyCleanupJob deletes keys older than the payload retention.
//
// Receipt keys are safe to expire: once a purchase order is recebido its
// status alone rejects further receipts.
type IdempotencyCleanupJob struct {
	store   KeyCleaner
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewIdempotencyCleanupJob builds the cleanup handler.
func NewIdempotencyCleanupJob(store KeyCleaner, metrics *jobmetrics.Metrics, logger *slog.Logger) *IdempotencyCleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyCleanupJob{store: store, metrics: metrics, logger: logger}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track(TaskIdempotencyCleanup)
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(fmt.Errorf("decode cleanup payload: %v: %w", err, asynq.SkipRetry))
	}
	if payload.Module == "" || payload.Retention <= 0 {
		return tracker.End(fmt.Errorf("invalid cleanup payload: %w", asynq.SkipRetry))
	}
	removed, err := j.store.Cleanup(ctx, payload.Module, payload.Retention)
	if err != nil {
		return tracker.End(fmt.Errorf("cleanup %s: %w", payload.Module, err))
	}
	j.metrics.AddCleaned(payload.Module, removed)
	j.logger.Info("idempotency keys cleaned",
		slog.String("job", TaskIdempotencyCleanup),
		slog.String("module", payload.Module),
		slog.Int64("removed", removed))
	return tracker.End(nil)
}
