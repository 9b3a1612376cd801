package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/fleetwh/procurement/internal/jobs"
	"github.com/fleetwh/procurement/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueAudit carries audit records produced by request handlers.
	QueueAudit = "audit"
	// TaskAuditRecord persists one audit log entry.
	TaskAuditRecord = "audit:record"
)

// NewAuditTask constructs an Asynq task carrying log.
func NewAuditTask(log shared.AuditLog) (*asynq.Task, error) {
	if err := log.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(log)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAuditRecord, data, asynq.Queue(QueueAudit), asynq.MaxRetry(10)), nil
}

// AuditRecorder is implemented by shared.AuditLogger.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AuditJob writes queued audit records.
type AuditJob struct {
	recorder AuditRecorder
	metrics  *jobmetrics.Metrics
	logger   *slog.Logger
}

// NewAuditJob builds the audit task handler.
func NewAuditJob(recorder AuditRecorder, metrics *jobmetrics.Metrics, logger *slog.Logger) *AuditJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditJob{recorder: recorder, metrics: metrics, logger: logger}
}

// Handle processes TaskAuditRecord tasks.
func (j *AuditJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track(TaskAuditRecord)
	var log shared.AuditLog
	if err := json.Unmarshal(t.Payload(), &log); err != nil {
		return tracker.End(fmt.Errorf("decode audit payload: %v: %w", err, asynq.SkipRetry))
	}
	if err := log.Validate(); err != nil {
		return tracker.End(fmt.Errorf("%v: %w", err, asynq.SkipRetry))
	}
	if err := j.recorder.Record(ctx, log); err != nil {
		j.logger.Warn("audit record failed", slog.String("action", log.Action), slog.String("entity_id", log.EntityID), slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(nil)
}

// TaskEnqueuer is the subset of *asynq.Client used for submitting tasks.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsyncAuditor satisfies the services' audit port by queueing records for the
// worker. When the queue is unavailable the record is written synchronously
// through fallback so no entry is lost.
type AsyncAuditor struct {
	queue    TaskEnqueuer
	fallback AuditRecorder
	logger   *slog.Logger
}

// NewAsyncAuditor wires the queue and fallback recorder.
func NewAsyncAuditor(queue TaskEnqueuer, fallback AuditRecorder, logger *slog.Logger) *AsyncAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncAuditor{queue: queue, fallback: fallback, logger: logger}
}

// Record enqueues log.
func (a *AsyncAuditor) Record(ctx context.Context, log shared.AuditLog) error {
	task, err := NewAuditTask(log)
	if err != nil {
		return err
	}
	if a.queue != nil {
		_, err = a.queue.EnqueueContext(ctx, task)
		if err == nil {
			return nil
		}
		a.logger.Warn("audit enqueue failed, writing synchronously", slog.String("action", log.Action), slog.Any("error", err))
	}
	if a.fallback == nil {
		return errors.Join(errors.New("audit queue unavailable"), err)
	}
	return a.fallback.Record(ctx, log)
}
