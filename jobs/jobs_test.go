package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/fleetwh/procurement/internal/jobs"
	"github.com/fleetwh/procurement/internal/shared"
)

type stubRecorder struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (s *stubRecorder) Record(_ context.Context, log shared.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.logs = append(s.logs, log)
	return nil
}

type stubQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *stubQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type stubCleaner struct {
	module    string
	olderThan time.Duration
	removed   int64
	err       error
}

func (s *stubCleaner) Cleanup(_ context.Context, module string, olderThan time.Duration) (int64, error) {
	s.module = module
	s.olderThan = olderThan
	return s.removed, s.err
}

func sampleLog() shared.AuditLog {
	return shared.AuditLog{
		ActorID:  "buyer-1",
		Action:   "PO_RECEIVE",
		Entity:   "purchase_orders",
		EntityID: "PO-2026-0000ABCD",
		Meta:     map[string]any{"warehouse_id": "WH-1"},
		At:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestAuditTaskRoundTripThroughJob(t *testing.T) {
	task, err := NewAuditTask(sampleLog())
	require.NoError(t, err)
	require.Equal(t, TaskAuditRecord, task.Type())

	recorder := &stubRecorder{}
	job := NewAuditJob(recorder, jobmetrics.NewMetrics(prometheus.NewRegistry()), nil)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, recorder.logs, 1)
	got := recorder.logs[0]
	require.Equal(t, "PO_RECEIVE", got.Action)
	require.Equal(t, "PO-2026-0000ABCD", got.EntityID)
	require.True(t, got.At.Equal(sampleLog().At))
	require.Equal(t, "WH-1", got.Meta["warehouse_id"])
}

func TestAuditTaskRejectsIncompleteLog(t *testing.T) {
	_, err := NewAuditTask(shared.AuditLog{Action: "PO_CREATE"})
	require.Error(t, err)
}

func TestAuditJobSkipsRetryOnBadPayload(t *testing.T) {
	job := NewAuditJob(&stubRecorder{}, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskAuditRecord, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	body, _ := json.Marshal(shared.AuditLog{Action: "x"})
	err = job.Handle(context.Background(), asynq.NewTask(TaskAuditRecord, body))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAuditJobRetriesOnRecorderFailure(t *testing.T) {
	boom := errors.New("db down")
	job := NewAuditJob(&stubRecorder{err: boom}, nil, nil)
	task, err := NewAuditTask(sampleLog())
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestAsyncAuditorEnqueues(t *testing.T) {
	queue := &stubQueue{}
	fallback := &stubRecorder{}
	auditor := NewAsyncAuditor(queue, fallback, nil)

	require.NoError(t, auditor.Record(context.Background(), sampleLog()))
	require.Len(t, queue.tasks, 1)
	require.Empty(t, fallback.logs)
}

func TestAsyncAuditorFallsBackWhenQueueFails(t *testing.T) {
	queue := &stubQueue{err: errors.New("redis unreachable")}
	fallback := &stubRecorder{}
	auditor := NewAsyncAuditor(queue, fallback, nil)

	require.NoError(t, auditor.Record(context.Background(), sampleLog()))
	require.Len(t, fallback.logs, 1)

	noFallback := NewAsyncAuditor(queue, nil, nil)
	require.Error(t, noFallback.Record(context.Background(), sampleLog()))
}

func TestClientEnqueuesAuditTaskIntoRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	auditor := NewAsyncAuditor(client, nil, nil)
	require.NoError(t, auditor.Record(context.Background(), sampleLog()))

	pending, err := mr.List("asynq:{" + QueueAudit + "}:pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestIdempotencyCleanupJob(t *testing.T) {
	task, err := NewIdempotencyCleanupTask("procurement.receipt", 72*time.Hour)
	require.NoError(t, err)

	cleaner := &stubCleaner{removed: 4}
	job := NewIdempotencyCleanupJob(cleaner, jobmetrics.NewMetrics(prometheus.NewRegistry()), nil)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, "procurement.receipt", cleaner.module)
	require.Equal(t, 72*time.Hour, cleaner.olderThan)
}

func TestIdempotencyCleanupJobErrors(t *testing.T) {
	_, err := NewIdempotencyCleanupTask("", time.Hour)
	require.Error(t, err)
	_, err = NewIdempotencyCleanupTask("procurement.receipt", 0)
	require.Error(t, err)

	job := NewIdempotencyCleanupJob(&stubCleaner{}, nil, nil)
	body, _ := json.Marshal(IdempotencyCleanupPayload{Module: "procurement.receipt"})
	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskIdempotencyCleanup, body)), asynq.SkipRetry)

	boom := errors.New("timeout")
	failing := NewIdempotencyCleanupJob(&stubCleaner{err: boom}, nil, nil)
	task, err := NewIdempotencyCleanupTask("procurement.receipt", time.Hour)
	require.NoError(t, err)
	require.ErrorIs(t, failing.Handle(context.Background(), task), boom)
}

type stubInspector struct {
	infos map[string]*asynq.QueueInfo
	err   error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.infos[queue], nil
}

func TestHandlerHealth(t *testing.T) {
	inspector := stubInspector{infos: map[string]*asynq.QueueInfo{
		QueueAudit:   {Queue: QueueAudit, Pending: 3, Retry: 1},
		QueueDefault: {Queue: QueueDefault, Archived: 2},
	}}
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspector, nil).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Queues []queueStatus `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, []queueStatus{
		{Queue: QueueAudit, Pending: 3, Retry: 1},
		{Queue: QueueDefault, Failed: 2},
	}, body.Queues)

	r = chi.NewRouter()
	r.Route("/jobs", NewHandler(stubInspector{err: errors.New("no redis")}, nil).MountRoutes)
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
