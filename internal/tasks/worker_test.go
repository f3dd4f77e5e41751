package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"

	"request-network/internal/cache"
	"request-network/internal/export"
	"request-network/internal/models"
	"request-network/internal/quota"
	"request-network/internal/services"
	"request-network/internal/testhelpers"
)

type nopDispatcher struct{}

func (nopDispatcher) DispatchRequest(ctx context.Context, req *models.Request) (services.TaskHandle, error) {
	return services.TaskHandle{TaskID: RequestTaskID(req.ID, req.Attempt)}, nil
}

func (nopDispatcher) Revoke(context.Context, string, bool) error { return nil }

type fakeExecutor struct {
	mu       sync.Mutex
	index    string
	query    []byte
	maxItems int
	calls    int
	result   []byte
	err      error
	hook     func()
}

func (e *fakeExecutor) Execute(ctx context.Context, index string, query []byte, maxItems int) ([]byte, error) {
	e.mu.Lock()
	e.calls++
	e.index, e.query, e.maxItems = index, query, maxItems
	e.mu.Unlock()
	if e.hook != nil {
		e.hook()
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

type fakeExports struct {
	kinds []string
	err   error
}

func (f *fakeExports) RunExport(ctx context.Context, kind string) (*export.Result, error) {
	f.kinds = append(f.kinds, kind)
	if f.err != nil {
		return nil, f.err
	}
	return &export.Result{Kind: kind, TotalCount: 3}, nil
}

type workerFixture struct {
	db        *gorm.DB
	lifecycle *services.Lifecycle
	executor  *fakeExecutor
	exports   *fakeExports
	counters  *cache.CacheManager
	worker    *Worker
	rt        *models.RequestType
	user      *models.Principal
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	db := testhelpers.NewDB(t)
	registry := services.NewRegistry(db)
	lifecycle := services.NewLifecycle(db, registry, services.NewAccessPolicy(db), quota.NewMemoryLedger(),
		nopDispatcher{}, nil, services.LifecycleConfig{ProcessingTimeout: time.Minute}, nil)

	counters := cache.NewWithClient(nil, nil)
	t.Cleanup(func() { counters.Close() })

	f := &workerFixture{
		db:        db,
		lifecycle: lifecycle,
		executor:  &fakeExecutor{result: []byte(`{"total":1,"took_ms":2,"hits":[]}`)},
		exports:   &fakeExports{},
		counters:  counters,
		rt: testhelpers.CreateRequestType(t, db, "search", `{"query":{"match":{"title":"{{q}}"}}}`,
			models.RequestTypeParameter{Name: "q", Type: models.ParamString, Required: true}),
		user: testhelpers.CreatePrincipal(t, db, "alice", "basic"),
	}
	f.worker = NewWorker(lifecycle, registry, f.executor, f.exports, counters, nil)
	return f
}

func (f *workerFixture) pending(t *testing.T, payload string) *models.Request {
	t.Helper()
	req := &models.Request{
		UserID:             f.user.ID,
		RequestTypeID:      f.rt.ID,
		RequestTypeVersion: f.rt.Version,
		Status:             models.StatusPending,
		Payload:            []byte(payload),
		Attempt:            1,
	}
	require.NoError(t, f.db.Create(req).Error)
	return req
}

func requestTask(t *testing.T, id string, attempt int) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(requestPayload{RequestID: id, Attempt: attempt})
	require.NoError(t, err)
	return asynq.NewTask(TypeProcessRequest, payload)
}

func TestProcessRequestCompletes(t *testing.T) {
	f := newWorkerFixture(t)
	req := f.pending(t, `{"q":"golang"}`)

	require.NoError(t, f.worker.HandleProcessRequest(context.Background(), requestTask(t, req.ID, 1)))

	assert.Equal(t, "search", f.executor.index)
	assert.Equal(t, 100, f.executor.maxItems)
	assert.Equal(t, "golang", gjson.GetBytes(f.executor.query, "query.match.title").String())

	got, err := f.lifecycle.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"total":1,"took_ms":2,"hits":[]}`, string(got.Result))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	n, err := f.counters.Counter(processedKey(WorkerName()))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessRequestFailureIsRecordedNotRetried(t *testing.T) {
	f := newWorkerFixture(t)
	f.executor.err = errors.New("index_not_found_exception")
	req := f.pending(t, `{"q":"golang"}`)

	err := f.worker.HandleProcessRequest(context.Background(), requestTask(t, req.ID, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	got, err := f.lifecycle.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "execution_failed", got.ErrorCode)
	assert.Contains(t, got.Error, "index_not_found_exception")
}

func TestProcessRequestDropsStaleAttempt(t *testing.T) {
	f := newWorkerFixture(t)
	req := f.pending(t, `{"q":"golang"}`)

	require.NoError(t, f.worker.HandleProcessRequest(context.Background(), requestTask(t, req.ID, 2)))
	require.NoError(t, f.worker.HandleProcessRequest(context.Background(), requestTask(t, "00000000-0000-0000-0000-000000000000", 1)))
	assert.Zero(t, f.executor.calls)

	got, err := f.lifecycle.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestProcessRequestCancelledMidFlight(t *testing.T) {
	f := newWorkerFixture(t)
	req := f.pending(t, `{"q":"golang"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.executor.hook = cancel
	f.executor.err = context.Canceled

	err := f.worker.HandleProcessRequest(ctx, requestTask(t, req.ID, 1))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	got, err := f.lifecycle.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "cancelled", got.ErrorCode)
}

func TestProcessRequestRenderFailure(t *testing.T) {
	f := newWorkerFixture(t)
	req := f.pending(t, `{}`)

	err := f.worker.HandleProcessRequest(context.Background(), requestTask(t, req.ID, 1))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Zero(t, f.executor.calls)

	got, err := f.lifecycle.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, "render_failed", got.ErrorCode)
}

func TestRunExportTask(t *testing.T) {
	f := newWorkerFixture(t)
	payload, err := json.Marshal(exportPayload{Kind: export.KindUsers})
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleRunExport(context.Background(), asynq.NewTask(TypeRunExport, payload)))
	assert.Equal(t, []string{export.KindUsers}, f.exports.kinds)

	f.exports.err = errors.New("destination unreachable")
	err = f.worker.HandleRunExport(context.Background(), asynq.NewTask(TypeRunExport, payload))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = f.worker.HandleRunExport(context.Background(), asynq.NewTask(TypeRunExport, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

type countingSweeper struct {
	calls  int
	purges int
	n      int
	err    error
}

func (s *countingSweeper) SweepTimeouts(context.Context) (int, error) {
	s.calls++
	return s.n, s.err
}

func (s *countingSweeper) PurgeRevokedTokens(context.Context) (int64, error) {
	s.purges++
	return 1, nil
}

func TestSweeperRunsUntilCancelled(t *testing.T) {
	s := &countingSweeper{n: 2}
	sw := NewSweeper(s, time.Millisecond, nil).PurgeTokens(s)
	assert.Equal(t, 2, sw.SweepOnce(context.Background()))
	assert.Equal(t, 1, s.purges)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	sw.Run(ctx)
	assert.Greater(t, s.calls, 1)
}

func TestSweeperFailsStuckRequests(t *testing.T) {
	f := newWorkerFixture(t)
	req := f.pending(t, `{"q":"golang"}`)
	_, err := f.lifecycle.MarkProcessing(context.Background(), req.ID, 1)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.Request{}).Where("id = ?", req.ID).
		Update("started_at", time.Now().UTC().Add(-time.Hour)).Error)

	assert.Equal(t, 1, NewSweeper(f.lifecycle, time.Second, nil).SweepOnce(context.Background()))

	got, err := f.lifecycle.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "timeout", got.ErrorCode)
}
