package tasks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"request-network/internal/models"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (e *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.tasks = append(e.tasks, task)
	e.opts = append(e.opts, opts)
	if e.err != nil {
		return nil, e.err
	}
	return &asynq.TaskInfo{}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) interface{} {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

type fakeRemover struct {
	deleted   []string
	cancelled []string
	err       error
}

func (r *fakeRemover) DeleteTask(queue, id string) error {
	r.deleted = append(r.deleted, queue+"/"+id)
	return r.err
}

func (r *fakeRemover) CancelProcessing(id string) error {
	r.cancelled = append(r.cancelled, id)
	return r.err
}

func TestDispatchRequestUsesAttemptTaskID(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := newDispatcher(enq, &fakeRemover{}, "requests", 5*time.Minute)
	req := &models.Request{ID: "4b7c1f0e-8a5d-4c3b-9f2e-1a2b3c4d5e6f", Attempt: 2}

	h, err := d.DispatchRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "req-4b7c1f0e-8a5d-4c3b-9f2e-1a2b3c4d5e6f-2", h.TaskID)
	assert.Equal(t, "requests", h.Queue)
	assert.False(t, h.Duplicate)

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TypeProcessRequest, enq.tasks[0].Type())
	assert.JSONEq(t, `{"request_id":"4b7c1f0e-8a5d-4c3b-9f2e-1a2b3c4d5e6f","attempt":2}`, string(enq.tasks[0].Payload()))
	assert.Equal(t, h.TaskID, optionValue(enq.opts[0], asynq.TaskIDOpt))
	assert.Equal(t, "requests", optionValue(enq.opts[0], asynq.QueueOpt))
	assert.Equal(t, 0, optionValue(enq.opts[0], asynq.MaxRetryOpt))
	assert.Equal(t, 5*time.Minute, optionValue(enq.opts[0], asynq.TimeoutOpt))

	id, attempt, ok := ParseRequestTaskID(h.TaskID)
	require.True(t, ok)
	assert.Equal(t, req.ID, id)
	assert.Equal(t, 2, attempt)
}

func TestDispatchRequestDuplicateIsSuccess(t *testing.T) {
	enq := &fakeEnqueuer{err: asynq.ErrTaskIDConflict}
	d := newDispatcher(enq, &fakeRemover{}, "requests", time.Minute)

	h, err := d.DispatchRequest(context.Background(), &models.Request{ID: "r1", Attempt: 1})
	require.NoError(t, err)
	assert.True(t, h.Duplicate)
	assert.Equal(t, "req-r1-1", h.TaskID)

	enq.err = errors.New("dial tcp: connection refused")
	_, err = d.DispatchRequest(context.Background(), &models.Request{ID: "r1", Attempt: 1})
	assert.ErrorContains(t, err, "connection refused")
}

func TestDispatchExport(t *testing.T) {
	enq := &fakeEnqueuer{}
	d := newDispatcher(enq, &fakeRemover{}, "requests", time.Minute)

	h, err := d.DispatchExport(context.Background(), "users")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(h.TaskID, "export-users-"))
	assert.Equal(t, TypeRunExport, enq.tasks[0].Type())
	assert.JSONEq(t, `{"kind":"users"}`, string(enq.tasks[0].Payload()))

	_, _, ok := ParseRequestTaskID(h.TaskID)
	assert.False(t, ok)
}

func TestRevoke(t *testing.T) {
	rm := &fakeRemover{}
	d := newDispatcher(&fakeEnqueuer{}, rm, "requests", time.Minute)
	ctx := context.Background()

	require.NoError(t, d.Revoke(ctx, "req-a-1", false))
	require.NoError(t, d.Revoke(ctx, "req-b-1", true))
	assert.Equal(t, []string{"requests/req-a-1"}, rm.deleted)
	assert.Equal(t, []string{"req-b-1"}, rm.cancelled)

	rm.err = asynq.ErrTaskNotFound
	assert.NoError(t, d.Revoke(ctx, "req-c-1", false))
	rm.err = errors.New("redis down")
	assert.Error(t, d.Revoke(ctx, "req-c-1", false))
}
