package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"request-network/internal/models"
	"request-network/internal/services"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type taskRemover interface {
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
}

// Dispatcher enqueues request and export tasks.
type Dispatcher struct {
	client    enqueuer
	inspector taskRemover
	queue     string
	timeout   time.Duration
	retention time.Duration
}

func NewDispatcher(client *asynq.Client, inspector *asynq.Inspector, queue string, processingTimeout time.Duration) *Dispatcher {
	return newDispatcher(client, inspector, queue, processingTimeout)
}

func newDispatcher(client enqueuer, inspector taskRemover, queue string, processingTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client:    client,
		inspector: inspector,
		queue:     queue,
		timeout:   processingTimeout,
		retention: 24 * time.Hour,
	}
}

// DispatchRequest enqueues one attempt of req. The broker never retries a
// request task; retries go through the lifecycle as a new attempt.
func (d *Dispatcher) DispatchRequest(ctx context.Context, req *models.Request) (services.TaskHandle, error) {
	payload, err := json.Marshal(requestPayload{RequestID: req.ID, Attempt: req.Attempt})
	if err != nil {
		return services.TaskHandle{}, err
	}

	id := RequestTaskID(req.ID, req.Attempt)
	task := asynq.NewTask(TypeProcessRequest, payload)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.TaskID(id),
		asynq.Queue(d.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(d.timeout),
		asynq.Retention(d.retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return services.TaskHandle{TaskID: id, Queue: d.queue, Duplicate: true}, nil
	}
	if err != nil {
		return services.TaskHandle{}, fmt.Errorf("enqueue %s: %w", id, err)
	}
	return services.TaskHandle{TaskID: id, Queue: d.queue}, nil
}

// DispatchExport enqueues an export run and returns its handle at once.
func (d *Dispatcher) DispatchExport(ctx context.Context, kind string) (services.TaskHandle, error) {
	payload, err := json.Marshal(exportPayload{Kind: kind})
	if err != nil {
		return services.TaskHandle{}, err
	}

	id := fmt.Sprintf("export-%s-%s", kind, uuid.NewString())
	_, err = d.client.EnqueueContext(ctx, asynq.NewTask(TypeRunExport, payload),
		asynq.TaskID(id),
		asynq.Queue(d.queue),
		asynq.MaxRetry(0),
		asynq.Retention(d.retention),
	)
	if err != nil {
		return services.TaskHandle{}, fmt.Errorf("enqueue %s export: %w", kind, err)
	}
	return services.TaskHandle{TaskID: id, Queue: d.queue}, nil
}

// Revoke deletes a queued task, or signals the worker running it when
// started is true. A task that is already gone is not an error.
func (d *Dispatcher) Revoke(ctx context.Context, taskID string, started bool) error {
	var err error
	if started {
		err = d.inspector.CancelProcessing(taskID)
	} else {
		err = d.inspector.DeleteTask(d.queue, taskID)
	}
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	return err
}
