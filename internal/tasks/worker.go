package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"request-network/internal/apperrors"
	"request-network/internal/export"
	"request-network/internal/models"
	"request-network/internal/querytemplate"
	"request-network/internal/search"
)

type requestStore interface {
	MarkProcessing(ctx context.Context, id string, attempt int) (*models.Request, error)
	MarkCompleted(ctx context.Context, id string, attempt int, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, attempt int, code, message string) error
}

type typeLoader interface {
	GetRequestType(ctx context.Context, id string) (*models.RequestType, error)
}

type exportRunner interface {
	RunExport(ctx context.Context, kind string) (*export.Result, error)
}

type counterWriter interface {
	Increment(key string, value int64, ttl time.Duration) (int64, error)
}

// Worker holds the asynq handlers for request and export tasks.
type Worker struct {
	requests requestStore
	types    typeLoader
	executor search.Executor
	exports  exportRunner
	counters counterWriter
	name     string
	log      *zap.Logger
}

func NewWorker(requests requestStore, types typeLoader, executor search.Executor, exports exportRunner, counters counterWriter, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		requests: requests,
		types:    types,
		executor: executor,
		exports:  exports,
		counters: counters,
		name:     WorkerName(),
		log:      log,
	}
}

func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeProcessRequest, w.HandleProcessRequest)
	mux.HandleFunc(TypeRunExport, w.HandleRunExport)
}

// HandleProcessRequest executes one attempt of a request. Tasks for an
// attempt that is no longer pending are dropped. Failures are recorded on
// the request and never retried by the broker.
func (w *Worker) HandleProcessRequest(ctx context.Context, t *asynq.Task) error {
	var p requestPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode request task: %v: %w", err, asynq.SkipRetry)
	}
	log := w.log.With(zap.String("request_id", p.RequestID), zap.Int("attempt", p.Attempt))

	req, err := w.requests.MarkProcessing(ctx, p.RequestID, p.Attempt)
	if errors.Is(err, apperrors.ErrInvalidTransition) || errors.Is(err, apperrors.ErrNotFound) {
		log.Info("dropping stale request task", zap.Error(err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim request: %w", err)
	}
	defer w.countProcessed()

	started := time.Now()
	result, code, err := w.execute(ctx, req)
	if err != nil {
		log.Warn("request execution failed", zap.String("error_code", code), zap.Error(err))
		if ferr := w.requests.MarkFailed(context.WithoutCancel(ctx), req.ID, req.Attempt, code, err.Error()); ferr != nil {
			log.Warn("could not record failure", zap.Error(ferr))
		}
		return fmt.Errorf("%s: %v: %w", code, err, asynq.SkipRetry)
	}

	if err := w.requests.MarkCompleted(ctx, req.ID, req.Attempt, result); err != nil {
		// The timeout sweep or a cancel got there first.
		log.Warn("could not record result", zap.Error(err))
		return nil
	}
	log.Info("request completed", zap.Duration("duration", time.Since(started)))
	return nil
}

func (w *Worker) execute(ctx context.Context, req *models.Request) (json.RawMessage, string, error) {
	rt, err := w.types.GetRequestType(ctx, req.RequestTypeID)
	if err != nil {
		return nil, "execution_failed", fmt.Errorf("load request type: %w", err)
	}
	if rt.Version != req.RequestTypeVersion {
		w.log.Info("request type changed since admission",
			zap.String("request_id", req.ID),
			zap.Int("admitted_version", req.RequestTypeVersion),
			zap.Int("current_version", rt.Version))
	}

	query, err := querytemplate.Render(rt.QueryTemplate, req.Payload)
	if err != nil {
		return nil, "render_failed", err
	}

	result, err := w.executor.Execute(ctx, rt.Index, query, rt.MaxItemsPerRequest)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, "cancelled", err
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, "timeout", err
		}
		return nil, "execution_failed", err
	}
	return result, "", nil
}

func (w *Worker) countProcessed() {
	if w.counters == nil {
		return
	}
	if _, err := w.counters.Increment(processedKey(w.name), 1, 24*time.Hour); err != nil {
		w.log.Debug("failed to count processed task", zap.Error(err))
	}
}

// HandleRunExport runs one export. The coordinator retries destination
// writes itself, so the broker never retries.
func (w *Worker) HandleRunExport(ctx context.Context, t *asynq.Task) error {
	var p exportPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode export task: %v: %w", err, asynq.SkipRetry)
	}
	defer w.countProcessed()

	res, err := w.exports.RunExport(ctx, p.Kind)
	if err != nil {
		return fmt.Errorf("export %s: %v: %w", p.Kind, err, asynq.SkipRetry)
	}
	if rw := t.ResultWriter(); rw != nil {
		if data, err := json.Marshal(res); err == nil {
			if _, err := rw.Write(data); err != nil {
				w.log.Debug("failed to store export result", zap.Error(err))
			}
		}
	}
	return nil
}
