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
	"request-network/internal/metrics"
	"request-network/internal/models"
)

type inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	Servers() ([]*asynq.ServerInfo, error)
	ListPendingTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	CancelProcessing(id string) error
	DeleteAllPendingTasks(queue string) (int, error)
}

// RequestCanceller fails the request owning a task before the task is
// dropped, so no request is left pending without a task. Only the attempt
// the task was enqueued for is cancelled.
type RequestCanceller interface {
	CancelAttempt(ctx context.Context, id string, attempt int) (*models.Request, error)
}

// CounterReader reads per-worker processed counters.
type CounterReader interface {
	Counter(key string) (int64, error)
}

type QueueStats struct {
	Queue             string `json:"queue"`
	Queued            int    `json:"queued"`
	Active            int    `json:"active"`
	Scheduled         int    `json:"scheduled"`
	Retry             int    `json:"retry"`
	Archived          int    `json:"archived"`
	Completed         int    `json:"completed"`
	ProcessedToday    int    `json:"processed_today"`
	FailedToday       int    `json:"failed_today"`
	Paused            bool   `json:"paused"`
	LatencyMS         int64  `json:"latency_ms"`
	ActiveWorkerCount int    `json:"active_worker_count"`
}

type WorkerSnapshot struct {
	Name        string         `json:"name"`
	ID          string         `json:"id"`
	Pool        string         `json:"pool"`
	Concurrency int            `json:"concurrency"`
	Queues      map[string]int `json:"queues"`
	Active      int            `json:"active"`
	Processed   int64          `json:"processed"`
	Online      bool           `json:"online"`
	Started     time.Time      `json:"started"`
}

type TaskSummary struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Queue    string          `json:"queue"`
	State    string          `json:"state"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Retried  int             `json:"retried"`
	LastErr  string          `json:"last_error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Finished *time.Time      `json:"completed_at,omitempty"`
}

// Monitor reads queue and worker state straight from the broker. Nothing it
// returns is persisted.
type Monitor struct {
	inspector inspector
	queue     string
	requests  RequestCanceller
	counters  CounterReader
	log       *zap.Logger
}

func NewMonitor(insp *asynq.Inspector, queue string, requests RequestCanceller, counters CounterReader, log *zap.Logger) *Monitor {
	return newMonitor(insp, queue, requests, counters, log)
}

func newMonitor(insp inspector, queue string, requests RequestCanceller, counters CounterReader, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{inspector: insp, queue: queue, requests: requests, counters: counters, log: log}
}

func (m *Monitor) QueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{Queue: m.queue}

	info, err := m.inspector.GetQueueInfo(m.queue)
	switch {
	case errors.Is(err, asynq.ErrQueueNotFound):
		// Nothing was ever enqueued.
	case err != nil:
		return nil, fmt.Errorf("queue info: %w", err)
	default:
		stats.Queued = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
		stats.Completed = info.Completed
		stats.ProcessedToday = info.Processed
		stats.FailedToday = info.Failed
		stats.Paused = info.Paused
		stats.LatencyMS = info.Latency.Milliseconds()
	}

	workers, err := m.WorkerSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if w.Online {
			stats.ActiveWorkerCount++
		}
	}

	metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Queued))
	metrics.QueueDepth.WithLabelValues("active").Set(float64(stats.Active))
	metrics.QueueDepth.WithLabelValues("retry").Set(float64(stats.Retry))
	return stats, nil
}

func (m *Monitor) WorkerSnapshots(ctx context.Context) ([]WorkerSnapshot, error) {
	servers, err := m.inspector.Servers()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}

	out := make([]WorkerSnapshot, 0, len(servers))
	online := 0
	for _, s := range servers {
		name := fmt.Sprintf("%s:%d", s.Host, s.PID)
		snap := WorkerSnapshot{
			Name:        name,
			ID:          s.ID,
			Pool:        "asynq",
			Concurrency: s.Concurrency,
			Queues:      s.Queues,
			Active:      len(s.ActiveWorkers),
			Online:      s.Status == "active",
			Started:     s.Started,
		}
		if m.counters != nil {
			n, err := m.counters.Counter(processedKey(name))
			if err != nil {
				m.log.Warn("failed to read processed counter", zap.String("worker", name), zap.Error(err))
			}
			snap.Processed = n
		}
		if snap.Online {
			online++
		}
		out = append(out, snap)
	}
	metrics.WorkersOnline.Set(float64(online))
	return out, nil
}

func summarize(t *asynq.TaskInfo) TaskSummary {
	s := TaskSummary{
		ID:      t.ID,
		Type:    t.Type,
		Queue:   t.Queue,
		State:   t.State.String(),
		Retried: t.Retried,
		LastErr: t.LastErr,
	}
	if json.Valid(t.Payload) {
		s.Payload = t.Payload
	}
	if len(t.Result) > 0 && json.Valid(t.Result) {
		s.Result = t.Result
	}
	if !t.CompletedAt.IsZero() {
		at := t.CompletedAt
		s.Finished = &at
	}
	return s
}

// PendingTasks lists up to limit queued tasks, oldest first.
func (m *Monitor) PendingTasks(ctx context.Context, limit int) ([]TaskSummary, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	tasks, err := m.inspector.ListPendingTasks(m.queue, asynq.PageSize(limit))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return []TaskSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	out := make([]TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, summarize(t))
	}
	return out, nil
}

func (m *Monitor) TaskStatus(ctx context.Context, taskID string) (*TaskSummary, error) {
	info, err := m.inspector.GetTaskInfo(m.queue, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, apperrors.NotFound("task")
	}
	if err != nil {
		return nil, fmt.Errorf("task info: %w", err)
	}
	s := summarize(info)
	return &s, nil
}

// Skip removes a queued task. A request task fails its request with
// cancelled instead of leaving it pending.
func (m *Monitor) Skip(ctx context.Context, taskID string) error {
	if requestID, attempt, ok := ParseRequestTaskID(taskID); ok && m.requests != nil {
		_, err := m.requests.CancelAttempt(ctx, requestID, attempt)
		if err == nil {
			return nil
		}
		// A task whose request is gone, finished or on a later attempt is
		// just deleted.
		if !errors.Is(err, apperrors.ErrNotFound) && !errors.Is(err, apperrors.ErrInvalidTransition) {
			return err
		}
	}

	err := m.inspector.DeleteTask(m.queue, taskID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return apperrors.NotFound("task")
	}
	return err
}

// Cancel asks the worker running taskID to stop. It is advisory: the task
// may still complete.
func (m *Monitor) Cancel(ctx context.Context, taskID string) error {
	if err := m.inspector.CancelProcessing(taskID); err != nil {
		return fmt.Errorf("cancel %s: %w", taskID, err)
	}
	m.log.Info("cancel requested", zap.String("task_id", taskID))
	return nil
}

// ClearQueue drops every queued task and returns how many were removed.
func (m *Monitor) ClearQueue(ctx context.Context) (int, error) {
	cancelled := 0
	if m.requests != nil {
		for {
			pending, err := m.inspector.ListPendingTasks(m.queue, asynq.PageSize(500))
			if errors.Is(err, asynq.ErrQueueNotFound) {
				return 0, nil
			}
			if err != nil {
				return cancelled, fmt.Errorf("list pending tasks: %w", err)
			}

			progressed := false
			for _, t := range pending {
				requestID, attempt, ok := ParseRequestTaskID(t.ID)
				if !ok {
					continue
				}
				if _, err := m.requests.CancelAttempt(ctx, requestID, attempt); err != nil {
					m.log.Warn("failed to cancel queued request", zap.String("task_id", t.ID), zap.Error(err))
					continue
				}
				cancelled++
				progressed = true
			}
			if !progressed || len(pending) < 500 {
				break
			}
		}
	}

	n, err := m.inspector.DeleteAllPendingTasks(m.queue)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		err = nil
	}
	if err != nil {
		return cancelled, fmt.Errorf("clear queue: %w", err)
	}
	m.log.Info("queue cleared", zap.String("queue", m.queue), zap.Int("removed", cancelled+n))
	return cancelled + n, nil
}
