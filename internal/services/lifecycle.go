package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"request-network/internal/apperrors"
	"request-network/internal/cache"
	"request-network/internal/metrics"
	"request-network/internal/models"
	"request-network/internal/querytemplate"
	"request-network/internal/quota"
)

// TaskHandle identifies a dispatched unit of work in the broker.
type TaskHandle struct {
	TaskID    string `json:"task_id"`
	Queue     string `json:"queue"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Dispatcher hands requests to the asynchronous execution layer.
type Dispatcher interface {
	DispatchRequest(ctx context.Context, req *models.Request) (TaskHandle, error)
	// Revoke removes a queued task, or asks the worker to stop an active
	// one when started is true. Both are best effort.
	Revoke(ctx context.Context, taskID string, started bool) error
}

// EventSink receives lifecycle events and caches derived stats.
type EventSink interface {
	PublishEvent(ctx context.Context, ev cache.Event)
	Get(key string, target interface{}) (bool, error)
	Set(key string, value interface{}, ttl time.Duration) error
}

type LifecycleConfig struct {
	ProcessingTimeout   time.Duration
	DispatchMaxAttempts int
	DispatchBackoff     time.Duration
	StatsTTL            time.Duration
}

// Lifecycle owns the request state machine. Every transition is a
// conditional update on (status, attempt), so two writers can never both
// move the same request.
type Lifecycle struct {
	db         *gorm.DB
	registry   *Registry
	policy     *AccessPolicy
	ledger     quota.Ledger
	dispatcher Dispatcher
	events     EventSink
	cfg        LifecycleConfig
	log        *zap.Logger
	now        func() time.Time
	// read serves listings and aggregates; the primary by default.
	read func() *gorm.DB
}

func NewLifecycle(db *gorm.DB, registry *Registry, policy *AccessPolicy, ledger quota.Ledger,
	dispatcher Dispatcher, events EventSink, cfg LifecycleConfig, log *zap.Logger) *Lifecycle {
	if cfg.DispatchMaxAttempts < 1 {
		cfg.DispatchMaxAttempts = 1
	}
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{
		db:         db,
		registry:   registry,
		policy:     policy,
		ledger:     ledger,
		dispatcher: dispatcher,
		events:     events,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		read:       func() *gorm.DB { return db },
	}
}

// UseReadReplicas routes listings and aggregates through pick, typically a
// round-robin over read replicas. State transitions always use the primary.
func (l *Lifecycle) UseReadReplicas(pick func() *gorm.DB) {
	l.read = pick
}

// Submit admits a request: an inactive type is denied before anything else,
// then payload validation and a dry render of the query, then authorization
// and quota reservation. Only when every check passes is a pending request stored
// and dispatched. A reserved unit is not refunded if anything fails later.
func (l *Lifecycle) Submit(ctx context.Context, principal *models.Principal, requestTypeID string, payload json.RawMessage) (*models.Request, error) {
	rt, err := l.registry.GetRequestType(ctx, requestTypeID)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	if !rt.IsActive {
		return nil, l.deny(principal, rt.ID, DenyTypeInactive)
	}

	if err := querytemplate.ValidatePayload(rt.Parameters, payload); err != nil {
		metrics.AdmissionsTotal.WithLabelValues("invalid", apperrors.Code(err)).Inc()
		return nil, err
	}
	if len(rt.QueryTemplate) == 0 {
		return nil, apperrors.New(apperrors.KindUnprocessable, "query_not_configured",
			"request type has no query template yet")
	}
	// The worker renders the same template; a payload it cannot bind is
	// rejected here, before any quota is spent.
	if _, err := querytemplate.Render(rt.QueryTemplate, payload); err != nil {
		metrics.AdmissionsTotal.WithLabelValues("invalid", apperrors.Code(err)).Inc()
		return nil, err
	}

	if err := l.admit(ctx, principal, rt.ID); err != nil {
		return nil, err
	}

	req := &models.Request{
		UserID:             principal.ID,
		RequestTypeID:      rt.ID,
		RequestTypeVersion: rt.Version,
		Status:             models.StatusPending,
		Payload:            datatypes.JSON(payload),
		Attempt:            1,
	}
	if err := l.db.WithContext(ctx).Create(req).Error; err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	metrics.TransitionsTotal.WithLabelValues(models.StatusPending).Inc()
	l.publish(ctx, req, "created")

	if err := l.dispatch(ctx, req); err != nil {
		metrics.AdmissionsTotal.WithLabelValues("dispatch_failed", "").Inc()
		return req, err
	}
	metrics.AdmissionsTotal.WithLabelValues("accepted", "").Inc()
	return req, nil
}

// admit authorizes principal for the request type and reserves one unit of
// quota in every limited scope.
func (l *Lifecycle) deny(principal *models.Principal, requestTypeID, reason string) error {
	metrics.AdmissionsTotal.WithLabelValues("denied", reason).Inc()
	l.log.Info("request denied",
		zap.String("user_id", principal.ID),
		zap.String("request_type_id", requestTypeID),
		zap.String("reason", reason))
	return apperrors.PolicyDenied(reason)
}

func (l *Lifecycle) admit(ctx context.Context, principal *models.Principal, requestTypeID string) error {
	decision, err := l.policy.Authorize(ctx, principal, requestTypeID)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return l.deny(principal, requestTypeID, decision.Reason)
	}

	res, err := l.ledger.Reserve(ctx, principal.ID, requestTypeID, decision.Limits)
	if err != nil {
		return fmt.Errorf("reserve quota: %w", err)
	}
	if !res.Reserved {
		metrics.AdmissionsTotal.WithLabelValues("quota", string(res.Scope)).Inc()
		metrics.QuotaExhaustedTotal.WithLabelValues(string(res.Scope)).Inc()
		return apperrors.QuotaExhausted(string(res.Scope), res.Limit, res.Current)
	}
	return nil
}

// dispatch enqueues req, retrying with exponential backoff while the request
// stays pending. When attempts run out the request is failed with
// dispatch_failed.
func (l *Lifecycle) dispatch(ctx context.Context, req *models.Request) error {
	var handle TaskHandle
	op := func() error {
		h, err := l.dispatcher.DispatchRequest(ctx, req)
		if err != nil {
			metrics.DispatchFailuresTotal.Inc()
			l.log.Warn("dispatch attempt failed", zap.String("request_id", req.ID), zap.Int("attempt", req.Attempt), zap.Error(err))
			return err
		}
		handle = h
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.DispatchBackoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = 100 * time.Millisecond
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.cfg.DispatchMaxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		failErr := apperrors.DispatchFailure(err)
		failErr.Details = map[string]interface{}{"request_id": req.ID}
		if _, terr := l.transition(context.WithoutCancel(ctx), req, models.StatusPending, map[string]interface{}{
			"status":     models.StatusFailed,
			"error_code": failErr.Code,
			"error":      err.Error(),
		}); terr != nil {
			l.log.Error("failed to record dispatch failure", zap.String("request_id", req.ID), zap.Error(terr))
		}
		return failErr
	}

	err := l.db.WithContext(ctx).Model(&models.Request{}).
		Where("id = ? AND attempt = ?", req.ID, req.Attempt).
		Update("task_id", handle.TaskID).Error
	if err != nil {
		return fmt.Errorf("record task id: %w", err)
	}
	req.TaskID = handle.TaskID
	return nil
}

// transition applies updates only if req is still in status from at the
// same attempt. On success req is reloaded.
func (l *Lifecycle) transition(ctx context.Context, req *models.Request, from string, updates map[string]interface{}) (bool, error) {
	res := l.db.WithContext(ctx).Model(&models.Request{}).
		Where("id = ? AND status = ? AND attempt = ?", req.ID, from, req.Attempt).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("update request %s: %w", req.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if err := l.db.WithContext(ctx).First(req, "id = ?", req.ID).Error; err != nil {
		return true, fmt.Errorf("reload request %s: %w", req.ID, err)
	}

	metrics.TransitionsTotal.WithLabelValues(req.Status).Inc()
	if req.StartedAt != nil && req.CompletedAt != nil {
		metrics.ProcessingSeconds.WithLabelValues(req.Status).Observe(req.CompletedAt.Sub(*req.StartedAt).Seconds())
	}
	l.publish(ctx, req, "status_changed")
	return true, nil
}

func (l *Lifecycle) publish(ctx context.Context, req *models.Request, action string) {
	if l.events == nil {
		return
	}
	l.events.PublishEvent(ctx, cache.Event{
		Action:        action,
		RequestID:     req.ID,
		UserID:        req.UserID,
		RequestTypeID: req.RequestTypeID,
		Status:        req.Status,
		Attempt:       req.Attempt,
		Timestamp:     l.now().UTC(),
	})
}

func invalidTransition(req *models.Request, action string) error {
	return fmt.Errorf("%w: cannot %s a %s request", apperrors.ErrInvalidTransition, action, req.Status)
}

// Retry moves a failed request back to pending under a new attempt and
// dispatches it again. Any other status is rejected without change, as is a
// retry the owner is no longer allowed or has no quota left for.
func (l *Lifecycle) Retry(ctx context.Context, id string) (*models.Request, error) {
	req, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.StatusFailed {
		return nil, invalidTransition(req, "retry")
	}

	prev := *req
	ok, err := l.transition(ctx, req, models.StatusFailed, map[string]interface{}{
		"status":        models.StatusPending,
		"attempt":       gorm.Expr("attempt + 1"),
		"error_code":    "",
		"error":         "",
		"result":        nil,
		"task_id":       "",
		"started_at":    nil,
		"completed_at":  nil,
		"processing_ms": 0,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// Someone else retried it first.
		return nil, fmt.Errorf("%w: request %s changed concurrently", apperrors.ErrInvalidTransition, id)
	}

	// A retry is a new attempt: access is checked again and it consumes a
	// fresh unit of quota. The attempt is claimed first so a concurrent retry
	// that loses the claim spends nothing.
	var principal models.Principal
	if err := l.db.WithContext(ctx).First(&principal, "id = ?", req.UserID).Error; err != nil {
		l.restoreFailed(ctx, req, &prev)
		return nil, fmt.Errorf("load request owner: %w", err)
	}
	if err := l.admit(ctx, &principal, req.RequestTypeID); err != nil {
		l.restoreFailed(ctx, req, &prev)
		return nil, err
	}

	if err := l.dispatch(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

// restoreFailed puts a claimed retry back to the failed attempt it came from.
func (l *Lifecycle) restoreFailed(ctx context.Context, req, prev *models.Request) {
	ok, err := l.transition(ctx, req, models.StatusPending, map[string]interface{}{
		"status":        models.StatusFailed,
		"attempt":       prev.Attempt,
		"error_code":    prev.ErrorCode,
		"error":         prev.Error,
		"result":        prev.Result,
		"task_id":       prev.TaskID,
		"started_at":    prev.StartedAt,
		"completed_at":  prev.CompletedAt,
		"processing_ms": prev.ProcessingMS,
	})
	if err != nil || !ok {
		l.log.Warn("failed to restore rejected retry",
			zap.String("request_id", req.ID), zap.Bool("updated", ok), zap.Error(err))
	}
}

type RetryFilter struct {
	UserID        string `json:"user_id"`
	RequestTypeID string `json:"request_type_id"`
	Limit         int    `json:"limit"`
}

type BulkResult struct {
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids"`
}

// RetryAllFailed retries every matching failed request independently; one
// failure does not stop the rest.
func (l *Lifecycle) RetryAllFailed(ctx context.Context, f RetryFilter) (BulkResult, error) {
	q := l.db.WithContext(ctx).Model(&models.Request{}).Where("status = ?", models.StatusFailed)
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.RequestTypeID != "" {
		q = q.Where("request_type_id = ?", f.RequestTypeID)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var ids []string
	if err := q.Order("created_at").Pluck("id", &ids).Error; err != nil {
		return BulkResult{}, fmt.Errorf("list failed requests: %w", err)
	}

	result := BulkResult{FailedIDs: []string{}}
	for _, id := range ids {
		if _, err := l.Retry(ctx, id); err != nil {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, id)
			l.log.Warn("bulk retry failed", zap.String("request_id", id), zap.Error(err))
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

// MarkProcessing claims a pending request for the given attempt. It fails
// with ErrInvalidTransition when the task is stale.
func (l *Lifecycle) MarkProcessing(ctx context.Context, id string, attempt int) (*models.Request, error) {
	req := &models.Request{ID: id, Attempt: attempt}
	now := l.now().UTC()
	ok, err := l.transition(ctx, req, models.StatusPending, map[string]interface{}{
		"status":     models.StatusProcessing,
		"started_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: request %s attempt %d is not pending", apperrors.ErrInvalidTransition, id, attempt)
	}
	return req, nil
}

func (l *Lifecycle) MarkCompleted(ctx context.Context, id string, attempt int, result json.RawMessage) error {
	return l.finish(ctx, id, attempt, map[string]interface{}{
		"status": models.StatusCompleted,
		"result": datatypes.JSON(result),
	})
}

func (l *Lifecycle) MarkFailed(ctx context.Context, id string, attempt int, code, message string) error {
	return l.finish(ctx, id, attempt, map[string]interface{}{
		"status":     models.StatusFailed,
		"error_code": code,
		"error":      message,
	})
}

func (l *Lifecycle) finish(ctx context.Context, id string, attempt int, updates map[string]interface{}) error {
	req, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.Attempt != attempt {
		return fmt.Errorf("%w: request %s is at attempt %d, not %d", apperrors.ErrInvalidTransition, id, req.Attempt, attempt)
	}

	now := l.now().UTC()
	updates["completed_at"] = now
	if req.StartedAt != nil {
		updates["processing_ms"] = now.Sub(*req.StartedAt).Milliseconds()
	}
	ok, err := l.transition(ctx, req, models.StatusProcessing, updates)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: request %s is no longer processing", apperrors.ErrInvalidTransition, id)
	}
	return nil
}

// SweepTimeouts fails every request that has been processing longer than
// the processing timeout. It returns how many were failed.
func (l *Lifecycle) SweepTimeouts(ctx context.Context) (int, error) {
	cutoff := l.now().UTC().Add(-l.cfg.ProcessingTimeout)

	var stuck []models.Request
	err := l.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", models.StatusProcessing, cutoff).
		Find(&stuck).Error
	if err != nil {
		return 0, fmt.Errorf("find stuck requests: %w", err)
	}

	swept := 0
	for i := range stuck {
		req := &stuck[i]
		now := l.now().UTC()
		ok, err := l.transition(ctx, req, models.StatusProcessing, map[string]interface{}{
			"status":        models.StatusFailed,
			"error_code":    "timeout",
			"error":         "timeout",
			"completed_at":  now,
			"processing_ms": now.Sub(*req.StartedAt).Milliseconds(),
		})
		if err != nil {
			return swept, err
		}
		if ok {
			swept++
			l.log.Warn("request timed out", zap.String("request_id", req.ID), zap.Int("attempt", req.Attempt))
		}
	}
	return swept, nil
}

// Cancel fails a pending request and removes its task. For a processing
// request the cancel is forwarded to the worker and the status is left to
// the worker or the timeout sweep.
func (l *Lifecycle) Cancel(ctx context.Context, id string) (*models.Request, error) {
	return l.CancelAttempt(ctx, id, 0)
}

// CancelAttempt is Cancel bound to one attempt, as named by a task id. An
// attempt other than the current one is stale and leaves the request alone.
// Zero matches any attempt.
func (l *Lifecycle) CancelAttempt(ctx context.Context, id string, attempt int) (*models.Request, error) {
	req, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if attempt > 0 && req.Attempt != attempt {
		return nil, fmt.Errorf("%w: attempt %d of request %s is stale, current attempt is %d",
			apperrors.ErrInvalidTransition, attempt, id, req.Attempt)
	}

	switch req.Status {
	case models.StatusPending:
		taskID := req.TaskID
		ok, err := l.transition(ctx, req, models.StatusPending, map[string]interface{}{
			"status":     models.StatusFailed,
			"error_code": "cancelled",
			"error":      "cancelled",
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: request %s changed concurrently", apperrors.ErrInvalidTransition, id)
		}
		if taskID != "" {
			if err := l.dispatcher.Revoke(ctx, taskID, false); err != nil {
				l.log.Warn("failed to remove queued task", zap.String("task_id", taskID), zap.Error(err))
			}
		}
		return req, nil
	case models.StatusProcessing:
		if req.TaskID != "" {
			if err := l.dispatcher.Revoke(ctx, req.TaskID, true); err != nil {
				return nil, fmt.Errorf("cancel task: %w", err)
			}
		}
		return req, nil
	default:
		return nil, invalidTransition(req, "cancel")
	}
}

func (l *Lifecycle) Get(ctx context.Context, id string) (*models.Request, error) {
	var req models.Request
	err := l.db.WithContext(ctx).First(&req, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("request")
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	return &req, nil
}

type RequestFilter struct {
	UserID        string
	Status        string
	RequestTypeID string
	Limit         int
	Offset        int
}

func validStatus(s string) bool {
	switch s {
	case models.StatusPending, models.StatusProcessing, models.StatusCompleted, models.StatusFailed:
		return true
	}
	return false
}

func (l *Lifecycle) List(ctx context.Context, f RequestFilter) ([]models.Request, int64, error) {
	q := l.read().WithContext(ctx).Model(&models.Request{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		if !validStatus(f.Status) {
			return nil, 0, apperrors.Validation("invalid_status", fmt.Sprintf("unknown status %q", f.Status))
		}
		q = q.Where("status = ?", f.Status)
	}
	if f.RequestTypeID != "" {
		q = q.Where("request_type_id = ?", f.RequestTypeID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var out []models.Request
	if err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	return out, total, nil
}

// Stats counts requests per status, for one principal or for everyone when
// userID is empty. Results are cached until the next lifecycle event.
func (l *Lifecycle) Stats(ctx context.Context, userID string) (map[string]int64, error) {
	key := cache.StatsKey(userID)
	stats := map[string]int64{}
	if l.events != nil {
		if found, err := l.events.Get(key, &stats); err == nil && found {
			return stats, nil
		}
	}

	var rows []struct {
		Status string
		Count  int64
	}
	q := l.read().WithContext(ctx).Model(&models.Request{}).Select("status, COUNT(*) AS count").Group("status")
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count requests by status: %w", err)
	}

	stats = map[string]int64{
		models.StatusPending:    0,
		models.StatusProcessing: 0,
		models.StatusCompleted:  0,
		models.StatusFailed:     0,
	}
	var total int64
	for _, r := range rows {
		stats[r.Status] = r.Count
		total += r.Count
	}
	stats["total"] = total

	if l.events != nil {
		if err := l.events.Set(key, stats, l.cfg.StatsTTL); err != nil {
			l.log.Warn("failed to cache request stats", zap.Error(err))
		}
	}
	return stats, nil
}

type UsageReport struct {
	RequestTypeID string                `json:"request_type_id"`
	Decision      Decision              `json:"decision"`
	Usage         map[quota.Scope]int64 `json:"usage"`
}

// Usage reports the principal's current consumption next to the limits that
// apply to it.
func (l *Lifecycle) Usage(ctx context.Context, principal *models.Principal, requestTypeID string) (*UsageReport, error) {
	decision, err := l.policy.Authorize(ctx, principal, requestTypeID)
	if err != nil {
		return nil, err
	}
	usage, err := l.ledger.Usage(ctx, principal.ID, requestTypeID)
	if err != nil {
		return nil, fmt.Errorf("read usage: %w", err)
	}
	return &UsageReport{RequestTypeID: requestTypeID, Decision: decision, Usage: usage}, nil
}

type PrincipalUsage struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	RequestCount int64  `json:"request_count"`
}

type TopPrincipalsReport struct {
	Period      string           `json:"period"`
	GeneratedAt time.Time        `json:"generated_at"`
	Principals  []PrincipalUsage `json:"principals"`
}

// TopPrincipals ranks principals by requests submitted within window.
func (l *Lifecycle) TopPrincipals(ctx context.Context, window time.Duration, limit int) (*TopPrincipalsReport, error) {
	if limit <= 0 {
		limit = 3
	}
	now := l.now()

	var rows []PrincipalUsage
	err := l.read().WithContext(ctx).Model(&models.Request{}).
		Select("principals.id AS user_id, principals.username, COUNT(requests.id) AS request_count").
		Joins("JOIN principals ON principals.id = requests.user_id").
		Where("requests.created_at >= ?", now.Add(-window)).
		Group("principals.id, principals.username").
		Order("request_count DESC").
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("rank principals: %w", err)
	}
	if rows == nil {
		rows = []PrincipalUsage{}
	}
	return &TopPrincipalsReport{
		Period:      fmt.Sprintf("last_%d_hours", int(window.Hours())),
		GeneratedAt: now.UTC(),
		Principals:  rows,
	}, nil
}
