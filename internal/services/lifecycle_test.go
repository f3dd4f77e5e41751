package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"request-network/internal/apperrors"
	"request-network/internal/models"
	"request-network/internal/testhelpers"
)

func TestSubmitQuotaScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, testhelpers.IntPtr(2))

	payload := json.RawMessage(`{"q":"go"}`)
	for i := 0; i < 2; i++ {
		req, err := f.lifecycle.Submit(ctx, u, rt.ID, payload)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, req.Status)
		assert.Equal(t, 1, req.Attempt)
		assert.Equal(t, "req-"+req.ID+"-1", req.TaskID)
	}

	_, err := f.lifecycle.Submit(ctx, u, rt.ID, payload)
	require.Error(t, err)
	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.KindQuotaExhausted, appErr.Kind)
	assert.Equal(t, "day", appErr.Details["scope"])
	assert.Equal(t, int64(2), appErr.Details["limit"])
	assert.Equal(t, int64(2), appErr.Details["current"])
	assert.Equal(t, 429, apperrors.HTTPStatus(err))

	var n int64
	require.NoError(t, f.db.Model(&models.Request{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
}

func TestSubmitInactiveTypeDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, nil)
	require.NoError(t, f.db.Create(&models.UserRequestAccess{UserID: u.ID, RequestTypeID: rt.ID, IsActive: true}).Error)

	_, err := f.registry.SetActive(ctx, rt.ID, false)
	require.NoError(t, err)

	_, err = f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"go"}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindPolicyDenied))
	assert.Equal(t, DenyTypeInactive, apperrors.Code(err))
	assert.Equal(t, 403, apperrors.HTTPStatus(err))
}

func TestSubmitNoGrantDenied(t *testing.T) {
	f := newFixture(t)
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")

	_, err := f.lifecycle.Submit(context.Background(), u, rt.ID, json.RawMessage(`{"q":"go"}`))
	assert.Equal(t, DenyNoGrant, apperrors.Code(err))

	usage, err := f.ledger.Usage(context.Background(), u.ID, rt.ID)
	require.NoError(t, err)
	assert.Zero(t, usage["day"])
}

func TestSubmitValidatesPayloadBeforeQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, testhelpers.IntPtr(1))

	_, err := f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{}`))
	assert.Equal(t, "missing_parameter", apperrors.Code(err))
	_, err = f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":5}`))
	assert.Equal(t, "invalid_type", apperrors.Code(err))

	// The single daily unit is still available.
	_, err = f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"go"}`))
	require.NoError(t, err)
}

func TestSubmitRejectsUnboundOptionalPlaceholder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search",
		`{"query":{"bool":{"must":{"match":{"title":"{{q}}"}},"filter":{"term":{"lang":"{{lang}}"}}}}}`,
		models.RequestTypeParameter{Name: "q", Type: models.ParamString, Required: true},
		models.RequestTypeParameter{Name: "lang", Type: models.ParamString, Position: 1})
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, testhelpers.IntPtr(5))

	_, err := f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"go"}`))
	require.Error(t, err)
	assert.Equal(t, "missing_parameter", apperrors.Code(err))
	assert.Equal(t, 400, apperrors.HTTPStatus(err))

	usage, err := f.ledger.Usage(ctx, u.ID, rt.ID)
	require.NoError(t, err)
	assert.Zero(t, usage["day"])
	var stored int64
	require.NoError(t, f.db.Model(&models.Request{}).Count(&stored).Error)
	assert.Zero(t, stored)

	req, err := f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"go","lang":"en"}`))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, req.Status)
}

func TestSubmitWithoutQueryTemplate(t *testing.T) {
	f := newFixture(t)
	rt := testhelpers.CreateRequestType(t, f.db, "draft", "", searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, nil)

	_, err := f.lifecycle.Submit(context.Background(), u, rt.ID, json.RawMessage(`{"q":"go"}`))
	assert.Equal(t, "query_not_configured", apperrors.Code(err))
	assert.Equal(t, 422, apperrors.HTTPStatus(err))
}

func TestSubmitInactiveTypeWinsOverBadPayload(t *testing.T) {
	f := newFixture(t)
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, nil)
	_, err := f.registry.SetActive(context.Background(), rt.ID, false)
	require.NoError(t, err)

	_, err = f.lifecycle.Submit(context.Background(), u, rt.ID, json.RawMessage(`{}`))
	assert.Equal(t, DenyTypeInactive, apperrors.Code(err))
	assert.Equal(t, 403, apperrors.HTTPStatus(err))
}

func TestSubmitDispatchFailureExhaustsBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, nil)
	f.dispatcher.failAll = true

	req, err := f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"go"}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindDispatchFailure))
	assert.Equal(t, 503, apperrors.HTTPStatus(err))
	require.NotNil(t, req)
	assert.Equal(t, 3, f.dispatcher.callsFor(req.ID))

	stored, err := f.lifecycle.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, "dispatch_failed", stored.ErrorCode)
}

func TestRetryOnlyFromFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, nil)

	req, err := f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"go"}`))
	require.NoError(t, err)

	_, err = f.lifecycle.Retry(ctx, req.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
	assert.Equal(t, 409, apperrors.HTTPStatus(err))

	stored, err := f.lifecycle.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempt)
	assert.Equal(t, 1, f.dispatcher.callsFor(req.ID))
}

func TestRetryFailedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, nil)
	failed := f.failedRequest(t, u.ID, rt.ID, time.Now())

	req, err := f.lifecycle.Retry(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, req.Status)
	assert.Equal(t, 2, req.Attempt)
	assert.Empty(t, req.Error)
	assert.JSONEq(t, `{"q":"x"}`, string(req.Payload))
	assert.Equal(t, "req-"+failed.ID+"-2", req.TaskID)
}

func TestRetryConsumesQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, testhelpers.IntPtr(1))

	req, err := f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"go"}`))
	require.NoError(t, err)
	_, err = f.lifecycle.MarkProcessing(ctx, req.ID, 1)
	require.NoError(t, err)
	require.NoError(t, f.lifecycle.MarkFailed(ctx, req.ID, 1, "execution_failed", "boom"))

	_, err = f.lifecycle.Retry(ctx, req.ID)
	require.Error(t, err)
	assert.Equal(t, 429, apperrors.HTTPStatus(err))

	stored, err := f.lifecycle.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 1, stored.Attempt)
	assert.Equal(t, "execution_failed", stored.ErrorCode)
	assert.Equal(t, "boom", stored.Error)

	// Revoking access also blocks the retry.
	require.NoError(t, f.db.Model(&models.RequestType{}).Where("id = ?", rt.ID).Update("is_active", false).Error)
	_, err = f.lifecycle.Retry(ctx, req.ID)
	assert.Equal(t, "type_inactive", apperrors.Code(err))
}

func TestConcurrentRetriesSpendOneUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, testhelpers.IntPtr(10))
	failed := f.failedRequest(t, u.ID, rt.ID, time.Now())

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.lifecycle.Retry(ctx, failed.ID); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition), err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	usage, err := f.ledger.Usage(ctx, u.ID, rt.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage["day"])

	stored, err := f.lifecycle.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Equal(t, 2, stored.Attempt)
}

func TestRetryAllFailedIsIndependentPerRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, nil)

	base := time.Now().Add(-time.Hour)
	var reqs []*models.Request
	for i := 0; i < 5; i++ {
		reqs = append(reqs, f.failedRequest(t, u.ID, rt.ID, base.Add(time.Duration(i)*time.Minute)))
	}
	f.dispatcher.failFor[reqs[2].ID] = true

	res, err := f.lifecycle.RetryAllFailed(ctx, RetryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{reqs[2].ID}, res.FailedIDs)

	for i, r := range reqs {
		stored, err := f.lifecycle.Get(ctx, r.ID)
		require.NoError(t, err)
		if i == 2 {
			assert.Equal(t, models.StatusFailed, stored.Status)
			assert.Equal(t, "dispatch_failed", stored.ErrorCode)
			continue
		}
		assert.Equal(t, models.StatusPending, stored.Status, "request %d", i+1)
	}
}

func TestWorkerTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, nil)

	req, err := f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"go"}`))
	require.NoError(t, err)

	// Completing before processing is rejected.
	err = f.lifecycle.MarkCompleted(ctx, req.ID, 1, json.RawMessage(`{"hits":[]}`))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))

	_, err = f.lifecycle.MarkProcessing(ctx, req.ID, 2)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition), "stale attempt")

	claimed, err := f.lifecycle.MarkProcessing(ctx, req.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	_, err = f.lifecycle.MarkProcessing(ctx, req.ID, 1)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition), "double claim")

	require.NoError(t, f.lifecycle.MarkCompleted(ctx, req.ID, 1, json.RawMessage(`{"hits":[{"id":1}]}`)))
	done, err := f.lifecycle.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.JSONEq(t, `{"hits":[{"id":1}]}`, string(done.Result))

	err = f.lifecycle.MarkFailed(ctx, req.ID, 1, "execution_failed", "late")
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
}

func TestSweepTimeouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")

	stale := time.Now().UTC().Add(-10 * time.Minute)
	fresh := time.Now().UTC().Add(-time.Minute)
	stuck := &models.Request{UserID: u.ID, RequestTypeID: rt.ID, Status: models.StatusProcessing, Attempt: 1, StartedAt: &stale, Payload: []byte(`{}`)}
	alive := &models.Request{UserID: u.ID, RequestTypeID: rt.ID, Status: models.StatusProcessing, Attempt: 1, StartedAt: &fresh, Payload: []byte(`{}`)}
	require.NoError(t, f.db.Create(stuck).Error)
	require.NoError(t, f.db.Create(alive).Error)

	n, err := f.lifecycle.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.lifecycle.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "timeout", got.Error)

	got, err = f.lifecycle.Get(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)

	// A late report from the timed-out worker does not resurrect it.
	err = f.lifecycle.MarkCompleted(ctx, stuck.ID, 1, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, nil)

	pending, err := f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"a"}`))
	require.NoError(t, err)
	cancelled, err := f.lifecycle.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, cancelled.Status)
	assert.Equal(t, "cancelled", cancelled.ErrorCode)

	running, err := f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"b"}`))
	require.NoError(t, err)
	_, err = f.lifecycle.MarkProcessing(ctx, running.ID, 1)
	require.NoError(t, err)
	still, err := f.lifecycle.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, still.Status)

	assert.Equal(t, []string{pending.TaskID, running.TaskID}, f.dispatcher.revoked)
	assert.Equal(t, []bool{false, true}, f.dispatcher.started)

	_, err = f.lifecycle.Cancel(ctx, pending.ID)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
}

func TestCancelAttemptIgnoresStaleAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, nil)
	failed := f.failedRequest(t, u.ID, rt.ID, time.Now())

	retried, err := f.lifecycle.Retry(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, 2, retried.Attempt)

	_, err = f.lifecycle.CancelAttempt(ctx, failed.ID, 1)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidTransition))
	stored, err := f.lifecycle.Get(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Empty(t, f.dispatcher.revoked)

	cancelled, err := f.lifecycle.CancelAttempt(ctx, failed.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", cancelled.ErrorCode)
}

func TestListAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	alice := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	bob := testhelpers.CreatePrincipal(t, f.db, "bob", "basic")
	f.grant(t, "basic", rt.ID, nil)

	_, err := f.lifecycle.Submit(ctx, alice, rt.ID, json.RawMessage(`{"q":"a"}`))
	require.NoError(t, err)
	f.failedRequest(t, alice.ID, rt.ID, time.Now())
	_, err = f.lifecycle.Submit(ctx, bob, rt.ID, json.RawMessage(`{"q":"b"}`))
	require.NoError(t, err)

	list, total, err := f.lifecycle.List(ctx, RequestFilter{UserID: alice.ID, Status: models.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, list, 1)

	_, _, err = f.lifecycle.List(ctx, RequestFilter{Status: "bogus"})
	assert.Equal(t, "invalid_status", apperrors.Code(err))

	stats, err := f.lifecycle.Stats(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[models.StatusPending])
	assert.Equal(t, int64(1), stats[models.StatusFailed])
	assert.Equal(t, int64(2), stats["total"])

	// Cached until a lifecycle event invalidates it.
	f.failedRequest(t, alice.ID, rt.ID, time.Now())
	stats, err = f.lifecycle.Stats(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats["total"])

	_, err = f.lifecycle.Submit(ctx, alice, rt.ID, json.RawMessage(`{"q":"c"}`))
	require.NoError(t, err)
	stats, err = f.lifecycle.Stats(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats["total"])

	all, err := f.lifecycle.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(5), all["total"])
}

func TestUsageReport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.grant(t, "basic", rt.ID, testhelpers.IntPtr(5))

	_, err := f.lifecycle.Submit(ctx, u, rt.ID, json.RawMessage(`{"q":"a"}`))
	require.NoError(t, err)

	report, err := f.lifecycle.Usage(ctx, u, rt.ID)
	require.NoError(t, err)
	assert.True(t, report.Decision.Allowed)
	assert.Equal(t, int64(1), report.Usage["day"])
	assert.Equal(t, 5, *report.Decision.Limits.PerDay)
}

func TestTopPrincipals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	alice := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	bob := testhelpers.CreatePrincipal(t, f.db, "bob", "basic")

	now := time.Now()
	for i := 0; i < 3; i++ {
		f.failedRequest(t, alice.ID, rt.ID, now.Add(-time.Minute))
	}
	f.failedRequest(t, bob.ID, rt.ID, now.Add(-time.Minute))
	// Outside the window.
	f.failedRequest(t, bob.ID, rt.ID, now.Add(-48*time.Hour))
	f.failedRequest(t, bob.ID, rt.ID, now.Add(-48*time.Hour))
	f.failedRequest(t, bob.ID, rt.ID, now.Add(-48*time.Hour))

	report, err := f.lifecycle.TopPrincipals(ctx, 24*time.Hour, 3)
	require.NoError(t, err)
	assert.Equal(t, "last_24_hours", report.Period)
	require.Len(t, report.Principals, 2)
	assert.Equal(t, "alice", report.Principals[0].Username)
	assert.Equal(t, int64(3), report.Principals[0].RequestCount)
	assert.Equal(t, int64(1), report.Principals[1].RequestCount)
}

func TestListingsUseReadReplicas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rt := testhelpers.CreateRequestType(t, f.db, "search", searchTemplate, searchParams()...)
	u := testhelpers.CreatePrincipal(t, f.db, "alice", "basic")
	f.failedRequest(t, u.ID, rt.ID, time.Now())

	picks := 0
	f.lifecycle.UseReadReplicas(func() *gorm.DB {
		picks++
		return f.db
	})

	items, total, err := f.lifecycle.List(ctx, RequestFilter{UserID: u.ID})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, int64(1), total)
	_, err = f.lifecycle.Stats(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, picks)
}
