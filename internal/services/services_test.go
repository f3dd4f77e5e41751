package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"request-network/internal/cache"
	"request-network/internal/models"
	"request-network/internal/quota"
	"request-network/internal/testhelpers"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   map[string]int
	failFor map[string]bool
	failAll bool
	revoked []string
	started []bool
	handles []TaskHandle
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{calls: map[string]int{}, failFor: map[string]bool{}}
}

func (f *fakeDispatcher) DispatchRequest(_ context.Context, req *models.Request) (TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[req.ID]++
	if f.failAll || f.failFor[req.ID] {
		return TaskHandle{}, errors.New("broker unavailable")
	}
	h := TaskHandle{TaskID: fmt.Sprintf("req-%s-%d", req.ID, req.Attempt), Queue: "requests"}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeDispatcher) Revoke(_ context.Context, taskID string, started bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, taskID)
	f.started = append(f.started, started)
	return nil
}

func (f *fakeDispatcher) callsFor(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fixture struct {
	db         *gorm.DB
	registry   *Registry
	policy     *AccessPolicy
	ledger     *quota.MemoryLedger
	dispatcher *fakeDispatcher
	events     *cache.CacheManager
	lifecycle  *Lifecycle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testhelpers.NewDB(t)
	f := &fixture{
		db:         db,
		registry:   NewRegistry(db),
		policy:     NewAccessPolicy(db),
		ledger:     quota.NewMemoryLedger(),
		dispatcher: newFakeDispatcher(),
		events:     cache.NewWithClient(nil, nil),
	}
	t.Cleanup(func() { f.events.Close() })
	f.lifecycle = NewLifecycle(db, f.registry, f.policy, f.ledger, f.dispatcher, f.events, LifecycleConfig{
		ProcessingTimeout:   5 * time.Minute,
		DispatchMaxAttempts: 3,
		DispatchBackoff:     time.Millisecond,
	}, nil)
	return f
}

const searchTemplate = `{"query":{"match":{"title":"{{q}}"}}}`

func searchParams() []models.RequestTypeParameter {
	return []models.RequestTypeParameter{{Name: "q", Type: models.ParamString, Required: true}}
}

func (f *fixture) grant(t *testing.T, profile, requestTypeID string, perDay *int) {
	t.Helper()
	require.NoError(t, f.db.Create(&models.ProfileTypeAccess{
		ProfileType:       profile,
		RequestTypeID:     requestTypeID,
		MaxRequestsPerDay: perDay,
		IsActive:          true,
	}).Error)
}

func (f *fixture) failedRequest(t *testing.T, userID, requestTypeID string, created time.Time) *models.Request {
	t.Helper()
	req := &models.Request{
		UserID:             userID,
		RequestTypeID:      requestTypeID,
		RequestTypeVersion: 1,
		Status:             models.StatusFailed,
		Payload:            []byte(`{"q":"x"}`),
		Attempt:            1,
		ErrorCode:          "execution_failed",
		Error:              "boom",
		CreatedAt:          created,
	}
	require.NoError(t, f.db.Create(req).Error)
	return req
}
