package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisManager(t *testing.T) (*CacheManager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cm := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { cm.Close() })
	require.True(t, cm.IsAvailable())
	return cm, mr
}

type counts struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

func TestSetGetRoundTrip(t *testing.T) {
	cm, mr := newRedisManager(t)

	require.NoError(t, cm.Set(StatsKey("u1"), counts{Pending: 2, Failed: 1}, time.Minute))
	assert.True(t, mr.Exists(StatsKey("u1")))

	var got counts
	found, err := cm.Get(StatsKey("u1"), &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, counts{Pending: 2, Failed: 1}, got)

	// A value only present in redis is read through and decoded.
	cm.localCache.Flush()
	got = counts{}
	found, err = cm.Get(StatsKey("u1"), &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, got.Pending)

	found, err = cm.Get("requests:stats:missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	s := cm.Stats(context.Background())
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
}

func TestIncrementLocalFallback(t *testing.T) {
	cm := NewWithClient(nil, nil)
	defer cm.Close()

	n, err := cm.Increment("rate_limit:u1", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = cm.Increment("rate_limit:u1", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = cm.Counter("rate_limit:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = cm.Counter("rate_limit:u2")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIncrementRedisSetsExpiry(t *testing.T) {
	cm, mr := newRedisManager(t)

	_, err := cm.Increment("rate_limit:u1", 1, time.Hour)
	require.NoError(t, err)
	n, err := cm.Increment("rate_limit:u1", 1, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, time.Hour, mr.TTL("rate_limit:u1"))

	n, err = cm.Counter("rate_limit:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestInvalidateByPrefix(t *testing.T) {
	cm, mr := newRedisManager(t)
	ctx := context.Background()

	require.NoError(t, cm.Set("requests:stats:u1", 1, time.Minute))
	require.NoError(t, cm.Set("requests:stats:u2", 1, time.Minute))
	require.NoError(t, cm.Set("other:key", 1, time.Minute))

	removed, err := cm.Invalidate(ctx, "requests:stats:")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.False(t, mr.Exists("requests:stats:u1"))
	assert.True(t, mr.Exists("other:key"))

	require.NoError(t, cm.Flush(ctx))
	assert.Equal(t, 0, cm.Optimize())
}

func TestPublishEventLocalDelivery(t *testing.T) {
	cm := NewWithClient(nil, nil)
	defer cm.Close()
	require.NoError(t, cm.Set(StatsKey("u1"), counts{Pending: 1}, time.Minute))

	var got []Event
	cm.Subscribe(func(ev Event) { got = append(got, ev) })
	cm.PublishEvent(context.Background(), Event{Action: "status_changed", RequestID: "r1", UserID: "u1", Status: "pending"})

	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RequestID)
	assert.False(t, got[0].Timestamp.IsZero())

	var c counts
	found, _ := cm.Get(StatsKey("u1"), &c)
	assert.False(t, found)
}

func TestPublishEventThroughRedis(t *testing.T) {
	cm, _ := newRedisManager(t)

	var mu sync.Mutex
	var got []Event
	cm.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	cm.PublishEvent(context.Background(), Event{Action: "status_changed", RequestID: "r2", Status: "completed"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].RequestID == "r2"
	}, 2*time.Second, 10*time.Millisecond)
}
