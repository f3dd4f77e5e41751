package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// EventsChannel carries request lifecycle events between processes.
const EventsChannel = "request_events"

// Event is a request lifecycle notification.
type Event struct {
	Action        string    `json:"action"`
	RequestID     string    `json:"request_id"`
	UserID        string    `json:"user_id"`
	RequestTypeID string    `json:"request_type_id,omitempty"`
	Status        string    `json:"status"`
	Attempt       int       `json:"attempt"`
	Timestamp     time.Time `json:"timestamp"`
}

// StatsKey is the cache key for per-status request counts of one principal,
// or of everyone when userID is empty.
func StatsKey(userID string) string {
	if userID == "" {
		return "requests:stats:all"
	}
	return "requests:stats:" + userID
}

type CacheManager struct {
	redisClient *redis.Client
	localCache  *cache.Cache
	pubSub      *redis.PubSub
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.RWMutex
	log         *zap.Logger

	listenersMu sync.RWMutex
	listeners   []func(Event)

	hits   int64
	misses int64
}

// Stats describes both cache tiers.
type Stats struct {
	LocalItems     int   `json:"local_items"`
	RedisAvailable bool  `json:"redis_available"`
	RedisKeys      int64 `json:"redis_keys"`
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
}

// NewCacheManager connects to redisURL. When Redis is unreachable the
// manager runs on the local tier only and events stay in process.
func NewCacheManager(redisURL string, log *zap.Logger) *CacheManager {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{Addr: redisURL}
	}
	cm := newManager(log)
	cm.connect(redis.NewClient(opts))
	return cm
}

// NewWithClient wraps an existing client. A nil client gives a local-only
// manager.
func NewWithClient(client *redis.Client, log *zap.Logger) *CacheManager {
	cm := newManager(log)
	if client != nil {
		cm.connect(client)
	}
	return cm
}

func newManager(log *zap.Logger) *CacheManager {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CacheManager{
		ctx:        ctx,
		cancel:     cancel,
		localCache: cache.New(5*time.Minute, 10*time.Minute),
		log:        log,
	}
}

func (cm *CacheManager) connect(client *redis.Client) {
	ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cm.log.Warn("redis connection failed, using local cache only", zap.Error(err))
		client.Close()
		return
	}
	cm.log.Info("redis connection established")
	cm.redisClient = client

	cm.pubSub = client.Subscribe(cm.ctx, EventsChannel)
	if _, err := cm.pubSub.Receive(ctx); err != nil {
		cm.log.Warn("event subscription not confirmed", zap.Error(err))
	}
	go cm.listenForEvents()
}

// Client returns the shared redis client, or nil in local-only mode.
func (cm *CacheManager) Client() *redis.Client {
	return cm.redisClient
}

// Subscribe registers fn for every lifecycle event seen by this process.
func (cm *CacheManager) Subscribe(fn func(Event)) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, fn)
}

func (cm *CacheManager) listenForEvents() {
	if cm.pubSub == nil {
		return
	}

	ch := cm.pubSub.Channel()
	for msg := range ch {
		cm.handleEventMessage(msg.Payload)
	}
}

func (cm *CacheManager) handleEventMessage(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		cm.log.Warn("failed to parse event message", zap.Error(err))
		return
	}
	cm.dispatch(ev)
}

func (cm *CacheManager) dispatch(ev Event) {
	// Counts changed for the owner and for the global view.
	cm.localCache.Delete(StatsKey(ev.UserID))
	cm.localCache.Delete(StatsKey(""))

	cm.listenersMu.RLock()
	listeners := append([]func(Event){}, cm.listeners...)
	cm.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// PublishEvent fans ev out to every process. Without Redis it is delivered
// locally.
func (cm *CacheManager) PublishEvent(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	// Shared stats must be gone before anyone reads them again.
	cm.Delete(StatsKey(ev.UserID))
	cm.Delete(StatsKey(""))

	if cm.redisClient == nil {
		cm.dispatch(ev)
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		cm.log.Error("failed to encode event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cm.redisClient.Publish(ctx, EventsChannel, data).Err(); err != nil {
		cm.log.Warn("failed to publish event, delivering locally", zap.Error(err))
		cm.dispatch(ev)
	}
}

func (cm *CacheManager) Set(key string, value interface{}, ttl time.Duration) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Store in local cache
	cm.localCache.Set(key, value, ttl)

	// Store in Redis if available
	if cm.redisClient != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		return cm.redisClient.Set(ctx, key, data, ttl).Err()
	}

	return nil
}

func (cm *CacheManager) Get(key string, target interface{}) (bool, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	// Try local cache first
	if val, found := cm.localCache.Get(key); found {
		atomic.AddInt64(&cm.hits, 1)
		data, ok := val.([]byte)
		if !ok {
			var err error
			if data, err = json.Marshal(val); err != nil {
				return false, err
			}
		}
		return true, json.Unmarshal(data, target)
	}

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		data, err := cm.redisClient.Get(ctx, key).Bytes()
		if err == redis.Nil {
			atomic.AddInt64(&cm.misses, 1)
			return false, nil
		} else if err != nil {
			return false, err
		}
		atomic.AddInt64(&cm.hits, 1)

		// Store in local cache for faster subsequent access
		cm.localCache.Set(key, data, time.Minute)

		return true, json.Unmarshal(data, target)
	}

	atomic.AddInt64(&cm.misses, 1)
	return false, nil
}

func (cm *CacheManager) Delete(key string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.localCache.Delete(key)

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()
		return cm.redisClient.Del(ctx, key).Err()
	}

	return nil
}

// Increment adds value to the counter at key. A new counter expires after
// ttl; later increments keep the original expiry.
func (cm *CacheManager) Increment(key string, value int64, ttl time.Duration) (int64, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		count, err := cm.redisClient.IncrBy(ctx, key, value).Result()
		if err != nil {
			return 0, err
		}
		// Set expiration if this is the first increment
		if count == value {
			cm.redisClient.Expire(ctx, key, ttl)
		}
		return count, nil
	}

	// Fallback to local cache
	if err := cm.localCache.Add(key, value, ttl); err == nil {
		return value, nil
	}
	return cm.localCache.IncrementInt64(key, value)
}

// Counter reads a counter written by Increment. It bypasses the local tier
// so the value is never stale. A missing counter reads as zero.
func (cm *CacheManager) Counter(key string) (int64, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.redisClient != nil {
		ctx, cancel := context.WithTimeout(cm.ctx, 5*time.Second)
		defer cancel()

		n, err := cm.redisClient.Get(ctx, key).Int64()
		if err == redis.Nil {
			return 0, nil
		}
		return n, err
	}

	val, found := cm.localCache.Get(key)
	if !found {
		return 0, nil
	}
	n, ok := val.(int64)
	if !ok {
		return 0, fmt.Errorf("key %s does not hold a counter", key)
	}
	return n, nil
}

// Invalidate drops every key starting with prefix from both tiers.
func (cm *CacheManager) Invalidate(ctx context.Context, prefix string) (int, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	removed := 0
	for key := range cm.localCache.Items() {
		if strings.HasPrefix(key, prefix) {
			cm.localCache.Delete(key)
			removed++
		}
	}

	if cm.redisClient == nil {
		return removed, nil
	}

	iter := cm.redisClient.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan %s*: %w", prefix, err)
	}
	if len(keys) > 0 {
		if err := cm.redisClient.Del(ctx, keys...).Err(); err != nil {
			return removed, fmt.Errorf("delete %s*: %w", prefix, err)
		}
	}
	if len(keys) > removed {
		removed = len(keys)
	}
	return removed, nil
}

// Flush empties the local tier and every cached entry in Redis. Quota
// counters and broker keys are not cache entries and are kept.
func (cm *CacheManager) Flush(ctx context.Context) error {
	cm.localCache.Flush()
	_, err := cm.Invalidate(ctx, "requests:")
	return err
}

// Optimize evicts expired local items and reports how many remain.
func (cm *CacheManager) Optimize() int {
	cm.localCache.DeleteExpired()
	return cm.localCache.ItemCount()
}

func (cm *CacheManager) Stats(ctx context.Context) Stats {
	s := Stats{
		LocalItems:     cm.localCache.ItemCount(),
		RedisAvailable: cm.redisClient != nil,
		Hits:           atomic.LoadInt64(&cm.hits),
		Misses:         atomic.LoadInt64(&cm.misses),
	}
	if cm.redisClient != nil {
		if n, err := cm.redisClient.DBSize(ctx).Result(); err == nil {
			s.RedisKeys = n
		}
	}
	return s
}

// Ping reports whether the shared tier is reachable.
func (cm *CacheManager) Ping(ctx context.Context) error {
	if cm.redisClient == nil {
		return fmt.Errorf("redis not configured")
	}
	return cm.redisClient.Ping(ctx).Err()
}

func (cm *CacheManager) IsAvailable() bool {
	return cm.redisClient != nil
}

// Close stops the event listener and closes the client.
func (cm *CacheManager) Close() error {
	cm.cancel()
	if cm.pubSub != nil {
		cm.pubSub.Close()
	}
	if cm.redisClient != nil {
		return cm.redisClient.Close()
	}
	return nil
}
