package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger keeps counters in process. It is linearizable within one
// process only and backs single-instance deployments and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	counters map[string]int64
	expiry   map[string]time.Time
	now      func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		counters: make(map[string]int64),
		expiry:   make(map[string]time.Time),
		now:      time.Now,
	}
}

func (m *MemoryLedger) Reserve(_ context.Context, principalID, requestTypeID string, limits Limits) (Reservation, error) {
	now := m.now()
	checks := checksFor(limits, now)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(now)

	for _, c := range checks {
		current := m.counters[counterKey(principalID, requestTypeID, c.scope, c.period)]
		if current >= c.limit {
			return Reservation{Scope: c.scope, Limit: c.limit, Current: current}, nil
		}
	}
	for _, c := range checks {
		key := counterKey(principalID, requestTypeID, c.scope, c.period)
		m.counters[key]++
		m.expiry[key] = now.Add(c.ttl)
	}
	return Reservation{Reserved: true}, nil
}

func (m *MemoryLedger) Usage(_ context.Context, principalID, requestTypeID string) (map[Scope]int64, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[Scope]int64, len(Scopes))
	for _, s := range Scopes {
		out[s] = m.counters[counterKey(principalID, requestTypeID, s, PeriodKey(s, now))]
	}
	return out, nil
}

func (m *MemoryLedger) prune(now time.Time) {
	for key, exp := range m.expiry {
		if now.After(exp) {
			delete(m.counters, key)
			delete(m.expiry, key)
		}
	}
}
