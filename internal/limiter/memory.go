package limiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// memoryStore answers admission checks from process memory when the shared
// counter store is down. Sub-second tiers use token buckets, longer tiers use
// fixed windows. Counts are per process instance, an accepted loss of
// accuracy in exchange for availability.
type memoryStore struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	windows map[string]*fixedWindow
	now     func() time.Time
}

type tokenBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type fixedWindow struct {
	start  time.Time
	length time.Duration
	count  int
}

const maxIdleClients = 10000

func newMemoryStore() *memoryStore {
	return &memoryStore{
		buckets: make(map[string]*tokenBucket),
		windows: make(map[string]*fixedWindow),
		now:     time.Now,
	}
}

func (m *memoryStore) check(clientID string, tier Tier) Decision {
	if tier.Window <= time.Second {
		return m.checkBucket(clientID, tier)
	}
	return m.checkWindow(clientID, tier)
}

func (m *memoryStore) checkBucket(clientID string, tier Tier) Decision {
	key := tier.Name + ":" + clientID
	now := m.now()

	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		per := rate.Every(tier.Window / time.Duration(tier.Limit))
		b = &tokenBucket{lim: rate.NewLimiter(per, tier.Limit)}
		m.buckets[key] = b
		m.pruneLocked(now)
	}
	b.lastSeen = now
	m.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

func (m *memoryStore) checkWindow(clientID string, tier Tier) Decision {
	key := tier.Name + ":" + clientID
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= tier.Window {
		w = &fixedWindow{start: now, length: tier.Window}
		m.windows[key] = w
		m.pruneLocked(now)
	}
	w.count++
	if w.count <= tier.Limit {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfter: w.start.Add(tier.Window).Sub(now)}
}

// pruneLocked drops buckets idle for over a minute and expired fixed windows
// once either map grows large.
func (m *memoryStore) pruneLocked(now time.Time) {
	if len(m.buckets) >= maxIdleClients {
		for key, b := range m.buckets {
			if now.Sub(b.lastSeen) > time.Minute {
				delete(m.buckets, key)
			}
		}
	}
	if len(m.windows) >= maxIdleClients {
		for key, w := range m.windows {
			if now.Sub(w.start) >= w.length {
				delete(m.windows, key)
			}
		}
	}
}
