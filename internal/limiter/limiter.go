// Package limiter implements request admission: per-client request counters
// against tiered limits, backed by a shared redis counter when it is
// reachable and by process-local counters when it is not. A failing counter
// store degrades the limiter, never the request path.
package limiter

import (
	"context"
	"time"

	"pulse/internal/health"
)

// Tier describes one admission window.
type Tier struct {
	Name   string
	Limit  int
	Window time.Duration
}

var (
	// Burst applies to every request passing through the gateway.
	Burst = Tier{Name: "burst", Limit: 10, Window: time.Second}
	// Strict guards sensitive endpoints such as register and login.
	Strict = Tier{Name: "strict", Limit: 100, Window: 15 * time.Minute}
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CounterStore increments a windowed counter and reports the count together
// with the time remaining in the window.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
}

// Limiter picks the shared counter store while it is healthy and falls back
// to local counters otherwise. Store health is re-read on every check, so a
// store that recovers mid-session is picked up again without restarts.
type Limiter struct {
	store     CounterStore
	state     *health.State
	local     *memoryStore
	opTimeout time.Duration
}

// New creates a Limiter over the given store and its health state. Both may
// be nil, in which case only local counters are used.
func New(store CounterStore, state *health.State) *Limiter {
	return &Limiter{
		store:     store,
		state:     state,
		local:     newMemoryStore(),
		opTimeout: 500 * time.Millisecond,
	}
}

// Check consumes one request from the client's window for the tier. It never
// returns an error: a failed store call marks the store down and the check is
// answered by the local counters instead.
func (l *Limiter) Check(ctx context.Context, clientID string, tier Tier) Decision {
	if l.store != nil && l.state != nil && l.state.Healthy() {
		opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
		count, remaining, err := l.store.Incr(opCtx, tier.Name+":"+clientID, tier.Window)
		cancel()
		if err == nil {
			if count <= int64(tier.Limit) {
				return Decision{Allowed: true}
			}
			return Decision{Allowed: false, RetryAfter: remaining}
		}
		l.state.ReportDown(err)
	}
	return l.local.check(clientID, tier)
}
