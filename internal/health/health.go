// Package health tracks the liveness of a remote dependency as a single
// synchronously readable flag. Client wrappers report outcomes into it and
// request paths query it before choosing between the remote dependency and a
// local fallback.
package health

import (
	"context"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// State holds the current reachability of one dependency. The zero value
// reports unhealthy until the first ReportUp.
type State struct {
	name string
	up   atomic.Bool
}

// NewState creates a State for the named dependency, initially healthy.
func NewState(name string) *State {
	s := &State{name: name}
	s.up.Store(true)
	return s
}

// Healthy reports whether the dependency was reachable as of the last probe
// or operation.
func (s *State) Healthy() bool {
	return s.up.Load()
}

// ReportUp marks the dependency reachable.
func (s *State) ReportUp() {
	if !s.up.Swap(true) {
		log.Infof("%s is reachable again", s.name)
	}
}

// ReportDown marks the dependency unreachable.
func (s *State) ReportDown(err error) {
	if s.up.Swap(false) {
		log.WithError(err).Warnf("%s is unreachable, falling back", s.name)
	}
}

// Pinger is anything with a liveness probe, e.g. a redis client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Probe pings the dependency on the given interval and feeds the result into
// the state until ctx is cancelled. It restores a State that was marked down
// by a failed operation once the dependency answers again.
func (s *State) Probe(ctx context.Context, p Pinger, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := p.Ping(pingCtx)
			cancel()
			if err != nil {
				s.ReportDown(err)
				continue
			}
			s.ReportUp()
		}
	}
}
