// Package ratelimit implements the per-connection producer gate: a fixed
// window anchored at the first counted event, sized for "N location updates
// per minute".
//
// The gate is keyed on the connection handle, not the account id, and only
// location updates are counted — other driver events bypass it. Both choices
// mirror the observed behavior of the system this relay replaces; a driver
// that reconnects gets a fresh bucket, and a hostile producer could spread
// updates across reconnects. Accepted as-is, see DESIGN.md.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// bucket is one fixed window: the count of events accepted since the window
// opened and the instant the window closes.
type bucket struct {
	count   int
	resetAt time.Time
}

// Gate is the producer rate limiter. Safe for concurrent use.
type Gate struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	limit   int
	window  time.Duration
	buckets map[string]*bucket // connection id → window
}

// New creates a Gate admitting limit events per window per connection.
func New(clock clockwork.Clock, limit int, window time.Duration) *Gate {
	return &Gate{
		clock:   clock,
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one slot for the connection and reports whether the event is
// admitted. The first event after a bucket expires (or for a fresh
// connection) opens a new window anchored at that event. A rejected event
// does not extend or reset the window.
func (g *Gate) Allow(connID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	b, ok := g.buckets[connID]
	if !ok || !now.Before(b.resetAt) {
		g.buckets[connID] = &bucket{count: 1, resetAt: now.Add(g.window)}
		return true
	}
	if b.count >= g.limit {
		return false
	}
	b.count++
	return true
}

// Forget tears down the bucket for a connection. Called on disconnect.
func (g *Gate) Forget(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.buckets, connID)
}

// Sweep drops every expired bucket and returns how many were removed.
// Called by the reaper; sizes the map back down after connection churn.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	removed := 0
	for id, b := range g.buckets {
		if !now.Before(b.resetAt) {
			delete(g.buckets, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of live buckets. Feeds the relay_rate_buckets gauge.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}
