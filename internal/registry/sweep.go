package registry

import "time"

// SweepResult summarizes one reaper pass for the engine: which drivers were
// purged (the engine broadcasts driverRemoved for each), how many users went
// with them, which drivers must be told a waiting user is gone, and how many
// orphaned sessions were expired.
type SweepResult struct {
	RemovedDrivers  []string
	RemovedUsers    []string
	PingRemovals    []PingRemoval
	RemovedSessions int
}

// Sweep is the reaper pass over the tables. Two phases:
//
//  1. Reconcile: any record whose connection handle the transport no longer
//     considers alive is moved into grace, exactly as if a clean Unbind had
//     been observed. This catches handles that died without the close path
//     running (process-level races, half-open TCP).
//
//  2. Purge: records stale past staleTimeout are deleted, unless they are
//     inside an active grace window. Purged users release their pending
//     pings.
//
//  3. Session expiry: sessions with no live connection whose last activity is
//     older than staleTimeout are dropped. This catches keys orphaned by
//     superseded registrations and by drivers that registered but never
//     produced a record — without it the session table grows without bound
//     under reconnect churn.
//
// Sweep is idempotent and safe to interleave with endSession: deletes go
// through the same idempotent removal paths the handlers use.
func (r *Registry) Sweep(gracePeriod, staleTimeout time.Duration) SweepResult {
	now := r.clock.Now()
	var res SweepResult

	for _, d := range r.drivers {
		if d.Conn != nil && !d.Conn.Alive() {
			r.dropBinding(d.Conn)
			d.MarkDisconnected(now)
		}
	}
	for _, u := range r.users {
		if u.Conn != nil && !u.Conn.Alive() {
			r.dropBinding(u.Conn)
			u.markDisconnected(now)
			res.PingRemovals = append(res.PingRemovals, r.pruneWaiting(u.AccountID)...)
		}
	}

	for accountID, d := range r.drivers {
		if now.Sub(d.LastUpdatedAt) <= staleTimeout {
			continue
		}
		if d.Disconnected && now.Sub(d.DisconnectedAt) <= gracePeriod {
			continue
		}
		if r.RemoveDriver(accountID) {
			res.RemovedDrivers = append(res.RemovedDrivers, accountID)
		}
	}

	for accountID, u := range r.users {
		if now.Sub(u.LastActivityAt) <= staleTimeout {
			continue
		}
		if u.Disconnected && now.Sub(u.DisconnectedAt) <= gracePeriod {
			continue
		}
		if prune, ok := r.RemoveUser(accountID); ok {
			res.RemovedUsers = append(res.RemovedUsers, accountID)
			res.PingRemovals = append(res.PingRemovals, prune.PingRemovals...)
		}
	}

	for key, s := range r.sessions {
		p := r.peerBySession[key]
		if p != nil && p.Alive() {
			continue
		}
		if now.Sub(s.LastActivityAt) > staleTimeout {
			if p != nil {
				r.dropBinding(p)
			}
			delete(r.sessions, key)
			res.RemovedSessions++
		}
	}

	return res
}

// AllPeers returns every registered connection, both cohorts. Used by the
// engine for shutdown fan-out.
func (r *Registry) AllPeers() []Peer {
	out := make([]Peer, 0, len(r.byConn))
	for _, b := range r.byConn {
		out = append(out, b.peer)
	}
	return out
}

// LiveCounts reports the number of live (non-grace) driver and user
// connections. Feeds the connection gauges.
func (r *Registry) LiveCounts() (drivers, users int) {
	for _, d := range r.drivers {
		if d.Conn != nil {
			drivers++
		}
	}
	for _, u := range r.users {
		if u.Conn != nil {
			users++
		}
	}
	return drivers, users
}
