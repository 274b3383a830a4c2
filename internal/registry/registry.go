// Package registry owns the in-memory model of the relay: the driver and
// user tables, the session table, and the bidirectional indexes between
// connection identity, account identity, and session key.
//
// All state is in-memory and intentionally non-persistent: if the relay
// restarts, clients reconnect and re-announce themselves. What the registry
// protects against is the much more common short-lived disconnect — a driver
// record survives transport loss for a grace period and is reclaimed either
// by resuming the session key or by re-registering under the same account id.
//
// The Registry is NOT safe for concurrent use on its own. The relay engine
// serializes every call behind a single coarse lock; keeping the lock out of
// this package lets the engine capture fan-out recipient sets and mutate
// tables under one critical section.
package registry

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/fleetmap-io/relay/internal/protocol"
)

// ErrUnknownSession is returned by Resume when the presented session key does
// not exist. The client must fall back to a fresh registration.
var ErrUnknownSession = errors.New("registry: unknown session key")

// Peer is the transport-level connection handle the registry routes messages
// to. Implemented by the WebSocket connection; tests substitute fakes.
//
// Send is best-effort: it reports false when the message could not be queued
// (closed or saturated connection). Alive reports whether the transport still
// considers the link usable.
type Peer interface {
	ID() string
	Send(event string, data any) bool
	Close()
	Alive() bool
}

// Session is the server-side record of a logical client session. It outlives
// the transport connection that created it so a client can reclaim its
// session after a reconnect.
type Session struct {
	Key            string
	AccountID      string
	Role           protocol.Role
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// binding ties one live connection to its declared role, account, and
// session. There is exactly one binding per registered connection.
type binding struct {
	peer       Peer
	role       protocol.Role
	accountID  string // empty for a driver that has not asserted identity yet
	sessionKey string
}

// Registry holds every table and index. Create with New.
type Registry struct {
	clock clockwork.Clock

	drivers  map[string]*Driver  // account id → driver record
	users    map[string]*User    // account id → user record
	sessions map[string]*Session // session key → session record

	byConn        map[string]*binding // connection id → binding
	peerByAccount map[string]Peer     // account id → live connection (both cohorts)
	peerBySession map[string]Peer     // session key → live connection
}

// New creates an empty registry reading time from clock.
func New(clock clockwork.Clock) *Registry {
	return &Registry{
		clock:         clock,
		drivers:       make(map[string]*Driver),
		users:         make(map[string]*User),
		sessions:      make(map[string]*Session),
		byConn:        make(map[string]*binding),
		peerByAccount: make(map[string]Peer),
		peerBySession: make(map[string]Peer),
	}
}

// RegisterResult is what Register hands back to the engine: the minted
// session key and, when the account already had a live connection, the
// incumbent peer the engine must notify and close.
type RegisterResult struct {
	SessionKey string
	Preempted  Peer
}

// Register binds a connection to a role (and account, when declared), minting
// a fresh session key. If the account already has a live connection the
// incumbent is unbound here and returned so the caller can send
// connectionReplaced and close it — the new connection is never the one
// preempted.
//
// A user registration creates or reclaims the user record immediately. A
// driver record is only created by the first valid update, so driver
// registration touches the indexes alone.
func (r *Registry) Register(peer Peer, role protocol.Role, accountID string) RegisterResult {
	now := r.clock.Now()
	var res RegisterResult

	// A connection that re-registers abandons its previous binding.
	r.dropBinding(peer)

	if accountID != "" {
		res.Preempted = r.claimAccount(peer, accountID)
	}

	key := uuid.NewString()
	r.sessions[key] = &Session{
		Key:            key,
		AccountID:      accountID,
		Role:           role,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.byConn[peer.ID()] = &binding{peer: peer, role: role, accountID: accountID, sessionKey: key}
	r.peerBySession[key] = peer

	if role == protocol.RoleUser {
		u := r.users[accountID]
		if u == nil {
			u = &User{AccountID: accountID}
			r.users[accountID] = u
		}
		u.bind(peer, now)
	}

	res.SessionKey = key
	return res
}

// ResumeResult is what Resume hands back to the engine.
type ResumeResult struct {
	Session   *Session
	Preempted Peer
}

// Resume rebinds a connection to an existing session. A live connection
// already bound to the session (or to the session's account) is preempted.
// A resumed driver with a retained record has the record rebound and the
// state-restoration gate armed: driverStateRestored is deferred until the
// first authoritative update merges, so a fresher client-side occupancy is
// never overwritten by a stale broadcast.
func (r *Registry) Resume(peer Peer, key string) (ResumeResult, error) {
	s, ok := r.sessions[key]
	if !ok {
		return ResumeResult{}, ErrUnknownSession
	}
	now := r.clock.Now()
	res := ResumeResult{Session: s}

	r.dropBinding(peer)

	if prev := r.peerBySession[key]; prev != nil && prev.ID() != peer.ID() {
		r.dropBinding(prev)
		res.Preempted = prev
	}
	if s.AccountID != "" {
		if p := r.claimAccount(peer, s.AccountID); p != nil && res.Preempted == nil {
			res.Preempted = p
		}
	}

	r.byConn[peer.ID()] = &binding{peer: peer, role: s.Role, accountID: s.AccountID, sessionKey: key}
	r.peerBySession[key] = peer
	s.LastActivityAt = now

	switch s.Role {
	case protocol.RoleDriver:
		if d := r.drivers[s.AccountID]; d != nil {
			d.Rebind(peer, now)
			d.PendingStateRestore = true
		}
	case protocol.RoleUser:
		u := r.users[s.AccountID]
		if u == nil {
			// Record already reaped; resuming recreates it.
			u = &User{AccountID: s.AccountID}
			r.users[s.AccountID] = u
		}
		u.bind(peer, now)
	}
	return res, nil
}

// claimAccount points the account index at peer, unbinding (and returning)
// any different live connection that held it. The incumbent's driver or user
// record transitions into grace exactly as on a normal disconnect, except the
// account index immediately belongs to the new connection.
func (r *Registry) claimAccount(peer Peer, accountID string) Peer {
	incumbent := r.peerByAccount[accountID]
	if incumbent != nil && incumbent.ID() != peer.ID() {
		r.dropBinding(incumbent)
		if d := r.drivers[accountID]; d != nil && d.Conn != nil && d.Conn.ID() == incumbent.ID() {
			d.MarkDisconnected(r.clock.Now())
		}
		if u := r.users[accountID]; u != nil && u.Conn != nil && u.Conn.ID() == incumbent.ID() {
			u.markDisconnected(r.clock.Now())
		}
	} else {
		incumbent = nil
	}
	r.peerByAccount[accountID] = peer
	return incumbent
}

// dropBinding removes a connection from the conn, account, and session-conn
// indexes without touching the driver/user records or the session table.
// The session record survives so the client can resume it later.
func (r *Registry) dropBinding(peer Peer) {
	b, ok := r.byConn[peer.ID()]
	if !ok {
		return
	}
	delete(r.byConn, peer.ID())
	if b.sessionKey != "" {
		if p := r.peerBySession[b.sessionKey]; p != nil && p.ID() == peer.ID() {
			delete(r.peerBySession, b.sessionKey)
		}
	}
	if b.accountID != "" {
		if p := r.peerByAccount[b.accountID]; p != nil && p.ID() == peer.ID() {
			delete(r.peerByAccount, b.accountID)
		}
	}
}

// AdoptDriverIdentity binds an account id to a driver connection that
// registered without one (identity arriving with the first update). Returns
// the preempted incumbent, if any.
func (r *Registry) AdoptDriverIdentity(peer Peer, accountID string) Peer {
	b, ok := r.byConn[peer.ID()]
	if !ok || b.role != protocol.RoleDriver {
		return nil
	}
	preempted := r.claimAccount(peer, accountID)
	b.accountID = accountID
	if s := r.sessions[b.sessionKey]; s != nil {
		s.AccountID = accountID
	}
	return preempted
}

// Binding describes how a connection is currently registered.
type Binding struct {
	Role       protocol.Role
	AccountID  string
	SessionKey string
}

// BindingFor looks up the registration of a connection.
func (r *Registry) BindingFor(peer Peer) (Binding, bool) {
	b, ok := r.byConn[peer.ID()]
	if !ok {
		return Binding{}, false
	}
	return Binding{Role: b.role, AccountID: b.accountID, SessionKey: b.sessionKey}, true
}

// TouchActivity records activity for the connection's session and, for user
// connections, the user record. The reaper measures user staleness from the
// record timestamp.
func (r *Registry) TouchActivity(peer Peer) {
	b, ok := r.byConn[peer.ID()]
	if !ok {
		return
	}
	now := r.clock.Now()
	if s := r.sessions[b.sessionKey]; s != nil {
		s.LastActivityAt = now
	}
	if b.role == protocol.RoleUser {
		if u := r.users[b.accountID]; u != nil {
			u.Touch(now)
		}
	}
}

// PingRemoval tells the engine which driver must learn that a waiting user is
// gone.
type PingRemoval struct {
	DriverPeer    Peer
	UserAccountID string
}

// UnbindResult summarizes the side effects of an Unbind for the engine.
type UnbindResult struct {
	Role         protocol.Role
	AccountID    string
	PingRemovals []PingRemoval
}

// Unbind removes a closed connection from all indexes and moves its bound
// driver or user record into the disconnected-with-grace substate. A user's
// pending pings are pruned from every driver, and the affected live drivers
// are returned so the engine can unicast pingRemoved to them.
//
// Unbinding a connection that was never registered is a no-op.
func (r *Registry) Unbind(peer Peer) *UnbindResult {
	b, ok := r.byConn[peer.ID()]
	if !ok {
		return nil
	}
	now := r.clock.Now()
	r.dropBinding(peer)

	res := &UnbindResult{Role: b.role, AccountID: b.accountID}
	switch b.role {
	case protocol.RoleDriver:
		if d := r.drivers[b.accountID]; d != nil && d.Conn != nil && d.Conn.ID() == peer.ID() {
			d.MarkDisconnected(now)
		}
	case protocol.RoleUser:
		if u := r.users[b.accountID]; u != nil && u.Conn != nil && u.Conn.ID() == peer.ID() {
			u.markDisconnected(now)
		}
		res.PingRemovals = r.pruneWaiting(b.accountID)
	}
	return res
}

// pruneWaiting removes userAccountID from every driver's waitingPassengers
// map and returns the live drivers that must be notified.
func (r *Registry) pruneWaiting(userAccountID string) []PingRemoval {
	if userAccountID == "" {
		return nil
	}
	var out []PingRemoval
	for _, d := range r.drivers {
		if _, waiting := d.Waiting[userAccountID]; !waiting {
			continue
		}
		delete(d.Waiting, userAccountID)
		if d.Conn != nil && d.Conn.Alive() {
			out = append(out, PingRemoval{DriverPeer: d.Conn, UserAccountID: userAccountID})
		}
	}
	return out
}

// RemoveDriver deletes a driver record and every index entry that refers to
// it, including its session. Idempotent: removing an absent driver returns
// false and changes nothing. The caller broadcasts driverRemoved.
func (r *Registry) RemoveDriver(accountID string) bool {
	d, ok := r.drivers[accountID]
	if !ok {
		return false
	}
	delete(r.drivers, accountID)
	if p := r.peerByAccount[accountID]; p != nil {
		if b := r.byConn[p.ID()]; b != nil && b.accountID == accountID {
			delete(r.byConn, p.ID())
		}
		delete(r.peerByAccount, accountID)
	}
	// Every session minted for this account goes with the record, including
	// those left behind by superseded registrations.
	r.dropSessions(protocol.RoleDriver, accountID)
	// Release waitingPassengers references held by the record.
	d.Waiting = nil
	return true
}

// RemoveUser deletes a user record, its session, and its index entries, and
// prunes its pending pings from every driver. Idempotent.
func (r *Registry) RemoveUser(accountID string) (*UnbindResult, bool) {
	_, ok := r.users[accountID]
	if !ok {
		return nil, false
	}
	delete(r.users, accountID)
	res := &UnbindResult{Role: protocol.RoleUser, AccountID: accountID}
	res.PingRemovals = r.pruneWaiting(accountID)
	if p := r.peerByAccount[accountID]; p != nil {
		if b := r.byConn[p.ID()]; b != nil && b.accountID == accountID {
			delete(r.byConn, p.ID())
		}
		delete(r.peerByAccount, accountID)
	}
	r.dropSessions(protocol.RoleUser, accountID)
	return res, true
}

// dropSessions deletes every session for a role/account pair. Record removal
// funnels through here so no session can outlive its record.
func (r *Registry) dropSessions(role protocol.Role, accountID string) {
	for key, s := range r.sessions {
		if s.Role == role && s.AccountID == accountID {
			delete(r.sessions, key)
			delete(r.peerBySession, key)
		}
	}
}

// Driver returns the driver record for an account, or nil.
func (r *Registry) Driver(accountID string) *Driver {
	return r.drivers[accountID]
}

// EnsureDriver returns the driver record for an account, creating an empty
// one on first use.
func (r *Registry) EnsureDriver(accountID string) *Driver {
	d := r.drivers[accountID]
	if d == nil {
		d = &Driver{AccountID: accountID, Waiting: make(map[string]Waiting)}
		r.drivers[accountID] = d
	}
	return d
}

// User returns the user record for an account, or nil.
func (r *Registry) User(accountID string) *User {
	return r.users[accountID]
}

// Drivers returns the driver records. The map is the live table — callers
// iterate it under the engine lock and must not retain it.
func (r *Registry) Drivers() map[string]*Driver { return r.drivers }

// Users returns the user records under the same contract as Drivers.
func (r *Registry) Users() map[string]*User { return r.users }

// DriverCount reports the number of tracked drivers (live or in grace).
func (r *Registry) DriverCount() int { return len(r.drivers) }

// UserPeers returns the live connections of the user cohort — the broadcast
// audience. The slice is freshly allocated; the engine releases the lock
// before writing to the peers.
func (r *Registry) UserPeers() []Peer {
	out := make([]Peer, 0, len(r.users))
	for _, u := range r.users {
		if u.Conn != nil && u.Conn.Alive() {
			out = append(out, u.Conn)
		}
	}
	return out
}

// SessionCount reports the number of retained sessions. Feeds the
// relay_sessions gauge.
func (r *Registry) SessionCount() int { return len(r.sessions) }
