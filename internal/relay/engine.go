// Package relay implements the connection and broadcast engine: the event
// router, the driver lifecycle, the update filter wiring, unicast ping
// routing, fan-out, and the periodic reaper.
//
// Concurrency model: one coarse mutex serializes every mutation of the
// registry tables. Fan-out never happens under the lock — each handler
// captures the recipient set and payloads into a delivery list inside the
// critical section and performs the sends after releasing it, so a slow or
// dead subscriber cannot stall producers or other subscribers.
package relay

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fleetmap-io/relay/internal/config"
	"github.com/fleetmap-io/relay/internal/filter"
	"github.com/fleetmap-io/relay/internal/metrics"
	"github.com/fleetmap-io/relay/internal/protocol"
	"github.com/fleetmap-io/relay/internal/ratelimit"
	"github.com/fleetmap-io/relay/internal/registry"
)

// Engine multiplexes all connections over the shared in-memory model.
// Create with New; every method is safe for concurrent use.
type Engine struct {
	cfg    config.Config
	clock  clockwork.Clock
	logger *zap.Logger
	met    *metrics.Set

	mu   sync.Mutex
	reg  *registry.Registry
	gate *ratelimit.Gate

	filter filter.Params

	startedAt time.Time
}

// New creates an Engine. met may not be nil — pass a set registered on a
// private registry when metrics are not scraped (tests).
func New(cfg config.Config, clock clockwork.Clock, met *metrics.Set, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		clock:  clock,
		logger: logger.Named("relay"),
		met:    met,
		reg:    registry.New(clock),
		gate:   ratelimit.New(clock, cfg.MaxUpdatesPerMinute, cfg.RateWindow),
		filter: filter.Params{
			MovementThreshold: cfg.MovementThreshold,
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
		startedAt: clock.Now(),
	}
}

// locked runs fn with the engine mutex held. All critical sections go
// through here so the unlock is deferred: a panic inside fn unwinds to
// Dispatch's recovery with the lock already released instead of wedging
// every future caller.
func (e *Engine) locked(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// delivery is one captured send: recipient plus payload, executed after the
// critical section. closeAfter marks preemption notices — the peer is closed
// right after the notice is queued.
type delivery struct {
	to         registry.Peer
	event      string
	data       any
	closeAfter bool
}

// deliver performs captured sends without holding the engine lock. A send
// failure is treated exactly like a transport close: the peer is unbound and
// the rest of the list still goes out.
func (e *Engine) deliver(ds []delivery) {
	for _, d := range ds {
		ok := d.to.Send(d.event, d.data)
		if d.closeAfter {
			d.to.Close()
			continue
		}
		if !ok {
			e.Disconnect(d.to)
		}
	}
}

// preemptDelivery builds the terminal connectionReplaced notice for an
// incumbent connection.
func (e *Engine) preemptDelivery(incumbent registry.Peer) delivery {
	e.met.Preemptions.Inc()
	return delivery{
		to:    incumbent,
		event: protocol.EventConnectionReplaced,
		data: protocol.ConnectionReplaced{
			Message:   "connection replaced by a newer registration for this account",
			Timestamp: protocol.Millis(e.clock.Now()),
		},
		closeAfter: true,
	}
}

// broadcastDeliveries captures a user-cohort fan-out. Must be called with
// e.mu held.
func (e *Engine) broadcastDeliveries(event string, data any) []delivery {
	peers := e.reg.UserPeers()
	out := make([]delivery, 0, len(peers))
	for _, p := range peers {
		out = append(out, delivery{to: p, event: event, data: data})
	}
	e.met.Broadcasts.WithLabelValues(event).Inc()
	return out
}

// updateGauges refreshes the table gauges. Must be called with e.mu held,
// after any mutation that changes cohort or table membership.
func (e *Engine) updateGauges() {
	drivers, users := e.reg.LiveCounts()
	e.met.ConnectedDrivers.Set(float64(drivers))
	e.met.ConnectedUsers.Set(float64(users))
	e.met.TrackedDrivers.Set(float64(e.reg.DriverCount()))
	e.met.Sessions.Set(float64(e.reg.SessionCount()))
	e.met.RateBuckets.Set(float64(e.gate.Len()))
}

// Disconnect handles a transport-level close of a connection, however it was
// observed (peer FIN, keepalive timeout, send failure, preemption cleanup).
// Idempotent: a connection that was never registered, or was already unbound,
// is a no-op.
func (e *Engine) Disconnect(p registry.Peer) {
	var ds []delivery
	var res *registry.UnbindResult
	e.locked(func() {
		res = e.reg.Unbind(p)
		e.gate.Forget(p.ID())
		if res != nil {
			now := e.clock.Now()
			for _, pr := range res.PingRemovals {
				e.met.Unicasts.WithLabelValues(protocol.EventPingRemoved).Inc()
				ds = append(ds, delivery{
					to:    pr.DriverPeer,
					event: protocol.EventPingRemoved,
					data: protocol.PingRemoved{
						UserAccountID: pr.UserAccountID,
						Reason:        "user_disconnected",
						Timestamp:     protocol.Millis(now),
					},
				})
			}
		}
		e.updateGauges()
	})

	if res != nil {
		e.logger.Info("connection unbound",
			zap.String("conn_id", p.ID()),
			zap.String("role", string(res.Role)),
			zap.String("account_id", res.AccountID),
		)
	}
	e.deliver(ds)
}

// Stats is the payload of the GET / probe.
type Stats struct {
	Drivers int
	Uptime  time.Duration
}

// Stats reports the probe view of the engine.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Drivers: e.reg.DriverCount(),
		Uptime:  e.clock.Now().Sub(e.startedAt),
	}
}

// Shutdown runs the graceful teardown: every live driver is marked
// disconnected, serverShutdown is fanned out to all connections, and after a
// short settle interval every connection is closed so the HTTP server can
// finish draining. In-memory state is not persisted — clients reconnect and
// re-announce.
func (e *Engine) Shutdown() {
	var peers []registry.Peer
	var notice protocol.ServerShutdown
	e.locked(func() {
		now := e.clock.Now()
		for _, d := range e.reg.Drivers() {
			if d.Conn != nil {
				d.MarkDisconnected(now)
			}
		}
		peers = e.reg.AllPeers()
		notice = protocol.ServerShutdown{Timestamp: protocol.Millis(now)}
		e.updateGauges()
	})

	for _, p := range peers {
		p.Send(protocol.EventServerShutdown, notice)
	}

	e.clock.Sleep(e.cfg.ShutdownSettle)

	for _, p := range peers {
		p.Close()
	}
	e.logger.Info("engine shut down", zap.Int("connections_notified", len(peers)))
}
