package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fleetmap-io/relay/internal/filter"
	"github.com/fleetmap-io/relay/internal/protocol"
	"github.com/fleetmap-io/relay/internal/registry"
)

// requiredRole is the admission table: which cohort may send which event.
// Events absent from the map (registerRole, resumeSession) are open to any
// connection.
var requiredRole = map[string]protocol.Role{
	protocol.EventUpdateLocation:     protocol.RoleDriver,
	protocol.EventDestinationUpdate:  protocol.RoleDriver,
	protocol.EventRouteUpdate:        protocol.RoleDriver,
	protocol.EventPassengerUpdate:    protocol.RoleDriver,
	protocol.EventEndSession:         protocol.RoleDriver,
	protocol.EventGetBusInfo:         protocol.RoleUser,
	protocol.EventRequestDriversData: protocol.RoleUser,
	protocol.EventRequestCurrentData: protocol.RoleUser,
	protocol.EventPingDriver:         protocol.RoleUser,
	protocol.EventUnpingDriver:       protocol.RoleUser,
}

// Dispatch routes one inbound message to its handler. It is the fault
// envelope the rest of the engine relies on: a panicking handler is logged
// and answered with a generic error, never allowed to take the process down.
// Critical sections release e.mu via defer (see Engine.locked), so the
// recovery here always runs with the lock free and the engine stays live.
// User-originated messages touch the user's activity timestamp whether or not
// the handler succeeds.
func (e *Engine) Dispatch(p registry.Peer, env protocol.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("handler panic",
				zap.String("event", env.Event),
				zap.String("conn_id", p.ID()),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			e.met.ProtocolErrors.WithLabelValues("internal").Inc()
			p.Send(protocol.EventError, protocol.ErrorPayload{Message: "internal server error"})
		}
	}()

	if err := e.admit(p, env.Event); err != nil {
		e.reportError(p, env.Event, err)
		return
	}

	var err error
	switch env.Event {
	case protocol.EventRegisterRole:
		err = e.handleRegister(p, env.Data)
	case protocol.EventResumeSession:
		err = e.handleResume(p, env.Data)
	case protocol.EventUpdateLocation:
		err = e.handleUpdateLocation(p, env.Data)
	case protocol.EventDestinationUpdate:
		err = e.handleDestinationUpdate(p, env.Data)
	case protocol.EventRouteUpdate:
		err = e.handleRouteUpdate(p, env.Data)
	case protocol.EventPassengerUpdate:
		err = e.handlePassengerUpdate(p, env.Data)
	case protocol.EventEndSession:
		err = e.handleEndSession(p)
	case protocol.EventGetBusInfo:
		err = e.handleGetBusInfo(p, env.Data)
	case protocol.EventRequestDriversData:
		err = e.handleSnapshotRequest(p, protocol.EventDriversData)
	case protocol.EventRequestCurrentData:
		err = e.handleSnapshotRequest(p, protocol.EventDriversSnapshot)
	case protocol.EventPingDriver:
		err = e.handlePingDriver(p, env.Data)
	case protocol.EventUnpingDriver:
		err = e.handleUnpingDriver(p, env.Data)
	default:
		err = fmt.Errorf("%w: unknown event %q", ErrValidation, env.Event)
	}
	if err != nil {
		e.reportError(p, env.Event, err)
	}
}

// admit enforces role-based admission and records user activity. Activity is
// touched before the handler runs so even a rejected message counts as "the
// user is there".
func (e *Engine) admit(p registry.Peer, event string) error {
	want, gated := requiredRole[event]

	e.mu.Lock()
	defer e.mu.Unlock()

	b, registered := e.reg.BindingFor(p)
	if registered {
		e.reg.TouchActivity(p)
	}
	if !gated {
		return nil
	}
	if !registered {
		return fmt.Errorf("%w: %s requires a registered %s connection", ErrUnauthorizedRole, event, want)
	}
	if b.Role != want {
		return fmt.Errorf("%w: %s is not permitted for role %s", ErrUnauthorizedRole, event, b.Role)
	}
	return nil
}

// reportError surfaces a handler failure to the offending client only.
func (e *Engine) reportError(p registry.Peer, event string, err error) {
	kind := errorKind(err)
	e.met.ProtocolErrors.WithLabelValues(kind).Inc()
	if kind == "internal" {
		e.logger.Error("handler error",
			zap.String("event", event), zap.String("conn_id", p.ID()), zap.Error(err))
	} else {
		e.logger.Debug("rejected message",
			zap.String("event", event), zap.String("conn_id", p.ID()),
			zap.String("kind", kind), zap.Error(err))
	}
	p.Send(protocol.EventError, protocol.ErrorPayload{Message: clientMessage(err)})
}

func (e *Engine) handleRegister(p registry.Peer, data json.RawMessage) error {
	reg, err := protocol.DecodeRegisterRole(data)
	if err != nil {
		return err
	}

	var ds []delivery
	var res registry.RegisterResult
	e.locked(func() {
		res = e.reg.Register(p, reg.Role, reg.AccountID)
		e.gate.Forget(p.ID())

		if res.Preempted != nil {
			ds = append(ds, e.preemptDelivery(res.Preempted))
		}
		ds = append(ds, delivery{to: p, event: protocol.EventSessionAssigned, data: res.SessionKey})
		if reg.Role == protocol.RoleUser {
			snap := e.reg.Snapshot(e.cfg.MaxSnapshotDrivers, e.clock.Now())
			ds = append(ds, delivery{to: p, event: protocol.EventCurrentData, data: protocol.CurrentData{Buses: snap.Drivers}})
		}
		e.updateGauges()
	})

	e.logger.Info("connection registered",
		zap.String("conn_id", p.ID()),
		zap.String("role", string(reg.Role)),
		zap.String("account_id", reg.AccountID),
		zap.Bool("preempted_incumbent", res.Preempted != nil),
	)
	e.deliver(ds)
	return nil
}

func (e *Engine) handleResume(p registry.Peer, data json.RawMessage) error {
	key, err := protocol.DecodeResumeSession(data)
	if err != nil {
		return err
	}

	var ds []delivery
	var res registry.ResumeResult
	var rerr error
	e.locked(func() {
		res, rerr = e.reg.Resume(p, key)
		if rerr != nil {
			return
		}
		e.gate.Forget(p.ID())

		if res.Preempted != nil {
			ds = append(ds, e.preemptDelivery(res.Preempted))
		}
		if res.Session.Role == protocol.RoleUser {
			snap := e.reg.Snapshot(e.cfg.MaxSnapshotDrivers, e.clock.Now())
			ds = append(ds, delivery{to: p, event: protocol.EventCurrentData, data: protocol.CurrentData{Buses: snap.Drivers}})
		}
		e.updateGauges()
	})
	if rerr != nil {
		return fmt.Errorf("%w: register again", ErrSession)
	}

	e.logger.Info("session resumed",
		zap.String("conn_id", p.ID()),
		zap.String("role", string(res.Session.Role)),
		zap.String("account_id", res.Session.AccountID),
	)
	e.deliver(ds)
	return nil
}

// resolveDriverAccountLocked reconciles the payload's accountId with the
// connection's binding. A driver that registered without an account id
// asserts its identity with the first update; after that the binding is
// authoritative and a mismatching payload is rejected.
func (e *Engine) resolveDriverAccountLocked(p registry.Peer, payloadAccount string) (string, registry.Peer, error) {
	b, ok := e.reg.BindingFor(p)
	if !ok {
		return "", nil, fmt.Errorf("%w: connection not registered", ErrUnauthorizedRole)
	}
	switch {
	case b.AccountID == "" && payloadAccount == "":
		return "", nil, fmt.Errorf("%w: accountId required", ErrValidation)
	case b.AccountID == "":
		preempted := e.reg.AdoptDriverIdentity(p, payloadAccount)
		return payloadAccount, preempted, nil
	case payloadAccount != "" && payloadAccount != b.AccountID:
		return "", nil, fmt.Errorf("%w: accountId %q does not match the registered account", ErrValidation, payloadAccount)
	default:
		return b.AccountID, nil, nil
	}
}

func (e *Engine) handleUpdateLocation(p registry.Peer, data json.RawMessage) error {
	// Gate before validation: the gate protects the server from volume, so
	// it must fire regardless of whether the payload parses.
	if !e.gate.Allow(p.ID()) {
		e.met.RateLimited.Inc()
		return fmt.Errorf("%w: more than %d location updates per minute", ErrRateLimited, e.cfg.MaxUpdatesPerMinute)
	}

	pl, err := protocol.DecodeLocationUpdate(data)
	if err != nil {
		return err
	}

	var ds []delivery
	var herr error
	e.locked(func() {
		accountID, preempted, err := e.resolveDriverAccountLocked(p, pl.AccountID)
		if err != nil {
			herr = err
			return
		}
		now := e.clock.Now()

		// Capture the filter input from the record as it was before this
		// update merges; the broadcast anchor must not see the new position.
		prior := e.reg.Driver(accountID)
		in := filter.LocationInput{
			FirstUpdate: prior == nil,
			Lat:         pl.Lat.Float(),
			Lng:         pl.Lng.Float(),
			Now:         now,
		}
		if prior != nil {
			in.HasAnchor = prior.HasBroadcast
			in.AnchorLat = prior.LastBroadcastLat
			in.AnchorLng = prior.LastBroadcastLng
			in.AnchorAt = prior.LastBroadcastAt
			in.OccupancyChanged = (pl.PassengerCount != nil && int(pl.PassengerCount.Float()) != prior.PassengerCount) ||
				(pl.MaxCapacity != nil && int(pl.MaxCapacity.Float()) != prior.MaxCapacity)
		}

		d := e.reg.EnsureDriver(accountID)
		d.Rebind(p, now)
		d.ApplyLocation(pl, now)

		if preempted != nil {
			ds = append(ds, e.preemptDelivery(preempted))
		}
		if broadcast, reason := e.filter.Location(in); broadcast {
			d.MarkBroadcast(now)
			ds = append(ds, e.broadcastDeliveries(protocol.EventLocationUpdate, d.BroadcastState(now))...)
			e.logger.Debug("location broadcast",
				zap.String("account_id", accountID), zap.String("reason", reason))
		}
		ds = append(ds, e.restoreDeliveriesLocked(d, now)...)
		e.updateGauges()
	})
	if herr != nil {
		return herr
	}

	e.deliver(ds)
	return nil
}

func (e *Engine) handleDestinationUpdate(p registry.Peer, data json.RawMessage) error {
	pl, err := protocol.DecodeDestinationUpdate(data)
	if err != nil {
		return err
	}

	var ds []delivery
	var herr error
	e.locked(func() {
		accountID, preempted, err := e.resolveDriverAccountLocked(p, pl.AccountID)
		if err != nil {
			herr = err
			return
		}
		now := e.clock.Now()
		d := e.reg.EnsureDriver(accountID)
		d.Rebind(p, now)
		d.ApplyDestination(pl, now)

		if preempted != nil {
			ds = append(ds, e.preemptDelivery(preempted))
		}
		// Destination changes always fan out.
		ds = append(ds, e.broadcastDeliveries(protocol.EventDestinationUpdate, d.BroadcastState(now))...)
		e.updateGauges()
	})
	if herr != nil {
		return herr
	}

	e.deliver(ds)
	return nil
}

func (e *Engine) handleRouteUpdate(p registry.Peer, data json.RawMessage) error {
	pl, err := protocol.DecodeRouteUpdate(data)
	if err != nil {
		return err
	}
	canonical, err := pl.Canonical()
	if err != nil {
		return err
	}

	var ds []delivery
	var herr error
	e.locked(func() {
		accountID, preempted, err := e.resolveDriverAccountLocked(p, pl.AccountID)
		if err != nil {
			herr = err
			return
		}
		now := e.clock.Now()
		d := e.reg.EnsureDriver(accountID)
		d.Rebind(p, now)
		changed := d.ApplyRoute(canonical, pl, now)

		if preempted != nil {
			ds = append(ds, e.preemptDelivery(preempted))
		}
		if changed {
			ds = append(ds, e.broadcastDeliveries(protocol.EventRouteUpdate, d.BroadcastState(now))...)
		}
		e.updateGauges()
	})
	if herr != nil {
		return herr
	}

	e.deliver(ds)
	return nil
}

func (e *Engine) handlePassengerUpdate(p registry.Peer, data json.RawMessage) error {
	pl, err := protocol.DecodePassengerUpdate(data)
	if err != nil {
		return err
	}

	var ds []delivery
	var herr error
	e.locked(func() {
		accountID, preempted, err := e.resolveDriverAccountLocked(p, pl.AccountID)
		if err != nil {
			herr = err
			return
		}
		now := e.clock.Now()
		d := e.reg.EnsureDriver(accountID)
		d.Rebind(p, now)
		changed := d.ApplyPassengers(pl, now)

		if preempted != nil {
			ds = append(ds, e.preemptDelivery(preempted))
		}
		if changed {
			ds = append(ds, e.broadcastDeliveries(protocol.EventPassengerUpdate, d.BroadcastState(now))...)
		}
		// A passenger update is authoritative occupancy — it opens the
		// restoration gate even when nothing changed.
		ds = append(ds, e.restoreDeliveriesLocked(d, now)...)
		e.updateGauges()
	})
	if herr != nil {
		return herr
	}

	e.deliver(ds)
	return nil
}

// restoreDeliveriesLocked emits driverStateRestored when the restoration gate
// is armed, using the record as it exists after the triggering update merged.
// Must be called with e.mu held.
func (e *Engine) restoreDeliveriesLocked(d *registry.Driver, now time.Time) []delivery {
	if !d.PendingStateRestore || d.Conn == nil {
		return nil
	}
	d.PendingStateRestore = false
	e.met.Unicasts.WithLabelValues(protocol.EventDriverStateRestored).Inc()
	return []delivery{{to: d.Conn, event: protocol.EventDriverStateRestored, data: protocol.DriverStateRestored{
		AccountID:         d.AccountID,
		State:             d.State(now),
		ReconnectAttempts: d.ReconnectAttempts,
		Timestamp:         protocol.Millis(now),
	}}}
}

func (e *Engine) handleEndSession(p registry.Peer) error {
	var ds []delivery
	var b registry.Binding
	var ok bool
	e.locked(func() {
		b, ok = e.reg.BindingFor(p)
		now := e.clock.Now()

		if ok && b.AccountID != "" && e.reg.RemoveDriver(b.AccountID) {
			ds = e.broadcastDeliveries(protocol.EventDriverRemoved, protocol.DriverRemoved{
				AccountID: b.AccountID,
				Timestamp: protocol.Millis(now),
			})
		}
		e.gate.Forget(p.ID())
		e.updateGauges()
	})

	if ok {
		e.logger.Info("driver ended session",
			zap.String("conn_id", p.ID()), zap.String("account_id", b.AccountID))
	}
	e.deliver(ds)
	return nil
}

func (e *Engine) handleGetBusInfo(p registry.Peer, data json.RawMessage) error {
	pl, err := protocol.DecodeGetBusInfo(data)
	if err != nil {
		return err
	}

	var ds []delivery
	e.locked(func() {
		d := e.reg.Driver(pl.AccountID)
		now := e.clock.Now()
		if d == nil {
			ds = append(ds, delivery{to: p, event: protocol.EventBusInfoError, data: protocol.BusInfoError{
				AccountID: pl.AccountID,
				Message:   "no driver with this account id",
			}})
		} else {
			ds = append(ds, delivery{to: p, event: protocol.EventBusInfo, data: d.State(now)})
		}
	})

	e.deliver(ds)
	return nil
}

// handleSnapshotRequest serves both snapshot events; they differ only in the
// reply event name.
func (e *Engine) handleSnapshotRequest(p registry.Peer, replyEvent string) error {
	var snap protocol.Snapshot
	e.locked(func() {
		snap = e.reg.Snapshot(e.cfg.MaxSnapshotDrivers, e.clock.Now())
	})

	e.deliver([]delivery{{to: p, event: replyEvent, data: snap}})
	return nil
}

func (e *Engine) handlePingDriver(p registry.Peer, data json.RawMessage) error {
	pl, err := protocol.DecodePingDriver(data)
	if err != nil {
		return err
	}
	count, err := pl.Passengers(e.cfg.MaxPingPassengers)
	if err != nil {
		return err
	}

	var ds []delivery
	var herr error
	e.locked(func() {
		b, _ := e.reg.BindingFor(p)
		d := e.reg.Driver(pl.DriverAccountID)
		if d == nil {
			herr = fmt.Errorf("%w: no driver %q", ErrNotFound, pl.DriverAccountID)
			return
		}
		if d.Conn == nil || !d.Conn.Alive() {
			herr = fmt.Errorf("%w: driver %q has no live connection", ErrUnavailable, pl.DriverAccountID)
			return
		}
		now := e.clock.Now()
		if u := e.reg.User(b.AccountID); u != nil {
			u.SetPosition(pl.Lat.Float(), pl.Lng.Float())
		}
		d.Waiting[b.AccountID] = registry.Waiting{
			Lat:            pl.Lat.Float(),
			Lng:            pl.Lng.Float(),
			RequestedCount: count,
			PingedAt:       now,
		}
		e.met.Unicasts.WithLabelValues(protocol.EventPingReceived).Inc()
		ds = append(ds, delivery{to: d.Conn, event: protocol.EventPingReceived, data: protocol.PingReceived{
			UserAccountID:  b.AccountID,
			Lat:            pl.Lat.Float(),
			Lng:            pl.Lng.Float(),
			PassengerCount: count,
			Timestamp:      protocol.Millis(now),
		}})
	})
	if herr != nil {
		return herr
	}

	e.deliver(ds)
	return nil
}

func (e *Engine) handleUnpingDriver(p registry.Peer, data json.RawMessage) error {
	pl, err := protocol.DecodeUnpingDriver(data)
	if err != nil {
		return err
	}

	var ds []delivery
	var herr error
	e.locked(func() {
		b, _ := e.reg.BindingFor(p)
		d := e.reg.Driver(pl.DriverAccountID)
		if d == nil {
			herr = fmt.Errorf("%w: no driver %q", ErrNotFound, pl.DriverAccountID)
			return
		}
		now := e.clock.Now()
		delete(d.Waiting, b.AccountID)

		if d.Conn != nil && d.Conn.Alive() {
			e.met.Unicasts.WithLabelValues(protocol.EventPingRemoved).Inc()
			ds = append(ds, delivery{to: d.Conn, event: protocol.EventPingRemoved, data: protocol.PingRemoved{
				UserAccountID: b.AccountID,
				Timestamp:     protocol.Millis(now),
			}})
		}
	})
	if herr != nil {
		return herr
	}

	e.deliver(ds)
	return nil
}
