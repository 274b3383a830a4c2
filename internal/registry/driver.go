package registry

import (
	"time"

	"github.com/fleetmap-io/relay/internal/protocol"
)

// Waiting is one entry in a driver's waitingPassengers map: a user who pinged
// the driver and has not withdrawn the ping yet.
type Waiting struct {
	Lat            float64
	Lng            float64
	RequestedCount int
	PingedAt       time.Time
}

// Driver is the per-account driver record. It survives transport loss for
// the grace period, so the connection handle may be nil while the record is
// still tracked.
//
// The broadcast anchor (LastBroadcastLat/Lng/At) moves only when an update is
// actually fanned out. Received positions that the filter suppresses update
// Lat/Lng/LastUpdatedAt but leave the anchor alone, so the movement test
// always measures against the last published position.
type Driver struct {
	AccountID string

	Lat         float64
	Lng         float64
	HasPosition bool

	LastBroadcastLat float64
	LastBroadcastLng float64
	LastBroadcastAt  time.Time
	HasBroadcast     bool

	DestinationName string
	DestinationLat  float64
	DestinationLng  float64
	HasDestination  bool

	// Geometry is the canonical serialization of the route blob, or "" when
	// no route has been published. Route equality is string equality on this.
	Geometry string

	OrganizationName string

	PassengerCount int
	MaxCapacity    int

	LastUpdatedAt time.Time

	Conn              Peer // nil while in grace
	Disconnected      bool
	DisconnectedAt    time.Time
	ReconnectAttempts int

	Waiting map[string]Waiting // user account id → pending ping

	// PendingStateRestore arms the restoration gate: set on session
	// resumption (and on grace-period reconnect), cleared when
	// driverStateRestored is delivered after the first authoritative update.
	PendingStateRestore bool
}

// MarkDisconnected moves the record into the disconnected-with-grace
// substate. All data is retained; only the connection handle is dropped.
func (d *Driver) MarkDisconnected(now time.Time) {
	d.Conn = nil
	d.Disconnected = true
	d.DisconnectedAt = now
}

// Rebind attaches a (new) connection to the record. A record coming out of
// grace counts a reconnect, clears its disconnect markers, and arms the
// restoration gate so the next authoritative update answers with
// driverStateRestored. A lingering stale handle is simply overwritten.
func (d *Driver) Rebind(peer Peer, now time.Time) {
	if d.Disconnected {
		d.Disconnected = false
		d.DisconnectedAt = time.Time{}
		d.ReconnectAttempts++
		d.PendingStateRestore = true
	}
	d.Conn = peer
}

// ApplyLocation merges an updateLocation payload into the record. Optional
// payload fields only overwrite what they carry; absent fields keep their
// prior values.
func (d *Driver) ApplyLocation(p protocol.LocationUpdate, now time.Time) {
	d.Lat = p.Lat.Float()
	d.Lng = p.Lng.Float()
	d.HasPosition = true
	if p.DestinationName != nil {
		d.DestinationName = *p.DestinationName
		d.HasDestination = true
	}
	if p.DestinationLat != nil {
		d.DestinationLat = p.DestinationLat.Float()
		d.HasDestination = true
	}
	if p.DestinationLng != nil {
		d.DestinationLng = p.DestinationLng.Float()
		d.HasDestination = true
	}
	if p.OrganizationName != nil {
		d.OrganizationName = *p.OrganizationName
	}
	if p.PassengerCount != nil {
		d.PassengerCount = int(p.PassengerCount.Float())
	}
	if p.MaxCapacity != nil {
		d.MaxCapacity = int(p.MaxCapacity.Float())
	}
	d.LastUpdatedAt = now
}

// ApplyDestination merges a destinationUpdate payload.
func (d *Driver) ApplyDestination(p protocol.DestinationUpdate, now time.Time) {
	if p.DestinationName != nil {
		d.DestinationName = *p.DestinationName
	}
	if p.DestinationLat != nil {
		d.DestinationLat = p.DestinationLat.Float()
	}
	if p.DestinationLng != nil {
		d.DestinationLng = p.DestinationLng.Float()
	}
	if p.DestinationName != nil || p.DestinationLat != nil || p.DestinationLng != nil {
		d.HasDestination = true
	}
	d.LastUpdatedAt = now
}

// ApplyRoute merges a routeUpdate payload and reports whether it changed the
// published geometry or destination — the broadcast condition for routes.
func (d *Driver) ApplyRoute(geometry string, p protocol.RouteUpdate, now time.Time) bool {
	changed := geometry != d.Geometry
	d.Geometry = geometry
	if p.DestinationLat != nil {
		if !d.HasDestination || d.DestinationLat != p.DestinationLat.Float() {
			changed = true
		}
		d.DestinationLat = p.DestinationLat.Float()
		d.HasDestination = true
	}
	if p.DestinationLng != nil {
		if !d.HasDestination || d.DestinationLng != p.DestinationLng.Float() {
			changed = true
		}
		d.DestinationLng = p.DestinationLng.Float()
		d.HasDestination = true
	}
	d.LastUpdatedAt = now
	return changed
}

// ApplyPassengers merges a passengerUpdate payload and reports whether the
// occupancy actually changed — the broadcast condition for passenger updates.
func (d *Driver) ApplyPassengers(p protocol.PassengerUpdate, now time.Time) bool {
	changed := false
	if p.PassengerCount != nil && int(p.PassengerCount.Float()) != d.PassengerCount {
		d.PassengerCount = int(p.PassengerCount.Float())
		changed = true
	}
	if p.MaxCapacity != nil && int(p.MaxCapacity.Float()) != d.MaxCapacity {
		d.MaxCapacity = int(p.MaxCapacity.Float())
		changed = true
	}
	d.LastUpdatedAt = now
	return changed
}

// MarkBroadcast moves the broadcast anchor to the current position. Called
// only when a location update actually fans out.
func (d *Driver) MarkBroadcast(now time.Time) {
	d.LastBroadcastLat = d.Lat
	d.LastBroadcastLng = d.Lng
	d.LastBroadcastAt = now
	d.HasBroadcast = true
}

// State renders the record for clients. lastUpdatedAt is deliberately not
// part of the client-facing shape; isOnline stands in for the grace state.
func (d *Driver) State(now time.Time) protocol.DriverState {
	s := protocol.DriverState{
		AccountID:      d.AccountID,
		HasPosition:    d.HasPosition,
		PassengerCount: d.PassengerCount,
		MaxCapacity:    d.MaxCapacity,
		IsOnline:       !d.Disconnected,
		Timestamp:      protocol.Millis(now),
	}
	if d.HasPosition {
		s.Lat = d.Lat
		s.Lng = d.Lng
	}
	if d.HasDestination {
		s.DestinationName = d.DestinationName
		s.DestinationLat = d.DestinationLat
		s.DestinationLng = d.DestinationLng
	}
	if d.OrganizationName != "" {
		s.OrganizationName = d.OrganizationName
	}
	if d.Geometry != "" {
		s.Geometry = d.Geometry
	}
	return s
}

// BroadcastState renders the record as a user-audience broadcast payload.
func (d *Driver) BroadcastState(now time.Time) protocol.DriverState {
	s := d.State(now)
	s.From = "driver"
	return s
}
