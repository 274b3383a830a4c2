// Package filter decides whether a received driver update is worth fanning
// out to the user cohort. The goal is jitter suppression: a parked vehicle
// with a noisy GPS fix must not generate a broadcast per fix, while anything
// a map viewer would notice — real movement, an occupancy change, or simple
// staleness — must go out promptly.
package filter

import (
	"math"
	"time"
)

// Broadcast reasons, used for logging and metrics labels.
const (
	ReasonFirstUpdate = "first_update"
	ReasonNoAnchor    = "no_anchor"
	ReasonMovement    = "movement"
	ReasonOccupancy   = "occupancy"
	ReasonHeartbeat   = "heartbeat"
)

// Params are the filter tunables.
type Params struct {
	// MovementThreshold is in degrees. The planar comparison below is
	// deliberate: at mid-latitudes 0.0001° is roughly 11 m, which is the
	// calibration the threshold was chosen for. A great-circle formula would
	// silently recalibrate it.
	MovementThreshold float64

	// HeartbeatInterval forces a broadcast for a live driver even when
	// nothing changed, so subscribers can distinguish "stationary" from
	// "stale".
	HeartbeatInterval time.Duration
}

// LocationInput is everything the location decision needs, captured from the
// driver record before the update is merged.
type LocationInput struct {
	// FirstUpdate is true when no record existed for the driver yet.
	FirstUpdate bool

	// HasAnchor is false until the first broadcast moves the anchor.
	HasAnchor bool
	AnchorLat float64
	AnchorLng float64
	AnchorAt  time.Time

	// Lat/Lng are the incoming position.
	Lat float64
	Lng float64

	// OccupancyChanged is true when the update's passengerCount or
	// maxCapacity differ from the record's.
	OccupancyChanged bool

	Now time.Time
}

// Location reports whether a location update should broadcast and why. The
// conditions short-circuit in a fixed order: first update, missing or
// exceeded movement anchor, occupancy delta, heartbeat.
func (p Params) Location(in LocationInput) (bool, string) {
	if in.FirstUpdate {
		return true, ReasonFirstUpdate
	}
	if !in.HasAnchor {
		return true, ReasonNoAnchor
	}
	if PlanarDistance(in.Lat, in.Lng, in.AnchorLat, in.AnchorLng) > p.MovementThreshold {
		return true, ReasonMovement
	}
	if in.OccupancyChanged {
		return true, ReasonOccupancy
	}
	if in.Now.Sub(in.AnchorAt) >= p.HeartbeatInterval {
		return true, ReasonHeartbeat
	}
	return false, ""
}

// PlanarDistance is the Euclidean distance between two coordinates in degree
// space. Not a distance on the sphere — see Params.MovementThreshold.
func PlanarDistance(lat1, lng1, lat2, lng2 float64) float64 {
	return math.Hypot(lat1-lat2, lng1-lng2)
}
