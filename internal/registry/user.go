package registry

import "time"

// User is the per-account user record. Users share the disconnect-with-grace
// lifecycle with drivers but carry only the position captured from their most
// recent ping.
type User struct {
	AccountID string

	Conn           Peer // nil while in grace
	LastActivityAt time.Time
	Disconnected   bool
	DisconnectedAt time.Time

	Lat         float64
	Lng         float64
	HasPosition bool
}

// bind attaches a connection to the record, clearing any grace state.
func (u *User) bind(peer Peer, now time.Time) {
	u.Conn = peer
	u.Disconnected = false
	u.DisconnectedAt = time.Time{}
	u.LastActivityAt = now
}

// markDisconnected moves the record into the disconnected-with-grace substate.
func (u *User) markDisconnected(now time.Time) {
	u.Conn = nil
	u.Disconnected = true
	u.DisconnectedAt = now
}

// Touch records activity; the reaper measures user staleness from this.
func (u *User) Touch(now time.Time) {
	u.LastActivityAt = now
}

// SetPosition stores the position asserted by the user's latest ping.
func (u *User) SetPosition(lat, lng float64) {
	u.Lat = lat
	u.Lng = lng
	u.HasPosition = true
}
