// Package protocol defines the wire surface of the relay: event names, the
// message envelope, inbound payload shapes with their validation rules, and
// the outbound payload structs.
//
// The transport carries one JSON object per WebSocket text message:
//
//	{"event": "updateLocation", "data": {"accountId": "D1", "lat": 14.5, ...}}
//
// Clients are messy: coordinates arrive as JSON numbers or numeric strings,
// and registerRole is sent either as a bare role string or as an object. The
// decode layer normalizes all of that so handlers only ever see validated,
// typed payloads. An unknown event name is a per-message validation error,
// never a reason to drop the connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client → server event names.
const (
	EventRegisterRole       = "registerRole"
	EventResumeSession      = "resumeSession"
	EventUpdateLocation     = "updateLocation"
	EventDestinationUpdate  = "destinationUpdate"
	EventRouteUpdate        = "routeUpdate"
	EventPassengerUpdate    = "passengerUpdate"
	EventEndSession         = "endSession"
	EventGetBusInfo         = "getBusInfo"
	EventRequestDriversData = "requestDriversData"
	EventRequestCurrentData = "requestCurrentData"
	EventPingDriver         = "pingDriver"
	EventUnpingDriver       = "unpingDriver"
)

// Server → client event names.
const (
	EventSessionAssigned     = "sessionAssigned"
	EventDriversSnapshot     = "driversSnapshot"
	EventCurrentData         = "currentData"
	EventDriversData         = "driversData"
	EventLocationUpdate      = "locationUpdate"
	EventBusInfo             = "busInfo"
	EventBusInfoError        = "busInfoError"
	EventDriverRemoved       = "driverRemoved"
	EventDriverStateRestored = "driverStateRestored"
	EventPingReceived        = "pingReceived"
	EventPingRemoved         = "pingRemoved"
	EventConnectionReplaced  = "connectionReplaced"
	EventServerShutdown      = "serverShutdown"
	EventError               = "error"
)

// Envelope is the frame carried in every WebSocket text message, in both
// directions. Data is left raw on the inbound path so each handler can decode
// its own payload shape (several events accept more than one form).
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Role distinguishes the two endpoint cohorts.
type Role string

const (
	RoleDriver Role = "driver"
	RoleUser   Role = "user"
)

// ParseRole validates a declared role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleDriver, RoleUser:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidPayload, s)
	}
}

// Millis renders a timestamp the way the clients expect: milliseconds since
// the Unix epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
