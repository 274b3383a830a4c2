package protocol

// DriverState is the client-facing rendering of a driver record. It is the
// payload shape shared by the broadcast events (locationUpdate,
// destinationUpdate, routeUpdate, passengerUpdate), snapshot entries, busInfo,
// and driverStateRestored. Optional fields are omitted rather than sent as
// nulls.
type DriverState struct {
	From             string  `json:"from,omitempty"`
	AccountID        string  `json:"accountId"`
	Lat              float64 `json:"lat,omitempty"`
	Lng              float64 `json:"lng,omitempty"`
	HasPosition      bool    `json:"hasPosition"`
	DestinationName  string  `json:"destinationName,omitempty"`
	DestinationLat   float64 `json:"destinationLat,omitempty"`
	DestinationLng   float64 `json:"destinationLng,omitempty"`
	OrganizationName string  `json:"organizationName,omitempty"`
	Geometry         string  `json:"geometry,omitempty"`
	PassengerCount   int     `json:"passengerCount"`
	MaxCapacity      int     `json:"maxCapacity"`
	IsOnline         bool    `json:"isOnline"`
	Timestamp        int64   `json:"timestamp"`
}

// Snapshot is the payload of driversSnapshot and driversData. Total is the
// number of eligible drivers before truncation; Limited signals that the
// list was cut at the configured maximum.
type Snapshot struct {
	Drivers []DriverState `json:"drivers"`
	Count   int           `json:"count"`
	Total   int           `json:"total"`
	Limited bool          `json:"limited"`
}

// CurrentData is the payload of currentData, pushed to users on registration
// and resumption.
type CurrentData struct {
	Buses []DriverState `json:"buses"`
}

// DriverRemoved is broadcast to users when a driver leaves the map, whether
// by explicit endSession or by the reaper.
type DriverRemoved struct {
	AccountID string `json:"accountId"`
	Timestamp int64  `json:"timestamp"`
}

// DriverStateRestored is unicast to a driver after the restoration gate
// opens: the first authoritative update following a session resumption.
type DriverStateRestored struct {
	AccountID         string      `json:"accountId"`
	State             DriverState `json:"state"`
	ReconnectAttempts int         `json:"reconnectAttempts"`
	Timestamp         int64       `json:"timestamp"`
}

// PingReceived is unicast to exactly one driver when a user pings it.
type PingReceived struct {
	UserAccountID  string  `json:"userAccountId"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
	PassengerCount int     `json:"passengerCount"`
	Timestamp      int64   `json:"timestamp"`
}

// PingRemoved is unicast to a driver when a waiting user withdraws its ping
// or disconnects. Reason is "user_disconnected" on disconnect and empty on an
// explicit unping.
type PingRemoved struct {
	UserAccountID string `json:"userAccountId"`
	Reason        string `json:"reason,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

// ConnectionReplaced is the terminal notice sent to a preempted connection
// before it is closed.
type ConnectionReplaced struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ServerShutdown is fanned out to every connection during graceful shutdown.
type ServerShutdown struct {
	Timestamp int64 `json:"timestamp"`
}

// ErrorPayload is the generic error event payload.
type ErrorPayload struct {
	Message string `json:"message"`
}

// BusInfoError is the payload of busInfoError, the specialized error channel
// for getBusInfo lookups.
type BusInfoError struct {
	AccountID string `json:"accountId"`
	Message   string `json:"message"`
}
