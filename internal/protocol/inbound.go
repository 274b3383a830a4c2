package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidPayload is the root of every decode/validation failure in this
// package. Handlers match it with errors.Is to map the failure onto the
// client-facing validation error.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

// validate is shared by all payload types. The latitude/longitude range
// checks come from the validator's built-in rules; everything the validator
// cannot express (string-or-number forms, cross-field requirements) is checked
// by hand in the Decode functions.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Coord is a float64 that also accepts numeric strings on the wire, because
// some client stacks serialize coordinates as strings. "14.5" and 14.5
// decode identically.
type Coord float64

// UnmarshalJSON implements the string-or-number form.
func (c *Coord) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) >= 2 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", ErrInvalidPayload, s)
		}
		*c = Coord(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	*c = Coord(f)
	return nil
}

// Float returns the coordinate as a plain float64.
func (c Coord) Float() float64 { return float64(c) }

// RegisterRole is the payload of the registerRole event. The wire form is
// either a bare string ("driver") or an object ({"role": "driver",
// "accountId": "D1"}); both decode into this struct.
type RegisterRole struct {
	Role      Role
	AccountID string
}

// DecodeRegisterRole parses and validates both registerRole forms.
// An account id is required for users; drivers may defer identity to their
// first update.
func DecodeRegisterRole(data json.RawMessage) (RegisterRole, error) {
	var out RegisterRole

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return out, fmt.Errorf("%w: registerRole requires a role", ErrInvalidPayload)
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		role, err := ParseRole(s)
		if err != nil {
			return out, err
		}
		out.Role = role
	} else {
		var obj struct {
			Role      string `json:"role"`
			AccountID string `json:"accountId"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		role, err := ParseRole(obj.Role)
		if err != nil {
			return out, err
		}
		out.Role = role
		out.AccountID = obj.AccountID
	}

	if out.Role == RoleUser && out.AccountID == "" {
		return out, fmt.Errorf("%w: registerRole for user requires accountId", ErrInvalidPayload)
	}
	return out, nil
}

// DecodeResumeSession parses the resumeSession payload: a bare session key
// string or {"sessionKey": "..."}.
func DecodeResumeSession(data json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: resumeSession requires a session key", ErrInvalidPayload)
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if s == "" {
			return "", fmt.Errorf("%w: empty session key", ErrInvalidPayload)
		}
		return s, nil
	}

	var obj struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if obj.SessionKey == "" {
		return "", fmt.Errorf("%w: empty session key", ErrInvalidPayload)
	}
	return obj.SessionKey, nil
}

// LocationUpdate is the payload of updateLocation. Every field except the
// identifier and position is a pointer so "absent" and "zero" stay
// distinguishable when merging into the driver record; lat/lng are pointers
// too, but for presence — a payload without them is rejected rather than
// decoded as position (0, 0).
type LocationUpdate struct {
	AccountID        string  `json:"accountId" validate:"required"`
	Lat              *Coord  `json:"lat" validate:"required,latitude"`
	Lng              *Coord  `json:"lng" validate:"required,longitude"`
	DestinationName  *string `json:"destinationName"`
	DestinationLat   *Coord  `json:"destinationLat" validate:"omitempty,latitude"`
	DestinationLng   *Coord  `json:"destinationLng" validate:"omitempty,longitude"`
	OrganizationName *string `json:"organizationName"`
	PassengerCount   *Coord  `json:"passengerCount" validate:"omitempty,gte=0"`
	MaxCapacity      *Coord  `json:"maxCapacity" validate:"omitempty,gte=0"`
}

// DecodeLocationUpdate parses and range-checks an updateLocation payload.
func DecodeLocationUpdate(data json.RawMessage) (LocationUpdate, error) {
	var p LocationUpdate
	if err := decodeStrict(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

// DestinationUpdate is the payload of destinationUpdate.
type DestinationUpdate struct {
	AccountID       string  `json:"accountId" validate:"required"`
	DestinationName *string `json:"destinationName"`
	DestinationLat  *Coord  `json:"destinationLat" validate:"omitempty,latitude"`
	DestinationLng  *Coord  `json:"destinationLng" validate:"omitempty,longitude"`
}

// DecodeDestinationUpdate parses and validates a destinationUpdate payload.
func DecodeDestinationUpdate(data json.RawMessage) (DestinationUpdate, error) {
	var p DestinationUpdate
	if err := decodeStrict(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

// RouteUpdate is the payload of routeUpdate. Geometry is an opaque blob (an
// encoded polyline string or a coordinate array) that the relay never
// interprets — it only needs a deterministic equality on it, see Canonical.
type RouteUpdate struct {
	AccountID      string          `json:"accountId" validate:"required"`
	Geometry       json.RawMessage `json:"geometry" validate:"required"`
	DestinationLat *Coord          `json:"destinationLat" validate:"omitempty,latitude"`
	DestinationLng *Coord          `json:"destinationLng" validate:"omitempty,longitude"`
}

// DecodeRouteUpdate parses and validates a routeUpdate payload.
func DecodeRouteUpdate(data json.RawMessage) (RouteUpdate, error) {
	var p RouteUpdate
	if err := decodeStrict(data, &p); err != nil {
		return p, err
	}
	if len(bytes.TrimSpace(p.Geometry)) == 0 || bytes.Equal(bytes.TrimSpace(p.Geometry), []byte("null")) {
		return p, fmt.Errorf("%w: routeUpdate requires geometry", ErrInvalidPayload)
	}
	return p, nil
}

// Canonical returns the geometry in a canonical serialization (JSON with all
// insignificant whitespace removed). Route equality in the broadcast filter
// compares these strings; the comparison must be total and deterministic, and
// compacting the client's own serialization gives exactly that.
func (p RouteUpdate) Canonical() (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, p.Geometry); err != nil {
		return "", fmt.Errorf("%w: malformed geometry: %v", ErrInvalidPayload, err)
	}
	return buf.String(), nil
}

// PassengerUpdate is the payload of passengerUpdate. At least one field must
// be present.
type PassengerUpdate struct {
	AccountID      string `json:"accountId" validate:"required"`
	PassengerCount *Coord `json:"passengerCount" validate:"omitempty,gte=0"`
	MaxCapacity    *Coord `json:"maxCapacity" validate:"omitempty,gte=0"`
}

// DecodePassengerUpdate parses and validates a passengerUpdate payload.
func DecodePassengerUpdate(data json.RawMessage) (PassengerUpdate, error) {
	var p PassengerUpdate
	if err := decodeStrict(data, &p); err != nil {
		return p, err
	}
	if p.PassengerCount == nil && p.MaxCapacity == nil {
		return p, fmt.Errorf("%w: passengerUpdate requires passengerCount or maxCapacity", ErrInvalidPayload)
	}
	return p, nil
}

// GetBusInfo is the payload of getBusInfo.
type GetBusInfo struct {
	AccountID string `json:"accountId" validate:"required"`
}

// DecodeGetBusInfo parses and validates a getBusInfo payload.
func DecodeGetBusInfo(data json.RawMessage) (GetBusInfo, error) {
	var p GetBusInfo
	if err := decodeStrict(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

// PingDriver is the payload of pingDriver. Lat/lng carry the pinging user's
// position and are mandatory.
type PingDriver struct {
	DriverAccountID string  `json:"driverAccountId" validate:"required"`
	Lat             *Coord  `json:"lat" validate:"required,latitude"`
	Lng             *Coord  `json:"lng" validate:"required,longitude"`
	PassengerCount  *Coord  `json:"passengerCount"`
	UserAccountID   *string `json:"userAccountId"`
}

// DecodePingDriver parses and validates a pingDriver payload.
func DecodePingDriver(data json.RawMessage) (PingDriver, error) {
	var p PingDriver
	if err := decodeStrict(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

// Passengers normalizes the requested passenger count: absent defaults to 1,
// present values have their absolute value floored and must land in
// [1, limit]. Values outside the range fail the request rather than being
// clamped.
func (p PingDriver) Passengers(limit int) (int, error) {
	if p.PassengerCount == nil {
		return 1, nil
	}
	n := int(math.Floor(math.Abs(p.PassengerCount.Float())))
	if n < 1 || n > limit {
		return 0, fmt.Errorf("%w: passengerCount must be between 1 and %d, got %d", ErrInvalidPayload, limit, n)
	}
	return n, nil
}

// UnpingDriver is the payload of unpingDriver.
type UnpingDriver struct {
	DriverAccountID string  `json:"driverAccountId" validate:"required"`
	UserAccountID   *string `json:"userAccountId"`
}

// DecodeUnpingDriver parses and validates an unpingDriver payload.
func DecodeUnpingDriver(data json.RawMessage) (UnpingDriver, error) {
	var p UnpingDriver
	if err := decodeStrict(data, &p); err != nil {
		return p, err
	}
	return p, nil
}

// decodeStrict unmarshals data into dst and runs the validator tags.
// Unknown fields are tolerated — clients ship extra fields freely and the
// relay only cares about the ones it knows.
func decodeStrict(data json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
