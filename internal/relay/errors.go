package relay

import (
	"errors"

	"github.com/fleetmap-io/relay/internal/protocol"
)

// Sentinel errors for the client-visible failure taxonomy. Handlers return
// these (wrapped with detail); Dispatch maps them onto the error event and
// the protocol-errors metric. Callers compare with errors.Is.
var (
	// ErrValidation covers malformed payloads, missing required fields,
	// out-of-range coordinates, empty identifiers, and unknown roles/events.
	ErrValidation = errors.New("relay: validation error")

	// ErrUnauthorizedRole is returned when an event is issued by a
	// connection whose role does not permit it.
	ErrUnauthorizedRole = errors.New("relay: role not permitted")

	// ErrRateLimited is returned when a producer exceeds the update budget.
	ErrRateLimited = errors.New("relay: rate limit exceeded")

	// ErrNotFound is returned for pings to unknown drivers and busInfo
	// lookups of unknown accounts.
	ErrNotFound = errors.New("relay: not found")

	// ErrUnavailable is returned when the target driver exists but has no
	// live transport.
	ErrUnavailable = errors.New("relay: driver not reachable")

	// ErrSession is returned for resumeSession with an unknown key; the
	// client must register afresh.
	ErrSession = errors.New("relay: unknown session")
)

// errorKind maps an error onto its taxonomy label for metrics and logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, protocol.ErrInvalidPayload):
		return "validation"
	case errors.Is(err, ErrUnauthorizedRole):
		return "authorization"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrSession):
		return "session"
	default:
		return "internal"
	}
}

// clientMessage renders the message put on the wire. Internal errors are
// never leaked to clients; everything in the taxonomy is safe to forward.
func clientMessage(err error) string {
	if errorKind(err) == "internal" {
		return "internal server error"
	}
	return err.Error()
}
