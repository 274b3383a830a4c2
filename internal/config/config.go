// Package config holds the tunable constants of the relay engine.
//
// Every threshold and interval that affects observable behavior lives here so
// tests can shrink timings and operators can tune the relay without touching
// engine code. Defaults are calibrated for a city-scale fleet: a movement
// threshold of one ten-thousandth of a degree (~11 m at mid-latitudes) and a
// 15-second heartbeat keep stationary vehicles from flooding subscribers while
// still refreshing the map at a usable cadence.
package config

import (
	"fmt"
	"time"
)

// Config carries all engine tunables. The zero value is not usable — start
// from Default and override what you need.
type Config struct {
	// Addr is the combined HTTP + WebSocket listen address.
	Addr string

	// MovementThreshold is the minimum planar displacement in degrees between
	// the current position and the last broadcast position that forces a
	// broadcast. The planar Euclidean comparison is intentional: the
	// threshold exists to suppress stationary GPS jitter, not to measure
	// distance accurately, and the calibration assumes the planar formula.
	MovementThreshold float64

	// HeartbeatInterval is the maximum time between successive broadcasts for
	// a live driver regardless of motion or payload changes.
	HeartbeatInterval time.Duration

	// MaxUpdatesPerMinute caps how many location updates a single connection
	// may produce inside one RateWindow.
	MaxUpdatesPerMinute int

	// RateWindow is the fixed window of the producer rate gate.
	RateWindow time.Duration

	// GracePeriod is how long a disconnected driver's record is retained and
	// eligible for reconnection before the reaper may purge it.
	GracePeriod time.Duration

	// StaleTimeout is how long a record may go without updates (drivers) or
	// activity (users) before it is eligible for reaping, subject to grace.
	StaleTimeout time.Duration

	// CleanupInterval is the reaper tick.
	CleanupInterval time.Duration

	// MaxSnapshotDrivers truncates driver snapshots; the truncation is
	// signalled in the payload rather than hidden.
	MaxSnapshotDrivers int

	// MaxPingPassengers is the inclusive ceiling for pingDriver passenger
	// counts. Requests outside [1, MaxPingPassengers] are rejected.
	MaxPingPassengers int

	// ShutdownSettle is the pause between fanning out serverShutdown and
	// closing the listener, giving clients a chance to read the notice.
	ShutdownSettle time.Duration

	// PingInterval and PongWait drive the transport keepalive. PingInterval
	// must be shorter than PongWait or every connection would time out
	// between pings.
	PingInterval time.Duration
	PongWait     time.Duration

	// WriteWait bounds a single wire write before the connection is
	// considered stalled.
	WriteWait time.Duration

	// SendBuffer is the per-connection outbound queue capacity. A subscriber
	// that falls this far behind is disconnected rather than allowed to
	// backpressure the fan-out.
	SendBuffer int

	// MaxMessageSize is the per-message read limit in bytes.
	MaxMessageSize int64

	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Addr:                ":3000",
		MovementThreshold:   0.0001,
		HeartbeatInterval:   15 * time.Second,
		MaxUpdatesPerMinute: 60,
		RateWindow:          time.Minute,
		GracePeriod:         30 * time.Second,
		StaleTimeout:        5 * time.Minute,
		CleanupInterval:     time.Minute,
		MaxSnapshotDrivers:  100,
		MaxPingPassengers:   20,
		ShutdownSettle:      500 * time.Millisecond,
		PingInterval:        25 * time.Second,
		PongWait:            60 * time.Second,
		WriteWait:           10 * time.Second,
		SendBuffer:          64,
		MaxMessageSize:      1 << 20,
		LogLevel:            "info",
	}
}

// Validate rejects configurations that would make the engine misbehave in
// non-obvious ways (e.g. a ping interval longer than the pong deadline).
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.MovementThreshold < 0 {
		return fmt.Errorf("config: movement threshold must be >= 0, got %v", c.MovementThreshold)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.MaxUpdatesPerMinute <= 0 {
		return fmt.Errorf("config: max updates per minute must be positive, got %d", c.MaxUpdatesPerMinute)
	}
	if c.RateWindow <= 0 {
		return fmt.Errorf("config: rate window must be positive, got %v", c.RateWindow)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("config: grace period must be >= 0, got %v", c.GracePeriod)
	}
	if c.StaleTimeout <= 0 {
		return fmt.Errorf("config: stale timeout must be positive, got %v", c.StaleTimeout)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("config: cleanup interval must be positive, got %v", c.CleanupInterval)
	}
	if c.MaxSnapshotDrivers <= 0 {
		return fmt.Errorf("config: max snapshot drivers must be positive, got %d", c.MaxSnapshotDrivers)
	}
	if c.MaxPingPassengers <= 0 {
		return fmt.Errorf("config: max ping passengers must be positive, got %d", c.MaxPingPassengers)
	}
	if c.PingInterval <= 0 || c.PongWait <= 0 {
		return fmt.Errorf("config: keepalive intervals must be positive")
	}
	if c.PingInterval >= c.PongWait {
		return fmt.Errorf("config: ping interval (%v) must be shorter than pong wait (%v)", c.PingInterval, c.PongWait)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("config: send buffer must be positive, got %d", c.SendBuffer)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("config: max message size must be positive, got %d", c.MaxMessageSize)
	}
	return nil
}
