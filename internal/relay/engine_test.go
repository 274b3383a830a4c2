package relay

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetmap-io/relay/internal/config"
	"github.com/fleetmap-io/relay/internal/metrics"
	"github.com/fleetmap-io/relay/internal/protocol"
	"github.com/fleetmap-io/relay/internal/registry"
)

// sent is one message captured by a fakePeer.
type sent struct {
	event string
	data  any
}

// fakePeer stands in for the WebSocket connection.
type fakePeer struct {
	id       string
	dead     bool
	closed   bool
	sendFail bool
	sent     []sent
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(event string, data any) bool {
	if p.dead || p.closed || p.sendFail {
		return false
	}
	p.sent = append(p.sent, sent{event: event, data: data})
	return true
}

func (p *fakePeer) Close()      { p.closed = true; p.dead = true }
func (p *fakePeer) Alive() bool { return !p.dead }

// events returns the captured event names in order.
func (p *fakePeer) events() []string {
	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.event)
	}
	return out
}

// last returns the most recent captured message.
func (p *fakePeer) last() sent {
	return p.sent[len(p.sent)-1]
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxUpdatesPerMinute = 3
	cfg.ShutdownSettle = 0
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	met := metrics.New(prometheus.NewRegistry())
	return New(testConfig(), clock, met, zap.NewNop()), clock
}

func dispatch(e *Engine, p registry.Peer, event, data string) {
	env := protocol.Envelope{Event: event}
	if data != "" {
		env.Data = json.RawMessage(data)
	}
	e.Dispatch(p, env)
}

// registerDriver registers a driver connection and asserts sessionAssigned.
func registerDriver(t *testing.T, e *Engine, p *fakePeer, accountID string) string {
	t.Helper()
	dispatch(e, p, protocol.EventRegisterRole,
		fmt.Sprintf(`{"role":"driver","accountId":%q}`, accountID))
	require.NotEmpty(t, p.sent)
	last := p.last()
	require.Equal(t, protocol.EventSessionAssigned, last.event)
	key, ok := last.data.(string)
	require.True(t, ok)
	return key
}

// registerUser registers a user connection and asserts it got a session key
// and the initial currentData push.
func registerUser(t *testing.T, e *Engine, p *fakePeer, accountID string) string {
	t.Helper()
	dispatch(e, p, protocol.EventRegisterRole,
		fmt.Sprintf(`{"role":"user","accountId":%q}`, accountID))
	require.GreaterOrEqual(t, len(p.sent), 2)
	key, ok := p.sent[len(p.sent)-2].data.(string)
	require.True(t, ok)
	require.Equal(t, protocol.EventCurrentData, p.last().event)
	return key
}

func TestRegisterUserReceivesCurrentData(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	cd, ok := u.last().data.(protocol.CurrentData)
	require.True(t, ok)
	require.Len(t, cd.Buses, 1)
	assert.Equal(t, "D1", cd.Buses[0].AccountID)
	assert.Equal(t, 14.5, cd.Buses[0].Lat)
}

func TestFirstLocationUpdateBroadcastsToUsersOnly(t *testing.T) {
	e, _ := newTestEngine(t)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	other := newPeer("cd2")
	registerDriver(t, e, other, "D2")

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	// The user cohort got the broadcast; the other driver did not.
	require.Contains(t, u.events(), protocol.EventLocationUpdate)
	assert.NotContains(t, other.events(), protocol.EventLocationUpdate)

	state, ok := u.last().data.(protocol.DriverState)
	require.True(t, ok)
	assert.Equal(t, "driver", state.From)
	assert.Equal(t, "D1", state.AccountID)
	assert.True(t, state.IsOnline)
}

func TestStationaryUpdatesAreSuppressed(t *testing.T) {
	e, clock := newTestEngine(t)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")

	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	before := len(u.sent)

	// Jitter well under the movement threshold, inside the heartbeat window.
	clock.Advance(time.Second)
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.50001,"lng":121.0}`)
	assert.Len(t, u.sent, before)

	// Real movement fans out again.
	clock.Advance(time.Second)
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.51,"lng":121.0}`)
	assert.Len(t, u.sent, before+1)
}

func TestHeartbeatForcesBroadcastForStationaryDriver(t *testing.T) {
	e, clock := newTestEngine(t)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")
	d := newPeer("cd")
	registerDriver(t, e, d, "D1")

	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	before := len(u.sent)

	clock.Advance(e.cfg.HeartbeatInterval)
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	assert.Len(t, u.sent, before+1)
}

func TestSuppressedPositionStillUpdatesRecord(t *testing.T) {
	e, clock := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	clock.Advance(time.Second)
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.50001,"lng":121.0}`)

	// A user registering now sees the suppressed (latest) position.
	u := newPeer("cu")
	registerUser(t, e, u, "U1")
	cd := u.last().data.(protocol.CurrentData)
	require.Len(t, cd.Buses, 1)
	assert.Equal(t, 14.50001, cd.Buses[0].Lat)
}

func TestRateGateRejectsExcessUpdates(t *testing.T) {
	e, clock := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	}
	assert.NotContains(t, d.events(), protocol.EventError)

	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	require.Equal(t, protocol.EventError, d.last().event)

	// The connection survives rejection; the next window admits again.
	assert.True(t, d.Alive())
	clock.Advance(e.cfg.RateWindow)
	before := len(d.sent)
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.6,"lng":121.0}`)
	assert.Len(t, d.sent, before) // admitted: no error came back
}

func TestRateGateFiresBeforeValidation(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")

	// Malformed updates still consume rate slots.
	for i := 0; i < 3; i++ {
		dispatch(e, d, protocol.EventUpdateLocation, `{"lat":999}`)
	}
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	last := d.last()
	require.Equal(t, protocol.EventError, last.event)
	msg := last.data.(protocol.ErrorPayload).Message
	assert.Contains(t, msg, "rate limit")
}

func TestRegistrationPreemptsIncumbent(t *testing.T) {
	e, _ := newTestEngine(t)

	old := newPeer("c1")
	registerDriver(t, e, old, "D1")
	dispatch(e, old, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	fresh := newPeer("c2")
	registerDriver(t, e, fresh, "D1")

	// The incumbent got the terminal notice and was closed; the new
	// connection is untouched.
	require.Contains(t, old.events(), protocol.EventConnectionReplaced)
	assert.True(t, old.closed)
	assert.False(t, fresh.closed)

	// The retained record still serves the new connection.
	dispatch(e, fresh, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.6,"lng":121.0}`)
	assert.NotContains(t, fresh.events(), protocol.EventError)
}

func TestGraceReconnectRestoresState(t *testing.T) {
	e, clock := newTestEngine(t)

	old := newPeer("c1")
	registerDriver(t, e, old, "D1")
	dispatch(e, old, protocol.EventUpdateLocation,
		`{"accountId":"D1","lat":14.5,"lng":121.0,"passengerCount":5,"maxCapacity":12}`)

	// Transport drops; the record enters grace.
	e.Disconnect(old)
	clock.Advance(5 * time.Second)

	// Reconnect by re-registering under the same account inside grace.
	fresh := newPeer("c2")
	registerDriver(t, e, fresh, "D1")
	dispatch(e, fresh, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5001,"lng":121.0}`)

	require.Contains(t, fresh.events(), protocol.EventDriverStateRestored)
	var restored protocol.DriverStateRestored
	for _, s := range fresh.sent {
		if s.event == protocol.EventDriverStateRestored {
			restored = s.data.(protocol.DriverStateRestored)
		}
	}
	assert.Equal(t, "D1", restored.AccountID)
	assert.Equal(t, 1, restored.ReconnectAttempts)
	// Occupancy survived the disconnect.
	assert.Equal(t, 5, restored.State.PassengerCount)
	assert.Equal(t, 12, restored.State.MaxCapacity)

	// The gate opens once; the next update does not repeat the restore.
	count := 0
	dispatch(e, fresh, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5002,"lng":121.0}`)
	for _, s := range fresh.sent {
		if s.event == protocol.EventDriverStateRestored {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestResumeSessionRestoresDriver(t *testing.T) {
	e, _ := newTestEngine(t)

	old := newPeer("c1")
	key := registerDriver(t, e, old, "D1")
	dispatch(e, old, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	e.Disconnect(old)

	fresh := newPeer("c2")
	dispatch(e, fresh, protocol.EventResumeSession, fmt.Sprintf("%q", key))
	assert.NotContains(t, fresh.events(), protocol.EventError)

	// The restore gate waits for an authoritative update.
	assert.NotContains(t, fresh.events(), protocol.EventDriverStateRestored)
	dispatch(e, fresh, protocol.EventPassengerUpdate, `{"accountId":"D1","passengerCount":2}`)
	assert.Contains(t, fresh.events(), protocol.EventDriverStateRestored)
}

func TestResumeUnknownSessionKey(t *testing.T) {
	e, _ := newTestEngine(t)

	p := newPeer("c1")
	dispatch(e, p, protocol.EventResumeSession, `"never-issued"`)
	require.Equal(t, protocol.EventError, p.last().event)
	msg := p.last().data.(protocol.ErrorPayload).Message
	assert.Contains(t, msg, "register again")
}

func TestRoleAdmission(t *testing.T) {
	e, _ := newTestEngine(t)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")
	dispatch(e, u, protocol.EventUpdateLocation, `{"accountId":"U1","lat":1,"lng":2}`)
	assert.Equal(t, protocol.EventError, u.last().event)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventPingDriver, `{"driverAccountId":"D1","lat":1,"lng":2}`)
	assert.Equal(t, protocol.EventError, d.last().event)

	// An unregistered connection may not send gated events at all.
	ghost := newPeer("cg")
	dispatch(e, ghost, protocol.EventUpdateLocation, `{"accountId":"D9","lat":1,"lng":2}`)
	assert.Equal(t, protocol.EventError, ghost.last().event)
}

func TestUnknownEventIsPerMessageError(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, "teleport", `{}`)
	assert.Equal(t, protocol.EventError, d.last().event)
	assert.True(t, d.Alive())

	// The connection keeps working.
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	assert.NotEqual(t, protocol.EventError, d.last().event)
}

func TestAccountMismatchRejected(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D2","lat":14.5,"lng":121.0}`)
	assert.Equal(t, protocol.EventError, d.last().event)
}

func TestDriverAdoptsIdentityFromFirstUpdate(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	dispatch(e, d, protocol.EventRegisterRole, `"driver"`)
	require.Equal(t, protocol.EventSessionAssigned, d.last().event)

	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	assert.NotContains(t, d.events(), protocol.EventError)

	// The adopted identity is now authoritative.
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D2","lat":14.5,"lng":121.0}`)
	assert.Equal(t, protocol.EventError, d.last().event)
}

func TestDuplicateRouteSuppressed(t *testing.T) {
	e, _ := newTestEngine(t)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")
	d := newPeer("cd")
	registerDriver(t, e, d, "D1")

	dispatch(e, d, protocol.EventRouteUpdate, `{"accountId":"D1","geometry":[[1,2],[3,4]]}`)
	assert.Contains(t, u.events(), protocol.EventRouteUpdate)
	before := len(u.sent)

	// Same geometry, different whitespace: canonical forms match, no fan-out.
	dispatch(e, d, protocol.EventRouteUpdate, `{"accountId":"D1","geometry":[[1, 2], [3, 4]]}`)
	assert.Len(t, u.sent, before)

	dispatch(e, d, protocol.EventRouteUpdate, `{"accountId":"D1","geometry":[[1,2],[3,5]]}`)
	assert.Len(t, u.sent, before+1)
}

func TestDuplicatePassengerUpdateSuppressed(t *testing.T) {
	e, _ := newTestEngine(t)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")
	d := newPeer("cd")
	registerDriver(t, e, d, "D1")

	dispatch(e, d, protocol.EventPassengerUpdate, `{"accountId":"D1","passengerCount":4}`)
	assert.Contains(t, u.events(), protocol.EventPassengerUpdate)
	before := len(u.sent)

	dispatch(e, d, protocol.EventPassengerUpdate, `{"accountId":"D1","passengerCount":4}`)
	assert.Len(t, u.sent, before)
}

func TestDestinationUpdateAlwaysBroadcasts(t *testing.T) {
	e, _ := newTestEngine(t)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")
	d := newPeer("cd")
	registerDriver(t, e, d, "D1")

	dispatch(e, d, protocol.EventDestinationUpdate, `{"accountId":"D1","destinationName":"Terminal A"}`)
	before := len(u.sent)
	dispatch(e, d, protocol.EventDestinationUpdate, `{"accountId":"D1","destinationName":"Terminal A"}`)
	assert.Len(t, u.sent, before+1)
}

func TestEndSessionRemovesDriverAndBroadcasts(t *testing.T) {
	e, _ := newTestEngine(t)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")
	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	dispatch(e, d, protocol.EventEndSession, "")

	require.Contains(t, u.events(), protocol.EventDriverRemoved)
	removed := u.last().data.(protocol.DriverRemoved)
	assert.Equal(t, "D1", removed.AccountID)

	// Snapshots no longer carry the driver.
	dispatch(e, u, protocol.EventRequestCurrentData, "")
	snap := u.last().data.(protocol.Snapshot)
	assert.Empty(t, snap.Drivers)
}

func TestSnapshotRequestEvents(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	dispatch(e, u, protocol.EventRequestCurrentData, "")
	assert.Equal(t, protocol.EventDriversSnapshot, u.last().event)
	snap := u.last().data.(protocol.Snapshot)
	assert.Equal(t, 1, snap.Count)

	dispatch(e, u, protocol.EventRequestDriversData, "")
	assert.Equal(t, protocol.EventDriversData, u.last().event)
}

func TestGetBusInfo(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	dispatch(e, u, protocol.EventGetBusInfo, `{"accountId":"D1"}`)
	require.Equal(t, protocol.EventBusInfo, u.last().event)
	state := u.last().data.(protocol.DriverState)
	assert.Equal(t, "D1", state.AccountID)

	dispatch(e, u, protocol.EventGetBusInfo, `{"accountId":"nobody"}`)
	require.Equal(t, protocol.EventBusInfoError, u.last().event)
	assert.Equal(t, "nobody", u.last().data.(protocol.BusInfoError).AccountID)
}

func TestPingRoutesToExactlyOneDriver(t *testing.T) {
	e, _ := newTestEngine(t)

	d1 := newPeer("cd1")
	registerDriver(t, e, d1, "D1")
	dispatch(e, d1, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	d2 := newPeer("cd2")
	registerDriver(t, e, d2, "D2")
	dispatch(e, d2, protocol.EventUpdateLocation, `{"accountId":"D2","lat":14.6,"lng":121.1}`)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	dispatch(e, u, protocol.EventPingDriver,
		`{"driverAccountId":"D1","lat":14.49,"lng":120.99,"passengerCount":2}`)

	require.Contains(t, d1.events(), protocol.EventPingReceived)
	assert.NotContains(t, d2.events(), protocol.EventPingReceived)

	ping := d1.last().data.(protocol.PingReceived)
	assert.Equal(t, "U1", ping.UserAccountID)
	assert.Equal(t, 2, ping.PassengerCount)
	assert.Equal(t, 14.49, ping.Lat)
}

func TestPingUnknownAndOfflineDrivers(t *testing.T) {
	e, _ := newTestEngine(t)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	dispatch(e, u, protocol.EventPingDriver, `{"driverAccountId":"ghost","lat":1,"lng":2}`)
	assert.Equal(t, protocol.EventError, u.last().event)

	// Driver exists but is in grace: reachable state required.
	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	e.Disconnect(d)

	dispatch(e, u, protocol.EventPingDriver, `{"driverAccountId":"D1","lat":1,"lng":2}`)
	assert.Equal(t, protocol.EventError, u.last().event)
}

func TestUnpingNotifiesDriver(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")
	dispatch(e, u, protocol.EventPingDriver, `{"driverAccountId":"D1","lat":1,"lng":2}`)
	dispatch(e, u, protocol.EventUnpingDriver, `{"driverAccountId":"D1"}`)

	require.Equal(t, protocol.EventPingRemoved, d.last().event)
	removed := d.last().data.(protocol.PingRemoved)
	assert.Equal(t, "U1", removed.UserAccountID)
	assert.Empty(t, removed.Reason)
}

func TestUserDisconnectPrunesPendingPings(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")
	dispatch(e, u, protocol.EventPingDriver, `{"driverAccountId":"D1","lat":1,"lng":2}`)

	e.Disconnect(u)

	require.Equal(t, protocol.EventPingRemoved, d.last().event)
	removed := d.last().data.(protocol.PingRemoved)
	assert.Equal(t, "U1", removed.UserAccountID)
	assert.Equal(t, "user_disconnected", removed.Reason)
}

func TestSendFailureDisconnectsSubscriber(t *testing.T) {
	e, _ := newTestEngine(t)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")
	u.sendFail = true

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	// The failed send unbound the user; it is no longer a broadcast target.
	e.mu.Lock()
	_, registered := e.reg.BindingFor(u)
	e.mu.Unlock()
	assert.False(t, registered)
}

func TestReapPurgesStaleDriverAndBroadcasts(t *testing.T) {
	e, clock := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	e.Disconnect(d)

	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	// Inside grace + stale nothing happens.
	e.Reap()
	assert.NotContains(t, u.events(), protocol.EventDriverRemoved)

	clock.Advance(e.cfg.StaleTimeout + e.cfg.GracePeriod + time.Second)
	// Keep the user fresh so only the driver is purged.
	dispatch(e, u, protocol.EventRequestCurrentData, "")
	e.Reap()

	require.Contains(t, u.events(), protocol.EventDriverRemoved)
	var removed protocol.DriverRemoved
	for _, s := range u.sent {
		if s.event == protocol.EventDriverRemoved {
			removed = s.data.(protocol.DriverRemoved)
		}
	}
	assert.Equal(t, "D1", removed.AccountID)

	e.mu.Lock()
	gone := e.reg.Driver("D1") == nil
	e.mu.Unlock()
	assert.True(t, gone)
}

func TestGraceReconnectBeatsReaper(t *testing.T) {
	e, clock := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	e.Disconnect(d)

	// Sweep while the grace window is open: record survives even past stale.
	clock.Advance(e.cfg.StaleTimeout + time.Second)
	e.mu.Lock()
	e.reg.Driver("D1").DisconnectedAt = clock.Now().Add(-e.cfg.GracePeriod / 2)
	e.mu.Unlock()
	e.Reap()

	fresh := newPeer("c2")
	registerDriver(t, e, fresh, "D1")
	dispatch(e, fresh, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	assert.Contains(t, fresh.events(), protocol.EventDriverStateRestored)
}

func TestShutdownNotifiesAndCloses(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	e.Shutdown()

	assert.Contains(t, d.events(), protocol.EventServerShutdown)
	assert.Contains(t, u.events(), protocol.EventServerShutdown)
	assert.True(t, d.closed)
	assert.True(t, u.closed)
}

func TestStatsReportsDriversAndUptime(t *testing.T) {
	e, clock := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)

	clock.Advance(42 * time.Second)
	stats := e.Stats()
	assert.Equal(t, 1, stats.Drivers)
	assert.Equal(t, 42*time.Second, stats.Uptime)
}

func TestPanickingHandlerReleasesEngineLock(t *testing.T) {
	e, _ := newTestEngine(t)

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	// Corrupt the record so the ping handler panics mid-critical-section
	// (assignment into a nil map).
	e.mu.Lock()
	e.reg.Driver("D1").Waiting = nil
	e.mu.Unlock()

	dispatch(e, u, protocol.EventPingDriver, `{"driverAccountId":"D1","lat":14.5,"lng":121.0}`)

	// The sender got the generic error and nothing leaked to the driver.
	require.Equal(t, protocol.EventError, u.last().event)
	assert.Equal(t, "internal server error", u.last().data.(protocol.ErrorPayload).Message)
	assert.NotContains(t, d.events(), protocol.EventPingReceived)

	// The mutex was released on the way out: the engine still serves
	// requests on the same goroutine.
	assert.Equal(t, 1, e.Stats().Drivers)
	dispatch(e, u, protocol.EventRequestCurrentData, "")
	assert.Equal(t, protocol.EventDriversSnapshot, u.last().event)
}

func TestGaugesTrackTables(t *testing.T) {
	clock := clockwork.NewFakeClock()
	met := metrics.New(prometheus.NewRegistry())
	e := New(testConfig(), clock, met, zap.NewNop())

	d := newPeer("cd")
	registerDriver(t, e, d, "D1")
	dispatch(e, d, protocol.EventUpdateLocation, `{"accountId":"D1","lat":14.5,"lng":121.0}`)
	u := newPeer("cu")
	registerUser(t, e, u, "U1")

	assert.Equal(t, 1.0, testutil.ToFloat64(met.ConnectedDrivers))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.ConnectedUsers))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.TrackedDrivers))
	assert.Equal(t, 2.0, testutil.ToFloat64(met.Sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.RateBuckets))

	// Transport loss moves the driver into grace: its session stays
	// resumable, its rate bucket does not.
	e.Disconnect(d)
	assert.Equal(t, 0.0, testutil.ToFloat64(met.ConnectedDrivers))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.TrackedDrivers))
	assert.Equal(t, 2.0, testutil.ToFloat64(met.Sessions))
	assert.Equal(t, 0.0, testutil.ToFloat64(met.RateBuckets))

	clock.Advance(e.cfg.StaleTimeout + e.cfg.GracePeriod + time.Second)
	e.Reap()
	assert.Equal(t, 0.0, testutil.ToFloat64(met.TrackedDrivers))
	assert.Equal(t, 0.0, testutil.ToFloat64(met.Sessions))
}
