package relay

import (
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/fleetmap-io/relay/internal/protocol"
	"github.com/fleetmap-io/relay/internal/registry"
)

// Reap runs one reaper pass: reconcile records whose transport handle is
// gone, purge records stale past their grace window, and expire rate-gate
// buckets. Safe to call concurrently with handlers and with itself — every
// removal goes through the registry's idempotent delete paths.
func (e *Engine) Reap() {
	var ds []delivery
	var res registry.SweepResult
	e.locked(func() {
		res = e.reg.Sweep(e.cfg.GracePeriod, e.cfg.StaleTimeout)
		now := e.clock.Now()

		for _, accountID := range res.RemovedDrivers {
			e.met.ReapedDrivers.Inc()
			ds = append(ds, e.broadcastDeliveries(protocol.EventDriverRemoved, protocol.DriverRemoved{
				AccountID: accountID,
				Timestamp: protocol.Millis(now),
			})...)
		}
		for range res.RemovedUsers {
			e.met.ReapedUsers.Inc()
		}
		for _, pr := range res.PingRemovals {
			e.met.Unicasts.WithLabelValues(protocol.EventPingRemoved).Inc()
			ds = append(ds, delivery{to: pr.DriverPeer, event: protocol.EventPingRemoved, data: protocol.PingRemoved{
				UserAccountID: pr.UserAccountID,
				Reason:        "user_disconnected",
				Timestamp:     protocol.Millis(now),
			}})
		}
		e.updateGauges()
	})

	buckets := e.gate.Sweep()

	if len(res.RemovedDrivers) > 0 || len(res.RemovedUsers) > 0 || res.RemovedSessions > 0 || buckets > 0 {
		e.logger.Info("reaper sweep",
			zap.Strings("removed_drivers", res.RemovedDrivers),
			zap.Int("removed_users", len(res.RemovedUsers)),
			zap.Int("removed_sessions", res.RemovedSessions),
			zap.Int("expired_buckets", buckets),
		)
	}
	e.deliver(ds)
}

// Reaper drives Engine.Reap on the configured interval. It wraps gocron the
// same way the rest of the system schedules periodic work; singleton mode
// guarantees sweeps never overlap even if one runs long.
type Reaper struct {
	cron   gocron.Scheduler
	logger *zap.Logger
}

// NewReaper schedules the sweep. Call Start to begin ticking.
func NewReaper(e *Engine, clock clockwork.Clock, logger *zap.Logger) (*Reaper, error) {
	s, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("relay: failed to create reaper scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(e.cfg.CleanupInterval),
		gocron.NewTask(e.Reap),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("reaper"),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: failed to schedule reaper: %w", err)
	}
	return &Reaper{cron: s, logger: logger.Named("reaper")}, nil
}

// Start begins the periodic sweep.
func (r *Reaper) Start() {
	r.cron.Start()
	r.logger.Info("reaper started")
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (r *Reaper) Stop() error {
	if err := r.cron.Shutdown(); err != nil {
		return fmt.Errorf("relay: reaper shutdown error: %w", err)
	}
	r.logger.Info("reaper stopped")
	return nil
}
