// Command relay runs the fleet-tracking fan-out relay: drivers push position
// and occupancy updates over WebSocket, users subscribe to render a live map.
// All state is in-memory; on restart clients reconnect and re-announce.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fleetmap-io/relay/internal/api"
	"github.com/fleetmap-io/relay/internal/config"
	"github.com/fleetmap-io/relay/internal/metrics"
	"github.com/fleetmap-io/relay/internal/relay"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:   "relay",
		Short: "Soft-realtime fan-out relay for fleet tracking",
		Long: `relay is the connection and broadcast engine of the fleet-tracking
system. Driver endpoints push position, route, destination, and occupancy
updates over WebSocket; user endpoints subscribe to these updates to render
a live map. The server holds no durable state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.Addr, "addr", envOrDefault("RELAY_ADDR", cfg.Addr), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", envOrDefault("RELAY_LOG_LEVEL", cfg.LogLevel), "Log level (debug, info, warn, error)")
	root.PersistentFlags().Float64Var(&cfg.MovementThreshold, "movement-threshold", cfg.MovementThreshold, "Minimum displacement in degrees between broadcast positions")
	root.PersistentFlags().DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Maximum interval between broadcasts for a live driver")
	root.PersistentFlags().IntVar(&cfg.MaxUpdatesPerMinute, "max-updates-per-minute", cfg.MaxUpdatesPerMinute, "Location updates admitted per connection per minute")
	root.PersistentFlags().DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Window after transport loss during which a record is retained")
	root.PersistentFlags().DurationVar(&cfg.StaleTimeout, "stale-timeout", cfg.StaleTimeout, "Window without updates past which a record is reaped")
	root.PersistentFlags().DurationVar(&cfg.CleanupInterval, "cleanup-interval", cfg.CleanupInterval, "Reaper sweep interval")
	root.PersistentFlags().IntVar(&cfg.MaxSnapshotDrivers, "max-snapshot-drivers", cfg.MaxSnapshotDrivers, "Driver snapshot truncation limit")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := cfg.Validate(); err != nil {
		return err
	}

	logger.Info("starting relay",
		zap.String("version", version),
		zap.String("addr", cfg.Addr),
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		zap.Duration("grace_period", cfg.GracePeriod),
		zap.Duration("stale_timeout", cfg.StaleTimeout),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()
	met := metrics.New(prometheus.DefaultRegisterer)
	engine := relay.New(cfg, clock, met, logger)

	reaper, err := relay.NewReaper(engine, clock, logger)
	if err != nil {
		return err
	}
	reaper.Start()

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewRouter(api.RouterConfig{
			Engine: engine,
			Config: cfg,
			Logger: logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down relay")

		// Notify connected clients and mark drivers disconnected before the
		// listener goes away; Shutdown also closes every connection so the
		// blocking WebSocket handlers return and the server can drain.
		engine.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown error: %w", err)
		}
		return reaper.Stop()
	})

	return g.Wait()
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
