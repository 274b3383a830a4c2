// Package api implements the HTTP surface of the relay: the health probes,
// the prometheus scrape endpoint, and the WebSocket upgrade endpoint that
// feeds connections into the engine. Chi is the router; everything except the
// WebSocket endpoint is plain request/response JSON.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetmap-io/relay/internal/config"
	"github.com/fleetmap-io/relay/internal/relay"
)

// RouterConfig holds the dependencies needed to build the HTTP router,
// populated in main after all components are initialized.
type RouterConfig struct {
	Engine *relay.Engine
	Config config.Config
	Logger *zap.Logger
}

// NewRouter builds the fully configured chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID tags each request for log correlation; RealIP unwraps
	// X-Forwarded-For behind a reverse proxy; Recoverer turns handler panics
	// into 500s instead of crashes.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	statusHandler := NewStatusHandler(cfg.Engine)
	wsHandler := NewWSHandler(cfg.Engine, cfg.Config, cfg.Logger)

	r.Get("/", statusHandler.Root)
	r.Get("/health", statusHandler.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", wsHandler.ServeWS)

	return r
}

// RequestLogger returns a chi-compatible middleware that logs each request
// with the provided zap logger. The WebSocket endpoint logs its upgrade here
// too — the entry marks the start of a connection, not its duration.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
