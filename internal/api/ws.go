package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetmap-io/relay/internal/config"
	"github.com/fleetmap-io/relay/internal/protocol"
	"github.com/fleetmap-io/relay/internal/relay"
	"github.com/fleetmap-io/relay/internal/ws"
)

// WSHandler handles the WebSocket upgrade endpoint GET /ws. Connections
// carry no authentication — endpoints are trusted on their declared account
// id, and the credential front-end lives outside this service.
type WSHandler struct {
	engine *relay.Engine
	opts   ws.Options
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(engine *relay.Engine, cfg config.Config, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		engine: engine,
		opts: ws.Options{
			PingInterval:   cfg.PingInterval,
			PongWait:       cfg.PongWait,
			WriteWait:      cfg.WriteWait,
			SendBuffer:     cfg.SendBuffer,
			MaxMessageSize: cfg.MaxMessageSize,
		},
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS upgrades the connection and runs its pumps. The handler blocks
// until the connection closes — expected for WebSocket handlers; the engine
// observes the close through the onClose callback.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Upgrade(w, r, h.opts, h.logger)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("conn_id", conn.ID()),
		zap.String("remote_addr", r.RemoteAddr),
	)

	conn.Run(
		func(env protocol.Envelope) { h.engine.Dispatch(conn, env) },
		func() { h.engine.Disconnect(conn) },
	)

	h.logger.Info("ws: client disconnected", zap.String("conn_id", conn.ID()))
}
