package ws

import (
	"context"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/domain/relay"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/skykernel/internal/transport"
)

// Handler upgrades page connections and attaches each one to the background
// relay through its own bridge.
type Handler struct {
	background *relay.Relay
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	metrics    *monitoring.Metrics
	ctx        context.Context
}

// NewHandler creates the bridge endpoint. allowed lists the page origins that
// may connect; "*" allows any. Connections live until ctx is done.
func NewHandler(ctx context.Context, background *relay.Relay, allowed []string, logger *zap.Logger, metrics *monitoring.Metrics) *Handler {
	logger = logging.OrNop(logger)
	h := &Handler{background: background, logger: logger, metrics: metrics, ctx: ctx}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if slices.Contains(allowed, "*") {
				return true
			}
			return slices.Contains(allowed, r.Header.Get("Origin"))
		},
	}
	return h
}

// HandleConnection serves one page connection until either side closes.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	origin := c.Request.Header.Get("Origin")
	if origin == "" {
		origin = "null"
	}

	page := transport.NewSocket(conn, origin, h.logger.Named("socket"))
	defer page.Close()

	// bridge -> background pipe; the background relay sees the page origin.
	bridgeUp, bgDown := transport.NewPipe(origin, "background")
	defer bgDown.Close()

	bridge := relay.NewBridge(bridgeUp,
		relay.WithLogger(h.logger.Named("bridge")),
		relay.WithMetrics(h.metrics))

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() {
		_ = h.background.Attach(ctx, bgDown)
		cancel()
	}()
	go func() {
		_ = bridge.Run(ctx)
		cancel()
	}()

	h.logger.Info("page connected", zap.String("origin", origin), zap.String("channel", page.ID()))
	err = bridge.Attach(ctx, page)
	h.logger.Info("page disconnected", zap.String("origin", origin), zap.String("channel", page.ID()), zap.Error(err))
}
