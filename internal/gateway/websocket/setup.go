package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/lugh-dev/lugh/internal/common/logger"
	ws "github.com/lugh-dev/lugh/pkg/websocket"
)

// Gateway bundles the hub, the action dispatcher, and the connection
// handler behind a single mount point. Callers register their action
// handlers on Dispatcher and broadcasters on Hub before starting it.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway wires a gateway with an empty dispatcher. The health action
// is pre-registered; everything else is up to the caller.
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    NewHandler(hub, log),
		logger:     log,
	}
}

// Mount attaches the /ws upgrade endpoint to the router.
func (g *Gateway) Mount(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
