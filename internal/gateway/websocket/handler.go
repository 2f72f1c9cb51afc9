package websocket

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lugh-dev/lugh/internal/common/logger"
	"github.com/lugh-dev/lugh/internal/orchestrator"
	"github.com/lugh-dev/lugh/internal/platform"
	"github.com/lugh-dev/lugh/internal/pool/coordinator"
	ws "github.com/lugh-dev/lugh/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: validate origin once the gateway is exposed beyond localhost
		return true
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and handles messages
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check handler
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "lugh",
		})
	})
}

// StatusProvider serves pool.status requests. Satisfied by
// *coordinator.Coordinator.
type StatusProvider interface {
	Status(ctx context.Context) (*coordinator.Status, error)
}

// RegisterPoolStatusHandler registers the pool.status handler
func RegisterPoolStatusHandler(d *ws.Dispatcher, pool StatusProvider) {
	d.RegisterFunc(ws.ActionPoolStatus, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		status, err := pool.Status(ctx)
		if err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		}
		return ws.NewResponse(msg.ID, msg.Action, status)
	})
}

// MessageSink runs one inbound conversation message through the pipeline.
// Satisfied by *orchestrator.Orchestrator.
type MessageSink interface {
	HandleMessage(ctx context.Context, adapter platform.Adapter, msg orchestrator.Message)
}

// conversationSendRequest is the conversation.send payload.
type conversationSendRequest struct {
	ConversationID       string `json:"conversation_id"`
	ParentConversationID string `json:"parent_conversation_id,omitempty"`
	Text                 string `json:"text"`
}

// RegisterConversationSendHandler registers the conversation.send handler.
// An accepted message is acknowledged immediately and runs on its own
// goroutine; replies reach clients through the conversation reply subjects,
// so the run survives the sending connection.
func RegisterConversationSendHandler(d *ws.Dispatcher, sink MessageSink, adapter platform.Adapter, log *logger.Logger) {
	handlerLog := log.WithFields(zap.String("component", "ws_conversation_send"))
	d.RegisterFunc(ws.ActionConversationSend, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var req conversationSendRequest
		if err := msg.ParsePayload(&req); err != nil {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload", nil)
		}
		if req.ConversationID == "" || strings.TrimSpace(req.Text) == "" {
			return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "conversation_id and text are required", nil)
		}

		handlerLog.Debug("conversation message accepted",
			zap.String("conversation_id", req.ConversationID))
		go sink.HandleMessage(context.Background(), adapter, orchestrator.Message{
			ConversationID:       req.ConversationID,
			ParentConversationID: req.ParentConversationID,
			Text:                 req.Text,
		})

		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"accepted":        true,
			"conversation_id": req.ConversationID,
		})
	})
}
