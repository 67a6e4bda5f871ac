package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/franzego/guardwire/internal/auth"
	"github.com/franzego/guardwire/internal/models"
	"github.com/franzego/guardwire/internal/subscription"
	"github.com/franzego/guardwire/internal/ws"
)

const (
	// Every guardian socket joins its personal topic and the global
	// emergency broadcast topic on connect.
	emergencyTopic = "system:emergency"

	guardianUserType = "guardian"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSHandler owns the guardian websocket endpoint: handshake, credential
// verification, registration and the read loop.
type WSHandler struct {
	registry        *ws.Registry
	subs            *subscription.Table
	verifier        auth.Verifier
	maxMessageBytes int
	log             *zap.Logger
}

func NewWSHandler(registry *ws.Registry, subs *subscription.Table, verifier auth.Verifier, maxMessageBytes int, log *zap.Logger) *WSHandler {
	h := &WSHandler{
		registry:        registry,
		subs:            subs,
		verifier:        verifier,
		maxMessageBytes: maxMessageBytes,
		log:             log,
	}
	registry.RegisterHandler(models.MessageTypeSystem, h.handleSystemMessage)
	return h
}

// HandleGuardianSocket upgrades HTTP -> WebSocket, verifies the bearer
// credential and hands the session to the registry. Failed verification
// closes the socket with the unauthenticated code rather than an HTTP
// error, so clients see a distinguished close reason.
func (h *WSHandler) HandleGuardianSocket(c *gin.Context) {
	guardianID := c.Param("guardianId")
	token := bearerToken(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	principal, err := h.verifier.Verify(token)
	if err != nil || principal.UserID != guardianID || principal.UserType != guardianUserType {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(ws.CloseUnauthenticated, "unauthenticated"), deadline)
		_ = conn.Close()
		h.log.Warn("websocket handshake rejected",
			zap.String("guardian_id", guardianID))
		return
	}

	sessionID := c.Query("session_id")
	metadata := map[string]string{
		"remote_addr": c.ClientIP(),
		"user_agent":  c.Request.UserAgent(),
	}
	connID, err := h.registry.Connect(conn, guardianID, sessionID, metadata)
	if err != nil {
		// Registry already closed the transport with its own code.
		return
	}
	h.registry.Subscribe(connID, "guardian:"+guardianID)
	h.registry.Subscribe(connID, emergencyTopic)

	conn.SetReadLimit(int64(h.maxMessageBytes))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.registry.HandleInbound(connID, raw)
	}
	h.registry.Disconnect(connID, "peer closed")
}

// handleSystemMessage is the dispatch-table entry for client system
// messages: subscribe_alerts, map_child, get_metrics and plain ping.
func (h *WSHandler) handleSystemMessage(connID string, env *models.Envelope) {
	conn, ok := h.registry.ConnectionInfo(connID)
	if !ok {
		return
	}
	ctx := context.Background()
	action, _ := env.Data["action"].(string)

	switch action {
	case "ping":
		pong := models.NewEnvelope(models.MessageTypeSystem, map[string]any{"event": "pong"})
		pong.CorrelationID = env.MessageID
		h.registry.Reply(connID, pong)

	case "subscribe_alerts":
		raw, _ := env.Data["alert_types"].([]any)
		alertTypes := make([]models.AlertType, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				alertTypes = append(alertTypes, models.AlertType(s))
			}
		}
		h.subs.SetPreferences(ctx, conn.UserID, alertTypes)
		ack := models.NewEnvelope(models.MessageTypeSystem, map[string]any{
			"event":       "subscription_updated",
			"alert_types": alertTypes,
		})
		ack.CorrelationID = env.MessageID
		h.registry.Reply(connID, ack)

	case "map_child":
		childID, _ := env.Data["child_id"].(string)
		if childID == "" {
			h.replyError(connID, "invalid_map_child", "missing child_id", env.MessageID)
			return
		}
		h.subs.MapChild(ctx, childID, conn.UserID)
		ack := models.NewEnvelope(models.MessageTypeSystem, map[string]any{
			"event":    "child_mapped",
			"child_id": childID,
		})
		ack.CorrelationID = env.MessageID
		h.registry.Reply(connID, ack)

	case "get_metrics":
		snap := models.NewEnvelope(models.MessageTypeSystem, map[string]any{
			"event":   "metrics",
			"metrics": h.registry.Metrics(),
		})
		snap.CorrelationID = env.MessageID
		h.registry.Reply(connID, snap)

	default:
		h.replyError(connID, "unknown_action", action, env.MessageID)
	}
}

func (h *WSHandler) replyError(connID, code, detail, correlationID string) {
	env := models.NewEnvelope(models.MessageTypeError, map[string]any{
		"code":   code,
		"detail": detail,
	})
	env.CorrelationID = correlationID
	h.registry.Reply(connID, env)
}

// bearerToken accepts the credential either as an Authorization header or
// a token query parameter.
func bearerToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	return c.Query("token")
}
