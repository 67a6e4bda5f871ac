package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/franzego/guardwire/internal/models"
	"github.com/franzego/guardwire/internal/queue"
	"github.com/franzego/guardwire/pkg/circuitbreaker"
)

// Channel is one delivery medium. Attempt must not panic and returns false
// when the underlying provider is unset or the attempt fails.
type Channel interface {
	Name() models.ChannelName
	Attempt(ctx context.Context, req *models.NotificationRequest) bool
}

// Broadcaster is the slice of the connection registry the transport
// channel uses.
type Broadcaster interface {
	SendToUser(userID string, env *models.Envelope) int
	BroadcastToTopic(topic string, env *models.Envelope, excludeConnID string) int
}

// TransportChannel delivers over live websocket connections: direct
// fan-out to the guardian's connections, falling back to the guardian's
// personal topic when no direct send lands. The fallback catches
// watchers subscribed to the topic under a different user id without
// double-delivering to the guardian's own devices.
type TransportChannel struct {
	registry Broadcaster
}

func NewTransportChannel(registry Broadcaster) *TransportChannel {
	return &TransportChannel{registry: registry}
}

func (c *TransportChannel) Name() models.ChannelName { return models.ChannelWebSocket }

func (c *TransportChannel) Attempt(_ context.Context, req *models.NotificationRequest) bool {
	env := models.NewEnvelope(models.MessageTypeNotification, map[string]any{
		"request_id": req.RequestID,
		"alert_type": req.AlertType,
		"severity":   req.Severity,
		"title":      req.Title,
		"message":    req.Message,
		"child_id":   req.ChildID,
		"payload":    req.Payload,
	})
	env.RecipientID = req.GuardianID
	env.CorrelationID = req.CorrelationID

	sent := c.registry.SendToUser(req.GuardianID, env)
	if sent == 0 {
		sent = c.registry.BroadcastToTopic("guardian:"+req.GuardianID, env, "")
	}
	return sent > 0
}

// DeliveryJob is the message a queue-backed channel hands to its worker.
type DeliveryJob struct {
	RequestID     string         `json:"request_id"`
	Channel       string         `json:"channel"`
	GuardianID    string         `json:"guardian_id"`
	ChildID       string         `json:"child_id,omitempty"`
	AlertType     string         `json:"alert_type"`
	Severity      string         `json:"severity"`
	Title         string         `json:"title"`
	Message       string         `json:"message"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// QueueChannel publishes delivery jobs to a per-medium broker queue
// (push, email, sms). The downstream worker resolves provider-specific
// lookups like the guardian's email address. Publishes go through a
// circuit breaker so a dead broker fails fast instead of piling up.
type QueueChannel struct {
	name       models.ChannelName
	routingKey string
	pub        queue.Publisher
	cb         *gobreaker.CircuitBreaker
	log        *zap.Logger
}

func NewQueueChannel(name models.ChannelName, routingKey string, pub queue.Publisher, log *zap.Logger) *QueueChannel {
	return &QueueChannel{
		name:       name,
		routingKey: routingKey,
		pub:        pub,
		cb:         circuitbreaker.NewCircuitBreaker(string(name) + "-channel"),
		log:        log,
	}
}

func (c *QueueChannel) Name() models.ChannelName { return c.name }

func (c *QueueChannel) Attempt(ctx context.Context, req *models.NotificationRequest) bool {
	if c.pub == nil || !c.pub.IsConnected() {
		return false
	}
	job := DeliveryJob{
		RequestID:     req.RequestID,
		Channel:       string(c.name),
		GuardianID:    req.GuardianID,
		ChildID:       req.ChildID,
		AlertType:     string(req.AlertType),
		Severity:      string(req.Severity),
		Title:         req.Title,
		Message:       req.Message,
		Payload:       req.Payload,
		Timestamp:     time.Now().UTC(),
		CorrelationID: req.CorrelationID,
	}
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.pub.Publish(ctx, c.routingKey, job)
	})
	if err != nil {
		c.log.Warn("channel publish failed",
			zap.String("channel", string(c.name)),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		return false
	}
	return true
}

// attemptSafely shields the orchestrator from a misbehaving channel: a
// panic is recorded as a failed attempt, never propagated.
func attemptSafely(ctx context.Context, ch Channel, req *models.NotificationRequest) (ok bool, errText string) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			errText = fmt.Sprintf("channel panic: %v", r)
		}
	}()
	if ok = ch.Attempt(ctx, req); !ok {
		errText = "channel attempt failed"
	}
	return ok, errText
}
