package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/franzego/guardwire/internal/config"
	"github.com/franzego/guardwire/internal/models"
)

// Close codes sent on handshake rejection and teardown.
const (
	CloseUnauthenticated = 4001
	CloseLimitExceeded   = 4029
)

var ErrConnectionLimit = errors.New("connection limit exceeded for user")

// InboundHandler processes an application-level envelope for a connection.
type InboundHandler func(connID string, env *models.Envelope)

// Registry owns every live connection and the user/topic indexes over them.
// All index mutation is funneled through registry methods; each mutation
// happens inside a single lock acquisition so no caller ever observes a
// half-updated index.
type Registry struct {
	cfg config.WebSocketConfig
	log *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*Connection
	users  map[string]map[string]*Connection
	topics map[string]map[string]*Connection

	handlerMu sync.RWMutex
	handlers  map[models.MessageType]InboundHandler

	totalConnections   atomic.Int64
	messagesSent       atomic.Int64
	messagesReceived   atomic.Int64
	messagesFailed     atomic.Int64
	connectionsDropped atomic.Int64
	rateLimitHits      atomic.Int64
	processingMicros   atomic.Int64
	processedCount     atomic.Int64

	lastHeartbeatTick atomic.Int64
	lastReapTick      atomic.Int64
}

// MetricsSnapshot is the read-only counter view exposed over /metrics and
// the get_metrics socket message.
type MetricsSnapshot struct {
	TotalConnections    int64   `json:"total_connections"`
	ActiveConnections   int     `json:"active_connections"`
	MessagesSent        int64   `json:"messages_sent"`
	MessagesReceived    int64   `json:"messages_received"`
	MessagesFailed      int64   `json:"messages_failed"`
	ConnectionsDropped  int64   `json:"connections_dropped"`
	RateLimitHits       int64   `json:"rate_limit_hits"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
	ActiveTopics        int     `json:"active_topics"`
	TotalSubscriptions  int     `json:"total_subscriptions"`
}

func NewRegistry(cfg config.WebSocketConfig, log *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		log:      log,
		conns:    make(map[string]*Connection),
		users:    make(map[string]map[string]*Connection),
		topics:   make(map[string]map[string]*Connection),
		handlers: make(map[models.MessageType]InboundHandler),
	}
}

// RegisterHandler installs the dispatch-table entry for one message type.
// Heartbeat, subscribe and unsubscribe are handled internally and cannot
// be overridden.
func (r *Registry) RegisterHandler(t models.MessageType, h InboundHandler) {
	r.handlerMu.Lock()
	r.handlers[t] = h
	r.handlerMu.Unlock()
}

// Connect registers a new transport session. When the user is already at
// the per-user cap the transport is closed with CloseLimitExceeded and no
// connection is created. On success a "connected" system envelope carrying
// the new connection id is pushed before returning.
func (r *Registry) Connect(t Transport, userID, sessionID string, metadata map[string]string) (string, error) {
	now := time.Now().UTC()
	conn := &Connection{
		ID:             uuid.New().String(),
		UserID:         userID,
		SessionID:      sessionID,
		Status:         StatusConnected,
		ConnectedAt:    now,
		LastActivityAt: now,
		Topics:         make(map[string]struct{}),
		Metadata:       metadata,
		transport:      t,
		rate:           newRateWindow(r.cfg.RateLimitPerMinute),
	}

	r.mu.Lock()
	if userID != "" && r.cfg.MaxConnectionsPerUser > 0 &&
		len(r.users[userID]) >= r.cfg.MaxConnectionsPerUser {
		r.mu.Unlock()
		closeTransport(t, CloseLimitExceeded, "connection limit exceeded")
		r.log.Warn("connection rejected: user at cap",
			zap.String("user_id", userID),
			zap.Int("cap", r.cfg.MaxConnectionsPerUser))
		return "", ErrConnectionLimit
	}
	r.conns[conn.ID] = conn
	if userID != "" {
		if _, ok := r.users[userID]; !ok {
			r.users[userID] = make(map[string]*Connection)
		}
		r.users[userID][conn.ID] = conn
	}
	r.mu.Unlock()
	r.totalConnections.Add(1)

	welcome := models.NewEnvelope(models.MessageTypeSystem, map[string]any{
		"event":         "connected",
		"connection_id": conn.ID,
	})
	welcome.RecipientID = userID
	if !r.sendDirect(conn, welcome) {
		r.Disconnect(conn.ID, "welcome write failed")
		return "", errors.New("transport write failed during connect")
	}

	r.log.Info("connection registered",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", userID))
	return conn.ID, nil
}

// Disconnect removes a connection from every index and closes its
// transport. Idempotent: unknown ids are a no-op, and a transport already
// closed by the peer never causes an error to surface.
func (r *Registry) Disconnect(connID, reason string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn.Status = StatusDisconnected
	delete(r.conns, connID)
	if conn.UserID != "" {
		if set, ok := r.users[conn.UserID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.users, conn.UserID)
			}
		}
	}
	for topic := range conn.Topics {
		if set, ok := r.topics[topic]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.topics, topic)
			}
		}
	}
	r.mu.Unlock()

	// Best effort: the peer may already be gone.
	closeTransport(conn.transport, websocket.CloseNormalClosure, reason)
	r.connectionsDropped.Add(1)
	r.log.Info("connection dropped",
		zap.String("connection_id", connID),
		zap.String("reason", reason))
}

// Send pushes one envelope to one connection. Returns false when the
// connection is unknown or not connected, the rate budget is exhausted,
// the serialized envelope exceeds the size ceiling, or the write fails.
// A write failure tears the connection down: transport death, not a
// transient error.
func (r *Registry) Send(connID string, env *models.Envelope) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	// Status is written under the write lock, so it must be read here.
	connected := ok && conn.Status == StatusConnected
	r.mu.RUnlock()
	if !connected {
		r.messagesFailed.Add(1)
		return false
	}
	if !conn.rate.Allow(time.Now()) {
		r.rateLimitHits.Add(1)
		return false
	}
	by, err := EncodeEnvelope(env)
	if err != nil {
		r.messagesFailed.Add(1)
		return false
	}
	if r.cfg.MaxMessageBytes > 0 && len(by) > r.cfg.MaxMessageBytes {
		r.messagesFailed.Add(1)
		r.log.Warn("envelope exceeds size ceiling",
			zap.String("connection_id", connID),
			zap.Int("size", len(by)))
		return false
	}
	return r.write(conn, by)
}

// Reply pushes an envelope to a connection without consuming its rate
// budget. Meant for responses to inbound messages, which are already
// bounded by the inbound budget.
func (r *Registry) Reply(connID string, env *models.Envelope) bool {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	connected := ok && conn.Status == StatusConnected
	r.mu.RUnlock()
	if !connected {
		return false
	}
	return r.sendDirect(conn, env)
}

// sendDirect bypasses the rate budget for registry-originated control
// traffic (welcome push, heartbeat pings, error replies, pongs).
func (r *Registry) sendDirect(conn *Connection, env *models.Envelope) bool {
	by, err := EncodeEnvelope(env)
	if err != nil {
		r.messagesFailed.Add(1)
		return false
	}
	return r.write(conn, by)
}

func (r *Registry) write(conn *Connection, by []byte) bool {
	conn.writeMu.Lock()
	err := conn.transport.WriteMessage(websocket.TextMessage, by)
	conn.writeMu.Unlock()
	if err != nil {
		r.messagesFailed.Add(1)
		r.Disconnect(conn.ID, "write failure")
		return false
	}
	r.messagesSent.Add(1)
	r.mu.Lock()
	conn.touch(time.Now().UTC())
	r.mu.Unlock()
	return true
}

// SendToUser fans out to every live connection owned by userID and returns
// the number of successful sends. Successes are never rolled back when a
// later send fails.
func (r *Registry) SendToUser(userID string, env *models.Envelope) int {
	r.mu.RLock()
	targets := make([]string, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		targets = append(targets, id)
	}
	r.mu.RUnlock()

	sent := 0
	for _, id := range targets {
		if r.Send(id, env) {
			sent++
		}
	}
	return sent
}

// BroadcastToTopic fans out to every subscriber of topic, optionally
// excluding one connection (usually the sender).
func (r *Registry) BroadcastToTopic(topic string, env *models.Envelope, excludeConnID string) int {
	r.mu.RLock()
	targets := make([]string, 0, len(r.topics[topic]))
	for id := range r.topics[topic] {
		if id != excludeConnID {
			targets = append(targets, id)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, id := range targets {
		if r.Send(id, env) {
			sent++
		}
	}
	return sent
}

// Subscribe joins a connection to a topic. Both the connection's topic set
// and the topic index mutate under one lock acquisition.
func (r *Registry) Subscribe(connID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return false
	}
	conn.Topics[topic] = struct{}{}
	if _, ok := r.topics[topic]; !ok {
		r.topics[topic] = make(map[string]*Connection)
	}
	r.topics[topic][connID] = conn
	return true
}

func (r *Registry) Unsubscribe(connID, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connID]
	if !ok {
		return false
	}
	delete(conn.Topics, topic)
	if set, ok := r.topics[topic]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.topics, topic)
		}
	}
	return true
}

// HandleInbound deserializes one raw frame from a connection and routes it.
// Malformed input gets a typed error envelope back and nothing else; the
// connection stays open.
func (r *Registry) HandleInbound(connID string, raw []byte) {
	start := time.Now()
	r.messagesReceived.Add(1)
	defer func() {
		r.processingMicros.Add(time.Since(start).Microseconds())
		r.processedCount.Add(1)
	}()

	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	if !conn.rate.Allow(start) {
		r.rateLimitHits.Add(1)
		r.sendDirect(conn, errorEnvelope("rate_limited", "per-minute message budget exhausted", ""))
		return
	}

	env, err := DecodeEnvelope(raw)
	if err != nil {
		r.sendDirect(conn, errorEnvelope("malformed_message", err.Error(), ""))
		return
	}

	r.mu.Lock()
	conn.touch(time.Now().UTC())
	r.mu.Unlock()

	switch env.Type {
	case models.MessageTypeHeartbeat:
		pong := models.NewEnvelope(models.MessageTypeHeartbeat, map[string]any{"action": "pong"})
		pong.CorrelationID = env.MessageID
		r.sendDirect(conn, pong)
	case models.MessageTypeSubscribe:
		topic, _ := env.Data["topic"].(string)
		if topic == "" {
			r.sendDirect(conn, errorEnvelope("invalid_subscribe", "missing topic", env.MessageID))
			return
		}
		r.Subscribe(connID, topic)
		ack := models.NewEnvelope(models.MessageTypeSystem, map[string]any{
			"event": "subscribed",
			"topic": topic,
		})
		ack.CorrelationID = env.MessageID
		r.sendDirect(conn, ack)
	case models.MessageTypeUnsubscribe:
		topic, _ := env.Data["topic"].(string)
		if topic == "" {
			r.sendDirect(conn, errorEnvelope("invalid_unsubscribe", "missing topic", env.MessageID))
			return
		}
		r.Unsubscribe(connID, topic)
		ack := models.NewEnvelope(models.MessageTypeSystem, map[string]any{
			"event": "unsubscribed",
			"topic": topic,
		})
		ack.CorrelationID = env.MessageID
		r.sendDirect(conn, ack)
	default:
		r.handlerMu.RLock()
		h, ok := r.handlers[env.Type]
		r.handlerMu.RUnlock()
		if !ok {
			r.sendDirect(conn, errorEnvelope("unsupported_type", string(env.Type), env.MessageID))
			return
		}
		h(connID, env)
	}
}

// ConnectionView is a read-only snapshot of a connection's public state.
type ConnectionView struct {
	ID             string
	UserID         string
	SessionID      string
	Status         ConnectionStatus
	ConnectedAt    time.Time
	LastActivityAt time.Time
	Topics         []string
	Metadata       map[string]string
}

// ConnectionInfo returns a snapshot of a connection's public state.
func (r *Registry) ConnectionInfo(connID string) (ConnectionView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return ConnectionView{}, false
	}
	topics := make([]string, 0, len(conn.Topics))
	for t := range conn.Topics {
		topics = append(topics, t)
	}
	return ConnectionView{
		ID:             conn.ID,
		UserID:         conn.UserID,
		SessionID:      conn.SessionID,
		Status:         conn.Status,
		ConnectedAt:    conn.ConnectedAt,
		LastActivityAt: conn.LastActivityAt,
		Topics:         topics,
		Metadata:       conn.Metadata,
	}, true
}

// UserConnectionCount reports live connections owned by a user.
func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Run drives the heartbeat and idle-reap sweeps until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	reap := time.NewTicker(r.cfg.ReapInterval)
	defer heartbeat.Stop()
	defer reap.Stop()

	r.lastHeartbeatTick.Store(time.Now().UnixNano())
	r.lastReapTick.Store(time.Now().UnixNano())

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			r.lastHeartbeatTick.Store(time.Now().UnixNano())
			r.pingAll()
		case <-reap.C:
			r.lastReapTick.Store(time.Now().UnixNano())
			r.reapIdle()
		}
	}
}

// pingAll emits a heartbeat envelope to every connection. Pongs come back
// through HandleInbound; nothing blocks waiting for them.
func (r *Registry) pingAll() {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	ping := models.NewEnvelope(models.MessageTypeHeartbeat, map[string]any{"action": "ping"})
	for _, c := range targets {
		r.sendDirect(c, ping)
	}
}

func (r *Registry) reapIdle() {
	cutoff := time.Now().UTC().Add(-r.cfg.IdleTimeout)
	r.mu.RLock()
	var idle []string
	for id, c := range r.conns {
		if c.LastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range idle {
		r.Disconnect(id, "idle timeout")
	}
}

// Healthy reports whether the background sweeps have ticked recently.
func (r *Registry) Healthy() bool {
	now := time.Now().UnixNano()
	hb := r.lastHeartbeatTick.Load()
	rp := r.lastReapTick.Load()
	if hb == 0 || rp == 0 {
		return false
	}
	return now-hb < 3*int64(r.cfg.HeartbeatInterval) &&
		now-rp < 3*int64(r.cfg.ReapInterval)
}

// Shutdown drains by closing every connection. Callers cancel the Run
// context after this returns, so in-flight transport sends fail fast
// before the timers stop.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Disconnect(id, "server shutdown")
	}
}

// Metrics returns the current counter snapshot.
func (r *Registry) Metrics() MetricsSnapshot {
	r.mu.RLock()
	active := len(r.conns)
	activeTopics := len(r.topics)
	subs := 0
	for _, set := range r.topics {
		subs += len(set)
	}
	r.mu.RUnlock()

	var avgMs float64
	if n := r.processedCount.Load(); n > 0 {
		avgMs = float64(r.processingMicros.Load()) / float64(n) / 1000.0
	}
	return MetricsSnapshot{
		TotalConnections:    r.totalConnections.Load(),
		ActiveConnections:   active,
		MessagesSent:        r.messagesSent.Load(),
		MessagesReceived:    r.messagesReceived.Load(),
		MessagesFailed:      r.messagesFailed.Load(),
		ConnectionsDropped:  r.connectionsDropped.Load(),
		RateLimitHits:       r.rateLimitHits.Load(),
		AvgProcessingTimeMs: avgMs,
		ActiveTopics:        activeTopics,
		TotalSubscriptions:  subs,
	}
}

// closeTransport sends a close frame then closes; errors are ignored
// because the peer may already be gone.
func closeTransport(t Transport, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = t.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = t.Close()
}
