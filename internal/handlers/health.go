package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/franzego/guardwire/internal/notify"
	"github.com/franzego/guardwire/internal/queue"
	"github.com/franzego/guardwire/internal/ws"
)

type HealthHandler struct {
	registry *ws.Registry
	orch     *notify.Orchestrator
	redis    *redis.Client
	queue    queue.Publisher
}

func NewHealthHandler(registry *ws.Registry, orch *notify.Orchestrator, redisClient *redis.Client, queueClient queue.Publisher) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		orch:     orch,
		redis:    redisClient,
		queue:    queueClient,
	}
}

// HealthCheck reports unhealthy when the registry or orchestrator
// background loops have stopped ticking, degraded when an optional
// collaborator (redis, rabbitmq) is down.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)

	if h.registry.Healthy() {
		checks["connection_registry"] = "healthy"
	} else {
		checks["connection_registry"] = "unhealthy"
	}

	if h.orch.Healthy() {
		checks["orchestrator"] = "healthy"
	} else {
		checks["orchestrator"] = "unhealthy"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx).Err(); err == nil {
			checks["redis"] = "healthy"
		} else {
			checks["redis"] = "degraded"
		}
	} else {
		checks["redis"] = "degraded"
	}

	if h.queue != nil && h.queue.IsConnected() {
		checks["rabbitmq"] = "healthy"
	} else {
		checks["rabbitmq"] = "degraded"
	}

	// Determine overall status
	overallStatus := "healthy"
	for _, status := range checks {
		if status == "unhealthy" {
			overallStatus = "unhealthy"
			break
		} else if status == "degraded" {
			overallStatus = "degraded"
		}
	}

	statusCode := http.StatusOK
	if overallStatus == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    overallStatus,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
		"version":   "1.0.0",
	})
}

// Metrics exposes the registry counter snapshot plus the orchestrator's
// active request count.
func (h *HealthHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"websocket":       h.registry.Metrics(),
		"active_requests": h.orch.ActiveCount(),
	})
}
