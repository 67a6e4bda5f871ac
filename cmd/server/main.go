package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/franzego/guardwire/internal/auth"
	"github.com/franzego/guardwire/internal/config"
	"github.com/franzego/guardwire/internal/handlers"
	"github.com/franzego/guardwire/internal/middleware"
	"github.com/franzego/guardwire/internal/models"
	"github.com/franzego/guardwire/internal/notify"
	"github.com/franzego/guardwire/internal/queue"
	"github.com/franzego/guardwire/internal/subscription"
	"github.com/franzego/guardwire/internal/ws"
	redisinit "github.com/franzego/guardwire/pkg/redis"
)

func isValidRabbitMQURL(url string) bool {
	if url == "" {
		return false
	}
	return strings.HasPrefix(url, "amqp://") || strings.HasPrefix(url, "amqps://")
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("Failed to build logger", err)
	}
	defer logger.Sync()

	if cfg.MockServices {
		logger.Info("running in mock mode, external services simulated")
	}

	redisClient, err := redisinit.InitRedis(cfg.Redis)
	if err != nil {
		logger.Warn("redis unavailable, mirroring disabled", zap.Error(err))
		redisClient = nil
	}

	var rabbitClient *queue.RabbitMqClient
	if isValidRabbitMQURL(cfg.RabbitMQ.URL) && !cfg.MockServices {
		rabbitClient, err = queue.NewRabbitMqService(cfg.RabbitMQ)
		if err != nil {
			logger.Warn("rabbitmq unavailable, fallback channels disabled", zap.Error(err))
			rabbitClient = nil
		} else {
			if err := rabbitClient.SetUpExchangeAndQueue(); err != nil {
				logger.Fatal("failed to declare rabbitmq topology", zap.Error(err))
			}
			defer rabbitClient.CloseConnection()
		}
	} else {
		logger.Info("no rabbitmq url configured, fallback channels disabled")
	}

	// queue.Publisher is an interface; a typed nil pointer would defeat
	// the nil checks inside the channels.
	var publisher queue.Publisher
	if rabbitClient != nil {
		publisher = rabbitClient
	}

	registry := ws.NewRegistry(cfg.WebSocket, logger)
	subs := subscription.NewTable(redisClient, logger)
	classifier := notify.NewClassifier(cfg.Notification.CriticalPatterns)

	channels := []notify.Channel{
		notify.NewTransportChannel(registry),
		notify.NewQueueChannel(models.ChannelPush, cfg.RabbitMQ.PushQueue, publisher, logger),
		notify.NewQueueChannel(models.ChannelEmail, cfg.RabbitMQ.EmailQueue, publisher, logger),
		notify.NewQueueChannel(models.ChannelSMS, cfg.RabbitMQ.SMSQueue, publisher, logger),
	}
	orchestrator := notify.NewOrchestrator(cfg.Notification, classifier, subs, channels, redisClient, logger)
	if publisher != nil {
		orchestrator.WithDeadLetter(publisher, cfg.RabbitMQ.FailedQueue)
	}

	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)
	wsHandler := handlers.NewWSHandler(registry, subs, verifier, cfg.WebSocket.MaxMessageBytes, logger)
	alertHandler := handlers.NewAlertHandler(orchestrator, subs, logger)
	healthHandler := handlers.NewHealthHandler(registry, orchestrator, redisClient, publisher)

	bgCtx, cancelBg := context.WithCancel(context.Background())
	go registry.Run(bgCtx)
	go orchestrator.Run(bgCtx)

	r := gin.Default()
	r.Use(middleware.CorrelationID())

	r.GET("/ws/guardians/:guardianId", wsHandler.HandleGuardianSocket)

	api := r.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(verifier))
	{
		api.POST("/alerts/safety", alertHandler.SendSafetyAlert)
		api.POST("/alerts/behavior", alertHandler.SendBehaviorAlert)
		api.POST("/alerts/usage-limit", alertHandler.SendUsageLimitAlert)
		api.POST("/alerts/emergency", alertHandler.SendEmergencyAlert)
		api.GET("/alerts/:id", alertHandler.GetDeliveryResult)
		api.PUT("/guardians/:guardianId/preferences", alertHandler.SetPreferences)
		api.POST("/guardians/:guardianId/children", alertHandler.MapChild)
	}

	r.GET("/health", healthHandler.HealthCheck)
	r.GET("/metrics", healthHandler.Metrics)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		// Drain order: close connections first so in-flight transport
		// attempts fail fast, then cancel the background loops.
		registry.Shutdown()
		cancelBg()
		srv.Close()
	}()

	logger.Info("server starting", zap.String("port", cfg.Server.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
