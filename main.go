package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"conversation-service/internal/auth"
	"conversation-service/internal/cache"
	"conversation-service/internal/changefeed"
	"conversation-service/internal/config"
	"conversation-service/internal/db"
	"conversation-service/internal/directory"
	"conversation-service/internal/events"
	grpcclient "conversation-service/internal/grpc"
	"conversation-service/internal/handlers"
	"conversation-service/internal/logging"
	"conversation-service/internal/messaging"
	"conversation-service/internal/middleware"
	"conversation-service/internal/observability"
	"conversation-service/internal/realtime"
	"conversation-service/internal/repositories"
	"conversation-service/internal/storage"
	"conversation-service/internal/telemetry"
	"conversation-service/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Development, cfg.Service)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTel.Endpoint, cfg.Service, cfg.Environment)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	database, err := db.Connect(cfg.DB.DSN, logger)
	if err != nil {
		logger.Fatal("failed to connect to db", zap.Error(err))
	}
	defer database.Close()

	feed := changefeed.NewFeed(logger)
	source, err := changefeed.NewSource(cfg.DB.DSN, db.ChangeChannel, cfg.DB.ListenerMinReconnect, cfg.DB.ListenerMaxReconnect, feed, logger)
	if err != nil {
		logger.Fatal("failed to listen for changes", zap.Error(err))
	}
	defer source.Close()
	go source.Run(ctx)

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	var userRepo repositories.UserRepository = repositories.NewUserRepo(database)
	if cfg.Redis.Addr != "" {
		cli, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("redis unavailable, user lookups go to the database", zap.Error(err))
		} else {
			defer cli.Close()
			userRepo = cache.NewUserRepository(userRepo, cli, cfg.Redis.TTL, logger)
		}
	}

	publisher := newPublisher(cfg.Events, logger)
	defer publisher.Close()
	logger.Info("event publisher ready", zap.String("mode", events.PublisherMode(publisher)))
	audit := telemetry.NewAuditEmitter(publisher, cfg.Events.AuditKey, cfg.Service, cfg.Environment, logger)

	authenticator, closeAuth := newAuthenticator(cfg.Auth, logger)
	defer closeAuth()

	var blobs storage.BlobStore = storage.Disabled{}
	if cfg.S3.Bucket != "" {
		s3Store, err := storage.NewS3Store(ctx, cfg.S3, logger)
		if err != nil {
			logger.Fatal("failed to configure blob storage", zap.Error(err))
		}
		blobs = s3Store
	}

	svc := messaging.NewService(messaging.Deps{
		Conversations: conversationRepo,
		Messages:      messageRepo,
		Users:         userRepo,
		Blobs:         blobs,
		Publisher:     publisher,
		Authorizer:    auth.ContextAuthorizer{},
		Audit:         audit,
	}, messaging.Options{
		PageSize:      cfg.Messaging.PageSize,
		MaxPageSize:   cfg.Messaging.MaxPageSize,
		PreviewLength: cfg.Messaging.PreviewLength,
	}, logger)
	dir := directory.NewService(conversationRepo, userRepo, logger)

	hub := ws.NewHub(publisher, logger)
	sessionWS := ws.NewSessionHandler(hub, authenticator, func(userID int64) *realtime.Session {
		return realtime.NewSession(realtime.Config{
			UserID:    userID,
			Directory: dir,
			Accessor:  svc,
			Feed:      feed,
			PageSize:  cfg.Messaging.PageSize,
			Logger:    logger,
		})
	}, cfg.WS, logger)

	conversationHandler := handlers.NewConversationHandler(dir, svc, audit)
	messageHandler := handlers.NewMessageHandler(svc, audit, cfg.HTTP.MaxUploadBytes)

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Service))
	router.Use(handlers.RequestIDMiddleware())
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "subscriptions": feed.Len(), "sockets": hub.Len()})
	})
	router.GET("/ws", sessionWS.Handle)
	handlers.RegisterDiagnosticsRoutes(router, hub, feed.Len, audit, cfg.Development)

	api := router.Group("/", middleware.AuthMiddleware(authenticator))
	api.GET("/conversations", conversationHandler.ListConversations)
	api.POST("/conversations/direct", conversationHandler.StartDirect)
	api.POST("/conversations/team", conversationHandler.StartTeam)
	api.POST("/conversations/group", conversationHandler.CreateGroup)
	api.POST("/conversations/broadcast", conversationHandler.CreateBroadcast)
	api.GET("/conversations/:id/messages", messageHandler.GetMessages)
	api.POST("/conversations/:id/messages", messageHandler.PostMessage)
	api.POST("/conversations/:id/attachments", messageHandler.PostAttachment)
	api.POST("/conversations/:id/voice", messageHandler.PostVoice)
	api.POST("/conversations/:id/read", conversationHandler.MarkRead)
	api.POST("/conversations/:id/pin", conversationHandler.TogglePin)
	api.POST("/conversations/:id/mute", conversationHandler.ToggleMute)
	api.DELETE("/conversations/:id/membership", conversationHandler.Leave)
	api.PATCH("/messages/:message_id", messageHandler.EditMessage)
	api.DELETE("/messages/:message_id", messageHandler.DeleteMessage)

	server := &http.Server{Addr: ":" + cfg.HTTP.Port, Handler: router}
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	hub.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown failed", zap.Error(err))
	}
}

func newPublisher(cfg config.EventsConfig, logger *zap.Logger) events.Publisher {
	switch cfg.Backend {
	case "amqp":
		return events.NewAMQPPublisher(cfg.AMQPURL, cfg.Exchange, logger)
	case "kafka":
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	default:
		return events.NewNoop("events disabled", logger)
	}
}

func newAuthenticator(cfg config.AuthConfig, logger *zap.Logger) (auth.Authenticator, func()) {
	if cfg.Mode == "jwt" {
		authenticator, err := auth.NewJWTAuthenticator(cfg.JWTSecret)
		if err != nil {
			logger.Fatal("failed to configure jwt auth", zap.Error(err))
		}
		return authenticator, func() {}
	}

	conn, err := grpcclient.Dial(cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to connect to auth grpc", zap.Error(err))
	}
	return grpcclient.NewAuthClient(conn), func() { conn.Close() }
}
