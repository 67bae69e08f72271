// Package main runs the watch-party HTTP server with the realtime hub and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/watchparty/backend/config"
	"github.com/watchparty/backend/internal/auth"
	"github.com/watchparty/backend/internal/messages"
	"github.com/watchparty/backend/internal/middleware"
	"github.com/watchparty/backend/internal/models"
	"github.com/watchparty/backend/internal/parties"
	"github.com/watchparty/backend/internal/profiles"
	"github.com/watchparty/backend/internal/realtime"
	"github.com/watchparty/backend/pkg/database"
	"github.com/watchparty/backend/pkg/redis"
	"github.com/watchparty/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	partyRepo := parties.NewRepository(pool)
	messageRepo := messages.NewRepository(pool)
	profileRepo := profiles.NewRepository(pool)

	hubOpts := realtime.HubOptions{
		PresenceTTL: cfg.Realtime.PresenceTTL,
		Authorize: func(ctx context.Context, partyID uuid.UUID) error {
			err := partyRepo.Exists(ctx, partyID)
			if errors.Is(err, parties.ErrNotFound) {
				return realtime.ErrPartyNotFound
			}
			return err
		},
	}
	// Without Redis the hub runs single-instance with in-memory presence.
	if cfg.Redis.Addr != "" {
		rdb, err := redis.NewClient(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
		hubOpts.Publisher = pubsub
		hubOpts.Subscriber = pubsub
		hubOpts.Presence = realtime.NewRedisPresence(rdb.Client, cfg.Realtime.PresenceTTL, logger)
	} else {
		logger.Warn("REDIS_ADDR empty, realtime hub is single-instance")
	}
	hub := realtime.NewHub(logger, hubOpts)

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	recorder := profiles.NewRecorder(profileRepo, logger)
	validate := func(token string) (models.Identity, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return models.Identity{}, err
		}
		id := claims.Identity()
		recorder.Remember(context.Background(), id)
		return id, nil
	}

	partyHandler := parties.NewHandler(partyRepo, hub, hub, logger)
	messageHandler := messages.NewHandler(messageRepo, hub, hub, logger)
	profileHandler := profiles.NewHandler(profileRepo)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// API: the bearer token is optional; guests may read, chat and watch.
	api := router.Group("")
	api.Use(middleware.Identity(jwtService, recorder))
	{
		// Parties
		api.POST("/parties", middleware.RequireIdentity(), partyHandler.Create)
		api.GET("/parties/:id", partyHandler.Get)
		api.PATCH("/parties/:id/playback", middleware.RequireIdentity(), partyHandler.UpdatePlayback)
		api.DELETE("/parties/:id", middleware.RequireIdentity(), partyHandler.End)
		api.GET("/parties/:id/audience", partyHandler.Audience)

		// Chat
		api.GET("/parties/:id/messages", messageHandler.List)
		api.POST("/parties/:id/messages", messageHandler.Send)

		// Author labels
		api.GET("/profiles", profileHandler.List)
	}

	// WebSocket (optional token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(hub, logger, validate, cfg.Realtime.SendBuffer))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go hub.Run(ctx, cfg.Realtime.PresenceSyncInterval)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
