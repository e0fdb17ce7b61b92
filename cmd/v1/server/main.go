package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drawsync/backend/internal/v1/auth"
	"github.com/drawsync/backend/internal/v1/bus"
	"github.com/drawsync/backend/internal/v1/config"
	"github.com/drawsync/backend/internal/v1/health"
	"github.com/drawsync/backend/internal/v1/logging"
	"github.com/drawsync/backend/internal/v1/middleware"
	"github.com/drawsync/backend/internal/v1/ratelimit"
	"github.com/drawsync/backend/internal/v1/room"
	"github.com/drawsync/backend/internal/v1/session"
	"github.com/drawsync/backend/internal/v1/store"
)

func main() {
	envPaths := []string{".env", "../../../.env", "../../.env"}
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		panic(err)
	}
	ctx := context.Background()

	var validator session.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "authentication disabled: do not run this configuration in production")
		validator = &auth.MockValidator{}
	} else {
		validator = auth.NewValidator(cfg.JWTSecret, cfg.JWTIssuer)
	}

	st := store.New(cfg.DataDir)
	roomsManager := room.NewManager(st)

	var cursorBus *bus.Service
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		cursorBus, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect cursor bus", zap.Error(err))
		}
		redisClient = cursorBus.Client()
		defer cursorBus.Close()
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to construct rate limiter", zap.Error(err))
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	dispatcher := session.NewDispatcher(roomsManager, cursorBus, limiter)
	hub := session.NewHub(validator, dispatcher, limiter, allowedOrigins)
	healthHandler := health.NewHandler(cursorBus, st)

	if cfg.DevelopmentMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/ws", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	roomsManager.Shutdown()
	logging.Info(ctx, "server exiting")
}
