package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/relaymesh/relay-voice-engine/internal/cache"
	"github.com/relaymesh/relay-voice-engine/internal/config"
	"github.com/relaymesh/relay-voice-engine/internal/core/admission"
	"github.com/relaymesh/relay-voice-engine/internal/core/event"
	"github.com/relaymesh/relay-voice-engine/internal/core/model"
	"github.com/relaymesh/relay-voice-engine/internal/core/session"
	"github.com/relaymesh/relay-voice-engine/internal/core/task"
	"github.com/relaymesh/relay-voice-engine/internal/domain"
	"github.com/relaymesh/relay-voice-engine/internal/handler"
	"github.com/relaymesh/relay-voice-engine/internal/repository"
	"github.com/relaymesh/relay-voice-engine/internal/services/call"
	"github.com/relaymesh/relay-voice-engine/internal/storage"
	"github.com/relaymesh/relay-voice-engine/pkg/gcs"
	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"github.com/relaymesh/relay-voice-engine/pkg/pubsub"
	"github.com/relaymesh/relay-voice-engine/pkg/redis"
	"github.com/relaymesh/relay-voice-engine/pkg/telephony"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	cfg := config.Load()
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()[:8]
	}

	if _, err := logger.Init(cfg.Env); err != nil {
		logger.Base().Error("Failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Base().Info("Starting voice engine",
		zap.String("instance_id", cfg.InstanceID),
		zap.Int("max_concurrent_calls", cfg.MaxConcurrentCalls))

	// The admission counter lives here; without it no call can be verified
	// against the ceiling, so an unreachable store at startup is fatal.
	redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Base().Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisSvc.Close()

	repos, err := repository.NewRepositoryManager()
	if err != nil {
		logger.Base().Fatal("Failed to connect to database", zap.Error(err))
	}
	defer repos.Close()

	tenants := cache.NewTenantCache()
	tenants.StartRefreshLoop(5*time.Minute, func(ctx context.Context) ([]*domain.VoiceTenant, error) {
		return repos.VoiceTenant().GetAll(ctx, true)
	})
	defer cache.ShutdownGlobal()

	eventBus := event.NewEventBus()
	for _, mw := range event.CreateDefaultMiddlewareChain() {
		eventBus.Use(mw)
	}
	defer eventBus.Close()

	admissionCtrl := admission.NewController(
		redisSvc,
		cfg.MaxConcurrentCalls,
		cfg.SlotTTL,
		cfg.SlotRefreshEvery,
		cfg.ReconcileEvery,
		eventBus,
	)

	sessionMgr := session.NewManager(redisSvc, cfg.InstanceID)
	taskBus := task.NewRedisBus(redisSvc)
	adapters := model.NewAdapterRegistry()
	callControl := telephony.NewTwilioCallController(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioCallerID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var pubsubSvc *pubsub.PubSubService
	if cfg.PubSubProjectID != "" {
		pubsubSvc, err = pubsub.NewPubSubService(ctx, &pubsub.PubSubConfig{
			ProjectID: cfg.PubSubProjectID,
			TopicName: cfg.PubSubTopic,
			PubID:     cfg.PubSubPubID,
		})
		if err != nil {
			logger.Base().Warn("Pub/Sub unavailable, usage events disabled", zap.Error(err))
		}
	}

	var uploader storage.Uploader
	if cfg.RecordingEnabled && cfg.RecordingBucket != "" {
		gcsClient, err := gcs.NewGCSClient(ctx, cfg.RecordingBucket)
		if err != nil {
			logger.Base().Warn("GCS unavailable, recordings disabled", zap.Error(err))
		} else {
			uploader = gcsClient
		}
	}

	callService := call.NewCallService(
		cfg,
		repos,
		tenants,
		admissionCtrl,
		adapters,
		sessionMgr,
		taskBus,
		eventBus,
		pubsubSvc,
		callControl,
		uploader,
	)
	if err := callService.Start(ctx); err != nil {
		logger.Base().Fatal("Failed to start call service", zap.Error(err))
	}

	handlerManager := handler.NewManager(cfg, callService, admissionCtrl, sessionMgr, callControl, repos)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlerManager.SetupRoutes(),
		// No global read/write timeouts: the media stream socket lives for
		// the whole call. Individual handlers set their own deadlines.
		IdleTimeout: 75 * time.Second,
	}

	go func() {
		logger.Base().Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Base().Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Base().Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new work, then end live calls so their slots release
	// and their farewell state persists.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Base().Warn("HTTP server shutdown", zap.Error(err))
	}
	callService.Shutdown(shutdownCtx)
	cancel()

	logger.Base().Info("Voice engine stopped")
}
