package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"gotow/internal/config"
	handlers "gotow/internal/handlers/shared"
	"gotow/internal/middleware"
	"gotow/internal/repositories/interfaces"
	"gotow/internal/repositories/memory"
	"gotow/internal/repositories/mongodb"
	"gotow/internal/services"
	"gotow/pkg/cache"
	"gotow/pkg/database"
	"gotow/pkg/events"
	"gotow/pkg/logger"
	"gotow/pkg/maps"
	"gotow/pkg/push"
	"gotow/pkg/websocket"
	"gotow/routes"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	migrateDown := flag.Int("migrate-down", -1, "revert MongoDB migrations down to this version, then exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logger.NewLogger(&logger.Config{
		Level:      logger.LogLevel(cfg.App.LogLevel),
		Format:     cfg.App.LogFormat,
		Output:     "stdout",
		TimeFormat: time.RFC3339,
		AppName:    cfg.App.Name,
		Version:    cfg.App.Version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthChecks := map[string]handlers.Pinger{}

	// Storage
	var (
		requestRepo interfaces.RequestRepository
		driverRepo  interfaces.DriverRepository
		mongoDB     *database.MongoDB
	)
	switch cfg.Dispatch.StoreDriver {
	case config.StoreDriverMemory:
		if *migrateDown >= 0 {
			appLogger.Fatal("-migrate-down needs the MongoDB store")
		}
		appLogger.Warn("Using in-memory store; state is lost on restart")
		requestRepo = memory.NewRequestRepository()
		driverRepo = memory.NewDriverRepository()
	default:
		mongoDB, err = database.NewMongoDB(&database.DatabaseConfig{
			URI:            cfg.Database.URI,
			Database:       cfg.Database.Database,
			MaxPoolSize:    cfg.Database.MaxPoolSize,
			MinPoolSize:    cfg.Database.MinPoolSize,
			ConnectTimeout: cfg.Database.ConnectTimeout,
			SocketTimeout:  cfg.Database.SocketTimeout,
		})
		if err != nil {
			appLogger.WithError(err).Fatal("Failed to connect to MongoDB")
		}
		if *migrateDown >= 0 {
			if err := database.NewMigrator(mongoDB.Database, appLogger).Down(ctx, *migrateDown); err != nil {
				appLogger.WithError(err).Fatal("Failed to revert migrations")
			}
			appLogger.WithField("version", *migrateDown).Info("Migrations reverted")
			mongoDB.Close()
			return
		}
		if cfg.Database.RunMigrations {
			if err := database.NewMigrator(mongoDB.Database, appLogger).Up(ctx); err != nil {
				appLogger.WithError(err).Fatal("Failed to run migrations")
			}
		}
		requestRepo = mongodb.NewRequestRepository(mongoDB.Database, cfg.Dispatch.StoreTimeout)
		driverRepo = mongodb.NewDriverRepository(mongoDB.Database, cfg.Dispatch.StoreTimeout)
		healthChecks["mongodb"] = mongoDB
	}

	// Sweeper lease
	var (
		lockService services.CacheService
		redisCache  *cache.RedisCache
	)
	if cfg.Redis.Enabled {
		redisCache, err = cache.NewRedisCache(&cache.RedisConfig{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		})
		if err != nil {
			appLogger.WithError(err).Warn("Redis unavailable, sweeper runs without a lease")
		} else {
			lockService = services.NewCacheService(redisCache, appLogger)
			healthChecks["redis"] = redisCache
		}
	}

	// Event journal
	journal := events.NewNopJournal()
	if cfg.Events.Enabled {
		journal = events.NewKafkaJournal(&events.KafkaConfig{
			Brokers:      cfg.Events.Brokers,
			Topic:        cfg.Events.Topic,
			BatchTimeout: cfg.Events.BatchTimeout,
			WriteTimeout: cfg.Events.WriteTimeout,
		}, appLogger)
	}

	// Route estimates
	var mapsProvider maps.MapsProvider = maps.NewStraightLineProvider(cfg.Maps.AverageSpeedKMH)
	switch {
	case cfg.Maps.Provider == "google" && cfg.Maps.GoogleMaps.APIKey != "":
		googleMaps, err := maps.NewGoogleMapsProvider(cfg.Maps.GoogleMaps.APIKey)
		if err != nil {
			appLogger.WithError(err).Warn("Google Maps unavailable, using straight-line estimates")
		} else {
			mapsProvider = googleMaps
		}
	case cfg.Maps.Provider == "mapbox" && cfg.Maps.Mapbox.AccessToken != "":
		mapsProvider = maps.NewMapboxProvider(cfg.Maps.Mapbox.AccessToken)
	}

	// Offline push
	var offline services.OfflineNotifier
	if cfg.Push.Enabled {
		fcm, err := push.NewFCMProvider(ctx, cfg.Push.FCM.Credentials)
		if err != nil {
			appLogger.WithError(err).Warn("FCM unavailable, offline participants will not be notified")
		} else {
			offline = services.NewPushNotifier(fcm, appLogger)
		}
	}

	// Services
	hub := websocket.NewHub(appLogger)
	capacityService := services.NewCapacityService(driverRepo, appLogger)
	dispatchService := services.NewDispatchService(hub, capacityService, offline, appLogger)
	requestService := services.NewRequestService(
		requestRepo,
		capacityService,
		dispatchService,
		services.NewRouteEstimator(mapsProvider),
		journal,
		services.RequestServiceConfig{
			RequestTTL:    cfg.Dispatch.RequestTTL,
			CancelRetries: cfg.Dispatch.CancelRetries,
		},
		appLogger,
	)
	sweeper := services.NewExpirationSweeper(requestRepo, requestService, lockService, services.SweeperConfig{
		Interval:  cfg.Dispatch.SweepInterval,
		BatchSize: cfg.Dispatch.SweepBatchSize,
	}, appLogger)

	// Initialize handlers
	requestHandler := handlers.NewRequestHandler(requestService, appLogger)
	driverHandler := handlers.NewDriverHandler(capacityService, appLogger)
	authHandler := handlers.NewAuthHandler(cfg.Security.JWTSecret, cfg.Security.JWTAccessTokenTTL, appLogger)
	healthHandler := handlers.NewHealthHandler(cfg.App.Version, healthChecks)
	socketHandler := handlers.NewSocketHandler(requestService, appLogger)
	wsHandler := websocket.NewHandler(hub, websocket.Options{
		ReadBufferSize:    cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:   cfg.WebSocket.WriteBufferSize,
		HandshakeTimeout:  cfg.WebSocket.HandshakeTimeout,
		PingInterval:      cfg.WebSocket.PingInterval,
		PongTimeout:       cfg.WebSocket.PongTimeout,
		EnableCompression: cfg.WebSocket.EnableCompression,
		AllowedOrigins:    cfg.WebSocket.AllowedOrigins,
	}, socketHandler.HandleMessage, appLogger)

	// Initialize Gin router
	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(cfg.Security.TrustedProxies); err != nil {
		appLogger.WithError(err).Warn("Invalid trusted proxies")
	}

	// Global middleware
	router.Use(middleware.RecoveryMiddleware(appLogger))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORSAllowedOrigins))
	router.Use(middleware.LoggingMiddleware(appLogger))
	router.Use(middleware.MetricsMiddleware())

	// API routes
	v1 := router.Group("/api/v1")
	{
		routes.SetupRequestRoutes(v1, requestHandler, cfg.Security.JWTSecret)
		routes.SetupDriverRoutes(v1, driverHandler, cfg.Security.JWTSecret)
		if config.IsDevelopment() {
			routes.SetupAuthRoutes(v1, authHandler)
		}
	}

	router.GET(cfg.WebSocket.Path, middleware.AuthRequired(cfg.Security.JWTSecret), wsHandler.HandleWebSocket)
	router.GET("/health", healthHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	go sweeper.Run(ctx)

	// Start server
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithField("addr", server.Addr).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Server failed")
		}
	}()

	<-ctx.Done()
	appLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("HTTP shutdown did not complete")
	}
	if err := journal.Close(); err != nil {
		appLogger.WithError(err).Warn("Failed to flush event journal")
	}
	if redisCache != nil {
		redisCache.Close()
	}
	if mongoDB != nil {
		if err := mongoDB.Close(); err != nil {
			appLogger.WithError(err).Warn("Failed to disconnect from MongoDB")
		}
	}
}
