package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gradesync-api/internal/config"
	"github.com/noah-isme/gradesync-api/internal/database"
	"github.com/noah-isme/gradesync-api/internal/handler"
	"github.com/noah-isme/gradesync-api/internal/middleware"
	"github.com/noah-isme/gradesync-api/internal/realtime"
	"github.com/noah-isme/gradesync-api/internal/repository"
	"github.com/noah-isme/gradesync-api/internal/router"
	"github.com/noah-isme/gradesync-api/internal/service"
	"github.com/noah-isme/gradesync-api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()

	records, err := openStore(cfg, logger)
	if err != nil {
		log.Fatalf("failed to open record store: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
	}

	if cfg.StoreDriver == config.StoreMemory && (redisClient != nil || natsConn != nil) {
		logger.Warn().Msg("relay enabled with the in-memory store; every node keeps its own records")
	}

	validate := service.NewValidator()
	recordService := service.NewRecordService(records, validate, logger)

	hub, err := realtime.NewHub(realtime.Options{
		Records:       recordService,
		Authenticator: realtime.JWTAuthenticator{Secret: cfg.JWTSecret},
		Relay: realtime.NewRelay(realtime.RelayOptions{
			Redis:   redisClient,
			NATS:    natsConn,
			Channel: cfg.RealtimeChannel,
			Logger:  logger,
		}),
		Logger:      logger,
		RequireAuth: cfg.RequireAuth,
		OutboxSize:  cfg.OutboxSize,
	})
	if err != nil {
		log.Fatalf("failed to create realtime hub: %v", err)
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go func() {
		if err := hub.Run(runCtx); err != nil {
			logger.Error().Err(err).Msg("realtime hub stopped")
		}
	}()

	realtimeHandler := handler.NewRealtimeHandler(hub, handler.RealtimeOptions{
		PingInterval: cfg.PingInterval,
		PingTimeout:  cfg.PingTimeout,
		PollTimeout:  cfg.PollTimeout,
	}, logger)
	go realtimeHandler.StartReaper(runCtx)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger, AllowOrigins: cfg.CORSOrigins})
	router.Register(app, cfg, router.Dependencies{
		Hub:             hub,
		Records:         recordService,
		RecordHandler:   handler.NewRecordHandler(hub, recordService, validate, logger),
		RealtimeHandler: realtimeHandler,
		JWTMiddleware:   middleware.JWTProtected(cfg.JWTSecret),
	})

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress()).Str("store", cfg.StoreDriver).Msg("server listening")
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, stopRun, hub)
}

func openStore(cfg config.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres, config.StoreSQLite:
		connect := database.ConnectPostgres
		if cfg.StoreDriver == config.StoreSQLite {
			connect = database.ConnectSQLite
		}
		db, err := connect(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := repository.AutoMigrate(db); err != nil {
			return nil, err
		}
		logger.Info().Str("driver", cfg.StoreDriver).Msg("relational record store ready")
		return repository.NewRecordRepository(db), nil
	default:
		logger.Info().Bool("seed", cfg.SeedStore).Bool("validate_grades", cfg.ValidateGrades).Msg("in-memory record store ready")
		return store.NewMemoryStore(store.MemoryOptions{
			Seed:           cfg.SeedStore,
			ValidateGrades: cfg.ValidateGrades,
		}), nil
	}
}

func waitForShutdown(app *fiber.App, stopRun context.CancelFunc, hub *realtime.Hub) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	// closing the hub first ends websocket handlers so fiber can drain
	stopRun()
	select {
	case <-hub.Done():
	case <-time.After(2 * time.Second):
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
