package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-booking/internal/auth"
	"ms-booking/internal/booking"
	"ms-booking/internal/booking/api"
	bookingdb "ms-booking/internal/booking/db"
	"ms-booking/internal/booking/handover"
	"ms-booking/internal/booking/scheduler"
	"ms-booking/internal/config"
	"ms-booking/internal/database/migrations"
	"ms-booking/internal/kafka"
	"ms-booking/internal/logger"
	"ms-booking/internal/notification"
	"ms-booking/internal/policycache"
	"ms-booking/internal/registry"
)

func verifyConnections(ctx context.Context, cfg *config.Config, logger *logger.Logger) (*bun.DB, *redis.Client) {
	if cfg.Database.DSN == "" {
		logger.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		logger.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.PingContext(ctx)
		if err == nil {
			break
		}

		logger.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	logger.Info("DATABASE", "✅ PostgreSQL connection successful")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	logger.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))

	return bunDB, redisClient
}

func main() {
	logger := logger.NewLogger()
	defer logger.Close()

	logger.Info("APP", "Starting Booking Engine initialization")

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		logger.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	logger.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, logger)
	defer bunDB.Close()
	defer redisClient.Close()

	migrationRunner := migrations.NewRunner(bunDB, migrations.DefaultOptions())
	if err := migrationRunner.RunMigrations(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Migration failed: %v", err))
	}
	defer migrationRunner.Close()
	logger.Info("DATABASE", "✅ Schema migrations applied")

	var kafkaProducer *kafka.Producer
	if cfg.Kafka.Enabled {
		kafkaProducer = kafka.NewProducer(cfg.Kafka.Brokers)
		defer kafkaProducer.Close()
		logger.Info("KAFKA", "Kafka producer initialized successfully")

		requiredTopics := []string{
			cfg.Kafka.Topics.BookingCreated,
			cfg.Kafka.Topics.BookingConfirmed,
			cfg.Kafka.Topics.BookingCancelled,
			cfg.Kafka.Topics.BookingExpired,
			cfg.Kafka.Topics.BookingRefunded,
			cfg.Kafka.Topics.RefundRequested,
			cfg.Kafka.Topics.Notify,
		}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, requiredTopics); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			logger.Info("KAFKA", "Required topics ensured successfully")
		}
	} else {
		logger.Warn("KAFKA", "Kafka disabled, booking events will not be published")
	}

	store := &bookingdb.DB{Bun: bunDB}
	policyCache := policycache.NewCache(redisClient, store, cfg.Policy.PlatformFeeRate, logger)

	var notifier booking.Notifier
	var producer booking.KafkaPublisher
	if kafkaProducer != nil {
		producer = kafkaProducer
		notifier = notification.NewNotifier(kafkaProducer, cfg.Kafka.Topics.Notify, logger)
	}

	bookingService := booking.NewService(
		store,
		policyCache,
		producer,
		notifier,
		cfg.Kafka.Topics,
		cfg.Policy,
		logger,
	)

	if cfg.Auth.UserRegistryURL != "" {
		client := &http.Client{Timeout: 10 * time.Second}
		tokenRedis, err := auth.InitializeTokenCache(cfg.Redis.Addr, logger)
		if err != nil {
			logger.Fatal("AUTH", fmt.Sprintf("Failed to initialize token cache: %v", err))
		}
		defer tokenRedis.Close()
		tokenCache := auth.NewRedisTokenCache(tokenRedis)
		bookingService.Directory = registry.NewClient(cfg.Auth, client, tokenCache, logger)
		logger.Info("APP", fmt.Sprintf("Compliance identity enrichment enabled via %s", cfg.Auth.UserRegistryURL))
	}

	handler := api.NewHandler(
		bookingService,
		handover.NewGenerator(cfg.Auth.HandoverSecret),
		cfg.Auth.AdminRole,
	)

	logger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth))
		logger.Info("AUTH", "OIDC middleware applied to protected API routes")

		handler.RegisterRoutes(r)
		logger.Info("ROUTER", "Booking routes registered under /api/bookings")

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(cfg.Auth.AdminRole))
			handler.RegisterAdminRoutes(r)
		})
		logger.Info("ROUTER", "Admin routes registered under /api/admin")
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	schedulerCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	expirationScheduler := scheduler.New(store, bookingService, redisClient, cfg.Scheduler, logger)
	go expirationScheduler.Run(schedulerCtx)
	logger.Info("SCHEDULER", fmt.Sprintf("Expiration scheduler started (interval %s, grace period %s)",
		cfg.Scheduler.Interval, cfg.Scheduler.GracePeriod))

	go func() {
		logger.Info("HTTP", fmt.Sprintf("🚀 Booking Engine running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	stopScheduler()

	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		logger.Info("HTTP", "✅ Booking Engine shutdown complete")
	}
}
