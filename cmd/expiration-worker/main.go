package main

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-booking/internal/booking"
	bookingdb "ms-booking/internal/booking/db"
	"ms-booking/internal/booking/scheduler"
	"ms-booking/internal/config"
	"ms-booking/internal/kafka"
	"ms-booking/internal/logger"
	"ms-booking/internal/notification"
	"ms-booking/internal/policycache"
)

// Standalone expiration sweeper for deployments that scale the HTTP service
// horizontally and want a single dedicated scheduler process. The redis run
// lock makes it safe to run alongside the in-service scheduler.
func main() {
	logger := logger.NewLogger()
	defer logger.Close()

	logger.Info("APP", "Starting Expiration Worker initialization")

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg := config.Load()
	if cfg.Database.DSN == "" {
		logger.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()

	if err := sqldb.PingContext(ctx); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	logger.Info("DATABASE", "✅ PostgreSQL connection successful")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	defer redisClient.Close()

	store := &bookingdb.DB{Bun: bunDB}
	policyCache := policycache.NewCache(redisClient, store, cfg.Policy.PlatformFeeRate, logger)

	var producer booking.KafkaPublisher
	var notifier booking.Notifier
	if cfg.Kafka.Enabled {
		kafkaProducer := kafka.NewProducer(cfg.Kafka.Brokers)
		defer kafkaProducer.Close()
		producer = kafkaProducer
		notifier = notification.NewNotifier(kafkaProducer, cfg.Kafka.Topics.Notify, logger)
	}

	bookingService := booking.NewService(store, policyCache, producer, notifier, cfg.Kafka.Topics, cfg.Policy, logger)

	expirationScheduler := scheduler.New(store, bookingService, redisClient, cfg.Scheduler, logger)
	logger.Info("SCHEDULER", fmt.Sprintf("Expiration worker started (interval %s, grace period %s)",
		cfg.Scheduler.Interval, cfg.Scheduler.GracePeriod))

	expirationScheduler.Run(ctx)
	logger.Info("APP", "✅ Expiration worker shutdown complete")
}
