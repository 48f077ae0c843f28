package main

import (
	"context"
	"database/sql"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-booking/internal/booking"
	bookingdb "ms-booking/internal/booking/db"
	"ms-booking/internal/config"
	"ms-booking/internal/kafka"
	"ms-booking/internal/logger"
	"ms-booking/internal/payment"
	"ms-booking/internal/policycache"
)

// The refund worker runs as its own process so gateway latency never sits
// inside the booking request path. It consumes refund-requested events,
// executes them at Stripe and marks the booking refunded.
func main() {
	logger := logger.NewLogger()
	defer logger.Close()

	logger.Info("APP", "Starting Refund Worker initialization")

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg := config.Load()
	if cfg.Database.DSN == "" {
		logger.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sqldb.PingContext(ctx); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	logger.Info("DATABASE", "✅ PostgreSQL connection successful")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	defer redisClient.Close()

	stripeService, err := payment.NewStripeService(cfg.Stripe.SecretKey, logger)
	if err != nil {
		logger.Fatal("STRIPE", fmt.Sprintf("Failed to initialize Stripe client: %v", err))
	}

	store := &bookingdb.DB{Bun: bunDB}
	policyCache := policycache.NewCache(redisClient, store, cfg.Policy.PlatformFeeRate, logger)

	// The worker only calls MarkRefunded, which publishes the refunded
	// event when a producer is wired.
	var producer booking.KafkaPublisher
	if cfg.Kafka.Enabled {
		kafkaProducer := kafka.NewProducer(cfg.Kafka.Brokers)
		defer kafkaProducer.Close()
		producer = kafkaProducer
	}

	bookingService := booking.NewService(store, policyCache, producer, nil, cfg.Kafka.Topics, cfg.Policy, logger)
	worker := payment.NewRefundWorker(stripeService, bookingService, logger)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.RefundRequested, cfg.Kafka.GroupID)
	defer consumer.Close()

	logger.Info("APP", fmt.Sprintf("Refund worker consuming %s", cfg.Kafka.Topics.RefundRequested))

	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Start(ctx, func(key, value []byte) error {
			handleCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return worker.HandleMessage(handleCtx, key, value)
		})
	}()

	<-ctx.Done()
	logger.Info("APP", "Shutdown signal received, draining consumer")

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("APP", "Consumer did not drain in time")
	}
	logger.Info("APP", "✅ Refund worker shutdown complete")
}
