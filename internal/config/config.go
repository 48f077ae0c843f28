package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Scheduler SchedulerConfig
	Policy    PolicyConfig
	Stripe    StripeConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

type RedisConfig struct {
	Addr string
}

type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topics  TopicConfig
	Enabled bool
}

type TopicConfig struct {
	BookingCreated   string
	BookingConfirmed string
	BookingCancelled string
	BookingExpired   string
	BookingRefunded  string
	RefundRequested  string
	Notify           string
}

type SchedulerConfig struct {
	// Interval between expiration scans.
	Interval time.Duration
	// GracePeriod is how long a pending, unpaid booking may exist before
	// automatic expiration. Independent of the cancellation tiers.
	GracePeriod time.Duration
	// SoftDeadline bounds a single run; leftover work resumes next tick.
	SoftDeadline time.Duration
	BatchLimit   int
}

type PolicyConfig struct {
	PlatformFeeRate float64
	DisputeWindow   time.Duration
	// CancelReasonMinLen is the minimum length of a user-supplied
	// cancellation reason.
	CancelReasonMinLen int
}

type StripeConfig struct {
	SecretKey string
}

type AuthConfig struct {
	OIDCIssuer     string
	KeycloakURL    string
	KeycloakRealm  string
	ClientID       string
	ClientSecret   string
	AdminRole      string
	HandoverSecret string
	// UserRegistryURL is the external user service queried (with an M2M
	// token) to enrich compliance exports with party identities.
	UserRegistryURL string
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8085"),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:          getEnv("POSTGRES_DSN", ""),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 25),
			MaxLifetime:  time.Duration(getEnvInt("DB_MAX_LIFETIME_MINUTES", 5)) * time.Minute,
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", "localhost:6379"),
		},
		Kafka: KafkaConfig{
			Brokers: strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			GroupID: getEnv("KAFKA_GROUP_ID", "booking-engine-group"),
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				BookingCreated:   getEnv("KAFKA_TOPIC_CREATED", "rently.booking.created"),
				BookingConfirmed: getEnv("KAFKA_TOPIC_CONFIRMED", "rently.booking.confirmed"),
				BookingCancelled: getEnv("KAFKA_TOPIC_CANCELLED", "rently.booking.cancelled"),
				BookingExpired:   getEnv("KAFKA_TOPIC_EXPIRED", "rently.booking.expired"),
				BookingRefunded:  getEnv("KAFKA_TOPIC_REFUNDED", "rently.booking.refunded"),
				RefundRequested:  getEnv("KAFKA_TOPIC_REFUND_REQUESTED", "rently.refund.requested"),
				Notify:           getEnv("KAFKA_TOPIC_NOTIFY", "rently.notify"),
			},
		},
		Scheduler: SchedulerConfig{
			Interval:     time.Duration(getEnvInt("SCHEDULER_INTERVAL_MINUTES", 5)) * time.Minute,
			GracePeriod:  time.Duration(getEnvInt("BOOKING_GRACE_PERIOD_MINUTES", 30)) * time.Minute,
			SoftDeadline: time.Duration(getEnvInt("SCHEDULER_SOFT_DEADLINE_SECONDS", 60)) * time.Second,
			BatchLimit:   getEnvInt("SCHEDULER_BATCH_LIMIT", 500),
		},
		Policy: PolicyConfig{
			PlatformFeeRate:    getEnvFloat("PLATFORM_FEE_RATE", 0.10),
			DisputeWindow:      time.Duration(getEnvInt("DISPUTE_WINDOW_HOURS", 72)) * time.Hour,
			CancelReasonMinLen: getEnvInt("CANCEL_REASON_MIN_LEN", 10),
		},
		Stripe: StripeConfig{
			SecretKey: getEnv("STRIPE_SECRET_KEY", ""),
		},
		Auth: AuthConfig{
			OIDCIssuer:      getEnv("OIDC_ISSUER", ""),
			KeycloakURL:     getEnv("KEYCLOAK_URL", ""),
			KeycloakRealm:   getEnv("KEYCLOAK_REALM", "rental-marketplace"),
			ClientID:        getEnv("M2M_CLIENT_ID", "booking-engine"),
			ClientSecret:    getEnv("M2M_CLIENT_SECRET", ""),
			AdminRole:       getEnv("ADMIN_ROLE", "admin"),
			HandoverSecret:  getEnv("HANDOVER_PASS_SECRET", ""),
			UserRegistryURL: getEnv("USER_REGISTRY_URL", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
