package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Gateway   GatewayConfig
	Checkout  CheckoutConfig
	Auth      AuthConfig
	Reconcile ReconcileConfig
}

type AuthConfig struct {
	OIDCIssuer string
}

type ReconcileConfig struct {
	Interval time.Duration
}

type ServerConfig struct {
	Port         string
	PaymentPort  string
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
	Enabled bool
	Topics  TopicConfig
}

type TopicConfig struct {
	OrderCreated    string
	PaymentSuccess  string
	PaymentFailed   string
	PaymentRefunded string
}

// GatewayConfig holds the payment gateway credentials. The server key signs
// webhook payloads and authenticates outbound calls; the client key is handed
// to the browser with the checkout token.
type GatewayConfig struct {
	BaseURL     string
	ServerKey   string
	ClientKey   string
	FinishURL   string
	CallTimeout time.Duration
}

type CheckoutConfig struct {
	// SessionDuration is the fixed length of a timed entry session, used both
	// for the payment-window policy and for the session-ended conversion.
	SessionDuration time.Duration
	// QRSecret keys the HMAC embedded in ticket QR payloads.
	QRSecret string
	// AutoMigrate applies pending schema migrations on startup.
	AutoMigrate bool
	// SeedData loads the development catalog after migrating.
	SeedData bool
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", ":8084"),
			PaymentPort:  getEnv("PAYMENT_PORT", ":8085"),
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
			Brokers: []string{getEnv("KAFKA_ADDR", "localhost:9092")},
			Enabled: getEnvBool("KAFKA_ENABLED", true),
			Topics: TopicConfig{
				OrderCreated:    getEnv("KAFKA_TOPIC_ORDER_CREATED", "commerce.order.created"),
				PaymentSuccess:  getEnv("KAFKA_TOPIC_PAYMENT_SUCCESS", "commerce.payment.succeeded"),
				PaymentFailed:   getEnv("KAFKA_TOPIC_PAYMENT_FAILED", "commerce.payment.failed"),
				PaymentRefunded: getEnv("KAFKA_TOPIC_PAYMENT_REFUNDED", "commerce.payment.refunded"),
			},
		},
		Gateway: GatewayConfig{
			BaseURL:     getEnv("GATEWAY_BASE_URL", "https://api.sandbox.gateway.local"),
			ServerKey:   getEnv("GATEWAY_SERVER_KEY", ""),
			ClientKey:   getEnv("GATEWAY_CLIENT_KEY", ""),
			FinishURL:   getEnv("GATEWAY_FINISH_URL", "http://localhost:3000/payment/finish"),
			CallTimeout: time.Duration(getEnvInt("GATEWAY_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Checkout: CheckoutConfig{
			SessionDuration: time.Duration(getEnvInt("SESSION_DURATION_MINUTES", 90)) * time.Minute,
			QRSecret:        getEnv("TICKET_QR_SECRET", ""),
			AutoMigrate:     getEnvBool("AUTO_MIGRATE", true),
			SeedData:        getEnvBool("SEED_DATA", false),
		},
		Auth: AuthConfig{
			OIDCIssuer: getEnv("OIDC_ISSUER", ""),
		},
		Reconcile: ReconcileConfig{
			Interval: time.Duration(getEnvInt("RECONCILE_INTERVAL_MINUTES", 5)) * time.Minute,
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
