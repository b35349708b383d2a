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

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-commerce/internal/auth"
	"ms-commerce/internal/checkout"
	"ms-commerce/internal/commerce_api"
	"ms-commerce/internal/config"
	"ms-commerce/internal/database/migrations"
	"ms-commerce/internal/effects"
	effectsredis "ms-commerce/internal/effects/redis"
	"ms-commerce/internal/gateway"
	"ms-commerce/internal/kafka"
	"ms-commerce/internal/logger"
	"ms-commerce/internal/orders"
	handlers "ms-commerce/internal/payment/handler"
	"ms-commerce/internal/reconcile"
	"ms-commerce/internal/tickets/qr"

	"ms-commerce/internal/inventory"
)

func connectPostgres(cfg *config.Config, log *logger.Logger) *bun.DB {
	if cfg.Database.DSN == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err == nil {
			err = sqldb.Ping()
			if err == nil {
				break
			}
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	log.Info("DATABASE", "PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func connectRedis(ctx context.Context, cfg *config.Config, log *logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("DATABASE", fmt.Sprintf("Redis connection successful to %s", cfg.Redis.Addr))
	return client
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Commerce Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx := context.Background()

	bunDB := connectPostgres(cfg, log)
	defer bunDB.Close()

	if cfg.Checkout.AutoMigrate {
		opts := migrations.DefaultOptions()
		opts.SeedData = cfg.Checkout.SeedData
		runner := migrations.NewRunner(bunDB, opts, log)
		if err := runner.RunMigrations(); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
	}

	redisClient := connectRedis(ctx, cfg, log)
	defer redisClient.Close()

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()

		requiredTopics := []string{
			cfg.Kafka.Topics.OrderCreated,
			cfg.Kafka.Topics.PaymentSuccess,
			cfg.Kafka.Topics.PaymentFailed,
			cfg.Kafka.Topics.PaymentRefunded,
		}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, requiredTopics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
	} else {
		log.Warn("KAFKA", "Kafka disabled, order events will not be published")
	}

	store := orders.NewStore(bunDB)
	ledger := inventory.NewLedger(bunDB)
	gatewayClient := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.ServerKey, &http.Client{Timeout: cfg.Gateway.CallTimeout}, log)
	orderLock := effectsredis.NewLock(redisClient)
	qrGenerator := qr.NewGenerator(cfg.Checkout.QRSecret)

	var enginePublisher effects.Publisher
	var checkoutPublisher checkout.Publisher
	if producer != nil {
		enginePublisher = producer
		checkoutPublisher = producer
	}

	engine := effects.NewEngine(store, ledger, enginePublisher, orderLock, qrGenerator, log, cfg.Kafka.Topics, cfg.Checkout.SessionDuration)
	checkoutService := checkout.NewService(store, ledger, gatewayClient, checkoutPublisher, log, cfg)
	sweeper := reconcile.NewSweeper(store, engine, gatewayClient, log)

	apiHandler := commerce_api.NewHandler(checkoutService, store, engine, gatewayClient, log)

	log.Info("HTTP", "Setting up client API router")
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Auth.OIDCIssuer, auth.NewVerificationCache(redisClient)))
		apiHandler.RegisterRoutes(r)
	})
	log.Info("ROUTER", "Client API routes registered under /api")

	apiServer := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// The gateway-facing surface runs on its own port so the webhook path can
	// be firewalled to the gateway's address ranges.
	gin.SetMode(gin.ReleaseMode)
	paymentRouter := gin.New()
	paymentRouter.Use(gin.Recovery())
	webhookHandler := handlers.NewWebhookHandler(engine, store, sweeper, cfg.Gateway.ServerKey, log)
	webhookHandler.RegisterRoutes(paymentRouter)

	paymentServer := &http.Server{
		Addr:         cfg.Server.PaymentPort,
		Handler:      paymentRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Commerce Service running on %s", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("API server error: %v", err))
		}
	}()

	go func() {
		log.Info("HTTP", fmt.Sprintf("Payment surface running on %s", cfg.Server.PaymentPort))
		if err := paymentServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("Payment server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := paymentServer.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Payment server shutdown failed: %v", err))
	}
	if err := apiServer.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("API server shutdown failed: %v", err))
	} else {
		log.Info("HTTP", "Commerce Service shutdown complete")
	}
}
