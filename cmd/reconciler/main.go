package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-commerce/internal/config"
	"ms-commerce/internal/effects"
	effectsredis "ms-commerce/internal/effects/redis"
	"ms-commerce/internal/gateway"
	"ms-commerce/internal/inventory"
	"ms-commerce/internal/kafka"
	"ms-commerce/internal/logger"
	"ms-commerce/internal/orders"
	"ms-commerce/internal/reconcile"
	"ms-commerce/internal/tickets/qr"
)

// The reconciler runs the same effects engine as the service, on a schedule.
// It repairs half-applied payment effects and closes orders whose payment
// window lapsed silently.
func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	log := logger.NewLogger()
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg := config.Load()
	if cfg.Database.DSN == "" {
		log.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	defer redisClient.Close()

	var enginePublisher effects.Publisher
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, log)
		defer producer.Close()
		enginePublisher = producer
	}

	store := orders.NewStore(bunDB)
	ledger := inventory.NewLedger(bunDB)
	gatewayClient := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.ServerKey, &http.Client{Timeout: cfg.Gateway.CallTimeout}, log)
	engine := effects.NewEngine(store, ledger, enginePublisher, effectsredis.NewLock(redisClient), qr.NewGenerator(cfg.Checkout.QRSecret), log, cfg.Kafka.Topics, cfg.Checkout.SessionDuration)
	sweeper := reconcile.NewSweeper(store, engine, gatewayClient, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		if _, err := sweeper.Run(ctx); err != nil {
			log.Fatal("RECONCILE", fmt.Sprintf("Sweep failed: %v", err))
		}
		return
	}

	log.Info("APP", fmt.Sprintf("Reconciler started, sweeping every %s", cfg.Reconcile.Interval))
	ticker := time.NewTicker(cfg.Reconcile.Interval)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if _, err := sweeper.Run(ctx); err != nil {
		log.Error("RECONCILE", fmt.Sprintf("Sweep failed: %v", err))
	}

	for {
		select {
		case <-ticker.C:
			if _, err := sweeper.Run(ctx); err != nil {
				log.Error("RECONCILE", fmt.Sprintf("Sweep failed: %v", err))
			}
		case <-stop:
			log.Info("APP", "Reconciler shutting down")
			return
		}
	}
}
