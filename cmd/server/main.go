package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/leadflow/internal/api"
	"github.com/ignite/leadflow/internal/config"
	"github.com/ignite/leadflow/internal/queue"
	"github.com/ignite/leadflow/internal/repository/postgres"
)

func main() {
	log.Println("LeadFlow ingestion server starting (cmd/server)")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	db, err := postgres.Open(cfg.Database.URL, postgres.PoolSettings{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
	})
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()
	log.Println("Connected to Postgres")

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	cancelPing()
	log.Println("Connected to Redis")

	eventsQueue := queue.New(rdb, queue.QueueEvents, queue.Options{
		MaxAttempts: cfg.Queues.Events.MaxAttempts,
		BackoffBase: cfg.Queues.Events.BackoffBase(),
		BackoffCap:  cfg.Queues.Events.BackoffCap(),
	})

	auth := api.NewAuthenticator(cfg.Ingest)
	ingest := api.NewIngestHandler(auth, postgres.NewEventRepo(db), eventsQueue, cfg.Ingest)
	leads := api.NewLeadsHandler(
		postgres.NewLeadRepo(db),
		postgres.NewScoringRepo(db),
		postgres.NewIntentRepo(db),
		postgres.NewTaskRepo(db),
		postgres.NewDealRepo(db),
	)
	server := api.NewServer(cfg.Server, ingest, leads, db, eventsQueue)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}
