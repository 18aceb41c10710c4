package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/leadflow/internal/automation"
	"github.com/ignite/leadflow/internal/config"
	"github.com/ignite/leadflow/internal/intent"
	"github.com/ignite/leadflow/internal/pkg/distlock"
	"github.com/ignite/leadflow/internal/queue"
	"github.com/ignite/leadflow/internal/repository/postgres"
	"github.com/ignite/leadflow/internal/scoring"
	"github.com/ignite/leadflow/internal/worker"
)

func main() {
	log.Println("LeadFlow worker starting (cmd/worker)")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
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

	// Repositories
	eventRepo := postgres.NewEventRepo(db)
	leadRepo := postgres.NewLeadRepo(db)
	orgRepo := postgres.NewOrgRepo(db)
	scoringRepo := postgres.NewScoringRepo(db)
	intentRepo := postgres.NewIntentRepo(db)
	pipelineRepo := postgres.NewPipelineRepo(db)
	dealRepo := postgres.NewDealRepo(db)
	taskRepo := postgres.NewTaskRepo(db)
	automationRepo := postgres.NewAutomationRepo(db)

	// Queues. Visibility runs past the job timeout so the reclaimer never
	// races a worker that is still inside its deadline.
	eventsQueue := queue.New(rdb, queue.QueueEvents, queue.Options{
		MaxAttempts: cfg.Queues.Events.MaxAttempts,
		BackoffBase: cfg.Queues.Events.BackoffBase(),
		BackoffCap:  cfg.Queues.Events.BackoffCap(),
		Visibility:  cfg.Queues.Events.JobTimeout() + 30*time.Second,
	})
	routingQueue := queue.New(rdb, queue.QueueRouting, queue.Options{
		MaxAttempts: cfg.Queues.Routing.MaxAttempts,
		BackoffBase: cfg.Queues.Routing.BackoffBase(),
		BackoffCap:  cfg.Queues.Routing.BackoffCap(),
		Visibility:  cfg.Queues.Routing.JobTimeout() + 30*time.Second,
	})
	syncQueue := queue.New(rdb, queue.QueueSync, queue.Options{})

	// Engines. Rule snapshots load once here; a broken rule table means
	// the worker refuses to start rather than consuming jobs it cannot
	// score.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	scorer := scoring.NewEngine(scoringRepo, leadRepo, scoring.Thresholds{
		Warm:    cfg.Scoring.WarmThreshold,
		Hot:     cfg.Scoring.HotThreshold,
		VeryHot: cfg.Scoring.VeryHotThreshold,
	})
	if err := scorer.Reload(startupCtx); err != nil {
		log.Fatalf("Scoring rules failed to load: %v", err)
	}

	detector := intent.NewDetector(intentRepo, leadRepo,
		time.Duration(cfg.Decay.IntentDecayDays)*24*time.Hour)

	var notifier automation.Notifier = automation.LogNotifier{}
	if webhookURL := os.Getenv("SLACK_WEBHOOK_URL"); webhookURL != "" {
		notifier = automation.NewWebhookNotifier(webhookURL, cfg.Routing.SlackChannel)
		log.Println("Slack webhook notifier enabled")
	}

	actions := automation.NewActionRunner(notifier, taskRepo, leadRepo,
		worker.NewRoutingPublisher(routingQueue),
		worker.NewSyncQueuePublisher(syncQueue))
	autoEngine := automation.NewEngine(automationRepo, actions)
	if err := autoEngine.Reload(startupCtx); err != nil {
		log.Fatalf("Automation rules failed to load: %v", err)
	}

	// Workers
	eventWorker := worker.NewEventWorker(eventRepo, leadRepo, orgRepo,
		scorer, detector, autoEngine, routingQueue,
		worker.EventWorkerConfig{
			MinScore:  cfg.Routing.MinScore,
			MinIntent: cfg.Routing.MinIntent,
		})
	routingWorker := worker.NewRoutingWorker(leadRepo, pipelineRepo, dealRepo,
		autoEngine, actions, notifier, syncQueue,
		worker.RoutingWorkerConfig{
			MinScore:       cfg.Routing.MinScore,
			MinIntent:      cfg.Routing.MinIntent,
			ConflictMargin: cfg.Routing.ConflictMargin,
			PipelineSlugs:  cfg.Routing.PipelineSlugs,
			SlackChannel:   cfg.Routing.SlackChannel,
		})

	eventsConsumer := queue.NewConsumer(eventsQueue, eventWorker.Handle, queue.ConsumerConfig{
		Concurrency: cfg.Queues.Events.Concurrency,
		JobTimeout:  cfg.Queues.Events.JobTimeout(),
		Limiter:     queue.NewLimiter(rdb, queue.QueueEvents, cfg.Queues.Events.RateMax, cfg.Queues.Events.RateWindow()),
	})
	routingConsumer := queue.NewConsumer(routingQueue, routingWorker.Handle, queue.ConsumerConfig{
		Concurrency: cfg.Queues.Routing.Concurrency,
		JobTimeout:  cfg.Queues.Routing.JobTimeout(),
		Limiter:     queue.NewLimiter(rdb, queue.QueueRouting, cfg.Queues.Routing.RateMax, cfg.Queues.Routing.RateWindow()),
	})

	decayJob := worker.NewDecayJob(scoringRepo, intentRepo, leadRepo, detector,
		distlock.New(rdb, db, "decay", 10*time.Minute), cfg.Decay.Interval())
	janitor := worker.NewJanitor(eventRepo, eventsQueue,
		distlock.New(rdb, db, "janitor", 5*time.Minute), 5*time.Minute, 10*time.Minute)
	stageSweeper := worker.NewStageSweeper(automationRepo, pipelineRepo, dealRepo,
		leadRepo, autoEngine, distlock.New(rdb, db, "stage-sweep", 10*time.Minute), 15*time.Minute)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eventsConsumer.Start(ctx); err != nil {
		log.Fatalf("Events consumer failed to start: %v", err)
	}
	if err := routingConsumer.Start(ctx); err != nil {
		log.Fatalf("Routing consumer failed to start: %v", err)
	}
	decayJob.Start(ctx)
	janitor.Start(ctx)
	stageSweeper.Start(ctx)

	<-ctx.Done()
	log.Println("Shutting down")

	stageSweeper.Stop()
	janitor.Stop()
	decayJob.Stop()
	routingConsumer.Stop()
	eventsConsumer.Stop()
	log.Println("Worker stopped")
}
