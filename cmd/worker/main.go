package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alertstream/engine/internal/config"
	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/pkg/distlock"
	"github.com/alertstream/engine/internal/provider"
	"github.com/alertstream/engine/internal/quota"
	"github.com/alertstream/engine/internal/repository/postgres"
	"github.com/alertstream/engine/internal/service/dispatch"
	"github.com/alertstream/engine/internal/service/trigger"
	"github.com/alertstream/engine/internal/template"
	"github.com/alertstream/engine/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Standalone delivery worker: claims due retries and orphaned attempts
// from the shared database and drains them through its own pools. Runs
// alongside the API server for extra delivery capacity, or alone when the
// server only ingests.
func main() {
	log.Println("Starting Alertstream delivery worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required for the delivery worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	var limiter quota.Limiter = quota.AllowAll{}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed: %v", err)
			redisClient.Close()
			redisClient = nil
		} else {
			limiter = quota.NewRedisLimiter(redisClient, cfg.Quota.DestinationPerMinute)
		}
	}

	triggerSvc := trigger.NewService(postgres.NewTriggerRepository(db))
	queues := worker.NewRouter(cfg.Dispatch)
	dispatcher := dispatch.NewService(
		triggerSvc,
		postgres.NewAttemptRepository(db),
		postgres.NewReceiptRepository(db),
		template.NewRenderer(),
		limiter,
		queues,
		cfg.Quota,
		cfg.Dedup.Window(),
		cfg.Dispatch.MaxAttempts,
	)

	providers := map[domain.ChannelType]provider.Provider{
		domain.ChannelSMS:     provider.NewSMSClient(cfg.SMS),
		domain.ChannelWebhook: provider.NewWebhookClient(cfg.Webhook),
	}
	if cfg.Email.Enabled {
		emailClient, err := provider.NewEmailClient(ctx, cfg.Email)
		if err != nil {
			log.Fatalf("Failed to init SES client: %v", err)
		}
		providers[domain.ChannelEmail] = emailClient
	} else {
		providers[domain.ChannelEmail] = provider.Disabled{Reason: "email channel not configured"}
	}

	concurrency := map[domain.ChannelType]int{
		domain.ChannelSMS:     cfg.Dispatch.SMSConcurrency,
		domain.ChannelWebhook: cfg.Dispatch.WebhookConcurrency,
		domain.ChannelEmail:   cfg.Dispatch.EmailConcurrency,
	}
	pools := make([]*worker.Pool, 0, len(providers))
	for ch, prov := range providers {
		p := worker.NewPool(queues.Queue(ch), prov, dispatcher, concurrency[ch], cfg.Dispatch.ProviderTimeout())
		p.Start(ctx)
		pools = append(pools, p)
	}

	worker.RecoverOnBoot(ctx, dispatcher, cfg.Dispatch.RecoveryStale())

	var lock distlock.DistLock
	if redisClient != nil {
		lock = distlock.NewLock(redisClient, db, "alertstream:retry-scheduler", 30*time.Second)
	} else {
		lock = distlock.NewPGAdvisoryLock(db, "alertstream:retry-scheduler")
	}
	scheduler := worker.NewRetryScheduler(dispatcher, lock, cfg.Dispatch.RetryTick())
	go scheduler.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down worker...")

	cancel()
	for _, p := range pools {
		p.Wait()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Worker shutdown complete")
}
