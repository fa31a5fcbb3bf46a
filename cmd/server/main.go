package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alertstream/engine/internal/api"
	"github.com/alertstream/engine/internal/config"
	"github.com/alertstream/engine/internal/domain"
	"github.com/alertstream/engine/internal/event"
	"github.com/alertstream/engine/internal/pkg/distlock"
	"github.com/alertstream/engine/internal/provider"
	"github.com/alertstream/engine/internal/quota"
	"github.com/alertstream/engine/internal/repository/memory"
	"github.com/alertstream/engine/internal/repository/postgres"
	"github.com/alertstream/engine/internal/service/dispatch"
	"github.com/alertstream/engine/internal/service/trigger"
	"github.com/alertstream/engine/internal/template"
	"github.com/alertstream/engine/internal/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("Starting Alertstream engine...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage: PostgreSQL when configured, in-memory dev mode otherwise.
	var (
		db          *sql.DB
		siteStore   event.SiteResolver
		triggerRepo trigger.Repository
		attemptRepo dispatch.AttemptRepository
		receiptRepo dispatch.ReceiptRepository
	)
	if cfg.Database.URL != "" {
		db, err = postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
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
		if err := postgres.EnsureSchema(ctx, db); err != nil {
			log.Fatalf("Failed to ensure schema: %v", err)
		}
		log.Println("Connected to database")

		siteStore = postgres.NewSiteRepository(db)
		triggerRepo = postgres.NewTriggerRepository(db)
		attemptRepo = postgres.NewAttemptRepository(db)
		receiptRepo = postgres.NewReceiptRepository(db)
	} else {
		log.Println("WARNING: no DATABASE_URL, running with in-memory storage (dev mode)")
		sites := memory.NewSiteStore()
		sites.Put(domain.Site{ID: "dev-site", TenantID: "dev", Name: "Dev Site", Plan: "free", IsActive: true})
		siteStore = sites
		triggerRepo = memory.NewTriggerRepository()
		attemptRepo = memory.NewAttemptRepository()
		receiptRepo = memory.NewReceiptLog()
	}

	// Redis backs quota counters and the retry scheduler lock. Without it
	// quotas fail open and the claim query alone keeps retries race-safe.
	var redisClient *redis.Client
	var limiter quota.Limiter = quota.AllowAll{}
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			log.Printf("Warning: Redis connection failed, quotas disabled: %v", err)
			redisClient.Close()
			redisClient = nil
		} else {
			limiter = quota.NewRedisLimiter(redisClient, cfg.Quota.DestinationPerMinute)
			log.Println("Redis connected: quota enforcement enabled")
		}
	} else {
		log.Println("WARNING: no REDIS_URL, quota enforcement disabled")
	}

	triggerSvc := trigger.NewService(triggerRepo)
	queues := worker.NewRouter(cfg.Dispatch)
	dispatcher := dispatch.NewService(
		triggerSvc,
		attemptRepo,
		receiptRepo,
		template.NewRenderer(),
		limiter,
		queues,
		cfg.Quota,
		cfg.Dedup.Window(),
		cfg.Dispatch.MaxAttempts,
	)

	// One provider and pool per channel.
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
	pools := make(map[domain.ChannelType]*worker.Pool, len(providers))
	for ch, prov := range providers {
		pools[ch] = worker.NewPool(queues.Queue(ch), prov, dispatcher, concurrency[ch], cfg.Dispatch.ProviderTimeout())
	}

	// Requeue anything a previous process left behind, then start moving.
	worker.RecoverOnBoot(ctx, dispatcher, cfg.Dispatch.RecoveryStale())
	for _, p := range pools {
		p.Start(ctx)
	}

	var lock distlock.DistLock
	if redisClient != nil || db != nil {
		lock = distlock.NewLock(redisClient, db, "alertstream:retry-scheduler", 30*time.Second)
	}
	scheduler := worker.NewRetryScheduler(dispatcher, lock, cfg.Dispatch.RetryTick())
	go scheduler.Run(ctx)

	normalizer := event.NewNormalizer(siteStore)
	handlers := api.NewHandlers(normalizer, dispatcher, triggerSvc, queues, pools, cfg.Receipts.SigningSecret)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.SetupRoutes(handlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	cancel()
	for _, p := range pools {
		p.Wait()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Shutdown complete")
}
