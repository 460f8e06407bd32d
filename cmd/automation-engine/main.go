// Automation engine daemon: runs the worker pool, trigger sweepers, and
// retention cleanup against a shared PostgreSQL store.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sendloop/automation-engine/pkg/cleanup"
	"github.com/sendloop/automation-engine/pkg/clock"
	"github.com/sendloop/automation-engine/pkg/collab"
	"github.com/sendloop/automation-engine/pkg/config"
	"github.com/sendloop/automation-engine/pkg/db"
	"github.com/sendloop/automation-engine/pkg/engine"
	"github.com/sendloop/automation-engine/pkg/events"
	"github.com/sendloop/automation-engine/pkg/executor"
	"github.com/sendloop/automation-engine/pkg/executor/steps"
	"github.com/sendloop/automation-engine/pkg/metrics"
	"github.com/sendloop/automation-engine/pkg/queue"
	"github.com/sendloop/automation-engine/pkg/subscriber"
	"github.com/sendloop/automation-engine/pkg/trigger"
	"github.com/sendloop/automation-engine/pkg/version"
	"github.com/sendloop/automation-engine/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	slog.Info("starting automation engine", "version", version.Full(), "config_dir", *configDir)

	cfg, err := config.Initialize(*configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConfig, err := db.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	pool, err := db.Open(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	slog.Info("connected to PostgreSQL, schema migrated")

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.RedisPassword(),
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", cfg.Redis.Addr, err)
		}
		defer rdb.Close()
		slog.Info("connected to Redis", "addr", cfg.Redis.Addr)
	} else {
		slog.Warn("no Redis configured; send throttles and the sweep lock are disabled")
	}

	engineClock := clock.RealClock{}
	workflows := workflow.NewStore(pool)
	subscribers := subscriber.NewStore(pool)
	queueRepo := queue.NewRepository(pool)
	publisher := events.NewPublisher(pool)

	contacts := collab.NewContactClient(cfg.Executor.ContactAPIBaseURL)
	emails := collab.NewEmailClient(cfg.Executor.EmailAPIBaseURL)
	webhooks := executor.NewHTTPWebhookCaller(cfg.Executor.WebhookTimeout)
	var notifier executor.Notifier = noopNotifier{}
	if cfg.Slack.Enabled {
		notifier = steps.NewSlackNotifier(cfg.SlackToken(), cfg.Slack.Channel)
	}

	dispatcher := executor.NewDispatcher(executor.Config{
		StepTimeout:     cfg.Executor.StepTimeout,
		WebhookTimeout:  cfg.Executor.WebhookTimeout,
		TrackingBaseURL: cfg.Executor.TrackingBaseURL,
		TrackingSecret:  cfg.TrackingSecret(),
	}, engineClock, contacts, emails, emails, webhooks, notifier, events.NewHistoryQuerier(pool))

	var throttle *queue.Throttle
	if rdb != nil {
		throttle = queue.NewThrottle(rdb)
	}
	retry := queue.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		JitterFrac:  cfg.Retry.JitterFrac,
	}
	processor := engine.New(queueRepo, subscribers, workflows, dispatcher, publisher, throttle, engineClock, retry)

	workerCfg := queue.WorkerConfig{
		PollInterval:       cfg.Queue.PollInterval,
		PollIntervalJitter: cfg.Queue.PollIntervalJitter,
		LeaseDuration:      cfg.Queue.LeaseDuration,
	}
	orphan := queue.NewOrphanSweeper(queueRepo, engineClock, cfg.Queue.OrphanSweepInterval)
	workerPool := queue.NewPool(queueRepo, engineClock, workerCfg, cfg.Queue.WorkerCount, processor, orphan)
	workerPool.Start(ctx)
	defer workerPool.Stop()

	router := trigger.NewRouter(workflows, subscribers, queueRepo, collab.NewRouterLookup(contacts), publisher, engineClock)
	sweeper := trigger.NewSweeper(router, collab.NewSweepSource(contacts), trigger.NewPGSeenTracker(pool), rdb, hostnameID(), cfg.Sweeper.Interval, slog.Default())
	go sweeper.Run(ctx)

	retention := cleanup.NewService(cfg.Retention, pool)
	retention.Start(ctx)
	defer retention.Stop()

	go metrics.RefreshQueueDepth(ctx, queueRepo, 15*time.Second)
	go serveMetrics(getEnv("METRICS_ADDR", ":9090"))

	slog.Info("automation engine running", "workers", cfg.Queue.WorkerCount)
	<-ctx.Done()
	slog.Info("shutdown signal received")
}

// serveMetrics exposes /metrics for Prometheus scraping.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}

func hostnameID() string {
	host, err := os.Hostname()
	if err != nil {
		return "automation-engine"
	}
	return host
}

// noopNotifier stands in when no notification channel is configured;
// notification steps complete without delivering anywhere.
type noopNotifier struct{}

func (noopNotifier) Notify(ctx context.Context, channel, recipient, message string) error {
	slog.Warn("notification step executed with no notifier configured", "channel", channel, "recipient", recipient)
	return nil
}
