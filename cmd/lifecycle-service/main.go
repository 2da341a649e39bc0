// cmd/lifecycle-service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"application-lifecycle/internal/api"
	"application-lifecycle/internal/cache"
	awsclient "application-lifecycle/internal/common/aws"
	"application-lifecycle/internal/common/camunda"
	"application-lifecycle/internal/common/config"
	"application-lifecycle/internal/common/database"
	"application-lifecycle/internal/common/logger"
	"application-lifecycle/internal/common/observability"
	"application-lifecycle/internal/notification"
	"application-lifecycle/internal/orchestrator"
	"application-lifecycle/internal/search"
	"application-lifecycle/internal/store"

	aur "application-lifecycle/internal/workers/decision/apply-underwriting-result"
	scc "application-lifecycle/internal/workers/decision/start-credit-check"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting lifecycle service...",
		zap.String("version", cfg.App.Version),
		zap.String("store", cfg.Store.Driver),
	)

	obs := observability.New(observability.Options{
		ServiceName:    cfg.Observability.ServiceName,
		JaegerEndpoint: cfg.Observability.JaegerEndpoint,
	})
	defer obs.Shutdown()

	ctx := context.Background()
	checks := map[string]api.Check{}

	// --- State store ---
	var st store.Store
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemoryStore()
		zapLog.Warn("Using in-memory state store; state is lost on restart")
	default:
		var pg *database.PostgresClient
		err = retryWithBackoff(func() error {
			var err error
			pg, err = database.NewPostgres(cfg.Database.Postgres)
			if err != nil {
				return err
			}
			return pg.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
		if err != nil {
			zapLog.Fatal("postgres failed after retries", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			zapLog.Warn("postgres pool metrics not registered", zap.Error(err))
		}

		ps := store.NewPostgresStore(pg.DB, log)
		if cfg.Store.AutoMigrate {
			if err := ps.Migrate(ctx); err != nil {
				zapLog.Fatal("schema migration failed", zap.Error(err))
			}
		}
		st = ps
		zapLog.Info("PostgreSQL connected successfully")
	}
	checks["store"] = st.Ping

	// --- Redis cache ---
	var redisClient *redis.Client
	if cfg.Database.Redis.Enabled {
		var rc *database.RedisClient
		err = retryWithBackoff(func() error {
			var err error
			rc, err = database.NewRedis(cfg.Database.Redis)
			if err != nil {
				return err
			}
			return rc.Ping(ctx)
		}, 10, 2*time.Second, zapLog, "Redis connection")
		if err != nil {
			// the cache is an accelerator; run without it
			zapLog.Error("redis unavailable, continuing without cache", zap.Error(err))
		} else {
			defer rc.Close()
			if err := rc.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				zapLog.Warn("redis pool metrics not registered", zap.Error(err))
			}
			redisClient = rc.Client
			zapLog.Info("Redis connected successfully")
		}
	}
	cacheManager := cache.NewManager(redisClient, cache.Config{
		Prefix:        cfg.Cache.Prefix,
		StateTTL:      time.Duration(cfg.Cache.StateTTL) * time.Second,
		ValidationTTL: time.Duration(cfg.Cache.ValidationTTL) * time.Second,
	}, log)
	if cacheManager.Enabled() {
		checks["cache"] = cacheManager.Ping
	}

	svc := orchestrator.NewService(st, cacheManager, orchestrator.ConfigFrom(cfg), log,
		orchestrator.WithObservability(obs),
	)

	// --- Post-commit hooks, in order ---
	var hub *notification.Hub
	if cfg.Notifications.WebSocket.Enabled {
		hub = notification.NewHub(log)
		defer hub.Close()
	}

	var sms notification.SMSSender
	if cfg.Notifications.SMS.Enabled && cfg.Integrations.AWS.SNS.Enabled {
		client, err := awsclient.NewSNSClient(ctx, cfg.Integrations.AWS.Region, cfg.Integrations.AWS.SNS.DefaultSMSSenderID)
		if err != nil {
			zapLog.Error("sns client init failed, sms disabled", zap.Error(err))
		} else {
			sms = notification.NewSNSSender(client)
		}
	}
	var email notification.EmailSender
	if cfg.Notifications.Email.Enabled && cfg.Integrations.AWS.SES.Enabled {
		client, err := awsclient.NewSESClient(ctx, cfg.Integrations.AWS.Region, cfg.Integrations.AWS.SES.FromEmail)
		if err != nil {
			zapLog.Error("ses client init failed, email disabled", zap.Error(err))
		} else {
			email = notification.NewSESSender(client)
		}
	}

	svc.Use(
		notification.NewStatusHook(notification.Config{
			SMSEnabled:       sms != nil,
			EmailEnabled:     email != nil,
			WebSocketEnabled: hub != nil,
			HistoryLimit:     cfg.Notifications.HistoryLimit,
		}, svc, sms, email, hub, log),
		orchestrator.NewPersonalServiceHook(svc, log),
	)

	var indexer *search.TransitionIndexer
	if cfg.Database.Elasticsearch.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping(ctx)
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")
		if err != nil {
			zapLog.Error("elasticsearch unavailable, transition indexing disabled", zap.Error(err))
		} else if err := esClient.EnsureIndex(ctx, cfg.Search.TransitionIndex, search.IndexMapping); err != nil {
			zapLog.Error("transition index setup failed, indexing disabled", zap.Error(err))
		} else {
			indexer = search.NewTransitionIndexer(esClient.Client, cfg.Search.TransitionIndex, log)
			svc.Use(indexer)
			checks["search"] = esClient.Ping
			zapLog.Info("Elasticsearch connected successfully")
		}
	}

	// --- Expiry sweep ---
	var scheduler *cron.Cron
	if cfg.Sweep.Enabled {
		scheduler = cron.New()
		_, err := scheduler.AddFunc(cfg.Sweep.Schedule, func() {
			runSweep(context.Background(), svc, log)
		})
		if err != nil {
			zapLog.Fatal("invalid sweep schedule", zap.String("schedule", cfg.Sweep.Schedule), zap.Error(err))
		}
		scheduler.Start()
		zapLog.Info("Expiry sweep scheduled", zap.String("schedule", cfg.Sweep.Schedule))
	}

	// --- Zeebe workers ---
	var workers []*camunda.Worker
	var zeebe *camunda.Client
	if cfg.Camunda.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClientWithConfig(ctx, camunda.ConfigFrom(cfg.Camunda))
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		checks["zeebe"] = zeebe.HealthCheck
		zapLog.Info("Zeebe client connected successfully")

		workers = startWorkers(zeebe.GetClient(), cfg, svc, log)
		zapLog.Info("Workers registered", zap.Int("count", len(workers)))
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Server, svc, hub, checks, log)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Server.ShutdownTimeout))
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down http server", zap.Error(err))
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	for _, w := range workers {
		w.Stop()
	}
	if zeebe != nil {
		if err := zeebe.Close(); err != nil {
			zapLog.Error("Error closing Zeebe client", zap.Error(err))
		}
	}

	zapLog.Info("Lifecycle service stopped gracefully")
}

func startWorkers(client zbc.Client, cfg *config.Config, svc *orchestrator.Service, log logger.Logger) []*camunda.Worker {
	var started []*camunda.Worker

	start := func(taskType string, handler camunda.JobHandler) {
		if w := camunda.StartWorker(client, taskType, config.GetWorkerConfig(cfg, taskType), handler, log); w != nil {
			started = append(started, w)
		}
	}

	start(scc.TaskType, scc.NewHandler(&scc.Config{
		Timeout: config.GetDuration(config.GetWorkerConfig(cfg, scc.TaskType).Timeout),
	}, svc, log))

	start(aur.TaskType, aur.NewHandler(&aur.Config{
		Timeout: config.GetDuration(config.GetWorkerConfig(cfg, aur.TaskType).Timeout),
	}, svc, log))

	return started
}

// runSweep expires lapsed sessions, then purges those past retention.
func runSweep(ctx context.Context, svc *orchestrator.Service, log logger.Logger) {
	now := time.Now().UTC()

	expired, err := svc.ExpireSweep(ctx, now)
	if err != nil {
		log.WithError(err).Error("expiry sweep failed", nil)
		return
	}
	purged, err := svc.Purge(ctx, now)
	if err != nil {
		log.WithError(err).Error("purge failed", nil)
		return
	}
	log.Info("sweep finished", map[string]interface{}{
		"expired": expired,
		"purged":  purged,
	})
}
