// Command tradecapture-svc is the partition-serialized trade capture
// server: it wires the REST ingress, the queue ingress, the partition
// dispatcher and worker orchestrator, and the metrics listener into one
// process, then blocks until a shutdown signal or unrecoverable runtime
// fault.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	goredis "github.com/redis/go-redis/v9"

	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/api"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/config"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/ingress"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/log"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/migrations"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/backpressure"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/blotter"
	rediscache "github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/cache/redis"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/deadletter"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/dispatcher"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/idempotency"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/jobs"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/metrics"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/notify"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/partitionstate"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/pipeline"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/publish"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/queueingress"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/sequence"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/shared/circuitbreaker"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/webhook"
	"github.com/srviswan/pb-synth-tradecapture-svc-sub002/pkg/worker"
)

const serviceName = "tradecapture-svc"

func main() {
	os.Exit(run())
}

// run returns the process exit code: 0 clean shutdown, 1 fatal init
// failure, 2 unrecoverable runtime fault.
func run() int {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.yaml"), "path to the service YAML config")
	flag.Parse()

	bootLogger := log.NewLogger(log.Options{Development: true, Level: 1})

	watcher, err := config.NewWatcher(*configPath, bootLogger)
	if err != nil {
		bootLogger.Error(err, "config load failed")
		return 1
	}
	defer watcher.Close()
	cfg := watcher.Current()

	logger := log.NewLogger(log.Options{Format: cfg.Logging.Format, Development: cfg.Logging.Format == "console"})

	db, err := sqlx.Connect("pgx", cfg.Database.DSN)
	if err != nil {
		logger.Error(err, "database connect failed")
		return 1
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := migrate(db.DB); err != nil {
		logger.Error(err, "database migration failed")
		return 1
	}

	redisClient := rediscache.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
	defer redisClient.Close()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := redisClient.EnsureConnection(ctx); err != nil {
		logger.Error(err, "redis connect failed")
		return 1
	}

	cache := rediscache.NewCache(redisClient)
	locker := rediscache.NewLocker(redisClient, logger)

	blotterRepo := blotter.NewRepository(db, logger)
	idempotencyRepo := idempotency.NewRepository(db, logger)
	idempotencyStore := idempotency.NewStore(cache, idempotencyRepo, cfg.Idempotency.Window, logger)
	partitionStateStore := partitionstate.NewStore(db, logger)
	deadLetterStore := deadletter.NewStore(db, logger)
	jobsRegistry := jobs.NewRegistry(cache, 24*time.Hour, logger)
	sequenceMgr := sequence.NewManager(cfg.Sequence, logger)
	backpressureCtrl := backpressure.NewController(cfg.Backpressure, logger)

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewNotifier(cfg.Notify.Token, cfg.Notify.Channel, logger)
	}

	webhookDispatcher := webhook.NewDispatcher(cfg.Webhook, logger)
	defer webhookDispatcher.Close()

	deepValidateStage, err := pipeline.NewDeepValidateStage(ctx, pipeline.DefaultPolicy)
	if err != nil {
		logger.Error(err, "deep-validate policy compile failed")
		return 1
	}

	enrichBreaker := circuitbreaker.New(circuitbreaker.Config{Name: "enrich", MaxFailures: 5, Timeout: 30 * time.Second})
	ruleSetVersion := "v1"

	preCommit := pipeline.New(logger,
		pipeline.QuickValidateStage{},
		pipeline.EnrichStage{
			Enrichers:       nil,
			MandatoryFields: nil,
			Breaker:         enrichBreaker,
			Logger:          logger,
		},
		pipeline.RulesStage{Rules: nil, Version: ruleSetVersion},
		deepValidateStage,
		pipeline.StateTransitionStage{},
	)

	var publishers []pipeline.Publisher
	if cfg.Publish.HTTPURL != "" {
		publishers = append(publishers, publish.NewHTTPPublisher(cfg.Publish.HTTPURL, cfg.Publish.HTTPTimeout, logger))
	}
	publishers = append(publishers, publish.NewPqNotifyPublisher(db.DB, cfg.Publish.NotifyChannel, logger))

	commitPhase := func(seq int64, allowGap bool) *pipeline.Pipeline {
		return pipeline.New(logger,
			pipeline.PersistBlotterStage{Repo: blotterRepo},
			pipeline.CommitStage{
				PartitionState: partitionStateStore,
				Idempotency:    idempotencyStore,
				AllowGap:       allowGap,
				Sequence:       seq,
			},
			pipeline.PublishStage{
				Publishers: publishers,
				Logger:     logger,
			},
		)
	}

	orch := &worker.Orchestrator{
		Locker:         locker,
		Idempotency:    idempotencyStore,
		Sequence:       sequenceMgr,
		PartitionState: partitionStateStore,
		Blotter:        blotterRepo,
		Jobs:           jobsRegistry,
		Webhook:        webhookDispatcher,
		DeadLetter:     deadLetterStore,
		Notifier:       notifier,
		Logger:         logger,
		LockCfg:        cfg.Lock,
		PreCommit:      preCommit,
		CommitPhase:    commitPhase,
	}

	disp := dispatcher.New(cfg.Dispatcher.WorkerPoolSize, orch.Process, logger)
	orch.SetDispatcher(disp)
	disp.Start(ctx)
	defer disp.Stop()

	go orch.RunSweeper(ctx, cfg.Sequence.HoldDeadline)

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n, err := idempotencyStore.ArchiveExpired(ctx, now); err != nil {
					logger.Error(err, "idempotency archive sweep failed")
				} else if n > 0 {
					logger.Info("archived expired idempotency records", "count", n)
				}
			}
		}
	}()

	ingressSvc := &ingress.Service{
		Backpressure: backpressureCtrl,
		Idempotency:  idempotencyStore,
		Jobs:         jobsRegistry,
		Dispatcher:   disp,
		Logger:       logger,
	}

	router := api.NewRouter(api.Deps{
		Ingress:       ingressSvc,
		Jobs:          jobsRegistry,
		Blotter:       blotterRepo,
		Backpressure:  backpressureCtrl,
		Sequence:      sequenceMgr,
		MaxUploadRows: cfg.Upload.MaxTrades,
		ServiceName:   serviceName,
		Logger:        logger,
	})
	httpServer := &http.Server{Addr: ":" + cfg.Server.HTTPPort, Handler: router}

	metricsServer := metrics.NewServer(":"+cfg.Server.MetricsPort, logger)
	metricsServer.StartAsync()

	var queueConsumer *queueingress.Consumer
	if len(cfg.Queue.Brokers) > 0 {
		queueConsumer, err = queueingress.NewConsumer(cfg.Queue, ingressSvc, backpressureCtrl, logger)
		if err != nil {
			logger.Error(err, "queue consumer init failed")
			return 1
		}
		go queueConsumer.Run(ctx)
		go queueConsumer.RunLagReporter(ctx, 15*time.Second)
	}

	runtimeFault := make(chan error, 1)
	go func() {
		logger.Info("REST listener starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			runtimeFault <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-runtimeFault:
		logger.Error(err, "unrecoverable runtime fault")
		return 2
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "REST listener shutdown failed")
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error(err, "metrics listener shutdown failed")
	}
	if queueConsumer != nil {
		queueConsumer.Close()
	}
	return 0
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
