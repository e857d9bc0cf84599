package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hirehub/view-service/internal/config"
	"github.com/hirehub/view-service/internal/domain"
	"github.com/hirehub/view-service/internal/infrastructure/postgres"
	"github.com/hirehub/view-service/internal/infrastructure/rabbitmq"
	redisinfra "github.com/hirehub/view-service/internal/infrastructure/redis"
	"github.com/hirehub/view-service/internal/logger"
	"github.com/hirehub/view-service/internal/security"
	"github.com/hirehub/view-service/internal/service"
	"github.com/hirehub/view-service/internal/transport/rest"
	"github.com/hirehub/view-service/internal/worker"
	"github.com/hirehub/view-service/internal/workerpool"
	"github.com/hirehub/view-service/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// after Load so LOG_* from .env take effect
	logger.Init()

	log := logger.Logger.With().Str("env", cfg.AppEnv).Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()
		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	db := stdlib.OpenDBFromPool(dbPool)
	defer db.Close()

	if cfg.MigrateOnStart {
		if err := postgres.Migrate(rootCtx, db, migrations.FS); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
	}
	repo := postgres.New(db)

	// ---- Redis ----
	rdb := redisinfra.NewClient(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer rdb.Close()
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()
		// views degrade to durable-only reads while redis is down, so keep going
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}
	counters := redisinfra.NewCounterStore(rdb, cfg.RedisKeyPrefix)
	dedup := redisinfra.NewDeduplicator(rdb, cfg.RedisKeyPrefix, cfg.Views.DedupWindow)
	locker := redisinfra.NewLocker(rdb, cfg.RedisKeyPrefix)

	// ---- RabbitMQ (cycle notifications) ----
	var pub domain.EventPublisher = domain.NoopPublisher{}
	if cfg.RabbitURL != "" {
		p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			log.Warn().Err(err).Msg("rabbitmq unavailable; cycle events disabled")
		} else {
			defer p.Close()
			pub = p
			log.Info().Str("exchange", cfg.RabbitExchange).Msg("rabbitmq connected")
		}
	}

	var bg sync.WaitGroup
	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()

	// ---- Raw events ----
	var sink service.RawEventSink
	if cfg.Views.RawEventsEnabled {
		w := service.NewRawEventWriter(repo, cfg.Views.RawEventBuffer, cfg.Views.RawEventBatch, cfg.Views.RawEventFlushEvery)
		sink = w
		bg.Add(1)
		go func() {
			defer bg.Done()
			w.Run(bgCtx)
		}()
	}

	// ---- Workers ----
	flusher := worker.NewFlusher(counters, repo, locker, pub, nil, worker.FlusherConfig{
		Interval:    cfg.Views.FlushInterval,
		Budget:      cfg.Views.FlushBudget,
		OpTimeout:   cfg.Views.FlushOpTimeout,
		Workers:     cfg.Views.FlushWorkers,
		MaxSubjects: cfg.Views.FlushMaxSubjects,
	})
	sweeper := worker.NewSweeper(repo, counters, locker, pub, nil, worker.SweeperConfig{
		Interval:          cfg.Views.SweepInterval,
		RawRetention:      cfg.Views.RawEventRetention,
		FlushLogRetention: cfg.Views.FlushLogRetention,
		BatchSize:         cfg.Views.SweepBatchSize,
		MaxBatches:        cfg.Views.SweepMaxBatches,
	})

	// ---- Application service ----
	svc := service.NewViewService(counters, dedup, repo, sink, nil).
		WithFlushTrigger(int64(cfg.Views.FlushThreshold), flusher)
	pool := workerpool.New(cfg.Views.RecordWorkers, cfg.Views.RecordQueue)
	recorder := service.NewAsyncRecorder(svc, pool, cfg.Views.RecordTimeout)

	flusher.Start(rootCtx)
	sweeper.Start(rootCtx)

	// ---- HTTP ----
	var verifier security.AccessTokenVerifier
	if cfg.JWTSecret != "" {
		verifier = security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer)
	}

	h := rest.NewHandler(svc, recorder, flusher, sweeper,
		rest.Checker{Name: "postgres", Check: repo.Ping},
		rest.Checker{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	)
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:        h,
		Verifier:       verifier,
		InternalSecret: cfg.InternalSecret,
		RateLimit: rest.RateLimit{
			Enabled: cfg.RLEnabled,
			Limit:   cfg.RLLimit,
			Window:  cfg.RLWindow,
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Views.FlushBudget + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// in-flight record jobs finish before the raw writer takes its final batch
	pool.Stop()
	cancelBG()
	bg.Wait()

	log.Info().Msg("shutdown complete")
}
