package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orchestrator/internal/backoff"
	"orchestrator/internal/command"
	"orchestrator/internal/config"
	"orchestrator/internal/episode"
	"orchestrator/internal/handler"
	"orchestrator/internal/observability"
	"orchestrator/internal/progress"
	"orchestrator/internal/queue"
	"orchestrator/internal/queue/memstore"
	"orchestrator/internal/queue/pgstore"
	"orchestrator/internal/resilience"
	"orchestrator/internal/stagehandler"
	"orchestrator/internal/task"
	"orchestrator/internal/transport"
	"orchestrator/internal/worker"
)

// main is a deterministic boundary: it canonicalizes CLI args into a Config
// via config.Parse before any engine logic runs.
func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		var invErr *config.InvocationError
		if errors.As(err, &invErr) {
			fmt.Fprintln(os.Stderr, invErr.Message)
			os.Exit(invErr.ExitCode)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck
	log.Info("starting orchestratord", zap.String("config", cfg.String()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer closeStore()

	schedule := backoff.NewSchedule(backoff.Config{
		Base:       cfg.BackoffBase(),
		Multiplier: cfg.BackoffMultiplier,
		Cap:        cfg.BackoffCap(),
		Jitter:     0.2,
	})

	q := queue.New(store, schedule, queue.Config{
		MaxRetries:             cfg.MaxRetries,
		OrphanStaleness:        cfg.OrphanStaleness(),
		CompletedRetentionDays: cfg.CompletedRetentionDays,
	})

	episodes := episode.NewMemRepository()
	failures := &episode.FailureRecorder{Store: store}
	bus := progress.NewBus(cfg.ProgressSubscriberBuf)

	handlers := handler.NewRegistry()
	for _, stage := range []task.Stage{
		task.StageDownload, task.StageDownsample, task.StageTranscribe, task.StageClean, task.StageSummarize,
	} {
		h := stagehandler.New(stage, episodes)
		if cfg.BreakerMaxConsecutiveFailures > 0 {
			h = resilience.Wrap(h, resilience.BreakerConfig{
				Stage:                  stage,
				MaxConsecutiveFailures: uint32(cfg.BreakerMaxConsecutiveFailures),
			})
		}
		handlers.Register(stage, h)
	}

	commands := command.New(q, episodes, bus)
	srv := transport.New(transport.Options{
		Commands:       commands,
		Queue:          q,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         log,
	})
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: srv}

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < cfg.WorkerCount; i++ {
		w := worker.New(q, episodes, handlers, bus, failures, log.With(zap.Int("worker_id", i)), metrics, worker.Config{
			IdleSleep: cfg.WorkerIdleSleep(),
		})
		g.Go(func() error { return w.Run(ctx) })
	}

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WorkerIdleSleep()*5)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return refreshQueueDepthLoop(ctx, q, metrics) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("orchestratord stopped")
	return nil
}

// refreshQueueDepthLoop keeps the orchestrator_queue_depth gauge current by
// polling counts_by_status every few seconds; /metrics never blocks on a
// live Store read.
func refreshQueueDepthLoop(ctx context.Context, q *queue.Queue, metrics *observability.Metrics) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			counts, err := q.SnapshotQueue(ctx)
			if err != nil {
				continue
			}
			metrics.RefreshQueueDepth(counts.Counts)
		}
	}
}

// openStore builds the configured Store backend: PostgreSQL when
// DatabaseURL is set (running migrations first), otherwise the in-memory
// reference store. It returns a close func the caller must always invoke.
func openStore(ctx context.Context, cfg *config.Config) (queue.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		return memstore.New(), func() {}, nil
	}

	sqlDB, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("opening sql.DB: %w", err)
	}
	if err := pgstore.Migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, err
	}
	if err := sqlDB.Close(); err != nil {
		return nil, nil, err
	}

	store, err := pgstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}
