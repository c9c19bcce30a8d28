package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fedutinova/fluxqc/internal/autoqc"
	appconfig "github.com/fedutinova/fluxqc/internal/config"
	"github.com/fedutinova/fluxqc/internal/database"
	"github.com/fedutinova/fluxqc/internal/dataset"
	"github.com/fedutinova/fluxqc/internal/extraction"
	"github.com/fedutinova/fluxqc/internal/job"
	"github.com/fedutinova/fluxqc/internal/pipeline"
	"github.com/fedutinova/fluxqc/internal/pool"
	"github.com/fedutinova/fluxqc/internal/qc"
	"github.com/fedutinova/fluxqc/internal/queue"
	"github.com/fedutinova/fluxqc/internal/redis"
	"github.com/fedutinova/fluxqc/internal/reduction"
	"github.com/fedutinova/fluxqc/internal/server"
	"github.com/fedutinova/fluxqc/internal/storage"
	httpapi "github.com/fedutinova/fluxqc/internal/transport/http"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, a.log, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before starting")
	return cmd
}

// backends are the connections shared by serve and the admin commands.
type backends struct {
	db       *database.DB
	redis    *redis.Service
	notifier queue.Notifier
	storage  storage.Storage
}

func (b *backends) Close() {
	if b.notifier != nil {
		_ = b.notifier.Close()
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

func connect(ctx context.Context, cfg appconfig.Config, log *slog.Logger) (*backends, error) {
	b := &backends{}
	maxConns := cfg.DBMaxConns
	if maxConns == 0 {
		// one stage transaction plus progress writes per busy worker
		maxConns = cfg.Pool.MaxActive*2 + 4
	}
	db, err := database.NewDB(ctx, cfg.DatabaseURL, database.Options{MaxConns: int32(maxConns)})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	b.db = db

	if cfg.RedisURL != "" {
		rs, err := redis.New(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.redis = rs
		n, err := queue.NewRedisNotifier(ctx, rs.Client(), queue.DefaultRedisConfig())
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("init redis notifier: %w", err)
		}
		b.notifier = n
	} else {
		log.Info("REDIS_URL not set, using in-process job notifications")
		b.notifier = queue.NewMemoryNotifier(64)
	}

	st, err := storage.NewStorage(ctx, cfg.Storage)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	b.storage = st
	log.Info("storage initialized", "type", storage.Describe(cfg.Storage))
	return b, nil
}

func buildPipeline(cfg appconfig.Config, b *backends, log *slog.Logger) (*pipeline.Orchestrator, error) {
	routines, err := autoqc.Load(cfg.QC.RoutinesPath)
	if err != nil {
		return nil, err
	}
	stages := pipeline.DefaultStages(
		extraction.NewStage(b.storage, nil, log),
		reduction.NewStage(b.db, reduction.MeanCalculator{}, log),
		autoqc.NewStage(qc.NewManager(b.db), routines, log),
	)
	return pipeline.New(b.db, b.notifier, log, stages...)
}

func serve(ctx context.Context, cfg appconfig.Config, log *slog.Logger, migrate bool) error {
	log.Info("starting fluxqc", "addr", cfg.HTTPAddr, "workers", cfg.Pool.Size, "max_active", cfg.Pool.MaxActive)

	if migrate {
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
	}

	b, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	jobs := job.NewStore(b.db.Pool())
	// single node: anything RUNNING was cut off by the previous shutdown
	recovered, err := jobs.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}
	if recovered > 0 {
		log.Warn("requeued jobs left running by a previous process", "count", recovered)
	}

	orch, err := buildPipeline(cfg, b, log)
	if err != nil {
		return err
	}
	workers, err := pool.New(pool.Config{
		Size:      cfg.Pool.Size,
		MaxActive: cfg.Pool.MaxActive,
		Block:     cfg.Pool.Block,
	}, orch.PoolHandler(), jobs, log)
	if err != nil {
		return err
	}
	dispatcher := pool.NewDispatcher(workers, jobs, cfg.Pool.Sweep, log)

	handlers := &httpapi.Handlers{
		Jobs:     jobs,
		Datasets: dataset.NewStore(b.db.Pool()),
		Pipeline: orch,
		QC:       qc.NewManager(b.db),
		Storage:  b.storage,
		Workers:  workers,
		DB:       b.db,
		Config:   cfg,
	}
	if b.redis != nil {
		handlers.Redis = b.redis
	}
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.NewRouter(handlers),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return b.notifier.Subscribe(gctx, func(_ uuid.UUID) { dispatcher.Notify() })
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Pool.ShutdownTimeout)
		defer cancel()
		httpErr := srv.Shutdown(shCtx)
		poolErr := workers.Shutdown(shCtx)
		return errors.Join(httpErr, poolErr)
	})
	return g.Wait()
}
