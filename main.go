package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nepiskopos/open-webui-enhancements/internal/api"
	"github.com/nepiskopos/open-webui-enhancements/internal/cleanup"
	"github.com/nepiskopos/open-webui-enhancements/internal/config"
	"github.com/nepiskopos/open-webui-enhancements/internal/docload"
	"github.com/nepiskopos/open-webui-enhancements/internal/ledger"
	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
	"github.com/nepiskopos/open-webui-enhancements/internal/metrics"
	"github.com/nepiskopos/open-webui-enhancements/internal/redis"
	"github.com/nepiskopos/open-webui-enhancements/internal/storage"
	"github.com/nepiskopos/open-webui-enhancements/internal/worker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// run owns the process resources; main only reports its error.
func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	cfgPath := os.Getenv("OWUI_PIPELINES_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		AppID:  "owui-pipelines",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var journal api.Journal
	if dbType := cfg.BasicConfig.Journal; dbType != "" {
		logger.Info("opening turn journal", "driver", dbType)
		db, err := storage.Open(dbType, cfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		if err := storage.Migrate(db, dbType); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		journal = storage.NewJournal(db)
	}

	var mirror func(string) ledger.Mirror
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		mirror = func(pipeline string) ledger.Mirror {
			return ledger.NewRedisMirror(rdb, pipeline, cfg.Redis.Expiry(), logger)
		}
	}

	loader, err := docload.New(ctx)
	if err != nil {
		return fmt.Errorf("init document loader: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	pool := worker.NewPool(cfg.BasicConfig.MaxWorkers)
	pool.Observe(m.SetBusy)
	remover := cleanup.NewRemover(cfg.BasicConfig.UploadDir, logger)
	remover.Observe(func(o cleanup.Outcome) { m.Artifact(string(o)) })

	newInvoker := api.NewInvokerFactory(cfg.Providers, &http.Client{}, logger)
	deps := api.Deps{
		Logger:     logger,
		Metrics:    m,
		Pool:       pool,
		Remover:    remover,
		Loader:     loader,
		Journal:    journal,
		NewInvoker: newInvoker,
		Mirror:     mirror,
	}
	pipelines := make([]*api.Pipeline, 0, len(cfg.Pipelines))
	for _, pc := range cfg.Pipelines {
		p, err := api.NewPipeline(ctx, pc, cfg.BasicConfig, deps)
		if err != nil {
			return fmt.Errorf("init pipeline: %w", err)
		}
		go p.Orchestrator().Ledger().Follow(ctx)
		p.Janitor().Start(ctx, cfg.BasicConfig.SweepInterval())
		pipelines = append(pipelines, p)
		logger.Info("pipeline ready", "pipeline", pc.ID, "type", pc.Type, "task", pc.Task, "strategy", pc.Strategy, "valves", pc.Valves.Redacted())
	}

	handlers := api.NewHandler(pipelines, api.HandlerOptions{
		NewInvoker: newInvoker,
		Journal:    journal,
		Gatherer:   prometheus.DefaultGatherer,
		Logger:     logger,
	})
	if err := config.Watch(ctx, cfgPath, logger, func(next *config.Config) {
		handlers.ApplyConfig(ctx, next)
	}); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}

	router := gin.Default()
	handlers.RegisterRoutes(router)

	srv := &http.Server{Addr: cfg.BasicConfig.ServerAddress, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("listening", "addr", srv.Addr, "upload_dir", cfg.BasicConfig.UploadDir)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}
