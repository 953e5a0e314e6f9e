package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nepiskopos/open-webui-enhancements/internal/backend"
	"github.com/nepiskopos/open-webui-enhancements/internal/cleanup"
	"github.com/nepiskopos/open-webui-enhancements/internal/config"
	"github.com/nepiskopos/open-webui-enhancements/internal/ledger"
	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
	"github.com/nepiskopos/open-webui-enhancements/internal/metrics"
	"github.com/nepiskopos/open-webui-enhancements/internal/orchestrator"
	"github.com/nepiskopos/open-webui-enhancements/internal/staging"
	"github.com/nepiskopos/open-webui-enhancements/internal/task"
	"github.com/nepiskopos/open-webui-enhancements/internal/worker"
)

// InvokerFactory builds the backend for a pipeline from its current config.
type InvokerFactory func(ctx context.Context, p config.PipelineConfig) (backend.Invoker, error)

// NewInvokerFactory selects the invocation strategy declared by each pipeline.
func NewInvokerFactory(providers map[string]config.ProviderConfig, client *http.Client, logger *slog.Logger) InvokerFactory {
	return func(ctx context.Context, p config.PipelineConfig) (backend.Invoker, error) {
		switch p.Strategy {
		case config.StrategyChatModel:
			cm, err := backend.NewChatModel(ctx, p.Provider, providers[p.Provider], p.Valves)
			if err != nil {
				return nil, fmt.Errorf("pipeline %s: %w", p.ID, err)
			}
			return backend.NewChatModelInvoker(cm, p.Valves.Timeout(), logger.With("pipeline", p.ID)), nil
		default:
			return backend.NewHTTPInvoker(p.Valves, client, logger.With("pipeline", p.ID)), nil
		}
	}
}

// Deps are the process-wide collaborators shared by every pipeline.
type Deps struct {
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Pool       *worker.Pool
	Remover    *cleanup.Remover
	Loader     orchestrator.ContentLoader
	Journal    Journal
	NewInvoker InvokerFactory
	// Mirror returns the watermark mirror for a pipeline, or nil to keep
	// watermarks in process only.
	Mirror func(pipelineID string) ledger.Mirror
}

// Pipeline is one configured pipeline with its own staging scope space.
type Pipeline struct {
	orch    *orchestrator.Orchestrator
	janitor *cleanup.Janitor

	mu  sync.RWMutex
	cfg config.PipelineConfig
}

// NewPipeline assembles the orchestrator, store, ledger and janitor of one
// pipeline.
func NewPipeline(ctx context.Context, cfg config.PipelineConfig, basic config.BasicConfig, deps Deps) (*Pipeline, error) {
	profile, err := task.ForTask(cfg.Task)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", cfg.ID, err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("app_id", cfg.Valves.AppID)
	var inv backend.Invoker
	if deps.NewInvoker != nil {
		if inv, err = deps.NewInvoker(ctx, cfg); err != nil {
			return nil, err
		}
	}
	var mirror ledger.Mirror
	if deps.Mirror != nil {
		mirror = deps.Mirror(cfg.ID)
	}
	store := staging.NewStore()
	l := ledger.New(mirror)
	remover := deps.Remover
	if remover == nil {
		remover = cleanup.NewRemover("", logger)
	}
	opts := orchestrator.Options{
		Pipeline:   cfg.ID,
		Profile:    profile,
		Invoker:    inv,
		Ledger:     l,
		Store:      store,
		Pool:       deps.Pool,
		Remover:    remover,
		Metrics:    deps.Metrics,
		Logger:     logger,
		Loader:     deps.Loader,
		Journal:    deps.Journal,
		EmbedToken: cfg.Type == config.TypePipe,
	}
	janitor := cleanup.NewJanitor(store, l, remover, basic.MaxScopeAge(), logger.With("pipeline", cfg.ID))
	janitor.OnSweep(func(n int) {
		deps.Metrics.Swept(n)
		deps.Metrics.SetScopes(store.Len())
	})
	return &Pipeline{
		orch:    orchestrator.New(opts),
		janitor: janitor,
		cfg:     cfg,
	}, nil
}

func (p *Pipeline) ID() string { return p.cfg.ID }

// Config returns a copy of the current pipeline config.
func (p *Pipeline) Config() config.PipelineConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Pipeline) Orchestrator() *orchestrator.Orchestrator { return p.orch }

func (p *Pipeline) Janitor() *cleanup.Janitor { return p.janitor }

// setValves swaps the valves and the backend built from them together.
func (p *Pipeline) setValves(v config.Valves, inv backend.Invoker) {
	p.mu.Lock()
	p.cfg.Valves = v
	p.mu.Unlock()
	if inv != nil {
		p.orch.SetInvoker(inv)
	}
}
