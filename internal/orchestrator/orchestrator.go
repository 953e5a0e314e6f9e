// Package orchestrator runs the inlet, pipe and outlet hooks of one
// document pipeline against its staging scope.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nepiskopos/open-webui-enhancements/internal/backend"
	"github.com/nepiskopos/open-webui-enhancements/internal/cleanup"
	"github.com/nepiskopos/open-webui-enhancements/internal/ledger"
	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
	"github.com/nepiskopos/open-webui-enhancements/internal/metrics"
	"github.com/nepiskopos/open-webui-enhancements/internal/models"
	"github.com/nepiskopos/open-webui-enhancements/internal/staging"
	"github.com/nepiskopos/open-webui-enhancements/internal/storage"
	"github.com/nepiskopos/open-webui-enhancements/internal/task"
	"github.com/nepiskopos/open-webui-enhancements/internal/worker"
)

// User-facing messages.
const (
	MsgNoFiles       = "No compatible files were uploaded. This model only supports DOCX files with UTF-8 encoding."
	MsgAllEmpty      = "All uploaded DOCX files are empty."
	MsgProcessFailed = "Error processing the content of uploaded DOCX files."
	MsgGenericError  = "An error occurred while processing the uploaded documents. Please try again later."
	ErrorPrefix      = "ERROR: "
	rejectedPrefix   = "This model only supports DOCX files; the following files were not processed: "
)

// ContentLoader extracts text from an artifact on disk.
type ContentLoader interface {
	Load(ctx context.Context, path string) (string, error)
}

// ArtifactRemover deletes the on-disk artifacts of staged files.
type ArtifactRemover interface {
	RemoveArtifacts(files []*models.StagedFile) error
	UploadDir() string
}

// Journal records per-file turn outcomes.
type Journal interface {
	Record(ctx context.Context, entries ...storage.Entry) error
}

type Options struct {
	Pipeline string
	Profile  task.Profile
	Invoker  backend.Invoker
	Ledger   *ledger.Ledger
	Store    *staging.Store
	Pool     *worker.Pool
	Journal  Journal
	Remover  ArtifactRemover
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Loader   ContentLoader
	// EmbedToken carries the chat id to pipe inside the user message. Filter
	// pipelines never reach pipe and leave it off.
	EmbedToken bool
}

// Orchestrator implements the three hooks for one pipeline.
type Orchestrator struct {
	opts Options

	mu      sync.RWMutex
	invoker backend.Invoker
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.New(nil)
	}
	if opts.Store == nil {
		opts.Store = staging.NewStore()
	}
	if opts.Pool == nil {
		opts.Pool = worker.NewPool(0)
	}
	if opts.Remover == nil {
		opts.Remover = cleanup.NewRemover("", opts.Logger)
	}
	opts.Logger = opts.Logger.With("pipeline", opts.Pipeline)
	return &Orchestrator{opts: opts, invoker: opts.Invoker}
}

// SetInvoker swaps the backend, used when valves change at runtime.
func (o *Orchestrator) SetInvoker(inv backend.Invoker) {
	o.mu.Lock()
	o.invoker = inv
	o.mu.Unlock()
}

func (o *Orchestrator) currentInvoker() backend.Invoker {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.invoker
}

// Store exposes the staging store for diagnostics and the janitor.
func (o *Orchestrator) Store() *staging.Store { return o.opts.Store }

// Ledger exposes the watermark ledger.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.opts.Ledger }

// Profile is the task this pipeline runs.
func (o *Orchestrator) Profile() task.Profile { return o.opts.Profile }
