package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/nepiskopos/open-webui-enhancements/internal/ledger"
	"github.com/nepiskopos/open-webui-enhancements/internal/logging"
	"github.com/nepiskopos/open-webui-enhancements/internal/staging"
)

const (
	DefaultSweepInterval = 10 * time.Minute
	DefaultMaxScopeAge   = time.Hour
)

// Janitor reclaims scopes whose outlet never ran.
type Janitor struct {
	store   *staging.Store
	ledger  *ledger.Ledger
	remover *Remover
	maxAge  time.Duration
	logger  *slog.Logger
	onSweep func(scopes int)
}

func NewJanitor(store *staging.Store, l *ledger.Ledger, remover *Remover, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if maxAge <= 0 {
		maxAge = DefaultMaxScopeAge
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Janitor{store: store, ledger: l, remover: remover, maxAge: maxAge, logger: logger}
}

// OnSweep registers a callback receiving the number of scopes each sweep reclaimed.
func (j *Janitor) OnSweep(fn func(scopes int)) { j.onSweep = fn }

// Start sweeps on every tick until ctx is cancelled.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go j.loop(ctx, interval)
}

func (j *Janitor) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

// Sweep deletes stale scopes and their artifacts, returning how many scopes
// were reclaimed.
func (j *Janitor) Sweep() int {
	stale := j.store.Stale(j.maxAge)
	reclaimed := 0
	for _, key := range stale {
		files := j.store.Delete(key)
		if files == nil {
			continue
		}
		reclaimed++
		if err := j.remover.RemoveArtifacts(files); err != nil {
			j.logger.Error("sweep stale scope failed", "user_id", key.UserID, "chat_id", key.ChatID, "error", err)
		} else {
			j.logger.Info("swept stale scope", "user_id", key.UserID, "chat_id", key.ChatID, "files", len(files))
		}
		// Without a mirror the watermark is the only record of what was
		// already seen, so it is kept.
		if j.ledger != nil && j.ledger.Mirrored() {
			j.ledger.Forget(key)
		}
	}
	if j.onSweep != nil {
		j.onSweep(reclaimed)
	}
	return reclaimed
}
