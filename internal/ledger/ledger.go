// Package ledger tracks, per staging scope, the newest upload timestamp
// already accounted for.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/nepiskopos/open-webui-enhancements/internal/models"
)

const mirrorTimeout = 2 * time.Second

// Mirror persists watermarks outside the process.
type Mirror interface {
	Load(ctx context.Context, key models.SessionKey) (int64, bool)
	Store(ctx context.Context, key models.SessionKey, ts int64)
}

// Subscriber is implemented by mirrors that broadcast advances made by
// other replicas.
type Subscriber interface {
	Subscribe(ctx context.Context, apply func(models.SessionKey, int64))
}

// Ledger is a max-only watermark map. Absent keys read as zero.
type Ledger struct {
	mu     sync.Mutex
	marks  map[models.SessionKey]int64
	mirror Mirror
}

func New(mirror Mirror) *Ledger {
	return &Ledger{
		marks:  make(map[models.SessionKey]int64),
		mirror: mirror,
	}
}

// Get returns the watermark for key. On a local miss the mirror is consulted
// so a restarted replica keeps recognising old uploads.
func (l *Ledger) Get(key models.SessionKey) int64 {
	l.mu.Lock()
	v, ok := l.marks[key]
	l.mu.Unlock()
	if ok || l.mirror == nil {
		return v
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	remote, found := l.mirror.Load(ctx, key)
	if !found {
		return 0
	}
	l.apply(key, remote)
	return l.peek(key)
}

// Update stores max(stored, candidate).
func (l *Ledger) Update(key models.SessionKey, candidate int64) {
	if !l.apply(key, candidate) || l.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	l.mirror.Store(ctx, key, candidate)
}

// Seed sets the watermark only when none is recorded and returns the
// resulting value.
func (l *Ledger) Seed(key models.SessionKey, ts int64) int64 {
	if current := l.Get(key); current != 0 {
		return current
	}
	l.Update(key, ts)
	return l.peek(key)
}

// Forget drops the local entry. The mirror keeps its copy until it expires.
func (l *Ledger) Forget(key models.SessionKey) {
	l.mu.Lock()
	delete(l.marks, key)
	l.mu.Unlock()
}

// Mirrored reports whether forgotten entries can be recovered from a mirror.
func (l *Ledger) Mirrored() bool { return l.mirror != nil }

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.marks)
}

// Follow applies advances broadcast by other replicas until ctx ends.
func (l *Ledger) Follow(ctx context.Context) {
	if sub, ok := l.mirror.(Subscriber); ok {
		sub.Subscribe(ctx, func(key models.SessionKey, ts int64) {
			l.apply(key, ts)
		})
	}
}

func (l *Ledger) apply(key models.SessionKey, candidate int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if candidate <= l.marks[key] {
		return false
	}
	l.marks[key] = candidate
	return true
}

func (l *Ledger) peek(key models.SessionKey) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.marks[key]
}
