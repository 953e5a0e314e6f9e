// Package worker runs per-file backend calls with bounded concurrency.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const defaultWorkers = 4

// Job is one unit of work. Its error is reported back, never shared with
// sibling jobs.
type Job func(ctx context.Context) error

// Pool bounds the number of jobs running at once across every caller.
type Pool struct {
	limit   int
	slots   chan struct{}
	busy    atomic.Int64
	observe func(busy int64)
}

func NewPool(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = defaultWorkers
	}
	return &Pool{
		limit: maxWorkers,
		slots: make(chan struct{}, maxWorkers),
	}
}

// Observe registers a callback invoked whenever the busy count changes.
// It must be set before the pool is used.
func (p *Pool) Observe(fn func(busy int64)) {
	p.observe = fn
}

// Limit is the maximum number of concurrent jobs.
func (p *Pool) Limit() int { return p.limit }

// Busy is the number of jobs currently running.
func (p *Pool) Busy() int64 { return p.busy.Load() }

// Run executes every job and returns their errors by index. A failing job
// does not cancel the others; a cancelled ctx fails the jobs still waiting.
func (p *Pool) Run(ctx context.Context, jobs []Job) []error {
	errs := make([]error, len(jobs))
	var g errgroup.Group
	g.SetLimit(p.limit)
	for i, job := range jobs {
		g.Go(func() error {
			errs[i] = p.run(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (p *Pool) run(ctx context.Context, job Job) (err error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.track(1)
	defer func() {
		p.track(-1)
		<-p.slots
		if r := recover(); r != nil {
			err = fmt.Errorf("worker job panicked: %v", r)
		}
	}()
	return job(ctx)
}

func (p *Pool) track(delta int64) {
	n := p.busy.Add(delta)
	if p.observe != nil {
		p.observe(n)
	}
}
