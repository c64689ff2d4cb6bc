package core

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bitlair/Print-manager/internal/config"
	"github.com/bitlair/Print-manager/internal/extract"
)

// Task is one extraction request. Generation ties the result back to the
// request that produced it.
type Task struct {
	ID         string
	Serial     string
	Generation uint64
	Ordinal    int
	Run        func(ctx context.Context) (*extract.Metadata, error)
}

type Result struct {
	TaskID     string
	Generation uint64
	Metadata   *extract.Metadata
	Err        error
}

// Pool runs extraction tasks with bounded concurrency. Each task is delayed
// by base + ordinal*step before it competes for a worker slot, so printers
// finishing together do not hit shared storage at the same moment.
type Pool struct {
	sem         *semaphore.Weighted
	staggerBase time.Duration
	staggerStep time.Duration
	timeout     time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg config.ExtractionConfig, logger *slog.Logger) *Pool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:         semaphore.NewWeighted(int64(workers)),
		staggerBase: cfg.StaggerBase,
		staggerStep: cfg.StaggerStep,
		timeout:     cfg.Timeout,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (p *Pool) StaggerDelay(ordinal int) time.Duration {
	return p.staggerBase + time.Duration(ordinal)*p.staggerStep
}

// Submit schedules task and calls deliver exactly once with its result,
// including when the task is cancelled or panics.
func (p *Pool) Submit(task Task, deliver func(Result)) context.CancelFunc {
	var ctx context.Context
	var cancel context.CancelFunc
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.StaggerDelay(task.Ordinal)+p.timeout)
	} else {
		ctx, cancel = context.WithCancel(p.ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()

		res := p.run(ctx, task)
		deliver(res)
	}()
	return cancel
}

func (p *Pool) run(ctx context.Context, task Task) (res Result) {
	res = Result{TaskID: task.ID, Generation: task.Generation}
	logger := p.logger.With("serial", task.Serial, "task", task.ID, "generation", task.Generation)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("extraction panicked", "panic", r, "stack", string(debug.Stack()))
			res.Metadata = nil
			res.Err = fmt.Errorf("%w: panic: %v", extract.ErrExtractionFailed, r)
		}
	}()

	if delay := p.StaggerDelay(task.Ordinal); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			res.Err = ctx.Err()
			return res
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		res.Err = err
		return res
	}
	defer p.sem.Release(1)

	start := time.Now()
	logger.Info("extraction started")
	res.Metadata, res.Err = task.Run(ctx)
	if res.Err != nil {
		logger.Warn("extraction failed", "error", res.Err, "duration", time.Since(start))
	} else {
		logger.Info("extraction finished", "duration", time.Since(start))
	}
	return res
}

// Close cancels outstanding tasks and waits for them to deliver.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
