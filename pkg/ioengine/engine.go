// Package ioengine implements the bounded-concurrency task pool that
// schedules object-store operations for every cubist driver. One producer
// (the active command's driver) submits small jobs; a fixed set of workers
// executes them. The queue is bounded, so a producer that outruns the
// store blocks instead of buffering unbounded block payloads in memory.
package ioengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cubist-backup/cubist/internal/logger"
	"github.com/cubist-backup/cubist/pkg/cubisterr"
	"github.com/cubist-backup/cubist/pkg/objectstore"
)

// drainTimeout bounds how long Wait blocks on in-flight jobs after a
// failure or cancellation before giving up on a stuck store call.
const drainTimeout = 30 * time.Second

// Job is one unit of work: a single store operation plus its post-action
// (refcount insert, counter decrement, stats update). Run receives a
// context that is cancelled as soon as the run fails or the user
// interrupts; implementations should pass it through to every store call.
type Job struct {
	// Desc names the job in logs and error messages, e.g. "put blocks/ab12...".
	Desc string

	// Run performs the operation. A returned error fails the whole run
	// unless it classifies as Cancelled after the engine itself initiated
	// the cancellation.
	Run func(ctx context.Context) error
}

// Config controls an Engine.
type Config struct {
	// Tasks is the number of concurrent workers. Defaults to 8.
	Tasks int

	// QueueSize bounds the pending-job queue. Defaults to Tasks * 4,
	// which with one block payload per job bounds producer-side memory
	// to a small multiple of the target block size.
	QueueSize int

	// DryRun makes every mutating store operation a no-op that still
	// counts toward the run's stats. Mutually exclusive with Transient.
	DryRun bool

	// Transient records every successful mutation in an undo log and
	// reverses it when the run finishes, successfully or not. Mutually
	// exclusive with DryRun.
	Transient bool
}

// Engine is the shared task pool for one driver run. It owns a wrapped
// view of the object store that implements the run's dry-run or transient
// discipline; drivers must route all store traffic through Store so those
// modes see every mutation.
type Engine struct {
	store    objectstore.Store
	runStore *runStore
	cfg      Config

	jobs   chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	firstErr  error
	cancelled bool // driver-requested cancellation, not a failure
	closed    bool
	finished  bool
	finishErr error

	counters Counters
}

// New constructs an Engine over store. It returns an error if cfg asks
// for dry-run and transient at once, since a rollback of writes that
// never happened is meaningless.
func New(store objectstore.Store, cfg Config) (*Engine, error) {
	if cfg.DryRun && cfg.Transient {
		return nil, fmt.Errorf("dry-run and transient are mutually exclusive: %w", cubisterr.ErrBadConfig)
	}
	if cfg.Tasks <= 0 {
		cfg.Tasks = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Tasks * 4
	}

	e := &Engine{
		store: store,
		cfg:   cfg,
		jobs:  make(chan Job, cfg.QueueSize),
	}
	e.runStore = &runStore{
		inner:     store,
		engine:    e,
		dryRun:    cfg.DryRun,
		transient: cfg.Transient,
	}
	if cfg.Transient {
		e.runStore.undo = newUndoLog()
	}
	return e, nil
}

// Store returns the run-scoped view of the object store. Mutations made
// through it honor the engine's dry-run and transient modes and feed the
// run's counters.
func (e *Engine) Store() objectstore.Store {
	return e.runStore
}

// Counters returns a snapshot of the run's operation counters.
func (e *Engine) Counters() CounterSnapshot {
	return e.counters.snapshot()
}

// Start launches the worker pool. In transient mode it first snapshots
// the two metadata singletons so rollback can restore them verbatim.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if e.cfg.Transient {
		if err := e.runStore.undo.snapshotMetadata(e.ctx, e.store); err != nil {
			e.cancel()
			return fmt.Errorf("snapshotting metadata for transient run: %w", err)
		}
	}

	logger.DebugCtx(ctx, "starting io engine",
		logger.Tasks(e.cfg.Tasks),
		logger.DryRun(e.cfg.DryRun),
		logger.Transient(e.cfg.Transient))

	for i := 0; i < e.cfg.Tasks; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return nil
}

// Submit enqueues a job, blocking while the queue is full. It returns
// immediately with the run's first error if the run has already failed,
// so a producer deep inside a file walk stops promptly.
func (e *Engine) Submit(job Job) error {
	select {
	case <-e.ctx.Done():
		return e.runError()
	default:
	}

	select {
	case e.jobs <- job:
		return nil
	case <-e.ctx.Done():
		return e.runError()
	}
}

// Cancel requests cancellation of the run. Jobs failing with Cancelled
// after this call are expected and not escalated to a run failure.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	e.mu.Unlock()
	e.cancel()
}

// Wait closes the queue, waits for all workers to drain, and returns the
// run's first error, if any. In-flight jobs are awaited up to a fixed
// timeout so a wedged store call cannot hang the process forever.
func (e *Engine) Wait() error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		logger.Warn("io engine drain timed out", "timeout", drainTimeout.String())
		e.cancel()
		<-done
	}

	return e.runError()
}

// Finish completes the run: it waits for outstanding jobs and, in
// transient mode, applies the undo log on every exit path, success or
// failure. Drivers defer Finish as soon as Start succeeds. Calling it
// twice is harmless; the second call returns the first call's result
// without waiting or rolling back again.
func (e *Engine) Finish(ctx context.Context) error {
	e.mu.Lock()
	if e.finished {
		err := e.finishErr
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	runErr := e.Wait()

	if e.cfg.Transient {
		// Rollback runs against the raw store with a fresh context so it
		// still executes after cancellation.
		if err := e.runStore.undo.rollback(ctx, e.store); err != nil {
			logger.ErrorCtx(ctx, "transient rollback failed", logger.Err(err))
			if runErr == nil {
				runErr = err
			}
		}
	}
	e.cancel()

	e.mu.Lock()
	e.finished = true
	e.finishErr = runErr
	e.mu.Unlock()
	return runErr
}

func (e *Engine) worker() {
	defer e.wg.Done()

	for job := range e.jobs {
		if e.ctx.Err() != nil {
			e.recordFailure(job.Desc, fmt.Errorf("%s: %w", job.Desc, cubisterr.ErrCancelled))
			continue
		}

		if err := job.Run(e.ctx); err != nil {
			e.recordFailure(job.Desc, err)
		}
	}
}

// recordFailure captures the first real error, cancels everything else,
// and ignores Cancelled errors when the driver asked for the cancellation.
func (e *Engine) recordFailure(desc string, err error) {
	kind := cubisterr.Classify(err)

	e.mu.Lock()
	if kind == cubisterr.KindCancelled && e.cancelled {
		e.mu.Unlock()
		return
	}
	if e.firstErr == nil {
		e.firstErr = err
		logger.Error("job failed, cancelling run",
			"job", desc,
			logger.ErrorKind(kind),
			logger.Err(err))
	}
	e.mu.Unlock()

	e.cancel()
}

func (e *Engine) runError() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.firstErr != nil {
		return e.firstErr
	}
	if e.cancelled {
		return fmt.Errorf("run cancelled: %w", cubisterr.ErrCancelled)
	}
	if err := e.ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("run cancelled: %w", cubisterr.ErrCancelled)
		}
		return err
	}
	return nil
}
