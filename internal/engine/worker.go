package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/rendis/crmflow/pkg/schema"
)

// ErrPoolShutdown is returned when a run is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// DefaultPoolSize is the default number of runs executed concurrently.
const DefaultPoolSize = 10

// RunFunc executes one workflow run.
type RunFunc func(ctx context.Context) (*ExecutionResult, error)

// RunCallback receives the outcome of a run started by Go. It is called
// exactly once, from the worker goroutine.
type RunCallback func(res *ExecutionResult, err error)

// PoolMetrics counts runs by how they ended. Errored runs returned an error
// instead of a result; panics are counted there too.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Waiting   int64 `json:"waiting"`
	Errored   int64 `json:"errored"`
	Panics    int64 `json:"panics"`
}

type poolCounters struct {
	active, completed, failed, waiting, errored, panics atomic.Int64
}

// WorkerPool bounds how many workflow runs execute at once. A run started on
// the pool outlives the context it was submitted with: cancelling the caller
// only stops the wait for a free slot, never a run already in progress.
type WorkerPool struct {
	size   int
	slots  *semaphore.Weighted
	runs   sync.WaitGroup
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	closing context.Context
	stop    context.CancelFunc

	counters poolCounters
}

// NewWorkerPool creates a pool running at most size runs concurrently.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	closing, stop := context.WithCancel(context.Background())
	return &WorkerPool{
		size:    size,
		slots:   semaphore.NewWeighted(int64(size)),
		logger:  logger,
		closing: closing,
		stop:    stop,
	}
}

// Size returns the pool's concurrency bound.
func (p *WorkerPool) Size() int { return p.size }

// Go waits for a free slot and starts run on it. The wait honours ctx and
// Shutdown; once started, run gets ctx without its cancellation, so request
// deadlines and client disconnects cannot leave a run half written. done is
// called only when Go returns nil.
func (p *WorkerPool) Go(ctx context.Context, run RunFunc, done RunCallback) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.Release(1)
		return ErrPoolShutdown
	}
	p.runs.Add(1)
	p.mu.Unlock()

	p.counters.active.Add(1)
	go p.execute(context.WithoutCancel(ctx), run, done)
	return nil
}

// acquire takes a slot, giving up when ctx ends or the pool shuts down.
func (p *WorkerPool) acquire(ctx context.Context) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	unwatch := context.AfterFunc(p.closing, cancel)
	defer unwatch()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return ErrPoolShutdown
	}
	return nil
}

func (p *WorkerPool) execute(ctx context.Context, run RunFunc, done RunCallback) {
	defer func() {
		p.counters.active.Add(-1)
		p.slots.Release(1)
		p.runs.Done()
	}()

	res, err := p.call(ctx, run)
	p.record(res, err)
	if done != nil {
		done(res, err)
	}
}

// call runs run and turns a panic into an error.
func (p *WorkerPool) call(ctx context.Context, run RunFunc) (res *ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.counters.panics.Add(1)
			p.logger.ErrorContext(ctx, "workflow run panicked", "panic", r)
			res, err = nil, schema.NewErrorf(schema.ErrCodeExecution, "workflow run panicked: %v", r)
		}
	}()
	res, err = run(ctx)
	if err == nil && res == nil {
		err = schema.NewError(schema.ErrCodeExecution, "workflow run returned no result")
	}
	return res, err
}

func (p *WorkerPool) record(res *ExecutionResult, err error) {
	if err != nil {
		p.counters.errored.Add(1)
		return
	}
	switch res.Status {
	case schema.RunStatusCompleted:
		p.counters.completed.Add(1)
	case schema.RunStatusWaiting:
		p.counters.waiting.Add(1)
	default:
		p.counters.failed.Add(1)
	}
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every started run has returned.
func (p *WorkerPool) Wait() {
	p.runs.Wait()
}

// Shutdown rejects new runs, aborts callers waiting for a slot and waits for
// the runs in progress.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.stop()
	}
	p.mu.Unlock()

	p.runs.Wait()
}

// Metrics returns a snapshot of the run counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.counters.active.Load(),
		Completed: p.counters.completed.Load(),
		Failed:    p.counters.failed.Load(),
		Waiting:   p.counters.waiting.Load(),
		Errored:   p.counters.errored.Load(),
		Panics:    p.counters.panics.Load(),
	}
}
