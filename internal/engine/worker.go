package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/loomlang/loom/pkg/ir"
)

// PoolMetrics counts branch outcomes across all loops run on the pool.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds the engine's total loop concurrency. Individual loops
// declare their own parallelism; the pool's semaphore caps the sum, so many
// concurrent runs cannot multiply into unbounded goroutine growth.
type WorkerPool struct {
	sem     chan struct{}
	metrics PoolMetrics
}

// NewWorkerPool creates a pool with the given engine-wide concurrency cap.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Gather runs n indexed branches with at most limit of them in flight,
// additionally bounded by the pool's engine-wide cap, and blocks until every
// branch has finished. The returned slice holds each branch's outcome at its
// index. A branch that panics is reported as an execution error at its index,
// never as a silent success; a branch that cannot start because the context
// ended reports the context error.
func (p *WorkerPool) Gather(ctx context.Context, n, limit int, run func(ctx context.Context, i int) error) []error {
	if limit <= 0 || limit > n {
		limit = n
	}
	errs := make([]error, n)
	local := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			local <- struct{}{}
			defer func() { <-local }()

			select {
			case p.sem <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-p.sem }()

			atomic.AddInt64(&p.metrics.Active, 1)
			defer atomic.AddInt64(&p.metrics.Active, -1)

			errs[i] = p.runBranch(ctx, i, run)
			if errs[i] != nil {
				atomic.AddInt64(&p.metrics.Failed, 1)
			} else {
				atomic.AddInt64(&p.metrics.Completed, 1)
			}
		}(i)
	}
	wg.Wait()
	return errs
}

// runBranch executes one branch, converting a panic into an execution error
// so it surfaces through the normal merge instead of killing the process.
func (p *WorkerPool) runBranch(ctx context.Context, i int, run func(ctx context.Context, i int) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			err = ir.NewErrorf(ir.ErrCodeExecution, "loop branch %d panicked: %v", i, rec)
		}
	}()
	return run(ctx, i)
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
