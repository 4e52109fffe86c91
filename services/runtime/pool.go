package runtime

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"graphflow/pkg/werr"
)

// PoolConfig configures the shared worker pool (spec.md §4.H/§5:
// "a single shared, bounded worker pool with configurable core/max thread
// counts and a bounded task queue").
type PoolConfig struct {
	CorePoolSize  int
	MaxPoolSize   int
	QueueCapacity int
}

// DefaultPoolConfig returns a modest pool sized for local development.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{CorePoolSize: 4, MaxPoolSize: 16, QueueCapacity: 256}
}

// Pool is the process-singleton worker pool every job execution shares
// (spec.md §5: "Multiple executions share the same pool"). Concurrency is
// bounded by a weighted semaphore sized to MaxPoolSize; submissions beyond
// that but within QueueCapacity block a backlog slot until a permit frees;
// submissions beyond the queue capacity run on the caller's own goroutine
// (caller-runs policy), matching the Java-style ThreadPoolExecutor
// semantics spec.md describes, expressed with Go's concurrency primitives
// rather than a literal core/max thread pair — CorePoolSize is carried in
// PoolConfig for configuration-surface fidelity but does not change
// scheduling behavior; Go goroutines make the core/max distinction moot,
// the semaphore-bounded ceiling is what actually limits concurrency.
type Pool struct {
	cfg        PoolConfig
	sem        *semaphore.Weighted
	queueSlots chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	shutdown bool
}

// NewPool builds a Pool from cfg.
func NewPool(cfg PoolConfig) *Pool {
	return &Pool{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.MaxPoolSize)),
		queueSlots: make(chan struct{}, cfg.QueueCapacity),
	}
}

// Submit runs task on the pool. It returns a RuntimeError{ExecutorShutdown}
// if the pool has been shut down; otherwise it always accepts the task,
// falling back to running it on the calling goroutine when both the
// worker ceiling and the backlog queue are full.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.Lock()
	down := p.shutdown
	p.mu.Unlock()
	if down {
		return werr.NewRuntimeError(werr.ExecutorShutdown, "", nil)
	}

	if p.sem.TryAcquire(1) {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			task()
		}()
		return nil
	}

	select {
	case p.queueSlots <- struct{}{}:
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.queueSlots }()
			if err := p.sem.Acquire(ctx, 1); err != nil {
				// context cancelled while queued; run inline rather than
				// drop the task silently.
				task()
				return
			}
			defer p.sem.Release(1)
			task()
		}()
		return nil
	default:
		slog.Warn("worker pool queue full, running task on caller goroutine")
		task()
		return nil
	}
}

// Shutdown marks the pool closed to new submissions and waits for every
// in-flight and queued task to finish.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.wg.Wait()
}
