// Package pool provides a worker pool bounding node invocation concurrency.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents one unit of work, typically a single node invocation.
type Task func(ctx context.Context) error

// WorkerPool runs tasks on a bounded set of workers. The scheduler uses one
// pool per run: MaxWorkers caps how many independent branches execute at
// once, and MaxWorkers=1 degrades to fully sequential execution without any
// scheduler changes.
type WorkerPool struct {
	maxWorkers  int
	queue       chan job
	workerCount atomic.Int32
	activeCount atomic.Int32
	closed      atomic.Bool
	wg          sync.WaitGroup

	dispatched atomic.Int64
	finished   atomic.Int64
	failed     atomic.Int64
	rejected   atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type job struct {
	task   Task
	ctx    context.Context
	result chan error
}

// Config configures a WorkerPool.
type Config struct {
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultConfig returns defaults suited to workflow execution: a handful of
// workers and a queue deep enough for wide fan-out layers.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  8,
		QueueSize:   256,
		IdleTimeout: 30 * time.Second,
	}
}

// New creates a worker pool. MaxWorkers below 1 is treated as 1.
func New(config Config) *WorkerPool {
	if config.MaxWorkers < 1 {
		config.MaxWorkers = 1
	}
	if config.QueueSize < 1 {
		config.QueueSize = config.MaxWorkers
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	return &WorkerPool{
		maxWorkers:   config.MaxWorkers,
		queue:        make(chan job, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit enqueues a task without waiting for its completion.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.dispatched.Add(1)

	select {
	case p.queue <- job{task: task, ctx: ctx}:
		p.ensureWorker()
		return nil
	default:
		if p.trySpawnWorker() {
			select {
			case p.queue <- job{task: task, ctx: ctx}:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues a task and blocks until it finishes or ctx is done.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.dispatched.Add(1)

	j := job{task: task, ctx: ctx, result: make(chan error, 1)}

	select {
	case p.queue <- j:
		p.ensureWorker()
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.trySpawnWorker()
	}
}

func (p *WorkerPool) trySpawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.run(j)
			p.activeCount.Add(-1)

			if j.result != nil {
				j.result <- err
				close(j.result)
			}

			if err != nil {
				p.failed.Add(1)
			} else {
				p.finished.Add(1)
			}

			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// Keep one worker alive for the life of the pool.
			if p.workerCount.Load() > 1 {
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return j.task(j.ctx)
}

// Close drains the queue and waits for all workers to exit.
func (p *WorkerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

// Stats returns a point-in-time view of the pool.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:    int(p.workerCount.Load()),
		Active:     int(p.activeCount.Load()),
		Queued:     len(p.queue),
		Dispatched: p.dispatched.Load(),
		Finished:   p.finished.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers    int   `json:"workers"`
	Active     int   `json:"active"`
	Queued     int   `json:"queued"`
	Dispatched int64 `json:"dispatched"`
	Finished   int64 `json:"finished"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
}
