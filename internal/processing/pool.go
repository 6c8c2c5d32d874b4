// Package processing runs CPU heavy work on a fixed set of goroutines shared by
// every request, so concurrent uploads cannot oversubscribe the machine.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStopped is returned for work submitted after the pool shut down.
var ErrStopped = errors.New("processing pool stopped")

// Task is a unit of work. It receives the submitter's context.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	run  Task
	done chan error
}

// Pool executes Tasks on a fixed number of workers.
type Pool struct {
	queue   chan job
	workers int
	logger  *slog.Logger
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New builds a Pool with queue capacity tied to worker count.
func New(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   make(chan job, workers*4),
		workers: workers,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Workers reports the configured concurrency.
func (p *Pool) Workers() int { return p.workers }

// Start launches the workers. They exit once ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
	p.logger.Info("processing_pool_started", slog.Int("workers", p.workers))
}

// Stop signals the workers to exit and waits for them.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Do queues task and waits for its result. Unlike a fire-and-forget queue it
// blocks while the queue is full, which is how backpressure reaches callers.
// If ctx ends first the task is abandoned; a worker that later picks it up
// skips it.
func (p *Pool) Do(ctx context.Context, task Task) error {
	j := job{ctx: ctx, run: task, done: make(chan error, 1)}
	select {
	case p.queue <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrStopped
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrStopped
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		// Shutdown wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case j := <-p.queue:
			j.done <- p.run(j)
		}
	}
}

func (p *Pool) run(j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		// A panicking codec must not take the whole server down.
		if r := recover(); r != nil {
			p.logger.Error("processing_task_panic", slog.Any("panic", r))
			err = errPanic{value: r}
		}
	}()
	return j.run(j.ctx)
}

type errPanic struct{ value any }

func (e errPanic) Error() string { return fmt.Sprintf("processing task panicked: %v", e.value) }
