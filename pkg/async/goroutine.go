package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/platinummonkey/subscriptionfu/pkg/observability"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// SafeGo runs fn in a goroutine with a timeout, panic recovery and error
// logging. Use it instead of a bare go statement for fire-and-forget work.
// A zero timeout leaves fn bounded only by parent.
func SafeGo(parent context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	go func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(parent, timeout)
		} else {
			ctx, cancel = context.WithCancel(parent)
		}
		defer cancel()
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("background task failed")
		}
	}()
}

// WorkerPool runs submitted tasks on a fixed number of workers. Each task
// gets its own timeout; panics are converted to errors.
type WorkerPool struct {
	workers  int
	taskName string
	timeout  time.Duration
	logger   *observability.Logger

	workCh chan func(context.Context) error
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards closed and is held across a send so close never races it.
	mu     sync.Mutex
	closed bool

	errMu    sync.Mutex
	errs     []error
	shutdown sync.Once
}

// NewWorkerPool starts a pool with the given number of workers
func NewWorkerPool(ctx context.Context, logger *observability.Logger, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   logger.WithField("pool", taskName),
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker()
		}()
	}
	go func() {
		wg.Wait()
		close(p.doneCh)
	}()

	return p
}

// Submit queues a task. It blocks while the queue is full.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Wait stops accepting work, waits for queued tasks to finish and returns
// every task error.
func (p *WorkerPool) Wait() []error {
	p.close()
	<-p.doneCh
	p.cancel()

	p.errMu.Lock()
	defer p.errMu.Unlock()
	out := make([]error, len(p.errs))
	copy(out, p.errs)
	return out
}

// Shutdown stops the pool, cancelling in-flight tasks after timeout
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var err error
	p.shutdown.Do(func() {
		p.close()
		select {
		case <-p.doneCh:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %s shutdown timed out after %v", p.taskName, timeout)
		}
		p.cancel()
	})
	return err
}

func (p *WorkerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.workCh)
	}
}

func (p *WorkerPool) worker() {
	for fn := range p.workCh {
		if p.ctx.Err() != nil {
			p.record(p.ctx.Err())
			continue
		}
		p.run(fn)
	}
}

func (p *WorkerPool) run(fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer observability.RecoverPanicWithCallback(p.logger, p.taskName, func(r interface{}) {
		p.record(observability.PanicError(r))
	})

	if err := fn(ctx); err != nil {
		p.record(err)
	}
}

func (p *WorkerPool) record(err error) {
	p.errMu.Lock()
	p.errs = append(p.errs, err)
	p.errMu.Unlock()
}

// Batch processes items concurrently and returns every error produced.
// The order of returned errors is not defined.
func Batch[T any](ctx context.Context, logger *observability.Logger, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, logger, workers, taskName, timeout)
	for _, item := range items {
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			errs := pool.Wait()
			return append(errs, err)
		}
	}
	return pool.Wait()
}
