package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueFull is returned by Submit when the task queue is at capacity
var ErrQueueFull = errors.New("transfer queue is full")

// Task is one background transfer unit. Run receives the pool's context,
// not the context of the request that submitted it; the submitting handler
// has already responded by the time Run executes.
type Task struct {
	UploadID string
	Run      func(ctx context.Context) error
}

// Pool manages a fixed set of workers draining the background transfer
// queue. Task failures are logged here; outcome accounting happens inside
// each task.
type Pool struct {
	size   int
	tasks  chan Task
	logger *zap.Logger

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a worker pool with a bounded queue
func NewPool(size, queueSize int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	return &Pool{
		size:   size,
		tasks:  make(chan Task, queueSize),
		logger: logger,
	}
}

// Start launches the workers. Safe to call once; the pool runs until Close.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})
}

// Submit enqueues a task without blocking. Returns ErrQueueFull when the
// queue cannot take it.
func (p *Pool) Submit(task Task) error {
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for in-flight ones to finish
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("transfer worker started")

	for {
		select {
		case task, ok := <-p.tasks:
			if !ok {
				logger.Debug("transfer worker finished - queue closed")
				return
			}

			if err := task.Run(ctx); err != nil {
				logger.Error("background transfer failed",
					zap.String("upload_id", task.UploadID),
					zap.Error(err),
				)
			}

		case <-ctx.Done():
			logger.Debug("transfer worker stopped - context cancelled")
			return
		}
	}
}
