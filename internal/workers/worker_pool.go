package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/Trustflow-Network-Labs/eo-pipeline-node/internal/utils"
)

// ErrPoolStopped is returned when submitting to a pool that is shutting down
var ErrPoolStopped = errors.New("worker pool is shutting down")

// WorkerPool runs submitted funcs on a fixed number of goroutines
type WorkerPool struct {
	name       string
	ctx        context.Context
	cancel     context.CancelFunc
	numWorkers int
	workerChan chan func()
	wg         sync.WaitGroup
	busy       atomic.Int32
	startOnce  sync.Once
	stopOnce   sync.Once
	logger     *utils.LogsManager
}

// NewWorkerPool creates a pool of numWorkers goroutines; the queue holds as many pending funcs as workers
func NewWorkerPool(ctx context.Context, name string, numWorkers int, logger *utils.LogsManager) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	poolCtx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		name:       name,
		ctx:        poolCtx,
		cancel:     cancel,
		numWorkers: numWorkers,
		workerChan: make(chan func(), numWorkers),
		logger:     logger,
	}
}

// Start launches the workers; calling it again is a no-op
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		wp.logger.Info(fmt.Sprintf("Starting %s worker pool with %d workers", wp.name, wp.numWorkers), "workers")

		for i := 0; i < wp.numWorkers; i++ {
			wp.wg.Add(1)
			go wp.work(i)
		}
	})
}

func (wp *WorkerPool) work(id int) {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.workerChan:
			wp.run(id, task)

		case <-wp.ctx.Done():
			wp.logger.Debug(fmt.Sprintf("%s worker %d stopping (context done)", wp.name, id), "workers")
			return
		}
	}
}

// run executes one task; a panic is logged and the worker keeps serving
func (wp *WorkerPool) run(id int, task func()) {
	wp.busy.Add(1)
	defer wp.busy.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error(fmt.Sprintf("%s worker %d panic recovered: %v\n%s", wp.name, id, r, debug.Stack()), "workers")
		}
	}()
	task()
}

// Submit queues task, blocking while the queue is full
func (wp *WorkerPool) Submit(task func()) error {
	select {
	case <-wp.ctx.Done():
		return ErrPoolStopped
	default:
	}

	select {
	case wp.workerChan <- task:
		return nil
	case <-wp.ctx.Done():
		return ErrPoolStopped
	}
}

// TrySubmit queues task only if there is room right now
func (wp *WorkerPool) TrySubmit(task func()) bool {
	if wp.ctx.Err() != nil {
		return false
	}
	select {
	case wp.workerChan <- task:
		return true
	default:
		return false
	}
}

// Stop cancels the pool and waits for running tasks to return. Queued tasks that never started are dropped.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.logger.Info(fmt.Sprintf("Stopping %s worker pool", wp.name), "workers")
		wp.cancel()
		wp.wg.Wait()
		wp.logger.Info(fmt.Sprintf("%s worker pool stopped", wp.name), "workers")
	})
}

// Size returns the number of workers
func (wp *WorkerPool) Size() int {
	return wp.numWorkers
}

// Busy returns the number of workers currently running a task
func (wp *WorkerPool) Busy() int {
	return int(wp.busy.Load())
}

// Context is cancelled when the pool stops; long tasks should watch it
func (wp *WorkerPool) Context() context.Context {
	return wp.ctx
}
