package daemon

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/golithk/kiln/internal/log"
)

// ErrPoolClosed is returned when work is submitted after Close.
var ErrPoolClosed = fmt.Errorf("worker pool is closed")

// ErrPoolBusy is returned when all workers are occupied. Callers drop
// the work; the next poll cycle re-claims it.
var ErrPoolBusy = fmt.Errorf("all workers busy")

// workerPool runs workflow tasks with bounded concurrency.
type workerPool struct {
	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func newWorkerPool(maxWorkers int) *workerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		slots:  make(chan struct{}, maxWorkers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit runs fn on a free worker. Does not block waiting for a slot.
func (p *workerPool) Submit(name string, fn func(ctx context.Context)) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return ErrPoolBusy
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.slots }()
		defer func() {
			if r := recover(); r != nil {
				log.Error(log.CatDaemon, "Worker panic recovered",
					"task", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn(p.ctx)
	}()
	return nil
}

// Active returns the number of occupied worker slots.
func (p *workerPool) Active() int {
	return len(p.slots)
}

// Close stops accepting work, cancels in-flight tasks and waits for
// them to drain.
func (p *workerPool) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.wg.Wait()
}

// Drain waits for in-flight tasks without cancelling them. Used on
// graceful shutdown so running agent work finishes cleanly.
func (p *workerPool) Drain() {
	p.closed.Store(true)
	p.wg.Wait()
	p.cancel()
}
