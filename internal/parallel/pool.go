// Package parallel provides the CPU executor that stands in for an
// accelerator's wide parallel dispatch.
package parallel

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned when work is dispatched to a closed pool.
var ErrPoolClosed = errors.New("parallel: pool closed")

// DefaultGroupWidth is the number of lanes in one group. It plays the role
// of a compute workgroup: elements inside one aligned group are always
// processed by a single worker, in order.
const DefaultGroupWidth = 256

// WorkerPool is a pool of goroutines executing dispatches.
//
// The pool distributes work items across multiple workers, each with their own
// queue. Workers can steal work from other workers when their own queue is empty.
// A dispatch returns only after every item has run, which is the barrier
// between consecutive stages.
//
// Thread safety: WorkerPool is safe for concurrent use.
type WorkerPool struct {
	// workers is the number of worker goroutines.
	workers int

	// width is the group width in elements.
	width int

	// workQueues holds per-worker work queues.
	workQueues []chan func()

	// done signals workers to stop.
	done chan struct{}

	// wg waits for all workers to finish.
	wg sync.WaitGroup

	// running indicates whether the pool is accepting work.
	running atomic.Bool

	// closeMu orders enqueues against Close: senders hold it shared while
	// they check running and queue items, Close holds it exclusively while
	// it clears running.
	closeMu sync.RWMutex

	// dispatches counts completed Dispatch calls.
	dispatches atomic.Uint64
}

// NewWorkerPool creates a new worker pool with the specified number of workers
// and group width. If workers is 0 or negative, GOMAXPROCS is used. A width
// that is not a positive power of two selects DefaultGroupWidth.
func NewWorkerPool(workers, width int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if width <= 0 || width&(width-1) != 0 {
		width = DefaultGroupWidth
	}

	queueSize := workers * 4
	if queueSize < 8 {
		queueSize = 8
	}

	p := &WorkerPool{
		workers:    workers,
		width:      width,
		workQueues: make([]chan func(), workers),
		done:       make(chan struct{}),
	}
	for i := range workers {
		p.workQueues[i] = make(chan func(), queueSize)
	}

	p.running.Store(true)

	p.wg.Add(workers)
	for i := range workers {
		go p.worker(i)
	}

	return p
}

// worker is the main loop for each worker goroutine.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	myQueue := p.workQueues[id]

	for {
		select {
		case <-p.done:
			p.drainQueue(myQueue)
			return

		case work := <-myQueue:
			if work != nil {
				work()
			}

		default:
			if stolen := p.steal(id); stolen != nil {
				stolen()
				continue
			}
			select {
			case <-p.done:
				p.drainQueue(myQueue)
				return
			case work := <-myQueue:
				if work != nil {
					work()
				}
			}
		}
	}
}

// drainQueue executes all remaining work in a queue.
func (p *WorkerPool) drainQueue(queue chan func()) {
	for {
		select {
		case work := <-queue:
			if work != nil {
				work()
			}
		default:
			return
		}
	}
}

// steal attempts to take work from another worker's queue.
func (p *WorkerPool) steal(myID int) func() {
	for i := range p.workers {
		if i == myID {
			continue
		}
		select {
		case work := <-p.workQueues[i]:
			return work
		default:
		}
	}
	return nil
}

// ExecuteAll distributes work across workers and waits for all of it to
// complete. It returns ErrPoolClosed if the pool is closed before the work
// is queued. Once queued, every item runs even if Close is called.
func (p *WorkerPool) ExecuteAll(work []func()) error {
	if len(work) == 0 {
		return nil
	}

	var completionWG sync.WaitGroup
	if err := p.enqueue(work, &completionWG); err != nil {
		return err
	}
	completionWG.Wait()
	return nil
}

// enqueue queues every item of work, or none if the pool is closed.
// Close waits for it, so the workers cannot drain and exit between the
// running check and the last send.
func (p *WorkerPool) enqueue(work []func(), wg *sync.WaitGroup) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if !p.running.Load() {
		return ErrPoolClosed
	}

	wg.Add(len(work))
	for i, fn := range work {
		workFn := fn
		p.workQueues[i%p.workers] <- func() {
			defer wg.Done()
			workFn()
		}
	}
	return nil
}

// Dispatch runs fn over the index range [0, n) and returns once every lane
// has finished. The range is split into chunks whose boundaries are
// multiples of the group width, so a chunk always holds whole groups.
func (p *WorkerPool) Dispatch(n int, fn func(lo, hi int)) error {
	if n <= 0 {
		return nil
	}

	groups := (n + p.width - 1) / p.width
	perChunk := (groups + p.workers - 1) / p.workers
	chunk := perChunk * p.width

	work := make([]func(), 0, p.workers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		work = append(work, func() { fn(lo, hi) })
	}

	if err := p.ExecuteAll(work); err != nil {
		return err
	}
	p.dispatches.Add(1)
	return nil
}

// Close gracefully shuts down the pool.
// It stops accepting new work, waits for all queued work to complete,
// and then stops all workers.
// Close is safe to call multiple times.
func (p *WorkerPool) Close() {
	p.closeMu.Lock()
	stopped := p.running.CompareAndSwap(true, false)
	p.closeMu.Unlock()
	if !stopped {
		return
	}
	close(p.done)
	p.wg.Wait()
}

// Workers returns the number of workers in the pool.
func (p *WorkerPool) Workers() int {
	return p.workers
}

// Width returns the group width.
func (p *WorkerPool) Width() int {
	return p.width
}

// Dispatches returns how many dispatches have completed.
func (p *WorkerPool) Dispatches() uint64 {
	return p.dispatches.Load()
}

// IsRunning returns true if the pool is still accepting work.
func (p *WorkerPool) IsRunning() bool {
	return p.running.Load()
}

// QueuedWork returns the total number of work items currently queued.
// This is an approximation as queues can change while iterating.
func (p *WorkerPool) QueuedWork() int {
	total := 0
	for _, q := range p.workQueues {
		total += len(q)
	}
	return total
}
