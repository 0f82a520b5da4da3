// Package device provides the execution queues the compute and render
// streams submit to, and the CPU implementation of the compute pipeline.
//
// A Queue is an in-order timeline: work and fence signals are executed by
// one goroutine in exactly the order they were submitted, so a fence
// signal enqueued after a batch completes only once that batch has run.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/sph/internal/fence"
)

// ErrQueueClosed is returned when submitting to a closed queue.
var ErrQueueClosed = errors.New("device: queue closed")

// defaultDepth is the number of items a queue buffers before Submit blocks.
const defaultDepth = 16

// Work is one batch of queue work, for example the five compute stages of
// a frame or one draw.
type Work interface {
	Label() string
	Execute() error
}

// WorkFunc adapts a function to Work.
type WorkFunc struct {
	Name string
	Fn   func() error
}

// Label returns the work label.
func (w WorkFunc) Label() string { return w.Name }

// Execute runs the function.
func (w WorkFunc) Execute() error { return w.Fn() }

type item struct {
	work  Work
	fence *fence.Fence
	value uint64
}

// Queue executes submitted work and fence signals in order on a single
// goroutine.
//
// When a batch fails the queue is lost: later batches are dropped, every
// pending and future signal loses its fence, and Submit returns an error
// wrapping fence.ErrDeviceLost.
type Queue struct {
	name  string
	items chan item
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	lostMu sync.Mutex
	lost   error

	executed atomic.Uint64
}

// NewQueue starts a queue named name.
func NewQueue(name string) *Queue {
	q := &Queue{
		name:  name,
		items: make(chan item, defaultDepth),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) run() {
	defer close(q.done)
	for it := range q.items {
		if it.work != nil {
			q.execute(it.work)
			continue
		}
		if err := q.Err(); err != nil {
			it.fence.Lose(err)
			continue
		}
		it.fence.Signal(it.value)
	}
}

func (q *Queue) execute(w Work) {
	if q.Err() != nil {
		slogger().Debug("dropping work on lost queue", "queue", q.name, "work", w.Label())
		return
	}
	if err := w.Execute(); err != nil {
		q.Lose(fmt.Errorf("%s queue: %s: %w", q.name, w.Label(), err))
		return
	}
	q.executed.Add(1)
}

func (q *Queue) enqueue(it item) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return fmt.Errorf("%w: %s", ErrQueueClosed, q.name)
	}
	if err := q.Err(); err != nil {
		return fmt.Errorf("%w: %w", fence.ErrDeviceLost, err)
	}
	q.items <- it
	return nil
}

// Submit enqueues w behind all previously submitted work.
func (q *Queue) Submit(w Work) error {
	return q.enqueue(item{work: w})
}

// Signal enqueues a signal of f to value behind all previously submitted
// work. It implements fence.Signaler.
func (q *Queue) Signal(f *fence.Fence, value uint64) error {
	return q.enqueue(item{fence: f, value: value})
}

// Lose marks the queue lost with cause. The first cause wins.
func (q *Queue) Lose(cause error) {
	q.lostMu.Lock()
	defer q.lostMu.Unlock()
	if q.lost == nil {
		slogger().Error("queue lost", "queue", q.name, "err", cause)
		q.lost = cause
	}
}

// Err returns the cause the queue was lost with, or nil.
func (q *Queue) Err() error {
	q.lostMu.Lock()
	defer q.lostMu.Unlock()
	return q.lost
}

// Executed returns the number of batches that completed successfully.
func (q *Queue) Executed() uint64 { return q.executed.Load() }

// Close stops accepting work, waits for everything already queued to
// finish and returns the loss cause, if any. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()
	<-q.done
	return q.Err()
}
