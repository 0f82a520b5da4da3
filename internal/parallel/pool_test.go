package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// WorkerPool Creation Tests
// =============================================================================

func TestWorkerPool_Create(t *testing.T) {
	pool := NewWorkerPool(4, 64)
	defer pool.Close()

	if pool.Workers() != 4 {
		t.Errorf("Workers() = %d, want 4", pool.Workers())
	}
	if pool.Width() != 64 {
		t.Errorf("Width() = %d, want 64", pool.Width())
	}
	if !pool.IsRunning() {
		t.Error("Pool should be running after creation")
	}
}

func TestWorkerPool_CreateDefaults(t *testing.T) {
	pool := NewWorkerPool(-5, 100)
	defer pool.Close()

	if want := runtime.GOMAXPROCS(0); pool.Workers() != want {
		t.Errorf("Workers() = %d, want %d (GOMAXPROCS)", pool.Workers(), want)
	}
	if pool.Width() != DefaultGroupWidth {
		t.Errorf("Width() = %d, want %d for non power of two", pool.Width(), DefaultGroupWidth)
	}
}

// =============================================================================
// ExecuteAll Tests
// =============================================================================

func TestWorkerPool_ExecuteAll(t *testing.T) {
	pool := NewWorkerPool(4, 0)
	defer pool.Close()

	var counter atomic.Int64
	numTasks := 100

	work := make([]func(), numTasks)
	for i := range work {
		work[i] = func() {
			counter.Add(1)
		}
	}

	if err := pool.ExecuteAll(work); err != nil {
		t.Fatalf("ExecuteAll() error = %v", err)
	}
	if counter.Load() != int64(numTasks) {
		t.Errorf("counter = %d, want %d", counter.Load(), numTasks)
	}
}

func TestWorkerPool_ExecuteAll_Empty(t *testing.T) {
	pool := NewWorkerPool(4, 0)
	defer pool.Close()

	if err := pool.ExecuteAll(nil); err != nil {
		t.Errorf("ExecuteAll(nil) error = %v", err)
	}
}

func TestWorkerPool_ExecuteAll_Closed(t *testing.T) {
	pool := NewWorkerPool(2, 0)
	pool.Close()

	err := pool.ExecuteAll([]func(){func() {}})
	if err != ErrPoolClosed {
		t.Errorf("ExecuteAll() error = %v, want ErrPoolClosed", err)
	}
}

// =============================================================================
// Dispatch Tests
// =============================================================================

func TestWorkerPool_DispatchCoversRange(t *testing.T) {
	pool := NewWorkerPool(3, 16)
	defer pool.Close()

	const n = 1000
	hits := make([]int32, n)
	err := pool.Dispatch(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			atomic.AddInt32(&hits[i], 1)
		}
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	for i, h := range hits {
		if h != 1 {
			t.Fatalf("index %d visited %d times, want 1", i, h)
		}
	}
	if pool.Dispatches() != 1 {
		t.Errorf("Dispatches() = %d, want 1", pool.Dispatches())
	}
}

func TestWorkerPool_DispatchChunksAreGroupAligned(t *testing.T) {
	pool := NewWorkerPool(4, 32)
	defer pool.Close()

	var mu sync.Mutex
	var bad [][2]int
	err := pool.Dispatch(4096, func(lo, hi int) {
		if lo%32 != 0 || (hi != 4096 && hi%32 != 0) {
			mu.Lock()
			bad = append(bad, [2]int{lo, hi})
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(bad) != 0 {
		t.Errorf("unaligned chunks: %v", bad)
	}
}

func TestWorkerPool_DispatchIsABarrier(t *testing.T) {
	pool := NewWorkerPool(4, 8)
	defer pool.Close()

	const n = 512
	a := make([]int, n)
	b := make([]int, n)

	// Second dispatch reads a neighbour written by the first.
	for pass := 0; pass < 10; pass++ {
		if err := pool.Dispatch(n, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				a[i] = pass*n + i
			}
		}); err != nil {
			t.Fatal(err)
		}
		if err := pool.Dispatch(n, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				b[i] = a[(i+n/2)%n]
			}
		}); err != nil {
			t.Fatal(err)
		}
		for i := range b {
			if want := pass*n + (i+n/2)%n; b[i] != want {
				t.Fatalf("pass %d: b[%d] = %d, want %d", pass, i, b[i], want)
			}
		}
	}
}

func TestWorkerPool_DispatchEmpty(t *testing.T) {
	pool := NewWorkerPool(2, 0)
	defer pool.Close()

	called := false
	if err := pool.Dispatch(0, func(int, int) { called = true }); err != nil {
		t.Errorf("Dispatch(0) error = %v", err)
	}
	if called {
		t.Error("Dispatch(0) should not call fn")
	}
}

// =============================================================================
// Close Tests
// =============================================================================

func TestWorkerPool_CloseIdempotent(t *testing.T) {
	pool := NewWorkerPool(4, 0)

	pool.Close()
	pool.Close()

	if pool.IsRunning() {
		t.Error("Pool should not be running after close")
	}
	if pool.QueuedWork() != 0 {
		t.Errorf("QueuedWork() = %d, want 0 after close", pool.QueuedWork())
	}
}

func TestWorkerPool_CloseDuringDispatch(t *testing.T) {
	const senders, lanes = 8, 1024

	for round := 0; round < 50; round++ {
		pool := NewWorkerPool(4, 16)

		var wg sync.WaitGroup
		var ran atomic.Int64
		errs := make(chan error, senders)
		for range senders {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					err := pool.Dispatch(lanes, func(lo, hi int) { ran.Add(int64(hi - lo)) })
					if err != nil {
						errs <- err
						return
					}
				}
			}()
		}
		runtime.Gosched()
		pool.Close()

		finished := make(chan struct{})
		go func() {
			wg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: Dispatch did not return after Close", round)
		}

		close(errs)
		for err := range errs {
			if err != ErrPoolClosed {
				t.Errorf("round %d: Dispatch() error = %v, want ErrPoolClosed", round, err)
			}
		}
		if got := ran.Load(); got%lanes != 0 {
			t.Errorf("round %d: %d lanes ran, want whole dispatches only", round, got)
		}
	}
}
