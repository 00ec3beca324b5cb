package pool

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// Strand is a serializing executor layered over the shared Worker pool. Tasks
// posted to the same strand run one at a time in submission order, though not
// necessarily on the same worker goroutine. Two tasks posted to the same
// strand never run concurrently, so state owned by a strand needs no
// additional locking.
type Strand struct {
	started sync.Once
	stopped sync.Once

	workers *Worker

	// tasks buffers posted closures in submission order. The queue is
	// unbounded, so Post never blocks the caller.
	tasks *queue.ConcurrentQueue

	// runningID holds the goroutine id of the worker currently executing
	// a task on this strand, or zero when the strand is idle. It exists
	// only to back the InStrand debug assertion.
	runningID atomic.Uint64

	// onStop is invoked once when the strand stops, letting the executor
	// untrack it. Set by the executor before the strand is handed out.
	onStop func()

	wg   sync.WaitGroup
	quit chan struct{}
}

// newStrand creates a strand bound to the given worker pool and starts its
// pump. Strands are minted by Executor.NewStrand.
func newStrand(workers *Worker) *Strand {
	s := &Strand{
		workers: workers,
		tasks:   queue.NewConcurrentQueue(16),
		quit:    make(chan struct{}),
	}

	s.started.Do(func() {
		s.tasks.Start()
		s.wg.Add(1)
		go s.pump()
	})

	return s
}

// Post enqueues a task for serialized execution on the strand. Post never
// blocks and may be called from any goroutine, including from a task already
// running on this or another strand. Tasks posted after Stop are discarded.
func (s *Strand) Post(task func()) {
	select {
	case <-s.quit:
		return
	default:
	}

	select {
	case s.tasks.ChanIn() <- task:
	case <-s.quit:
	}
}

// Stop halts the strand's pump and releases the executor's reference to it.
// Tasks already handed to a worker complete; queued tasks are dropped. Stop
// is idempotent, signals only, and is safe to call from a task running on
// this very strand.
func (s *Strand) Stop() {
	s.stopped.Do(func() {
		close(s.quit)
		if s.onStop != nil {
			s.onStop()
		}
	})
}

// join blocks until the pump goroutine has exited. Must not be called from a
// task running on this strand.
func (s *Strand) join() {
	s.wg.Wait()
}

// InStrand reports whether the calling goroutine is currently executing a
// task on this strand. It is intended for debug assertions guarding
// strand-confined state.
func (s *Strand) InStrand() bool {
	return s.runningID.Load() == goroutineID()
}

// pump feeds queued tasks to the shared worker pool one at a time. Submit
// blocks until the task has run, which is what gives the strand its
// serialization guarantee.
func (s *Strand) pump() {
	defer s.wg.Done()
	defer s.tasks.Stop()

	for {
		select {
		case t, ok := <-s.tasks.ChanOut():
			if !ok {
				return
			}

			task := t.(func())
			err := s.workers.Submit(func() {
				s.runningID.Store(goroutineID())
				defer s.runningID.Store(0)

				task()
			})
			if err != nil {
				// The pool is shutting down, no further task
				// can ever run.
				return
			}

		case <-s.quit:
			return
		}
	}
}

// goroutineID extracts the numeric id of the calling goroutine from its stack
// header. This is a debug-only facility backing InStrand; no control flow
// depends on it.
func goroutineID() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i > 0 {
		if id, err := strconv.ParseUint(string(b[:i]), 10, 64); err == nil {
			return id
		}
	}
	return 0
}
