package pool

import (
	"sync"
)

// Executor owns the shared worker pool and mints the strands that serialize
// access to channels, sessions and the supervisor. Worker goroutines are
// spawned on demand up to the configured thread count; a strand is a virtual
// single-threaded executor multiplexed over those workers.
//
// Strands are tracked only while alive: a strand stopped by its owner (a
// channel reaching its terminal state retires its strand) is untracked
// immediately, so the executor's footprint follows the live connection set
// rather than the connection history.
type Executor struct {
	started sync.Once
	stopped sync.Once

	workers *Worker

	mtx     sync.Mutex
	strands map[*Strand]struct{}
}

// NewExecutor creates an executor backed by at most threads concurrent
// workers. A thread count below one is clamped to one.
func NewExecutor(threads int) *Executor {
	if threads < 1 {
		threads = 1
	}

	return &Executor{
		workers: NewWorker(&WorkerConfig{
			NumWorkers:    threads,
			WorkerTimeout: DefaultWorkerTimeout,
		}),
		strands: make(map[*Strand]struct{}),
	}
}

// Start spins up the shared worker pool.
func (e *Executor) Start() error {
	var err error
	e.started.Do(func() {
		err = e.workers.Start()
	})
	return err
}

// Stop halts every strand still alive and then joins the worker pool. After
// Stop returns no task is running and none will run.
func (e *Executor) Stop() error {
	var err error
	e.stopped.Do(func() {
		e.mtx.Lock()
		strands := make([]*Strand, 0, len(e.strands))
		for s := range e.strands {
			strands = append(strands, s)
		}
		e.strands = make(map[*Strand]struct{})
		e.mtx.Unlock()

		for _, s := range strands {
			s.Stop()
		}
		for _, s := range strands {
			s.join()
		}

		err = e.workers.Stop()
	})
	return err
}

// NewStrand mints a new serializing executor over the shared pool. The strand
// is tracked until it stops: its owner's Stop untracks it, and executor
// shutdown stops whatever is still alive.
func (e *Executor) NewStrand() *Strand {
	s := newStrand(e.workers)
	s.onStop = func() {
		e.removeStrand(s)
	}

	e.mtx.Lock()
	e.strands[s] = struct{}{}
	e.mtx.Unlock()

	return s
}

// removeStrand drops a stopped strand from tracking.
func (e *Executor) removeStrand(s *Strand) {
	e.mtx.Lock()
	delete(e.strands, s)
	e.mtx.Unlock()
}

// strandCount reports the number of live tracked strands.
func (e *Executor) strandCount() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	return len(e.strands)
}
