// Package job runs CPU work on a fixed set of worker goroutines. Jobs form
// a dependency graph; batch jobs are split across workers item by item.
package job

import (
	"runtime"
	"sync"
	"sync/atomic"
)

type Kind int

const (
	// KindSimple runs one function once.
	KindSimple Kind = iota
	// KindBatch calls a function per item, claimed in groups.
	KindBatch
	// KindComplex calls a function per workgroup of items.
	KindComplex
)

// Job is a unit of work. Create jobs with System.New*, wire dependencies,
// then queue them.
type Job struct {
	kind     Kind
	simple   func()
	batch    func(item uint32)
	complex  func(first, count uint32)
	items    uint32
	group    uint32
	claimed  atomic.Uint32
	finished atomic.Uint32
	deps     atomic.Int32
	queued   atomic.Bool
	done     atomic.Bool

	mu         sync.Mutex
	dependents []*Job
}

// Done reports whether every item of the job has run.
func (j *Job) Done() bool { return j.done.Load() }

func (j *Job) total() uint32 {
	if j.kind == KindSimple {
		return 1
	}
	return j.items
}

// System is a pool of workers sharing one runnable queue. A single
// condition variable signals both new work and job completion.
type System struct {
	workers  int
	mu       sync.Mutex
	cond     *sync.Cond
	runnable []*Job
	pending  int
	stop     bool
	wg       sync.WaitGroup
}

// NewSystem starts workers goroutines, or one per CPU when workers <= 0.
func NewSystem(workers int) *System {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	s := &System{workers: workers}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(workers)
	for range workers {
		go s.worker()
	}
	return s
}

func (s *System) Workers() int { return s.workers }

func (s *System) NewSimple(fn func()) *Job {
	return &Job{kind: KindSimple, simple: fn}
}

// NewBatch calls fn for each item in [0, count); workers claim group items
// at a time.
func (s *System) NewBatch(count, group uint32, fn func(item uint32)) *Job {
	return &Job{kind: KindBatch, batch: fn, items: count, group: max(group, 1)}
}

// NewComplex calls fn once per workgroup of up to workgroupSize items.
func (s *System) NewComplex(count, workgroupSize uint32, fn func(first, count uint32)) *Job {
	return &Job{kind: KindComplex, complex: fn, items: count, group: max(workgroupSize, 1)}
}

// AddDependency makes job wait for dependsOn. Both must not be queued yet.
func (s *System) AddDependency(job, dependsOn *Job) {
	job.deps.Add(1)
	dependsOn.mu.Lock()
	dependsOn.dependents = append(dependsOn.dependents, job)
	dependsOn.mu.Unlock()
}

// Queue submits jobs. Jobs with unresolved dependencies become runnable
// when their last dependency finishes.
func (s *System) Queue(jobs ...*Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.queued.Swap(true) {
			continue
		}
		s.pending++
		if j.deps.Load() == 0 {
			s.readyLocked(j)
		}
	}
	s.cond.Broadcast()
}

// Wait blocks until job has finished.
func (s *System) Wait(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !job.done.Load() {
		s.cond.Wait()
	}
}

// WaitAll blocks until every queued job has finished.
func (s *System) WaitAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
}

// Close lets queued work drain and stops the workers.
func (s *System) Close() {
	s.WaitAll()
	s.mu.Lock()
	s.stop = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *System) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.runnable) == 0 && !s.stop {
			s.cond.Wait()
		}
		if s.stop {
			s.mu.Unlock()
			return
		}
		j := s.runnable[0]
		first, count := s.claimLocked(j)
		s.mu.Unlock()

		s.run(j, first, count)

		if j.finished.Add(count) == j.total() {
			s.mu.Lock()
			s.finishLocked(j)
			s.cond.Broadcast()
			s.mu.Unlock()
		}
	}
}

// claimLocked takes the next slice of items from the head job and pops it
// once every item is claimed.
func (s *System) claimLocked(j *Job) (uint32, uint32) {
	total := j.total()
	step := uint32(1)
	if j.kind != KindSimple {
		step = j.group
	}
	first := j.claimed.Load()
	count := min(step, total-first)
	j.claimed.Store(first + count)
	if first+count == total {
		s.runnable = s.runnable[1:]
	}
	return first, count
}

func (s *System) run(j *Job, first, count uint32) {
	switch j.kind {
	case KindSimple:
		if j.simple != nil {
			j.simple()
		}
	case KindBatch:
		for i := first; i < first+count; i++ {
			j.batch(i)
		}
	case KindComplex:
		j.complex(first, count)
	}
}

func (s *System) finishLocked(j *Job) {
	j.done.Store(true)
	s.pending--
	j.mu.Lock()
	dependents := j.dependents
	j.mu.Unlock()
	for _, d := range dependents {
		if d.deps.Add(-1) == 0 && d.queued.Load() && !d.done.Load() {
			s.readyLocked(d)
		}
	}
}

func (s *System) readyLocked(j *Job) {
	if j.total() == 0 {
		s.finishLocked(j)
		return
	}
	s.runnable = append(s.runnable, j)
}
