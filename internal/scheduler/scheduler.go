// Package scheduler runs one-shot and periodic callbacks from a min-heap
// of deadlines.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

var ErrStopped = &Error{"scheduler is stopped"}

// Error is a scheduler error
type Error struct {
	msg string
}

func (e *Error) Error() string {
	return e.msg
}

type task struct {
	id       string
	at       time.Time
	interval time.Duration
	fn       func()
	running  bool
	index    int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Stats describes the scheduler state
type Stats struct {
	Scheduled int   `json:"scheduled"`
	Running   int   `json:"running"`
	Fired     int64 `json:"fired"`
	Skipped   int64 `json:"skipped"`
}

// Scheduler fires callbacks at their deadline. A periodic task whose
// previous run is still in progress skips that occurrence.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	heap    taskHeap
	tasks   map[string]*task
	fired   int64
	skipped int64
	started bool
	stopped bool

	wakeup   chan struct{}
	stopCh   chan struct{}
	loopDone chan struct{}
	running  sync.WaitGroup
}

func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		clock:    clock,
		tasks:    make(map[string]*task),
		wakeup:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

// Schedule runs fn once at the given time. An existing task with the same
// id is replaced.
func (s *Scheduler) Schedule(id string, at time.Time, fn func()) error {
	return s.add(&task{id: id, at: at, fn: fn})
}

// Every runs fn after initialDelay and then every interval until cancelled.
func (s *Scheduler) Every(id string, initialDelay, interval time.Duration, fn func()) error {
	if interval <= 0 {
		return &Error{"interval must be positive"}
	}
	return s.add(&task{id: id, at: s.clock.Now().Add(initialDelay), interval: interval, fn: fn})
}

func (s *Scheduler) add(t *task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if existing, ok := s.tasks[t.id]; ok {
		heap.Remove(&s.heap, existing.index)
	}
	heap.Push(&s.heap, t)
	s.tasks[t.id] = t

	if s.heap[0] == t {
		s.notify()
	}
	return nil
}

func (s *Scheduler) notify() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Cancel removes a task. A callback already running is not interrupted.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	if t.index >= 0 {
		heap.Remove(&s.heap, t.index)
	}
	delete(s.tasks, id)
	return true
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Scheduled: len(s.tasks), Fired: s.fired, Skipped: s.skipped}
	for _, t := range s.tasks {
		if t.running {
			st.Running++
		}
	}
	return st
}

// Start launches the dispatch loop. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop halts the loop and waits for running callbacks until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	close(s.stopCh)
	s.mu.Unlock()

	if started {
		<-s.loopDone
	}

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	defer close(s.loopDone)

	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}

		var due <-chan time.Time
		if s.heap.Len() > 0 {
			next := s.heap[0]
			now := s.clock.Now()
			if !next.at.After(now) {
				s.fire(next, now)
				s.mu.Unlock()
				continue
			}
			due = s.clock.WaitUntil(next.at)
		}
		s.mu.Unlock()

		select {
		case <-due:
		case <-s.wakeup:
		case <-s.stopCh:
			return
		}
	}
}

// fire pops t and, for periodic tasks, pushes the next occurrence. Must be
// called with s.mu held.
func (s *Scheduler) fire(t *task, now time.Time) {
	heap.Pop(&s.heap)

	if t.interval > 0 {
		t.at = t.at.Add(t.interval)
		if !t.at.After(now) {
			t.at = now.Add(t.interval)
		}
		heap.Push(&s.heap, t)
	} else {
		delete(s.tasks, t.id)
	}

	if t.running {
		s.skipped++
		return
	}
	t.running = true
	s.fired++
	s.running.Add(1)

	go func() {
		defer s.running.Done()
		defer func() {
			s.mu.Lock()
			t.running = false
			s.mu.Unlock()
		}()
		t.fn()
	}()
}
