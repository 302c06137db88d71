package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Scheduler runs at most one pending task per key with cancel-and-replace
// semantics: scheduling under a key that already has a pending task cancels
// the old timer and starts a fresh one. This is the coalescing primitive
// behind the per-category debounce queues.
type Scheduler struct {
	clock clockwork.Clock

	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	timer  clockwork.Timer
	cancel chan struct{}
}

// NewScheduler returns a scheduler driven by clock.
func NewScheduler(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock: clock,
		tasks: make(map[string]*task),
	}
}

// Schedule arranges for fn to run after delay, replacing any pending task
// under the same key. fn runs on its own goroutine.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tasks[key]; ok {
		cancelTask(existing)
	}

	t := &task{
		timer:  s.clock.NewTimer(delay),
		cancel: make(chan struct{}),
	}
	s.tasks[key] = t

	go func() {
		select {
		case <-t.timer.Chan():
		case <-t.cancel:
			return
		}

		s.mu.Lock()
		// A replacement may have raced in; only the live task fires.
		if current, ok := s.tasks[key]; !ok || current != t {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, key)
		s.mu.Unlock()

		fn()
	}()
}

// Cancel drops any pending task under key.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[key]; ok {
		cancelTask(t)
		delete(s.tasks, key)
	}
}

// CancelAll drops every pending task. Used on disconnect.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.tasks {
		cancelTask(t)
		delete(s.tasks, key)
	}
}

// Pending reports whether a task is scheduled under key.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// cancelTask stops the timer and unblocks the goroutine waiting on it.
func cancelTask(t *task) {
	if !t.timer.Stop() {
		select {
		case <-t.timer.Chan():
		default:
		}
	}
	close(t.cancel)
}
