package worker

import (
	"sync"
	"time"
)

// Scheduler is the scheduled-continuation primitive driving the tick
// loop: callers request a wake after a delay, and pending wakes coalesce
// to the earliest one. The run function executes on its own goroutine,
// never concurrently with a pending timer for the same scheduler.
type Scheduler struct {
	mu      sync.Mutex
	timer   *time.Timer
	nextAt  time.Time
	run     func()
	stopped bool
}

// NewScheduler creates a scheduler invoking run on every wake.
func NewScheduler(run func()) *Scheduler {
	if run == nil {
		panic("run cannot be nil")
	}
	return &Scheduler{run: run}
}

// Wake schedules a run after the given delay. If a wake is already
// pending sooner or at the same time, the call is a no-op; a later
// pending wake is pulled forward.
func (s *Scheduler) Wake(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	target := time.Now().Add(delay)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		if !s.nextAt.After(target) {
			return
		}
		s.timer.Stop()
	}

	s.nextAt = target
	s.timer = time.AfterFunc(delay, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	stopped := s.stopped
	s.mu.Unlock()

	if stopped {
		return
	}
	s.run()
}

// Stop cancels any pending wake and rejects future ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
