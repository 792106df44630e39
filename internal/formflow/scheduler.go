package formflow

import (
	"sync"
	"time"
)

// Scheduler runs keyed, delayed callbacks. Scheduling a key that is already
// pending replaces it, which gives trailing-edge debounce semantics.
type Scheduler interface {
	Schedule(key string, delay time.Duration, fn func())
	Cancel(key string)
	Pending(key string) bool
	// Dispose cancels every pending callback. Later calls to Schedule are
	// ignored.
	Dispose()
}

type pendingTimer struct {
	timer *time.Timer
	gen   uint64
}

// TimerScheduler is the Scheduler used in production, backed by time.AfterFunc.
type TimerScheduler struct {
	mu       sync.Mutex
	timers   map[string]pendingTimer
	gen      uint64
	disposed bool
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]pendingTimer)}
}

func (s *TimerScheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	if p, ok := s.timers[key]; ok {
		p.timer.Stop()
	}
	s.gen++
	gen := s.gen
	t := time.AfterFunc(delay, func() {
		// A timer that already started when it was replaced or cancelled
		// must not run.
		s.mu.Lock()
		p, ok := s.timers[key]
		if !ok || p.gen != gen || s.disposed {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = pendingTimer{timer: t, gen: gen}
}

func (s *TimerScheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.timers[key]; ok {
		p.timer.Stop()
		delete(s.timers, key)
	}
}

func (s *TimerScheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[key]
	return ok
}

func (s *TimerScheduler) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, key)
	}
	s.disposed = true
}
