package engine

import (
	"sort"
	"sync"
	"time"
)

// Scheduler runs a callback per key after a delay. Scheduling a key that is
// already pending replaces the pending callback and restarts its delay.
type Scheduler interface {
	Schedule(key int, delay time.Duration, fn func())
	Cancel(key int)
}

// TimerScheduler is a Scheduler backed by time.AfterFunc.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[int]*time.Timer
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[int]*time.Timer)}
}

func (s *TimerScheduler) Schedule(key int, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[key] == t {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		fn()
	})
	s.timers[key] = t
}

func (s *TimerScheduler) Cancel(key int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// Stop cancels every pending callback.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// ManualScheduler holds callbacks until Fire is called. Used by tests and by
// one-shot CLI runs that drive dispatch themselves.
type ManualScheduler struct {
	mu      sync.Mutex
	pending map[int]func()
	delays  map[int]time.Duration
	count   map[int]int
}

func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{
		pending: make(map[int]func()),
		delays:  make(map[int]time.Duration),
		count:   make(map[int]int),
	}
}

func (s *ManualScheduler) Schedule(key int, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = fn
	s.delays[key] = delay
	s.count[key]++
}

func (s *ManualScheduler) Cancel(key int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	delete(s.delays, key)
}

// Pending reports whether key has a callback waiting.
func (s *ManualScheduler) Pending(key int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Delay returns the delay of the pending callback for key.
func (s *ManualScheduler) Delay(key int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delays[key]
}

// Scheduled returns how many times key was scheduled, replacements included.
func (s *ManualScheduler) Scheduled(key int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count[key]
}

// Fire runs the pending callback for key on the calling goroutine.
// Returns false if nothing was pending.
func (s *ManualScheduler) Fire(key int) bool {
	s.mu.Lock()
	fn, ok := s.pending[key]
	delete(s.pending, key)
	delete(s.delays, key)
	s.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

// FireAll runs every pending callback in key order until none remain.
// Callbacks scheduled while firing run in the same call.
func (s *ManualScheduler) FireAll() int {
	n := 0
	for {
		s.mu.Lock()
		keys := make([]int, 0, len(s.pending))
		for k := range s.pending {
			keys = append(keys, k)
		}
		s.mu.Unlock()
		if len(keys) == 0 {
			return n
		}
		sort.Ints(keys)
		for _, k := range keys {
			if s.Fire(k) {
				n++
			}
		}
	}
}
