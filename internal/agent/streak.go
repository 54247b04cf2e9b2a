package agent

import "sync"

// Streak tracks consecutive failures. Any success resets it; the count
// never goes negative. Crossing the limit forces the conversation to
// close instead of looping on a broken dependency. Safe for use from
// the dispatcher and the session's error watchers at once.
type Streak struct {
	mu    sync.Mutex
	count int
	max   int
}

// NewStreak builds a streak with the given limit. Limits below one are
// clamped to one.
func NewStreak(max int) *Streak {
	if max < 1 {
		max = 1
	}
	return &Streak{max: max}
}

// Fail records one failure.
func (s *Streak) Fail() {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
}

// Succeed resets the count.
func (s *Streak) Succeed() {
	s.mu.Lock()
	s.count = 0
	s.mu.Unlock()
}

// Count returns the current consecutive failure count.
func (s *Streak) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Exceeded reports whether the failure limit has been reached.
func (s *Streak) Exceeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count >= s.max
}
