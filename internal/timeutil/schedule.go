package timeutil

import (
	"cmp"
	"math"
	"slices"
	"time"
)

// Schedule holds named deadlines and arms one timer for the earliest of them.
type Schedule[K cmp.Ordered] struct {
	deadlines map[K]time.Time
	durations map[K]time.Duration
	tmr       *time.Timer
}

// NewSchedule creates an empty schedule.
func NewSchedule[K cmp.Ordered]() *Schedule[K] {
	tmr := time.NewTimer(time.Duration(math.MaxInt64))
	tmr.Stop()
	return &Schedule[K]{
		deadlines: make(map[K]time.Time),
		durations: make(map[K]time.Duration),
		tmr:       tmr,
	}
}

// C returns the channel that receives when the earliest deadline expires.
func (s *Schedule[K]) C() <-chan time.Time { return s.tmr.C }

// Start sets the deadline of key to now+d, replacing any previous deadline of key.
// A non-positive d expires immediately.
func (s *Schedule[K]) Start(key K, d time.Duration) time.Time {
	d = max(d, 0)
	at := time.Now().Add(d)
	s.deadlines[key] = at
	s.durations[key] = d
	s.rearm()
	return at
}

// Stop removes the deadline of key and reports whether it was active.
func (s *Schedule[K]) Stop(key K) bool {
	if _, ok := s.deadlines[key]; !ok {
		return false
	}
	delete(s.deadlines, key)
	delete(s.durations, key)
	s.rearm()
	return true
}

// Clear removes all deadlines.
func (s *Schedule[K]) Clear() {
	clear(s.deadlines)
	clear(s.durations)
	s.tmr.Stop()
}

// Active reports whether key has a pending deadline.
func (s *Schedule[K]) Active(key K) bool {
	_, ok := s.deadlines[key]
	return ok
}

// Duration returns the duration key was last started with.
func (s *Schedule[K]) Duration(key K) (time.Duration, bool) {
	d, ok := s.durations[key]
	return d, ok
}

// Len returns the number of pending deadlines.
func (s *Schedule[K]) Len() int { return len(s.deadlines) }

// Due removes and returns the keys whose deadlines have expired,
// ordered by deadline and then by key. The timer is re-armed for the rest.
func (s *Schedule[K]) Due() []K {
	now := time.Now()
	var due []K
	for k, at := range s.deadlines {
		if !at.After(now) {
			due = append(due, k)
		}
	}
	slices.SortFunc(due, func(a, b K) int {
		if c := s.deadlines[a].Compare(s.deadlines[b]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	for _, k := range due {
		delete(s.deadlines, k)
	}
	s.rearm()
	return due
}

func (s *Schedule[K]) rearm() {
	var (
		next  time.Time
		found bool
	)
	for _, at := range s.deadlines {
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	if !found {
		s.tmr.Stop()
		return
	}
	s.tmr.Reset(max(time.Until(next), 0))
}
